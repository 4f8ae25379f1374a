package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cubefs/dbcache/common/arena"
	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/scheduler"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T, size int64) *Catalog {
	c, err := Open(context.Background(), &Config{
		Region:        arena.RegionConfig{Size: size},
		StringBuckets: 16,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func sync1(t *testing.T, c *Catalog, b *proto.Batch) *proto.SyncResult {
	res, err := c.SyncConfiguration(context.Background(), b)
	require.NoError(t, err)
	return res
}

func agentItem(id proto.ItemID, host proto.HostID, key string) proto.ItemChange {
	return proto.ItemChange{Item: proto.Item{
		ID: id, HostID: host, Key: key, Type: proto.ItemTypeAgent, Delay: "30s",
	}}
}

func refcount(c *Catalog, s string) uint32 {
	ref, ok := c.v.pool.LookupString(s)
	if !ok {
		return 0
	}
	return c.v.pool.Refcount(ref)
}

func TestCatalog_SyncAndLookup(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)

	res := sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{
			{Host: proto.Host{ID: 1, Name: "web01", Groups: []proto.GroupID{7, 3}}},
			{Host: proto.Host{ID: 2, Name: "web02"}},
		},
		Items: []proto.ItemChange{
			agentItem(10, 1, "system.cpu.load"),
			agentItem(11, 2, "system.cpu.load"),
			agentItem(12, 1, "agent.ping"),
		},
		Triggers: []proto.TriggerChange{
			{Trigger: proto.Trigger{ID: 100, Description: "high load", Expression: "{1000}>5"}},
		},
		Functions: []proto.FunctionChange{
			{Function: proto.Function{ID: 1000, ItemID: 10, TriggerID: 100, Name: "avg", Parameter: "5m"}},
		},
	})
	require.True(t, res.OK(), "%v", res.Failed)
	require.Len(t, res.Applied, 7)

	// both items share one interned key
	require.Equal(t, uint32(2), refcount(c, "system.cpu.load"))
	require.Equal(t, uint32(1), refcount(c, "agent.ping"))

	host, err := c.LookupHost(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "web01", host.Name)
	require.Equal(t, []proto.GroupID{3, 7}, host.Groups)

	it, err := c.LookupItemByKey(ctx, 2, "system.cpu.load")
	require.NoError(t, err)
	require.Equal(t, proto.ItemID(11), it.ID)
	require.Equal(t, proto.PollerNormal, it.PollerType)
	require.Equal(t, proto.SchedQueued, it.SchedState)
	_, err = c.LookupItemByKey(ctx, 2, "agent.ping")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	_, err = c.LookupItemByKey(ctx, 1, "never.interned")
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	items, err := c.LookupItemsByHost(ctx, 1)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, proto.ItemID(10), items[0].ID)
	require.Equal(t, proto.ItemID(12), items[1].ID)

	triggers, err := c.TriggersByItem(ctx, 10)
	require.NoError(t, err)
	require.Len(t, triggers, 1)
	require.Equal(t, "high load", triggers[0].Description)
	functions, err := c.FunctionsByItem(ctx, 10)
	require.NoError(t, err)
	require.Len(t, functions, 1)
	require.Equal(t, "5m", functions[0].Parameter)
	functions, err = c.FunctionsByTrigger(ctx, 100)
	require.NoError(t, err)
	require.Len(t, functions, 1)

	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, uint32(1), it.FunctionRefs)

	// update renames the key: old string loses a reference
	res = sync1(t, c, &proto.Batch{Items: []proto.ItemChange{agentItem(11, 2, "system.cpu.util")}})
	require.True(t, res.OK())
	require.Equal(t, uint32(1), refcount(c, "system.cpu.load"))
	require.Equal(t, uint32(1), refcount(c, "system.cpu.util"))
	_, err = c.LookupItemByKey(ctx, 2, "system.cpu.load")
	require.ErrorIs(t, err, apierrors.ErrNotFound)

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, st.Hosts)
	require.Equal(t, 3, st.Items)
	require.Equal(t, 3, st.Queue[proto.PollerNormal.String()])
	require.NoError(t, c.v.a.Check())
}

func TestCatalog_Refcounts(t *testing.T) {
	c := newTestCatalog(t, 1<<20)

	hosts := []proto.HostChange{{Host: proto.Host{ID: 1, Name: "db01"}}}
	triggers := []proto.TriggerChange{{Trigger: proto.Trigger{ID: 1, Description: "disk", Expression: "x"}}}
	load := &proto.Batch{Hosts: hosts, Triggers: triggers}
	for i := 1; i <= 50; i++ {
		item := agentItem(proto.ItemID(i), 1, fmt.Sprintf("vfs.fs.size[/data%d,free]", i))
		item.Item.Delay = "1m"
		load.Items = append(load.Items, item)
		load.Functions = append(load.Functions, proto.FunctionChange{Function: proto.Function{
			ID: proto.FunctionID(i), ItemID: proto.ItemID(i), TriggerID: 1, Name: "last",
		}})
	}
	unload := &proto.Batch{
		Hosts:    []proto.HostChange{{Op: proto.OpDelete, Host: hosts[0].Host}},
		Triggers: []proto.TriggerChange{{Op: proto.OpDelete, Trigger: triggers[0].Trigger}},
	}

	var baseline uint64
	for round := 0; round < 2; round++ {
		res := sync1(t, c, load)
		require.True(t, res.OK(), "%v", res.Failed)
		require.Equal(t, uint32(1), refcount(c, "vfs.fs.size[/data1,free]"))
		require.Equal(t, uint32(50), refcount(c, "last"))
		require.Equal(t, uint32(50), refcount(c, "1m"))

		res = sync1(t, c, unload)
		require.True(t, res.OK(), "%v", res.Failed)
		st, err := c.Stats(context.Background())
		require.NoError(t, err)
		require.Zero(t, st.Hosts)
		require.Zero(t, st.Items)
		require.Zero(t, st.DeferredItems)
		require.Zero(t, st.Functions)
		require.Zero(t, c.v.pool.Len())
		require.NoError(t, c.v.a.Check())

		// the string table may grow in the first round, nothing leaks after
		if round == 0 {
			baseline = c.v.a.Stats().Used
			continue
		}
		require.Equal(t, baseline, c.v.a.Stats().Used)
	}

	// deleting what is already gone is not an error
	res := sync1(t, c, unload)
	require.True(t, res.OK())
}

func TestCatalog_DeferredDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	sync1(t, c, &proto.Batch{
		Hosts:     []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items:     []proto.ItemChange{agentItem(10, 1, "net.if.in[eth0]")},
		Triggers:  []proto.TriggerChange{{Trigger: proto.Trigger{ID: 5, Expression: "e"}}},
		Functions: []proto.FunctionChange{{Function: proto.Function{ID: 50, ItemID: 10, TriggerID: 5, Name: "last"}}},
	})

	res := sync1(t, c, &proto.Batch{Items: []proto.ItemChange{{Op: proto.OpDelete, Item: proto.Item{ID: 10}}}})
	require.True(t, res.OK())
	_, err := c.LookupItem(ctx, 10)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	items, err := c.LookupItemsByHost(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, items)
	st, _ := c.Stats(ctx)
	require.Equal(t, 1, st.DeferredItems)
	require.Zero(t, st.Queue[proto.PollerNormal.String()])
	// still allocated while the function points at it
	require.Equal(t, uint32(1), refcount(c, "net.if.in[eth0]"))

	// a function cannot be attached to a deleted item
	res = sync1(t, c, &proto.Batch{Functions: []proto.FunctionChange{
		{Function: proto.Function{ID: 51, ItemID: 10, TriggerID: 5, Name: "min"}},
	}})
	require.Len(t, res.Failed, 1)
	require.ErrorIs(t, res.Failed[0].Err, apierrors.ErrDanglingReference)

	res = sync1(t, c, &proto.Batch{Triggers: []proto.TriggerChange{{Op: proto.OpDelete, Trigger: proto.Trigger{ID: 5}}}})
	require.True(t, res.OK())
	st, _ = c.Stats(ctx)
	require.Zero(t, st.DeferredItems)
	require.Zero(t, st.Functions)
	require.Zero(t, refcount(c, "net.if.in[eth0]"))
	require.NoError(t, c.v.a.Check())
}

func TestCatalog_PartialFailure(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 48<<10)
	res := sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items: []proto.ItemChange{agentItem(1, 1, "agent.ping")},
	})
	require.True(t, res.OK())

	b := &proto.Batch{}
	pad := strings.Repeat("x", 120)
	for i := 2; i <= 400; i++ {
		b.Items = append(b.Items, agentItem(proto.ItemID(i), 1, fmt.Sprintf("key.%d.%s", i, pad)))
	}
	b.Items = append(b.Items, agentItem(1000, 99, "orphan"))
	res = sync1(t, c, b)
	require.Equal(t, len(b.Items), len(res.Applied)+len(res.Failed))
	require.NotEmpty(t, res.Applied)
	require.Greater(t, len(res.Failed), 1)

	for _, f := range res.Failed {
		if f.ID == 1000 {
			require.ErrorIs(t, f.Err, apierrors.ErrDanglingReference)
			continue
		}
		require.ErrorIs(t, f.Err, apierrors.ErrOutOfMemory)
		require.True(t, apierrors.Retryable(f.Err))
		_, err := c.LookupItem(ctx, f.ID)
		require.ErrorIs(t, err, apierrors.ErrNotFound)
	}
	for _, a := range res.Applied {
		it, err := c.LookupItem(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("key.%d.%s", a.ID, pad), it.Key)
	}
	// what was cached before keeps being served
	it, err := c.LookupItem(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "agent.ping", it.Key)
	require.NoError(t, c.v.a.Check())

	// a failed update leaves the old record untouched
	res = sync1(t, c, &proto.Batch{Items: []proto.ItemChange{agentItem(1, 1, "agent.ping."+strings.Repeat("y", 64<<10))}})
	require.Len(t, res.Failed, 1)
	it, err = c.LookupItem(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "agent.ping", it.Key)
}

func TestCatalog_PollAndReport(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	before := time.Now()
	sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items: []proto.ItemChange{agentItem(10, 1, "agent.ping")},
	})
	it, err := c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.True(t, it.NextCheck.After(before.Add(-time.Second)))
	require.LessOrEqual(t, it.NextCheck.Sub(before), 31*time.Second)

	next, ok, err := c.NextDue(ctx, proto.PollerNormal)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, next.Equal(it.NextCheck))

	claims, err := c.PollDueItems(ctx, proto.PollerNormal, 10, it.NextCheck.Add(-time.Second))
	require.NoError(t, err)
	require.Empty(t, claims)

	now := it.NextCheck
	claims, err = c.PollDueItems(ctx, proto.PollerNormal, 10, now)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.Equal(t, "agent.ping", claims[0].Item.Key)
	require.NotZero(t, claims[0].Token)

	// claimed items are not handed out twice
	again, err := c.PollDueItems(ctx, proto.PollerNormal, 10, now.Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, again)
	_, ok, err = c.NextDue(ctx, proto.PollerNormal)
	require.NoError(t, err)
	require.False(t, ok)

	err = c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token + 1, Timestamp: now})
	require.ErrorIs(t, err, apierrors.ErrStaleClaim)
	require.NoError(t, c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token, Timestamp: now}))
	err = c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token, Timestamp: now})
	require.ErrorIs(t, err, apierrors.ErrStaleClaim)

	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.SchedQueued, it.SchedState)
	require.True(t, it.LastCheck.Equal(now))
	require.Equal(t, 30*time.Second, it.NextCheck.Sub(now))

	_, err = c.PollDueItems(ctx, proto.PollerNone, 1, now)
	require.ErrorIs(t, err, apierrors.ErrUnknownPollerType)
}

func TestCatalog_ConcurrentClaims(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 4<<20)
	b := &proto.Batch{Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}}}
	const n = 500
	for i := 1; i <= n; i++ {
		b.Items = append(b.Items, agentItem(proto.ItemID(i), 1, fmt.Sprintf("k%d", i)))
	}
	require.True(t, sync1(t, c, b).OK())

	now := time.Now().Add(time.Hour)
	var mu sync.Mutex
	seen := make(map[proto.ItemID]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claims, err := c.PollDueItems(ctx, proto.PollerNormal, 7, now)
				if err != nil {
					t.Error(err)
					return
				}
				if len(claims) == 0 {
					return
				}
				mu.Lock()
				for _, cl := range claims {
					seen[cl.Item.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, seen, n)
	for id, cnt := range seen {
		require.Equal(t, 1, cnt, "item %d", id)
	}
}

func TestCatalog_Backoff(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h", Available: proto.Available}}},
		Items: []proto.ItemChange{agentItem(10, 1, "agent.ping")},
	})

	ts := time.Now().Truncate(time.Second).Add(time.Hour)
	pt := proto.PollerNormal
	prev := time.Duration(0)
	var delays []time.Duration
	for i := 0; i < 8; i++ {
		claims, err := c.PollDueItems(ctx, pt, 1, ts)
		require.NoError(t, err)
		require.Len(t, claims, 1)
		require.NoError(t, c.ReportResult(ctx, proto.Result{
			ItemID: 10, Token: claims[0].Token, Kind: proto.ResultNetworkError, Error: "timeout", Timestamp: ts,
		}))
		it, err := c.LookupItem(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, proto.PollerUnreachable, it.PollerType)
		require.Equal(t, proto.SchedBackoff, it.SchedState)
		require.Equal(t, uint32(i+1), it.Failures)

		d := it.NextCheck.Sub(ts)
		if prev < 300*time.Second {
			require.Greater(t, d, prev)
		} else {
			require.Equal(t, prev, d)
		}
		require.LessOrEqual(t, d, 300*time.Second)
		delays = append(delays, d)
		prev = d
		ts = it.NextCheck
		pt = proto.PollerUnreachable
	}
	require.Equal(t, 15*time.Second, delays[0])
	require.Equal(t, 300*time.Second, delays[len(delays)-1])

	host, err := c.LookupHost(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, proto.Unavailable, host.Available)

	claims, err := c.PollDueItems(ctx, proto.PollerUnreachable, 1, ts)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NoError(t, c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token, Timestamp: ts}))
	it, err := c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.PollerNormal, it.PollerType)
	require.Zero(t, it.Failures)
	require.Equal(t, proto.SchedQueued, it.SchedState)
	host, err = c.LookupHost(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, proto.Available, host.Available)
	require.True(t, host.ErrorsFrom.IsZero())
}

func TestCatalog_NotSupported(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items: []proto.ItemChange{agentItem(10, 1, "no.such.key")},
	})
	ts := time.Now().Add(time.Hour)
	claims, err := c.PollDueItems(ctx, proto.PollerNormal, 1, ts)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NoError(t, c.ReportResult(ctx, proto.Result{
		ItemID: 10, Token: claims[0].Token, Kind: proto.ResultNotSupported, Error: "unsupported item key", Timestamp: ts,
	}))
	it, err := c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.ItemStatusNotSupported, it.Status)
	require.Equal(t, "unsupported item key", it.Error)
	require.Greater(t, it.NextCheck.Sub(ts), time.Duration(0))
	require.LessOrEqual(t, it.NextCheck.Sub(ts), 600*time.Second)

	// a configuration resync keeps the runtime state
	sync1(t, c, &proto.Batch{Items: []proto.ItemChange{agentItem(10, 1, "no.such.key")}})
	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.ItemStatusNotSupported, it.Status)
	require.Equal(t, "unsupported item key", it.Error)
	require.EqualValues(t, 1, refcount(c, "unsupported item key"))

	claims, err = c.PollDueItems(ctx, proto.PollerNormal, 1, it.NextCheck)
	require.NoError(t, err)
	require.Len(t, claims, 1)
	require.NoError(t, c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token, Timestamp: it.NextCheck}))
	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.ItemStatusActive, it.Status)
	require.Empty(t, it.Error)
	require.Zero(t, refcount(c, "unsupported item key"))
}

func TestCatalog_ReapStaleClaims(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items: []proto.ItemChange{agentItem(10, 1, "agent.ping")},
	})
	now := time.Now().Add(time.Hour)
	claims, err := c.PollDueItems(ctx, proto.PollerNormal, 1, now)
	require.NoError(t, err)
	require.Len(t, claims, 1)

	n, err := c.ReapStaleClaims(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = c.ReapStaleClaims(ctx, now.Add(121*time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	err = c.ReportResult(ctx, proto.Result{ItemID: 10, Token: claims[0].Token, Timestamp: now})
	require.ErrorIs(t, err, apierrors.ErrStaleClaim)

	again, err := c.PollDueItems(ctx, proto.PollerNormal, 1, now.Add(121*time.Second))
	require.NoError(t, err)
	require.Len(t, again, 1)
	require.NotEqual(t, claims[0].Token, again[0].Token)
}

func TestCatalog_Maintenance(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	now := time.Now()
	host := proto.Host{ID: 1, Name: "h", MaintenanceFrom: now.Add(-time.Hour), MaintenanceTo: now.Add(time.Hour).Truncate(time.Second)}
	sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: host}},
		Items: []proto.ItemChange{agentItem(10, 1, "agent.ping")},
	})
	it, err := c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.SchedSuppressed, it.SchedState)
	require.True(t, it.NextCheck.Equal(host.MaintenanceTo))

	// leaving maintenance reschedules the host items
	host.MaintenanceFrom, host.MaintenanceTo = time.Time{}, time.Time{}
	require.True(t, sync1(t, c, &proto.Batch{Hosts: []proto.HostChange{{Host: host}}}).OK())
	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.SchedQueued, it.SchedState)
	require.LessOrEqual(t, time.Until(it.NextCheck), 31*time.Second)

	// a window opening later suppresses on the next reschedule
	host.MaintenanceFrom, host.MaintenanceTo = time.Now(), time.Now().Add(2*time.Hour).Truncate(time.Second)
	require.True(t, sync1(t, c, &proto.Batch{Hosts: []proto.HostChange{{Host: host}}}).OK())
	_, err = c.Reschedule(ctx, time.Now())
	require.NoError(t, err)
	it, err = c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.SchedSuppressed, it.SchedState)
	require.True(t, it.NextCheck.Equal(host.MaintenanceTo))
}

func TestCatalog_UnschedulableItems(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	bad := agentItem(10, 1, "agent.ping")
	bad.Item.Delay = "every now and then"
	trap := proto.ItemChange{Item: proto.Item{ID: 11, HostID: 1, Key: "trap", Type: proto.ItemTypeTrapper}}
	disabled := agentItem(12, 1, "agent.version")
	disabled.Item.Status = proto.ItemStatusDisabled
	proxied := agentItem(20, 2, "agent.ping")

	res := sync1(t, c, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}, {Host: proto.Host{ID: 2, Name: "p", ProxyID: 77}}},
		Items: []proto.ItemChange{bad, trap, disabled, proxied},
	})
	require.True(t, res.OK(), "%v", res.Failed)

	states := map[proto.ItemID]proto.SchedState{
		10: proto.SchedInvalid, 11: proto.SchedUnscheduled, 12: proto.SchedDisabled, 20: proto.SchedUnscheduled,
	}
	for id, state := range states {
		it, err := c.LookupItem(ctx, id)
		require.NoError(t, err)
		require.Equal(t, state, it.SchedState, "item %d", id)
		require.True(t, scheduler.IsNever(it.NextCheck))
	}
	for _, pt := range proto.PollerTypes() {
		claims, err := c.PollDueItems(ctx, pt, 10, time.Now().Add(24*time.Hour))
		require.NoError(t, err)
		require.Empty(t, claims)
	}

	// fixing the interval schedules the item
	bad.Item.Delay = "1m"
	require.True(t, sync1(t, c, &proto.Batch{Items: []proto.ItemChange{bad}}).OK())
	it, err := c.LookupItem(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, proto.SchedQueued, it.SchedState)
}

func TestCatalog_ForEachItemMaybeUpdate(t *testing.T) {
	ctx := context.Background()
	c := newTestCatalog(t, 1<<20)
	b := &proto.Batch{Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}}}
	for i := 1; i <= 10; i++ {
		b.Items = append(b.Items, agentItem(proto.ItemID(i), 1, fmt.Sprintf("k%d", i)))
	}
	sync1(t, c, b)

	var visited []proto.ItemID
	n, err := c.ForEachItemMaybeUpdate(ctx,
		func(it *proto.Item) bool {
			visited = append(visited, it.ID)
			return it.ID%2 == 0
		},
		func(it *proto.Item) bool {
			it.SchedState = proto.SchedDisabled
			it.NextCheck = scheduler.Never
			return true
		})
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.True(t, sort.SliceIsSorted(visited, func(i, j int) bool { return visited[i] < visited[j] }))

	claims, err := c.PollDueItems(ctx, proto.PollerNormal, 100, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claims, 5)
	for _, cl := range claims {
		require.Equal(t, proto.ItemID(1), cl.Item.ID%2)
	}
}

func TestCatalog_Attach(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.shm")
	region := arena.RegionConfig{Size: 1 << 20, Shared: true, Path: path}

	c1, err := Open(ctx, &Config{Region: region})
	require.NoError(t, err)
	defer c1.Close()
	sync1(t, c1, &proto.Batch{
		Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}},
		Items: []proto.ItemChange{agentItem(10, 1, "agent.ping")},
	})

	c2, err := Open(ctx, &Config{Region: region, Attach: true})
	require.NoError(t, err)
	defer c2.Close()
	it, err := c2.LookupItemByKey(ctx, 1, "agent.ping")
	require.NoError(t, err)
	require.Equal(t, proto.ItemID(10), it.ID)

	// changes made through one mapping show up in the other
	sync1(t, c1, &proto.Batch{Items: []proto.ItemChange{agentItem(11, 1, "agent.version")}})
	it, err = c2.LookupItem(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, "agent.version", it.Key)

	claims, err := c2.PollDueItems(ctx, proto.PollerNormal, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claims, 2)
	claims, err = c1.PollDueItems(ctx, proto.PollerNormal, 10, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, claims)
}

func TestCatalog_AttachCatchUp(t *testing.T) {
	ctx := context.Background()
	region := arena.RegionConfig{Size: 8 << 20, Shared: true, Path: filepath.Join(t.TempDir(), "cache.shm")}
	c1, err := Open(ctx, &Config{Region: region, ChangeLog: 64})
	require.NoError(t, err)
	defer c1.Close()

	b := &proto.Batch{Hosts: []proto.HostChange{{Host: proto.Host{ID: 1, Name: "h"}}}}
	for i := 1; i <= 2000; i++ {
		b.Items = append(b.Items, agentItem(proto.ItemID(i), 1, fmt.Sprintf("key.%d", i)))
	}
	require.True(t, sync1(t, c1, b).OK())

	c2, err := Open(ctx, &Config{Region: region, Attach: true})
	require.NoError(t, err)
	defer c2.Close()
	st, err := c2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2000, st.Items)
	base := st.IndexReplayed

	// a small change costs the other process only the entities it touched,
	// however large the cache is
	for i := 0; i < 10; i++ {
		id := proto.ItemID(5000 + i)
		sync1(t, c1, &proto.Batch{Items: []proto.ItemChange{agentItem(id, 1, fmt.Sprintf("new.%d", i))}})
		it, err := c2.LookupItem(ctx, id)
		require.NoError(t, err)
		require.Equal(t, fmt.Sprintf("new.%d", i), it.Key)
		st, err = c2.Stats(ctx)
		require.NoError(t, err)
		require.Zero(t, st.IndexRebuilds)
		require.Equal(t, base+i+1, st.IndexReplayed)
	}

	// key renames move the key lookup
	sync1(t, c1, &proto.Batch{Items: []proto.ItemChange{agentItem(1, 1, "key.renamed")}})
	_, err = c2.LookupItemByKey(ctx, 1, "key.1")
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	it, err := c2.LookupItemByKey(ctx, 1, "key.renamed")
	require.NoError(t, err)
	require.Equal(t, proto.ItemID(1), it.ID)

	// claims made by one process are seen by the other
	claims, err := c2.PollDueItems(ctx, proto.PollerNormal, 5, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, claims, 5)
	st, err = c1.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, st.Claimed)
	require.Equal(t, 5, st.IndexReplayed)
	require.Zero(t, st.IndexRebuilds)
	for _, cl := range claims {
		it, err := c1.LookupItem(ctx, cl.Item.ID)
		require.NoError(t, err)
		require.Equal(t, proto.SchedClaimed, it.SchedState)
	}
	require.NoError(t, c1.ReportResult(ctx, proto.Result{
		ItemID: claims[0].Item.ID, Token: claims[0].Token, Timestamp: time.Now(),
	}))
	st, err = c2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, st.Claimed)

	// deferred deletes and cascades
	sync1(t, c1, &proto.Batch{
		Triggers:  []proto.TriggerChange{{Trigger: proto.Trigger{ID: 1, Expression: "e"}}},
		Functions: []proto.FunctionChange{{Function: proto.Function{ID: 1, ItemID: 7, TriggerID: 1, Name: "last"}}},
	})
	fs, err := c2.FunctionsByItem(ctx, 7)
	require.NoError(t, err)
	require.Len(t, fs, 1)
	sync1(t, c1, &proto.Batch{Items: []proto.ItemChange{{Op: proto.OpDelete, Item: proto.Item{ID: 7}}}})
	_, err = c2.LookupItem(ctx, 7)
	require.ErrorIs(t, err, apierrors.ErrNotFound)
	st, err = c2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.DeferredItems)
	sync1(t, c1, &proto.Batch{Triggers: []proto.TriggerChange{{Op: proto.OpDelete, Trigger: proto.Trigger{ID: 1}}}})
	st, err = c2.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.DeferredItems)
	require.Zero(t, st.Functions)
	require.Zero(t, st.Triggers)
	require.Zero(t, st.IndexRebuilds)

	// more changes than the log keeps fall back to a full rebuild
	sync1(t, c1, &proto.Batch{Hosts: []proto.HostChange{{Op: proto.OpDelete, Host: proto.Host{ID: 1}}}})
	st, err = c2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.IndexRebuilds)
	require.Zero(t, st.Hosts)
	require.Zero(t, st.Items)
	require.Zero(t, st.Claimed)
	require.NoError(t, c2.v.a.Check())
}

func TestCatalog_Closed(t *testing.T) {
	c, err := Open(context.Background(), &Config{Region: arena.RegionConfig{Size: 1 << 20}})
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	_, err = c.LookupItem(context.Background(), 1)
	require.ErrorIs(t, err, apierrors.ErrClosed)
}
