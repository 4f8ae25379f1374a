package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/metrics"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/scheduler"
)

// PollDueItems claims up to max items of the poller type whose next check is
// not after now, earliest first. A claimed item leaves the queue until its
// result is reported or the claim times out, so no item is held by two
// workers at once.
func (c *Catalog) PollDueItems(ctx context.Context, pt proto.PollerType, max int, now time.Time) ([]proto.Claim, error) {
	if !pt.Valid() || pt == proto.PollerNone {
		return nil, fmt.Errorf("%w: %d", apierrors.ErrUnknownPollerType, pt)
	}
	if max <= 0 {
		return nil, nil
	}
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ids := c.idx.dueBefore(pt, now.UnixNano(), max)
	if len(ids) == 0 {
		return nil, nil
	}
	claims := make([]proto.Claim, 0, len(ids))
	for _, id := range ids {
		h := c.idx.items[id]
		r := c.v.rec(h)
		token := c.nextToken()
		r.setU64(oItemToken, token)
		r.setTime(oItemClaimedAt, now)
		r[oItemState] = byte(proto.SchedClaimed)
		c.idx.requeue(id, r)
		claims = append(claims, proto.Claim{Item: *c.v.item(h), Token: token, ClaimedAt: now})
	}
	c.commit()
	metrics.Claims.WithLabelValues(pt.String()).Add(float64(len(claims)))
	return claims, nil
}

// ReportResult completes a claim and schedules the next check of the item.
func (c *Catalog) ReportResult(ctx context.Context, res proto.Result) error {
	span := trace.SpanFromContextSafe(ctx)
	release, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	h, ok := c.idx.items[res.ItemID]
	if !ok {
		return fmt.Errorf("%w: item %d is gone", apierrors.ErrStaleClaim, res.ItemID)
	}
	r := c.v.rec(h)
	if proto.SchedState(r[oItemState]) != proto.SchedClaimed || r.u64(oItemToken) != res.Token || res.Token == 0 {
		return fmt.Errorf("%w: item %d token %d", apierrors.ErrStaleClaim, res.ItemID, res.Token)
	}
	now := res.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	it := c.v.item(h)
	hh, ok := c.idx.hosts[it.HostID]
	if !ok {
		return fmt.Errorf("%w: host %d of item %d", apierrors.ErrDanglingReference, it.HostID, it.ID)
	}
	host := c.v.host(hh)
	hr := c.v.rec(hh)

	it.LastCheck = now
	var d scheduler.Decision
	switch res.Kind {
	case proto.ResultSuccess:
		it.Failures = 0
		if it.Status == proto.ItemStatusNotSupported {
			it.Status = proto.ItemStatusActive
			c.setItemError(r, "")
		}
		if c.sched.HostRecovered(host) {
			hr.writeHostState(host)
			span.Infof("host %d is available again", host.ID)
		}
		d, err = c.sched.Plan(it, host, now)
	case proto.ResultNetworkError:
		it.Failures++
		if c.sched.HostFailed(host, now) {
			hr.writeHostState(host)
			span.Warnf("host %d is %s: %s", host.ID, host.Available, res.Error)
		}
		d = c.sched.PlanFailure(it, host, now)
	case proto.ResultNotSupported:
		it.Failures = 0
		it.Status = proto.ItemStatusNotSupported
		c.setItemError(r, res.Error)
		if c.sched.HostRecovered(host) {
			hr.writeHostState(host)
		}
		d, err = c.sched.Plan(it, host, now)
	default:
		return fmt.Errorf("%w: result kind %d", apierrors.ErrInvalidEntity, res.Kind)
	}
	if err != nil {
		c.invalidInterval(ctx, it, err)
	}
	metrics.Results.WithLabelValues(resultLabel(res.Kind)).Inc()

	r[oItemStatus] = byte(it.Status)
	r.setU64(oItemToken, 0)
	r.setTime(oItemClaimedAt, time.Time{})
	it.NextCheck, it.PollerType, it.SchedState = d.NextCheck, d.PollerType, d.State
	r.writeItemSched(it)
	c.idx.requeue(it.ID, r)
	c.commit()
	return nil
}

// setItemError replaces the error message; on allocation failure the old
// message is kept.
func (c *Catalog) setItemError(r record, msg string) {
	in := interner{pool: c.v.pool}
	ref := in.intern(msg)
	if in.err != nil {
		return
	}
	if old := r.ref(oItemError); old != 0 {
		c.v.pool.Release(old)
	}
	r.setRef(oItemError, ref)
}

// ReapStaleClaims returns items claimed longer than the claim timeout to
// their queue, due at once. The old claim token is invalidated.
func (c *Catalog) ReapStaleClaims(ctx context.Context, now time.Time) (int, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	timeout := c.sched.ClaimTimeout()
	var stale []proto.ItemID
	for id := range c.idx.claimed {
		r := c.v.rec(c.idx.items[id])
		if now.Sub(r.time(oItemClaimedAt)) >= timeout {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		r := c.v.rec(c.idx.items[id])
		r.setU64(oItemToken, 0)
		r.setTime(oItemClaimedAt, time.Time{})
		r.setTime(oItemNextCheck, now)
		r[oItemState] = byte(proto.SchedQueued)
		c.idx.requeue(id, r)
	}
	if len(stale) > 0 {
		c.commit()
		metrics.ReapedClaims.Add(float64(len(stale)))
	}
	return len(stale), nil
}

// NextDue is the earliest next check queued for the poller type. ok is false
// when the queue is empty.
func (c *Catalog) NextDue(ctx context.Context, pt proto.PollerType) (next time.Time, ok bool, err error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return time.Time{}, false, err
	}
	defer release()

	e, ok := c.idx.first(pt)
	if !ok {
		return time.Time{}, false, nil
	}
	return time.Unix(0, e.next), true, nil
}

// ForEachItemMaybeUpdate visits every live item in ascending id order. Items
// accepted by predicate are passed to mutator, and when it returns true the
// runtime fields (status, error, scheduling state) of the item are written
// back. Configuration fields are only changed by SyncConfiguration. It
// returns the number of items updated.
func (c *Catalog) ForEachItemMaybeUpdate(ctx context.Context, predicate func(*proto.Item) bool,
	mutator func(*proto.Item) bool,
) (int, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	updated := c.forEachItem(predicate, mutator)
	if updated > 0 {
		c.commit()
	}
	return updated, nil
}

func (c *Catalog) forEachItem(predicate func(*proto.Item) bool, mutator func(*proto.Item) bool) int {
	ids := make([]proto.ItemID, 0, len(c.idx.items))
	for id := range c.idx.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	updated := 0
	for _, id := range ids {
		r := c.v.rec(c.idx.items[id])
		it := c.v.item(c.idx.items[id])
		if !predicate(it) || !mutator(it) {
			continue
		}
		if proto.SchedState(r[oItemState]) == proto.SchedClaimed && it.SchedState != proto.SchedClaimed {
			// releasing a claim invalidates its token
			r.setU64(oItemToken, 0)
			r.setTime(oItemClaimedAt, time.Time{})
		}
		if it.SchedState == proto.SchedClaimed && proto.SchedState(r[oItemState]) != proto.SchedClaimed {
			// claims are only handed out by PollDueItems
			it.SchedState = proto.SchedState(r[oItemState])
		}
		r[oItemStatus] = byte(it.Status)
		if it.Error != c.v.pool.String(r.ref(oItemError)) {
			c.setItemError(r, it.Error)
		}
		r.writeItemSched(it)
		c.idx.requeue(id, r)
		updated++
	}
	return updated
}

// Reschedule recomputes the next check of every item not currently claimed,
// after host maintenance or the time zone changed for instance.
func (c *Catalog) Reschedule(ctx context.Context, now time.Time) (int, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	updated := c.forEachItem(
		func(it *proto.Item) bool { return it.SchedState != proto.SchedClaimed },
		func(it *proto.Item) bool {
			d := c.decide(ctx, it, now)
			if d.NextCheck.Equal(it.NextCheck) && d.PollerType == it.PollerType && d.State == it.SchedState {
				return false
			}
			it.NextCheck, it.PollerType, it.SchedState = d.NextCheck, d.PollerType, d.State
			return true
		})
	if updated > 0 {
		c.commit()
	}
	return updated, nil
}

// replan schedules an item after its configuration or its host changed.
// Claimed items are left to the result report.
func (c *Catalog) replan(ctx context.Context, id proto.ItemID, now time.Time) {
	h, ok := c.idx.items[id]
	if !ok {
		return
	}
	r := c.v.rec(h)
	if proto.SchedState(r[oItemState]) == proto.SchedClaimed {
		return
	}
	it := c.v.item(h)
	d := c.decide(ctx, it, now)
	it.NextCheck, it.PollerType, it.SchedState = d.NextCheck, d.PollerType, d.State
	r.writeItemSched(it)
	c.idx.requeue(id, r)
}

func (c *Catalog) decide(ctx context.Context, it *proto.Item, now time.Time) scheduler.Decision {
	hh, ok := c.idx.hosts[it.HostID]
	if !ok {
		return scheduler.Decision{NextCheck: scheduler.Never, State: proto.SchedDisabled}
	}
	host := c.v.host(hh)
	if it.Failures > 0 {
		base := it.LastCheck
		if base.IsZero() {
			base = now
		}
		return c.sched.PlanFailure(it, host, base)
	}
	d, err := c.sched.Plan(it, host, now)
	if err != nil {
		c.invalidInterval(ctx, it, err)
	}
	return d
}

func (c *Catalog) invalidInterval(ctx context.Context, it *proto.Item, err error) {
	if !errors.Is(err, apierrors.ErrInvalidInterval) {
		return
	}
	metrics.InvalidIntervals.Inc()
	trace.SpanFromContextSafe(ctx).Warnf("item %d %q is not scheduled: %s", it.ID, it.Key, err)
}

func resultLabel(k proto.ResultKind) string {
	switch k {
	case proto.ResultNetworkError:
		return "network_error"
	case proto.ResultNotSupported:
		return "not_supported"
	}
	return "success"
}
