package catalog

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/dustin/go-humanize"

	"github.com/cubefs/dbcache/common/arena"
	"github.com/cubefs/dbcache/common/lock"
	"github.com/cubefs/dbcache/common/strpool"
	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/metrics"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/scheduler"
)

const (
	defaultReapIntervalS = 10
	// changes applied per lock acquisition during a sync
	syncChunk = 256
)

type Config struct {
	Region        arena.RegionConfig `json:"region"`
	Lock          lock.Config        `json:"lock"`
	StringBuckets int                `json:"string_buckets"`
	Scheduler     scheduler.Config   `json:"scheduler"`
	ReapIntervalS int                `json:"reap_interval_s"`
	// ChangeLog is the number of entity changes kept for attached processes
	// to catch up from. It is capped to a sixteenth of the region.
	ChangeLog int `json:"change_log"`
	// Attach adopts a cache another process formatted in a shared region
	// instead of formatting a new one.
	Attach bool `json:"attach"`
}

type Stats struct {
	Hosts         int            `json:"hosts"`
	Items         int            `json:"items"`
	DeferredItems int            `json:"deferred_items"`
	Triggers      int            `json:"triggers"`
	Functions     int            `json:"functions"`
	Claimed       int            `json:"claimed"`
	Queue         map[string]int `json:"queue"`
	Arena         arena.Stats    `json:"arena"`
	Strings       strpool.Stats  `json:"strings"`
	Lock          lock.Stats     `json:"lock"`
	// index catch-ups of this process after changes by others
	IndexRebuilds int `json:"index_rebuilds"`
	IndexReplayed int `json:"index_replayed"`
}

// Catalog is the configuration cache. All state lives in the arena; the
// index is a process local view rebuilt whenever another process changed the
// arena since this one last held the lock.
type Catalog struct {
	cfg    Config
	region *arena.Region
	mu     *lock.Mutex
	sched  *scheduler.Scheduler
	v      view
	hdr    arena.Handle
	log    changeLog

	// guarded by mu
	idx      *index
	seenGen  uint64
	seenSeq  uint64
	rebuilds int
	replayed int

	// held shared by every operation, exclusively by Close
	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func Open(ctx context.Context, cfg *Config) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	sched, err := scheduler.New(cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	region, err := arena.OpenRegion(cfg.Region)
	if err != nil {
		return nil, err
	}
	if region.Shared() && cfg.Lock.File == "" {
		cfg.Lock.File = region.Path() + ".lock"
	}
	mu, err := lock.New(cfg.Lock)
	if err != nil {
		region.Close()
		return nil, err
	}
	mu.SetObserver(observeLock)

	c := &Catalog{
		cfg:    *cfg,
		region: region,
		mu:     mu,
		sched:  sched,
		done:   make(chan struct{}),
	}
	if cfg.Attach {
		err = c.attach(ctx)
	} else {
		err = c.format()
	}
	if err != nil {
		mu.Close()
		region.Close()
		return nil, err
	}

	st := c.v.a.Stats()
	span.Infof("catalog opened, shared: %v, capacity: %s, used: %s, items: %d",
		region.Shared(), humanize.IBytes(st.Capacity), humanize.IBytes(st.Used), len(c.idx.items))

	c.wg.Add(1)
	go c.loop()
	return c, nil
}

func initConfig(cfg *Config) {
	if cfg.ReapIntervalS <= 0 {
		cfg.ReapIntervalS = defaultReapIntervalS
	}
	if cfg.ChangeLog <= 0 {
		cfg.ChangeLog = defaultChangeLog
	}
}

func (c *Catalog) format() error {
	a, err := arena.New(c.region.Bytes())
	if err != nil {
		return err
	}
	pool, err := strpool.New(a, c.cfg.StringBuckets)
	if err != nil {
		return errors.Info(err, "create string pool failed")
	}
	hdr, err := a.Allocate(hdrSize)
	if err != nil {
		return errors.Info(err, "allocate catalog header failed")
	}
	log := changeLog{cap: changeLogCap(c.cfg.ChangeLog, len(c.region.Bytes()))}
	if log.h, err = a.Allocate(log.size()); err != nil {
		return errors.Info(err, "allocate change log failed")
	}
	record(a.Bytes(log.h)).setU64(0, tagLog)

	r := record(a.Bytes(hdr))
	r.setU64(0, tagHeader)
	r.setU64(oHdrGeneration, 0)
	r.setU64(oHdrTokenSeq, 0)
	r.setU64(oHdrLogSeq, 0)
	r.setU64(oHdrLog, uint64(log.h))
	r.setU64(oHdrLogCap, log.cap)
	a.SetRoot(headerSlot, hdr)

	c.v = view{a: a, pool: pool}
	c.hdr = hdr
	c.log = log
	c.idx = newIndex()
	return nil
}

func (c *Catalog) attach(ctx context.Context) error {
	s, err := c.mu.Lock(ctx)
	if err != nil {
		return err
	}
	defer s.Unlock()

	a, err := arena.Attach(c.region.Bytes())
	if err != nil {
		return err
	}
	pool, err := strpool.Attach(a)
	if err != nil {
		return err
	}
	hdr := a.Root(headerSlot)
	if hdr == 0 || record(a.Bytes(hdr)).tag() != tagHeader {
		return apierrors.ErrArenaCorrupted
	}
	r := record(a.Bytes(hdr))
	log := changeLog{h: arena.Handle(r.u64(oHdrLog)), cap: r.u64(oHdrLogCap)}
	if log.cap == 0 || record(a.Bytes(log.h)).tag() != tagLog || a.Size(log.h) < log.size() {
		return apierrors.ErrArenaCorrupted
	}
	c.v = view{a: a, pool: pool}
	c.hdr = hdr
	c.log = log
	c.idx = rebuild(c.v)
	c.seenGen = c.generation()
	c.seenSeq = r.u64(oHdrLogSeq)
	return nil
}

// acquire takes the cache lock and brings the index up to date. The returned
// func releases it.
func (c *Catalog) acquire(ctx context.Context) (func(), error) {
	c.closeMu.RLock()
	if c.closed {
		c.closeMu.RUnlock()
		return nil, apierrors.ErrClosed
	}
	s, err := c.mu.Lock(ctx)
	if err != nil {
		c.closeMu.RUnlock()
		return nil, err
	}
	if g := c.generation(); g != c.seenGen {
		c.catchUp()
		c.seenGen = g
	}
	return func() {
		s.Unlock()
		c.closeMu.RUnlock()
	}, nil
}

// commit publishes changes made under the lock to other processes.
func (c *Catalog) commit() {
	c.seenSeq = c.publish()
	g := c.generation() + 1
	c.header().setU64(oHdrGeneration, g)
	c.seenGen = g
}

func (c *Catalog) header() record { return c.v.rec(c.hdr) }

func (c *Catalog) generation() uint64 { return c.header().u64(oHdrGeneration) }

func (c *Catalog) nextToken() uint64 {
	t := c.header().u64(oHdrTokenSeq) + 1
	c.header().setU64(oHdrTokenSeq, t)
	return t
}

func (c *Catalog) Stats(ctx context.Context) (*Stats, error) {
	release, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	st := &Stats{
		Hosts:         len(c.idx.hosts),
		Items:         len(c.idx.items),
		DeferredItems: len(c.idx.deferred),
		Triggers:      len(c.idx.triggers),
		Functions:     len(c.idx.functions),
		Claimed:       len(c.idx.claimed),
		Queue:         make(map[string]int, len(c.idx.depth)),
		Arena:         c.v.a.Stats(),
		Strings:       c.v.pool.Stats(),
		Lock:          c.mu.Stats(),
		IndexRebuilds: c.rebuilds,
		IndexReplayed: c.replayed,
	}
	for pt, n := range c.idx.depth {
		st.Queue[pt.String()] = n
	}
	return st, nil
}

// Scheduler exposes the scheduling policy the catalog applies.
func (c *Catalog) Scheduler() *scheduler.Scheduler { return c.sched }

func (c *Catalog) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	close(c.done)
	c.wg.Wait()

	// no operation is in flight once closed is set and the write lock is held
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.mu.Close()
	return c.region.Close()
}

// background task
func (c *Catalog) loop() {
	defer c.wg.Done()
	interval := time.Duration(c.cfg.ReapIntervalS) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			span, ctx := trace.StartSpanFromContext(context.Background(), "")
			if n, err := c.ReapStaleClaims(ctx, time.Now()); err != nil {
				span.Warnf("reap stale claims failed: %s", errors.Detail(err))
			} else if n > 0 {
				span.Infof("reaped %d stale claims", n)
			}
			if st, err := c.Stats(ctx); err == nil {
				publishStats(st)
			}
			ticker.Reset(interval + time.Duration(rand.Int63n(int64(interval)/10+1)))
		case <-c.done:
			return
		}
	}
}

func publishStats(st *Stats) {
	metrics.ArenaBytes.WithLabelValues("used").Set(float64(st.Arena.Used))
	metrics.ArenaBytes.WithLabelValues("free").Set(float64(st.Arena.Free))
	metrics.ArenaBytes.WithLabelValues("largest_free").Set(float64(st.Arena.LargestFree))
	metrics.StringPoolEntries.Set(float64(st.Strings.Entries))
	metrics.Entities.WithLabelValues(proto.KindHost.String()).Set(float64(st.Hosts))
	metrics.Entities.WithLabelValues(proto.KindItem.String()).Set(float64(st.Items))
	metrics.Entities.WithLabelValues(proto.KindTrigger.String()).Set(float64(st.Triggers))
	metrics.Entities.WithLabelValues(proto.KindFunction.String()).Set(float64(st.Functions))
	for _, pt := range proto.PollerTypes() {
		metrics.QueueDepth.WithLabelValues(pt.String()).Set(float64(st.Queue[pt.String()]))
	}
}

func observeLock(wait time.Duration, err error) {
	metrics.LockWaitSeconds.Observe(wait.Seconds())
	if err == apierrors.ErrLockTimeout {
		metrics.LockTimeouts.Inc()
	}
}
