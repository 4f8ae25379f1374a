// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package poller runs the workers that execute due checks. Each poller type
// gets its own set of workers; a worker claims a batch from the cache, runs
// the checks on a shared task pool and reports every result back.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/selfmon"
	"github.com/cubefs/dbcache/util/limiter"
)

const (
	defaultBatchSize    = 64
	defaultIdleSleepMs  = 1000
	defaultTaskPoolSize = 32
	limitRetryInterval  = 5 * time.Millisecond
)

type Config struct {
	// worker count per poller type name, e.g. {"poller": 5, "unreachable": 1}
	Workers      map[string]int      `json:"workers"`
	BatchSize    int                 `json:"batch_size"`
	IdleSleepMs  int                 `json:"idle_sleep_ms"`
	TaskPoolSize int                 `json:"task_pool_size"`
	Limit        limiter.LimitConfig `json:"limit"`
}

// Cache is the side of the configuration cache workers use.
type Cache interface {
	PollDueItems(ctx context.Context, pt proto.PollerType, max int, now time.Time) ([]proto.Claim, error)
	ReportResult(ctx context.Context, res proto.Result) error
	NextDue(ctx context.Context, pt proto.PollerType) (time.Time, bool, error)
}

type Manager struct {
	cfg      Config
	cache    Cache
	mon      *selfmon.Collector
	checkers map[proto.ItemType]Checker
	workers  map[proto.PollerType]int
	pool     taskpool.TaskPool
	lim      limiter.Limiter

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewManager(cfg Config, cache Cache, mon *selfmon.Collector) (*Manager, error) {
	initConfig(&cfg)
	workers := make(map[proto.PollerType]int, len(cfg.Workers))
	for name, n := range cfg.Workers {
		pt, ok := proto.ParsePollerType(name)
		if !ok || pt == proto.PollerNone {
			return nil, apierrors.ErrUnknownPollerType
		}
		if n > 0 {
			workers[pt] = n
		}
	}
	return &Manager{
		cfg:      cfg,
		cache:    cache,
		mon:      mon,
		checkers: make(map[proto.ItemType]Checker),
		workers:  workers,
		pool:     taskpool.New(cfg.TaskPoolSize, cfg.TaskPoolSize),
		lim:      limiter.NewLimiter(cfg.Limit),
	}, nil
}

func initConfig(cfg *Config) {
	if len(cfg.Workers) == 0 {
		cfg.Workers = map[string]int{
			proto.PollerNormal.String():      5,
			proto.PollerUnreachable.String(): 1,
		}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IdleSleepMs <= 0 {
		cfg.IdleSleepMs = defaultIdleSleepMs
	}
	if cfg.TaskPoolSize <= 0 {
		cfg.TaskPoolSize = defaultTaskPoolSize
	}
}

// Register sets the checker of an item type. It must be called before Start.
func (m *Manager) Register(t proto.ItemType, c Checker) {
	m.checkers[t] = c
}

func (m *Manager) Start(ctx context.Context) {
	span := trace.SpanFromContextSafe(ctx)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for pt, n := range m.workers {
		for i := 0; i < n; i++ {
			m.wg.Add(1)
			go m.run(pt, i)
		}
		span.Infof("started %d %s workers", n, pt)
	}
}

func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
			m.wg.Wait()
		}
		m.pool.Close()
	})
}

func (m *Manager) Limiter() limiter.Limiter { return m.lim }

func (m *Manager) run(pt proto.PollerType, num int) {
	defer m.wg.Done()
	pt2 := proto.ProcessTypeOf(pt)
	m.mon.Reset(pt2, num)
	slot := m.mon.Register(pt2, num)
	idle := time.Duration(m.cfg.IdleSleepMs) * time.Millisecond
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-m.ctx.Done():
			return
		}
		span, ctx := trace.StartSpanFromContext(m.ctx, "")
		n, err := m.runOnce(ctx, pt)
		if err != nil && !errors.Is(err, context.Canceled) {
			span.Warnf("%s worker %d: %s", pt, num, err)
		}
		slot.RecordTick(n > 0)
		if n > 0 {
			timer.Reset(0)
			continue
		}
		timer.Reset(m.sleep(ctx, pt, idle))
	}
}

// sleep is the time until the next item of pt is due, at most idle.
func (m *Manager) sleep(ctx context.Context, pt proto.PollerType, idle time.Duration) time.Duration {
	next, ok, err := m.cache.NextDue(ctx, pt)
	if err != nil || !ok {
		return idle
	}
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	if d > idle {
		return idle
	}
	return d
}

// runOnce checks one batch of due items and returns how many were checked.
func (m *Manager) runOnce(ctx context.Context, pt proto.PollerType) (int, error) {
	claims, err := m.cache.PollDueItems(ctx, pt, m.cfg.BatchSize, time.Now())
	if err != nil || len(claims) == 0 {
		return 0, err
	}

	var wg sync.WaitGroup
	for i := range claims {
		claim := &claims[i]
		if err = m.acquire(ctx); err != nil {
			// the claims left are reaped when they time out
			break
		}
		wg.Add(1)
		m.pool.Run(func() {
			defer wg.Done()
			defer m.lim.Release()
			m.check(ctx, claim)
		})
	}
	wg.Wait()
	return len(claims), err
}

func (m *Manager) acquire(ctx context.Context) error {
	for {
		err := m.lim.Acquire(ctx)
		if !errors.Is(err, limiter.ErrLimitExceeded) {
			return err
		}
		select {
		case <-time.After(limitRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) check(ctx context.Context, claim *proto.Claim) {
	span := trace.SpanFromContextSafe(ctx)
	checker, ok := m.checkers[claim.Item.Type]
	if !ok {
		checker = unsupportedType
	}
	start := time.Now()
	res := checker.Check(ctx, &claim.Item)
	res.ItemID, res.Token, res.Timestamp = claim.Item.ID, claim.Token, start

	if err := m.cache.ReportResult(ctx, res); err != nil {
		if errors.Is(err, apierrors.ErrStaleClaim) {
			span.Debugf("item %d result dropped: %s", claim.Item.ID, err)
			return
		}
		span.Warnf("report item %d result failed: %s", claim.Item.ID, err)
	}
}
