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

package dbsync

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/time/rate"

	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/selfmon"
)

const (
	defaultSyncIntervalS = 60
	defaultLogBurst      = 20
)

type Config struct {
	PG            PGConfig `json:"pg"`
	SyncIntervalS int      `json:"sync_interval_s"`
	// rejected entity log lines per second, the rest are counted only
	FailureLogRate int `json:"failure_log_rate"`
}

// Cache is the side of the configuration cache a syncer writes to.
type Cache interface {
	SyncConfiguration(ctx context.Context, b *proto.Batch) (*proto.SyncResult, error)
}

type Syncer struct {
	cfg    Config
	src    Source
	cache  Cache
	logLim *rate.Limiter
	slot   *selfmon.Slot

	mu     sync.Mutex
	differ *Differ
	rounds uint64
}

func NewSyncer(cfg Config, src Source, cache Cache) *Syncer {
	if cfg.SyncIntervalS <= 0 {
		cfg.SyncIntervalS = defaultSyncIntervalS
	}
	if cfg.FailureLogRate <= 0 {
		cfg.FailureLogRate = defaultLogBurst
	}
	return &Syncer{
		cfg:    cfg,
		src:    src,
		cache:  cache,
		logLim: rate.NewLimiter(rate.Limit(cfg.FailureLogRate), cfg.FailureLogRate),
		differ: NewDiffer(),
	}
}

// SetSlot makes every round count as a self-monitoring tick, busy when the
// round changed the cache.
func (s *Syncer) SetSlot(slot *selfmon.Slot) {
	s.slot = slot
}

// SyncOnce loads a snapshot and applies its difference to the cache.
func (s *Syncer) SyncOnce(ctx context.Context) (*proto.SyncResult, error) {
	span := trace.SpanFromContextSafe(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.src.Load(ctx)
	if err != nil {
		return nil, errors.Info(err, "load configuration failed")
	}
	b := s.differ.Diff(snap)
	s.rounds++
	if b.Len() == 0 {
		return &proto.SyncResult{}, nil
	}
	res, err := s.cache.SyncConfiguration(ctx, b)
	// a partially applied batch is still recorded
	s.differ.Commit(b, res)
	if res != nil {
		suppressed := 0
		for _, f := range res.Failed {
			if s.logLim.Allow() {
				span.Warnf("%s rejected: %s", f.EntityRef, f.Err)
			} else {
				suppressed++
			}
		}
		if suppressed > 0 {
			span.Warnf("%d more rejected changes not logged", suppressed)
		}
		span.Infof("sync round %d: %d changes, %d applied, %d rejected",
			s.rounds, b.Len(), len(res.Applied), len(res.Failed))
	}
	if err != nil {
		return res, errors.Info(err, "sync configuration failed")
	}
	return res, nil
}

// Run syncs immediately and then every sync interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.SyncIntervalS) * time.Second
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			span, sctx := trace.StartSpanFromContext(ctx, "")
			res, err := s.SyncOnce(sctx)
			if err != nil {
				span.Errorf("sync failed: %s", errors.Detail(err))
			}
			if s.slot != nil {
				s.slot.RecordTick(res != nil && len(res.Applied) > 0)
			}
			timer.Reset(interval + time.Duration(rand.Int63n(int64(interval)/10+1)))
		case <-ctx.Done():
			return
		}
	}
}
