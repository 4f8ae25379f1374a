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

package server

import (
	"context"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	"github.com/cubefs/dbcache/catalog"
	"github.com/cubefs/dbcache/dbsync"
	"github.com/cubefs/dbcache/poller"
	"github.com/cubefs/dbcache/proto"
	"github.com/cubefs/dbcache/selfmon"
)

const defaultSelfmonIntervalS = 1

type Config struct {
	Catalog catalog.Config `json:"catalog"`
	Sync    dbsync.Config  `json:"sync"`
	Poller  poller.Config  `json:"poller"`
	Selfmon selfmon.Config `json:"selfmon"`
	// Without a database the cache is filled by another process attached
	// to the same shared region.
	DisableSync bool `json:"disable_sync"`
}

// Server wires the cache to its collaborators: the database syncer feeding
// it, the poller workers draining it and the self-monitoring collector
// watching them.
type Server struct {
	cfg Config

	catalog *catalog.Catalog
	source  *dbsync.PGSource
	syncer  *dbsync.Syncer
	pollers *poller.Manager
	selfmon *selfmon.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewServer(ctx context.Context, cfg *Config) (*Server, error) {
	span := trace.SpanFromContextSafe(ctx)
	initConfig(cfg)

	s := &Server{cfg: *cfg, selfmon: selfmon.NewCollector(cfg.Selfmon)}
	if res, err := selfmon.NewResourceSampler(); err != nil {
		span.Warnf("process resources are not sampled: %s", errors.Detail(err))
	} else {
		s.selfmon.SetResourceSampler(res)
	}

	var err error
	if s.catalog, err = catalog.Open(ctx, &cfg.Catalog); err != nil {
		return nil, errors.Info(err, "open catalog failed")
	}
	if !cfg.DisableSync {
		if s.source, err = dbsync.NewPGSource(ctx, cfg.Sync.PG); err != nil {
			s.catalog.Close()
			return nil, err
		}
		s.syncer = dbsync.NewSyncer(cfg.Sync, s.source, s.catalog)
		s.syncer.SetSlot(s.selfmon.Register(proto.ProcessConfigSyncer, 0))
	}
	if s.pollers, err = poller.NewManager(cfg.Poller, s.catalog, s.selfmon); err != nil {
		s.Close()
		return nil, err
	}
	internal := &poller.InternalChecker{Stats: s.catalog, Selfmon: s.selfmon}
	s.pollers.Register(proto.ItemTypeInternal, internal)
	return s, nil
}

func initConfig(cfg *Config) {
	if cfg.Selfmon.IntervalS <= 0 {
		cfg.Selfmon.IntervalS = defaultSelfmonIntervalS
	}
}

// RegisterChecker adds the checker of an item type. It must be called
// before Start.
func (s *Server) RegisterChecker(t proto.ItemType, c poller.Checker) {
	s.pollers.Register(t, c)
}

func (s *Server) Catalog() *catalog.Catalog { return s.catalog }

func (s *Server) Selfmon() *selfmon.Collector { return s.selfmon }

func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.selfmon.Run(runCtx, time.Duration(s.cfg.Selfmon.IntervalS)*time.Second)
	}()
	if s.syncer != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.syncer.Run(runCtx)
		}()
	}
	s.pollers.Start(ctx)
}

func (s *Server) Close() {
	if s.pollers != nil {
		s.pollers.Close()
	}
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	if s.source != nil {
		s.source.Close()
	}
	s.catalog.Close()
}
