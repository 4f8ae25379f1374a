// Copyright 2023 The Cuber Authors.
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

package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("limit exceeded")

type (
	// Limiter bounds the checks a poller runs at once and per second.
	Limiter interface {
		// Acquire takes a concurrency slot and waits for the rate limit.
		Acquire(ctx context.Context) error
		Release()
		SetConcurrency(value uint32)
		SetRate(perSecond int)
		GetConfig() *LimitConfig
		Status() Status
	}
	CountLimit interface {
		Running() int
		Acquire() error
		Release()
		SetLimit(limit uint32)
	}
	LimitConfig struct {
		Concurrency     int `json:"concurrency"`
		ChecksPerSecond int `json:"checks_per_second"`
	}
	Status struct {
		Config  LimitConfig `json:"config"`
		Running int         `json:"running"`
		// milliseconds a new check would wait for the rate limit
		Wait int `json:"wait"`
	}
	// countLimit and rate are safe for concurrent use and never replaced,
	// so updates race with nothing but config, which mu guards.
	limiter struct {
		mu         sync.Mutex
		config     LimitConfig
		countLimit CountLimit
		rate       *rate.Limiter
	}
)

// NewLimiter returns a limiter; zero values in cfg leave that dimension
// unlimited.
func NewLimiter(cfg LimitConfig) Limiter {
	return &limiter{
		config:     cfg,
		countLimit: NewCountLimit(cfg.Concurrency),
		rate:       rate.NewLimiter(perSecond(cfg.ChecksPerSecond), cfg.ChecksPerSecond),
	}
}

func perSecond(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Limit(n)
}

func (lim *limiter) Acquire(ctx context.Context) error {
	if err := lim.countLimit.Acquire(); err != nil {
		return err
	}
	if err := lim.rate.Wait(ctx); err != nil {
		lim.Release()
		return err
	}
	return nil
}

func (lim *limiter) Release() {
	lim.countLimit.Release()
}

func (lim *limiter) SetConcurrency(value uint32) {
	lim.mu.Lock()
	defer lim.mu.Unlock()
	lim.countLimit.SetLimit(value)
	lim.config.Concurrency = int(value)
}

func (lim *limiter) SetRate(n int) {
	lim.mu.Lock()
	defer lim.mu.Unlock()
	lim.rate.SetLimit(perSecond(n))
	lim.rate.SetBurst(n)
	lim.config.ChecksPerSecond = n
}

// GetConfig returns a copy of the current limits.
func (lim *limiter) GetConfig() *LimitConfig {
	lim.mu.Lock()
	cfg := lim.config
	lim.mu.Unlock()
	return &cfg
}

func (lim *limiter) Status() Status {
	return Status{
		Config:  *lim.GetConfig(),
		Running: lim.countLimit.Running(),
		Wait:    rateWait(lim.rate),
	}
}

func rateWait(r *rate.Limiter) int {
	now := time.Now()
	reserve := r.ReserveN(now, 1)
	duration := reserve.DelayFrom(now)
	reserve.Cancel()
	return int(duration.Milliseconds())
}

const minusOne = ^uint32(0)

type countLimit struct {
	limit   uint32
	current uint32
}

// NewCountLimit returns limiter with concurrent n, unlimited for 0
func NewCountLimit(n int) CountLimit {
	return &countLimit{limit: uint32(n)}
}

func (l *countLimit) Running() int {
	return int(atomic.LoadUint32(&l.current))
}

func (l *countLimit) Acquire() error {
	n := atomic.AddUint32(&l.current, 1)
	if limit := atomic.LoadUint32(&l.limit); limit > 0 && n > limit {
		atomic.AddUint32(&l.current, minusOne)
		return ErrLimitExceeded
	}
	return nil
}

func (l *countLimit) Release() {
	atomic.AddUint32(&l.current, minusOne)
}

func (l *countLimit) SetLimit(limit uint32) {
	atomic.StoreUint32(&l.limit, limit)
}
