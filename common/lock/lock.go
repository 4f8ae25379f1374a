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

// Package lock provides the mutex guarding the cache arena.
//
// Goroutines of one process are serialized by a weighted semaphore. When a
// lock file is configured, holders additionally take an exclusive flock(2) on
// it, which serializes every process attached to the same arena. The kernel
// drops an flock when the holding process exits for any reason, so a crashed
// holder never wedges the others. Every acquisition is bounded: waiting longer
// than the configured timeout fails with ErrLockTimeout, which callers retry.
package lock

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	apierrors "github.com/cubefs/dbcache/errors"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

const (
	defaultTimeoutMs = 3000
	minPollInterval  = 50 * time.Microsecond
	maxPollInterval  = 5 * time.Millisecond
)

type Config struct {
	// File enables cross-process locking, empty for a process-local lock.
	File      string `json:"file"`
	TimeoutMs int    `json:"timeout_ms"`
}

type Stats struct {
	Acquired uint64        `json:"acquired"`
	Timeouts uint64        `json:"timeouts"`
	WaitTime time.Duration `json:"wait_time"`
}

// Observer is told about every acquisition attempt.
type Observer func(wait time.Duration, err error)

type Mutex struct {
	sem     *semaphore.Weighted
	file    *os.File
	timeout time.Duration
	observe Observer

	acquired uint64
	timeouts uint64
	waitNs   int64
}

func New(cfg Config) (*Mutex, error) {
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = defaultTimeoutMs
	}
	m := &Mutex{
		sem:     semaphore.NewWeighted(1),
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, errors.Info(err, "open lock file failed", cfg.File)
		}
		m.file = f
	}
	return m, nil
}

// SetObserver installs the acquisition hook, used for metrics.
func (m *Mutex) SetObserver(o Observer) { m.observe = o }

// Lock waits at most the configured timeout, or less when ctx expires first.
func (m *Mutex) Lock(ctx context.Context) (*Scope, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.lock(ctx)
	wait := time.Since(start)
	atomic.AddInt64(&m.waitNs, int64(wait))
	if m.observe != nil {
		m.observe(wait, err)
	}
	if err != nil {
		if err == apierrors.ErrLockTimeout {
			atomic.AddUint64(&m.timeouts, 1)
		}
		return nil, err
	}
	atomic.AddUint64(&m.acquired, 1)
	return &Scope{m: m}, nil
}

func (m *Mutex) lock(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return contextErr(ctx)
	}
	if m.file == nil {
		return nil
	}

	interval := minPollInterval
	for {
		err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			m.sem.Release(1)
			return errors.Info(err, "flock failed")
		}
		select {
		case <-ctx.Done():
			m.sem.Release(1)
			return contextErr(ctx)
		case <-time.After(interval):
		}
		if interval *= 2; interval > maxPollInterval {
			interval = maxPollInterval
		}
	}
}

func (m *Mutex) unlock() {
	if m.file != nil {
		unix.Flock(int(m.file.Fd()), unix.LOCK_UN)
	}
	m.sem.Release(1)
}

func (m *Mutex) Stats() Stats {
	return Stats{
		Acquired: atomic.LoadUint64(&m.acquired),
		Timeouts: atomic.LoadUint64(&m.timeouts),
		WaitTime: time.Duration(atomic.LoadInt64(&m.waitNs)),
	}
}

// Close releases the lock file. Holding processes lose the flock with it.
func (m *Mutex) Close() error {
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}

// Scope is one held acquisition.
type Scope struct {
	m        *Mutex
	released int32
}

// Unlock is idempotent so it can be deferred next to an explicit early unlock.
func (s *Scope) Unlock() {
	if s == nil || !atomic.CompareAndSwapInt32(&s.released, 0, 1) {
		return
	}
	s.m.unlock()
}

func contextErr(ctx context.Context) error {
	if ctx.Err() == context.Canceled {
		return context.Canceled
	}
	return apierrors.ErrLockTimeout
}
