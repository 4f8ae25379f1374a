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

// Package selfmon measures how busy the cache workers are. Workers count
// busy and idle ticks on their own slot without any lock; the collector
// samples the counters periodically and reports utilization over a sliding
// window. Counter reads may be torn with respect to each other, which only
// skews a single sample.
package selfmon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/dbcache/metrics"
	"github.com/cubefs/dbcache/proto"
)

const defaultHistory = 60

type Mode uint8

const (
	ModeAvg Mode = iota
	ModeMax
	ModeMin
)

func (m Mode) String() string {
	switch m {
	case ModeMax:
		return "max"
	case ModeMin:
		return "min"
	}
	return "avg"
}

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "avg":
		return ModeAvg, nil
	case "max":
		return ModeMax, nil
	case "min":
		return ModeMin, nil
	}
	return ModeAvg, fmt.Errorf("unknown aggregation mode %q", s)
}

// Slot holds the tick counters of one worker.
type Slot struct {
	pt   proto.ProcessType
	num  int
	busy atomic.Uint64
	idle atomic.Uint64
}

func (s *Slot) ProcessType() proto.ProcessType { return s.pt }

func (s *Slot) Num() int { return s.num }

// RecordTick counts one iteration of the worker loop.
func (s *Slot) RecordTick(busy bool) {
	if busy {
		s.busy.Add(1)
	} else {
		s.idle.Add(1)
	}
}

func (s *Slot) counters() counters {
	return counters{busy: s.busy.Load(), idle: s.idle.Load()}
}

type counters struct {
	busy, idle uint64
}

type snapshot struct {
	at     time.Time
	values map[*Slot]counters
}

type Config struct {
	// samples kept, the window is History times the sample interval
	History   int   `json:"history"`
	IntervalS int64 `json:"interval_s"`
}

type Collector struct {
	history int
	res     *ResourceSampler

	mu    sync.Mutex
	slots map[proto.ProcessType][]*Slot
	ring  []snapshot
	next  int
}

func NewCollector(cfg Config) *Collector {
	if cfg.History < 2 {
		cfg.History = defaultHistory
	}
	return &Collector{
		history: cfg.History,
		slots:   make(map[proto.ProcessType][]*Slot),
		ring:    make([]snapshot, 0, cfg.History),
	}
}

// SetResourceSampler adds process CPU and memory to every sample.
func (c *Collector) SetResourceSampler(r *ResourceSampler) {
	c.mu.Lock()
	c.res = r
	c.mu.Unlock()
}

// Register returns the slot of worker num of the process type, creating it
// on first use.
func (c *Collector) Register(pt proto.ProcessType, num int) *Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots[pt] {
		if s.num == num {
			return s
		}
	}
	s := &Slot{pt: pt, num: num}
	slots := append(c.slots[pt], s)
	sort.Slice(slots, func(i, j int) bool { return slots[i].num < slots[j].num })
	c.slots[pt] = slots
	return s
}

// Reset zeroes the counters of a restarted worker. Samples taken before the
// reset are not compared with later ones.
func (c *Collector) Reset(pt proto.ProcessType, num int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots[pt] {
		if s.num == num {
			s.busy.Store(0)
			s.idle.Store(0)
			for i := range c.ring {
				delete(c.ring[i].values, s)
			}
			return
		}
	}
}

// Sample records the current counters of every slot.
func (c *Collector) Sample(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := snapshot{at: now, values: make(map[*Slot]counters)}
	for _, slots := range c.slots {
		for _, s := range slots {
			snap.values[s] = s.counters()
		}
	}
	if len(c.ring) < c.history {
		c.ring = append(c.ring, snap)
		c.next = len(c.ring) % c.history
		return
	}
	c.ring[c.next] = snap
	c.next = (c.next + 1) % c.history
}

// oldest and newest samples of the window
func (c *Collector) window() (first, last *snapshot, ok bool) {
	if len(c.ring) < 2 {
		return nil, nil, false
	}
	newest := (c.next - 1 + len(c.ring)) % len(c.ring)
	oldest := 0
	if len(c.ring) == c.history {
		oldest = c.next
	}
	return &c.ring[oldest], &c.ring[newest], true
}

// utilization of one slot between two samples, ok is false when the slot
// has no ticks in the window.
func utilization(s *Slot, first, last *snapshot) (float64, bool) {
	from, ok1 := first.values[s]
	to, ok2 := last.values[s]
	if !ok2 {
		return 0, false
	}
	if !ok1 || to.busy < from.busy || to.idle < from.idle {
		from = counters{}
	}
	busy, idle := to.busy-from.busy, to.idle-from.idle
	if busy+idle == 0 {
		return 0, false
	}
	return float64(busy) / float64(busy+idle), true
}

// AggregateStats returns the busy ratio of the process type over the sampled
// window, averaged over its workers or the busiest or idlest worker
// depending on mode. ok is false until two samples with ticks exist.
func (c *Collector) AggregateStats(pt proto.ProcessType, mode Mode) (ratio float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	first, last, ok := c.window()
	if !ok {
		return 0, false
	}
	n := 0
	for _, s := range c.slots[pt] {
		u, ok := utilization(s, first, last)
		if !ok {
			continue
		}
		switch {
		case n == 0:
			ratio = u
		case mode == ModeMax && u > ratio:
			ratio = u
		case mode == ModeMin && u < ratio:
			ratio = u
		case mode == ModeAvg:
			ratio += u
		}
		n++
	}
	if n == 0 {
		return 0, false
	}
	if mode == ModeAvg {
		ratio /= float64(n)
	}
	return ratio, true
}

type ProcessStats struct {
	Process string  `json:"process"`
	Workers int     `json:"workers"`
	Avg     float64 `json:"avg"`
	Max     float64 `json:"max"`
	Min     float64 `json:"min"`
}

// Stats reports every registered process type in type order.
func (c *Collector) Stats() []ProcessStats {
	c.mu.Lock()
	types := make([]proto.ProcessType, 0, len(c.slots))
	workers := make(map[proto.ProcessType]int, len(c.slots))
	for pt, slots := range c.slots {
		types = append(types, pt)
		workers[pt] = len(slots)
	}
	c.mu.Unlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	ret := make([]ProcessStats, 0, len(types))
	for _, pt := range types {
		st := ProcessStats{Process: pt.String(), Workers: workers[pt]}
		st.Avg, _ = c.AggregateStats(pt, ModeAvg)
		st.Max, _ = c.AggregateStats(pt, ModeMax)
		st.Min, _ = c.AggregateStats(pt, ModeMin)
		ret = append(ret, st)
	}
	return ret
}

func (c *Collector) publish() {
	for _, st := range c.Stats() {
		metrics.Utilization.WithLabelValues(st.Process).Set(st.Avg)
	}
}

// Run samples every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	span := trace.SpanFromContextSafe(ctx)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	span.Infof("self monitoring started, interval: %s, history: %d", interval, c.history)

	for {
		select {
		case now := <-ticker.C:
			c.Sample(now)
			c.publish()
			c.mu.Lock()
			res := c.res
			c.mu.Unlock()
			if res != nil {
				if err := res.Sample(); err != nil {
					span.Debugf("sample process resources failed: %s", err)
				}
			}
		case <-ctx.Done():
			return
		}
	}
}
