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

// Package scheduler holds the pure scheduling decisions of the cache: when an
// item is checked next, which pool runs it and how failures back off. Nothing
// here touches shared state.
package scheduler

import (
	"time"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/dbcache/proto"
)

const (
	defaultUnreachableDelayS   = 15
	defaultBackoffCapS         = 300
	defaultUnreachablePeriodS  = 45
	defaultRefreshUnsupportedS = 600
	defaultClaimTimeoutS       = 120
)

type Config struct {
	// Timezone flexible intervals are evaluated in, an IANA name.
	Timezone            string `json:"timezone"`
	UnreachableDelayS   int    `json:"unreachable_delay_s"`
	BackoffCapS         int    `json:"backoff_cap_s"`
	UnreachablePeriodS  int    `json:"unreachable_period_s"`
	RefreshUnsupportedS int    `json:"refresh_unsupported_s"`
	ClaimTimeoutS       int    `json:"claim_timeout_s"`
}

func (c *Config) init() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.UnreachableDelayS <= 0 {
		c.UnreachableDelayS = defaultUnreachableDelayS
	}
	if c.BackoffCapS <= 0 {
		c.BackoffCapS = defaultBackoffCapS
	}
	if c.BackoffCapS < c.UnreachableDelayS {
		c.BackoffCapS = c.UnreachableDelayS
	}
	if c.UnreachablePeriodS <= 0 {
		c.UnreachablePeriodS = defaultUnreachablePeriodS
	}
	if c.RefreshUnsupportedS <= 0 {
		c.RefreshUnsupportedS = defaultRefreshUnsupportedS
	}
	if c.ClaimTimeoutS <= 0 {
		c.ClaimTimeoutS = defaultClaimTimeoutS
	}
}

// Decision is the scheduling state computed for one item.
type Decision struct {
	NextCheck  time.Time
	PollerType proto.PollerType
	State      proto.SchedState
}

// Due reports whether the item sits in a due queue.
func (d Decision) Due() bool {
	return d.PollerType != proto.PollerNone && !IsNever(d.NextCheck)
}

type Scheduler struct {
	loc                *time.Location
	ladder             Ladder
	unreachablePeriod  time.Duration
	refreshUnsupported time.Duration
	claimTimeout       time.Duration
}

func New(cfg Config) (*Scheduler, error) {
	cfg.init()
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, errors.Info(err, "load timezone failed", cfg.Timezone)
	}
	return &Scheduler{
		loc: loc,
		ladder: Ladder{
			Base: time.Duration(cfg.UnreachableDelayS) * time.Second,
			Cap:  time.Duration(cfg.BackoffCapS) * time.Second,
		},
		unreachablePeriod:  time.Duration(cfg.UnreachablePeriodS) * time.Second,
		refreshUnsupported: time.Duration(cfg.RefreshUnsupportedS) * time.Second,
		claimTimeout:       time.Duration(cfg.ClaimTimeoutS) * time.Second,
	}, nil
}

func (s *Scheduler) Location() *time.Location { return s.loc }
func (s *Scheduler) Ladder() Ladder { return s.ladder }
func (s *Scheduler) ClaimTimeout() time.Duration { return s.claimTimeout }

// Plan schedules an item that has not failed. The error is ErrInvalidInterval
// when the update interval does not parse; the decision then keeps the item
// out of every queue.
func (s *Scheduler) Plan(item *proto.Item, host *proto.Host, now time.Time) (Decision, error) {
	if item.Status == proto.ItemStatusDisabled || host.Status == proto.HostNotMonitored {
		return Decision{NextCheck: Never, State: proto.SchedDisabled}, nil
	}
	pt := PollerFor(item.Type, item.Key, host.ProxyID != 0)
	if pt == proto.PollerNone {
		return Decision{NextCheck: Never, State: proto.SchedUnscheduled}, nil
	}

	iv, err := ParseInterval(item.Delay)
	if err != nil {
		return Decision{NextCheck: Never, State: proto.SchedInvalid}, err
	}
	if item.Status == proto.ItemStatusNotSupported {
		iv = Interval{Delay: int64(s.refreshUnsupported / time.Second)}
	}

	next := NextCheck(iv, Seed(item.ID), now, s.loc)
	if IsNever(next) {
		return Decision{NextCheck: Never, PollerType: pt, State: proto.SchedUnscheduled}, nil
	}
	return s.suppress(Decision{NextCheck: next, PollerType: pt, State: proto.SchedQueued}, host), nil
}

// PlanFailure schedules the retry of an item whose host did not respond for
// the item's Failures consecutive checks.
func (s *Scheduler) PlanFailure(item *proto.Item, host *proto.Host, now time.Time) Decision {
	if item.Status == proto.ItemStatusDisabled || host.Status == proto.HostNotMonitored {
		return Decision{NextCheck: Never, State: proto.SchedDisabled}
	}
	pt := PollerFor(item.Type, item.Key, host.ProxyID != 0)
	if pt == proto.PollerNone {
		return Decision{NextCheck: Never, State: proto.SchedUnscheduled}
	}
	d := Decision{
		NextCheck:  now.Add(s.ladder.Delay(item.Failures)).Truncate(time.Second),
		PollerType: Quarantine(pt),
		State:      proto.SchedBackoff,
	}
	return s.suppress(d, host)
}

func (s *Scheduler) suppress(d Decision, host *proto.Host) Decision {
	if next, ok := Suppress(d.NextCheck, host.MaintenanceFrom, host.MaintenanceTo); ok {
		d.NextCheck, d.State = next, proto.SchedSuppressed
	}
	return d
}

// HostFailed records a network failure against the host availability. It
// returns whether the host changed.
func (s *Scheduler) HostFailed(h *proto.Host, now time.Time) bool {
	if h.ErrorsFrom.IsZero() {
		h.ErrorsFrom = now
		h.Available = proto.Unreachable
		h.DisableUntil = now.Add(s.ladder.Base)
		return true
	}
	if h.Available != proto.Unavailable && now.Sub(h.ErrorsFrom) >= s.unreachablePeriod {
		h.Available = proto.Unavailable
		h.DisableUntil = now.Add(s.ladder.Cap)
		return true
	}
	return false
}

// HostRecovered clears the failure state after a successful check.
func (s *Scheduler) HostRecovered(h *proto.Host) bool {
	if h.ErrorsFrom.IsZero() && h.Available == proto.Available {
		return false
	}
	h.ErrorsFrom = time.Time{}
	h.DisableUntil = time.Time{}
	h.Available = proto.Available
	return true
}
