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

package scheduler

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Never is returned when an item has no upcoming check.
var Never = time.Unix(1<<62, 0).UTC()

func IsNever(t time.Time) bool { return !t.Before(Never) }

// Seed spreads items with equal delays over the period. It only depends on the
// item id, so every process attached to the cache computes the same schedule.
func Seed(itemID uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], itemID)
	return xxhash.Sum64(b[:])
}

// NextCheck returns the first grid point delay*k + seed%delay after now, using
// the delay in force at that moment. When a flexible period starts or ends
// before the candidate, the computation restarts at that boundary. Boundaries
// are followed for one year at most.
func NextCheck(iv Interval, seed uint64, now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.Unix()
	tmax := t + secPerYear

	for try := 0; t < tmax; try++ {
		cur := time.Unix(t, 0).In(loc)
		next := int64(-1)
		if d := iv.currentDelay(cur); d != 0 {
			next = d*(t/d) + int64(seed%uint64(d))
			if try == 0 {
				for next <= t {
					next += d
				}
			} else {
				// a boundary itself is a valid check time
				for next < t {
					next += d
				}
			}
		}

		b, ok := iv.nextBoundary(cur)
		if ok && (next < 0 || next >= b.Unix()) {
			t = b.Unix()
			continue
		}
		if next < 0 {
			return Never
		}
		return time.Unix(next, 0)
	}
	return Never
}

// Suppress moves a check scheduled inside [from, to) to the end of the window.
func Suppress(next, from, to time.Time) (time.Time, bool) {
	if to.IsZero() || IsNever(next) {
		return next, false
	}
	if !next.Before(from) && next.Before(to) {
		return to, true
	}
	return next, false
}
