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
	"math"
	"time"
)

// Ladder is a doubling retry delay: Base after the first failure, then twice
// the previous delay, never above Cap. A zero Cap leaves the delay uncapped.
type Ladder struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait after n consecutive failures, zero for none.
func (l Ladder) Delay(n uint32) time.Duration {
	if n == 0 || l.Base <= 0 {
		return 0
	}
	d := l.Base
	for i := uint32(1); i < n && (l.Cap <= 0 || d < l.Cap); i++ {
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if l.Cap > 0 && d > l.Cap {
		d = l.Cap
	}
	return d
}
