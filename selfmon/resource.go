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

package selfmon

import (
	"os"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/cubefs/dbcache/metrics"
)

type Resources struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// ResourceSampler reads CPU and memory usage of this process.
type ResourceSampler struct {
	proc *process.Process

	mu   sync.Mutex
	last Resources
}

func NewResourceSampler() (*ResourceSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Info(err, "open process failed")
	}
	return &ResourceSampler{proc: p}, nil
}

// Sample refreshes the usage and publishes it. CPU percent is measured since
// the previous call.
func (r *ResourceSampler) Sample() error {
	cpu, err := r.proc.Percent(0)
	if err != nil {
		return errors.Info(err, "read process cpu failed")
	}
	mem, err := r.proc.MemoryInfo()
	if err != nil {
		return errors.Info(err, "read process memory failed")
	}
	r.mu.Lock()
	r.last = Resources{CPUPercent: cpu, RSSBytes: mem.RSS}
	r.mu.Unlock()

	metrics.ProcessCPUPercent.Set(cpu)
	metrics.ProcessRSSBytes.Set(float64(mem.RSS))
	return nil
}

func (r *ResourceSampler) Last() Resources {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
