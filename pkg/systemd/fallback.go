// Copyright 2025 The lilac Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package systemd

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// WatchProcess is the accounting fallback when transient units are not
// available: it samples the process tree under pid until it exits or
// the deadline passes. CPU time is summed over sampled descendants and
// memory is the tree's peak RSS, both less exact than cgroup numbers.
func WatchProcess(ctx context.Context, pid int32, deadline time.Time) (cpuSeconds float64, memMax int64, timedOut bool) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return 0, 0, false
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return cpuSeconds, memMax, timedOut
		}

		cpu, mem := sampleTree(ctx, p)
		if cpu > cpuSeconds {
			cpuSeconds = cpu
		}
		if mem > memMax {
			memMax = mem
		}

		if time.Now().After(deadline) {
			return cpuSeconds, memMax, true
		}
		select {
		case <-ctx.Done():
			return cpuSeconds, memMax, true
		case <-ticker.C:
		}
	}
}

func sampleTree(ctx context.Context, p *process.Process) (cpuSeconds float64, rss int64) {
	procs := []*process.Process{p}
	if children, err := p.ChildrenWithContext(ctx); err == nil {
		procs = append(procs, children...)
	}
	for _, q := range procs {
		if times, err := q.TimesWithContext(ctx); err == nil {
			cpuSeconds += times.User + times.System
		}
		if mi, err := q.MemoryInfoWithContext(ctx); err == nil {
			rss += int64(mi.RSS)
		}
	}
	return cpuSeconds, rss
}
