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

package workers

import (
	"context"
	"sort"
	"sync"

	"github.com/chainguard-dev/clog"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/types"
)

// Cost thresholds for admission. A worker whose load per core exceeds
// hotThreshold prefers cheap jobs; below coolThreshold it takes the
// highest-priority job regardless of cost.
const (
	hotThreshold  = 1.0
	coolThreshold = 0.9

	defaultIntensity = 1.0
	defaultMemory    = 1 << 30
)

// State is one worker plus its scheduling bookkeeping.
type State struct {
	Worker

	mu      sync.Mutex
	current int
}

// CurrentTasks returns the number of builds running on this worker.
func (s *State) CurrentTasks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Release gives back one admission slot after a build finishes.
func (s *State) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current > 0 {
		s.current--
	}
}

// Manager owns the worker pool in declaration order.
type Manager struct {
	States []*State
}

// NewManager builds the pool from configuration.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{}
	for _, wc := range cfg.Workers {
		m.States = append(m.States, &State{Worker: New(wc, cfg)})
	}
	return m
}

// ByName returns the named worker's state, or nil.
func (m *Manager) ByName(name string) *State {
	for _, s := range m.States {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// PrepareBatch readies every worker for a scheduler pass.
func (m *Manager) PrepareBatch(ctx context.Context) error {
	for _, s := range m.States {
		if err := s.PrepareBatch(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FinishBatch lets every worker wrap up; errors are logged, not fatal.
func (m *Manager) FinishBatch(ctx context.Context) {
	log := clog.FromContext(ctx)
	for _, s := range m.States {
		if err := s.FinishBatch(ctx); err != nil {
			log.Warnf("worker %s finish: %v", s.Name(), err)
		}
	}
}

// candidate is one ready package with its predicted cost on a worker.
type candidate struct {
	pkgbase   string
	priority  int
	intensity float64
	memory    int64
}

// TryAcceptPackage decides which ready packages the worker takes this
// tick. It admits nothing when the worker is full or overloaded, sorts
// candidates by priority and predicted CPU intensity, and greedily
// admits within the memory headroom. buildable is the scheduler's final
// gate and runs last.
func (s *State) TryAcceptPackage(
	ctx context.Context,
	ready []string,
	rusages types.Rusages,
	priority func(pkgbase string) int,
	buildable func(pkgbase string) bool,
) []types.PkgToBuild {
	log := clog.FromContext(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.MaxConcurrency() - s.current
	if free <= 0 {
		return nil
	}

	cpuRatio, memAvail, err := s.ResourceUsage(ctx)
	if err != nil {
		log.Warnf("worker %s resource usage: %v", s.Name(), err)
		return nil
	}
	if cpuRatio > hotThreshold && s.current > 0 {
		return nil
	}

	cands := make([]candidate, 0, len(ready))
	for _, pkg := range ready {
		c := candidate{
			pkgbase:   pkg,
			priority:  priority(pkg),
			intensity: defaultIntensity,
			memory:    defaultMemory,
		}
		if used, ok := rusages[pkg][s.Name()]; ok {
			if used.Elapsed > 0 {
				c.intensity = used.CPUSeconds / used.Elapsed.Seconds()
			}
			if used.MemoryMax > 0 {
				c.memory = used.MemoryMax
			}
		}
		cands = append(cands, c)
	}

	// a hot worker picks cheap jobs first; a cool one takes the highest
	// priority job even if it burns more CPU
	hot := cpuRatio >= coolThreshold
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if hot {
			if a.intensity != b.intensity {
				return a.intensity < b.intensity
			}
			return a.priority < b.priority
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.intensity < b.intensity
	})

	var out []types.PkgToBuild
	headroom := memAvail
	for _, c := range cands {
		if len(out) >= free {
			break
		}
		if c.memory > headroom {
			log.Debugf("worker %s skipping %s: predicted %d bytes over headroom %d",
				s.Name(), c.pkgbase, c.memory, headroom)
			continue
		}
		if !buildable(c.pkgbase) {
			continue
		}
		headroom -= c.memory
		out = append(out, types.PkgToBuild{
			Pkgbase:        c.pkgbase,
			AssignedWorker: s.Name(),
		})
	}
	s.current += len(out)
	return out
}
