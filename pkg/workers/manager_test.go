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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
)

type fakeWorker struct {
	name     string
	maxConc  int
	cpuRatio float64
	memAvail int64
}

func (f *fakeWorker) Name() string        { return f.name }
func (f *fakeWorker) MaxConcurrency() int { return f.maxConc }
func (f *fakeWorker) IsLocal() bool       { return true }
func (f *fakeWorker) ResourceUsage(context.Context) (float64, int64, error) {
	return f.cpuRatio, f.memAvail, nil
}
func (f *fakeWorker) SyncDependedPackages(context.Context, []string) error { return nil }
func (f *fakeWorker) PrepareBatch(context.Context) error                   { return nil }
func (f *fakeWorker) FinishBatch(context.Context) error                    { return nil }
func (f *fakeWorker) Build(context.Context, *worker.Input) (*worker.Result, error) {
	return &worker.Result{Status: types.BuildSuccessful}, nil
}

func accept(s *State, ready []string, rusages types.Rusages) []types.PkgToBuild {
	return s.TryAcceptPackage(context.Background(), ready, rusages,
		func(string) int { return 0 },
		func(string) bool { return true })
}

func TestAdmissionGates(t *testing.T) {
	t.Run("drained worker admits nothing", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 0, memAvail: 64 << 30}}
		assert.Empty(t, accept(s, []string{"a"}, nil))
	})

	t.Run("full worker admits nothing", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 1, memAvail: 64 << 30}}
		s.current = 1
		assert.Empty(t, accept(s, []string{"a"}, nil))
	})

	t.Run("hot worker with running task admits nothing", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 4, cpuRatio: 1.5, memAvail: 64 << 30}}
		s.current = 1
		assert.Empty(t, accept(s, []string{"a"}, nil))
	})

	t.Run("hot but idle worker still admits", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 4, cpuRatio: 1.5, memAvail: 64 << 30}}
		got := accept(s, []string{"a"}, nil)
		require.Len(t, got, 1)
		assert.Equal(t, "w", got[0].AssignedWorker)
		assert.Equal(t, 1, s.CurrentTasks())
	})
}

func TestAdmissionOrdering(t *testing.T) {
	rusages := types.Rusages{
		"cheap": {"w": types.UsedResource{
			CPUSeconds: 10, Elapsed: 100 * time.Second, MemoryMax: 1 << 20}},
		"expensive": {"w": types.UsedResource{
			CPUSeconds: 95, Elapsed: 100 * time.Second, MemoryMax: 1 << 20}},
	}

	t.Run("cool worker takes priority order", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 1, cpuRatio: 0.1, memAvail: 64 << 30}}
		got := s.TryAcceptPackage(context.Background(),
			[]string{"cheap", "expensive"}, rusages,
			func(p string) int {
				if p == "expensive" {
					return -1
				}
				return 0
			},
			func(string) bool { return true })
		require.Len(t, got, 1)
		assert.Equal(t, "expensive", got[0].Pkgbase)
	})

	t.Run("hot worker prefers low intensity", func(t *testing.T) {
		s := &State{Worker: &fakeWorker{name: "w", maxConc: 1, cpuRatio: 0.95, memAvail: 64 << 30}}
		got := s.TryAcceptPackage(context.Background(),
			[]string{"expensive", "cheap"}, rusages,
			func(p string) int {
				if p == "expensive" {
					return -1
				}
				return 0
			},
			func(string) bool { return true })
		require.Len(t, got, 1)
		assert.Equal(t, "cheap", got[0].Pkgbase)
	})
}

func TestAdmissionMemoryHeadroom(t *testing.T) {
	rusages := types.Rusages{
		"big":   {"w": types.UsedResource{CPUSeconds: 1, Elapsed: time.Second, MemoryMax: 8 << 30}},
		"small": {"w": types.UsedResource{CPUSeconds: 1, Elapsed: time.Second, MemoryMax: 1 << 30}},
	}
	s := &State{Worker: &fakeWorker{name: "w", maxConc: 4, cpuRatio: 0.1, memAvail: 2 << 30}}
	got := accept(s, []string{"big", "small"}, rusages)
	require.Len(t, got, 1)
	assert.Equal(t, "small", got[0].Pkgbase)
}

func TestAdmissionBuildableGate(t *testing.T) {
	s := &State{Worker: &fakeWorker{name: "w", maxConc: 4, cpuRatio: 0.1, memAvail: 64 << 30}}
	got := s.TryAcceptPackage(context.Background(), []string{"a", "b"}, nil,
		func(string) int { return 0 },
		func(p string) bool { return p == "b" })
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Pkgbase)
}

func TestRelease(t *testing.T) {
	s := &State{Worker: &fakeWorker{name: "w", maxConc: 1, cpuRatio: 0.1, memAvail: 64 << 30}}
	require.Len(t, accept(s, []string{"a"}, nil), 1)
	assert.Empty(t, accept(s, []string{"b"}, nil))
	s.Release()
	assert.Len(t, accept(s, []string{"b"}, nil), 1)
}

func TestParseRemoteUsage(t *testing.T) {
	cpu, mem, err := parseRemoteUsage("1.20 0.80 0.60 2/345 6789\n4\nMemAvailable:    8388608 kB\n")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cpu, 1e-9)
	assert.Equal(t, int64(8<<30), mem)

	_, _, err = parseRemoteUsage("garbage")
	assert.Error(t, err)
}
