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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/lilac-dev/lilac/pkg/types"
)

// MemoryStore implements Store in memory. Used in tests and when running
// without a database; nothing survives the process.
type MemoryStore struct {
	mu sync.Mutex

	log     []memoryRow
	current map[string]*CurrentStatus
	batches []batchRow

	now func() time.Time
}

type memoryRow struct {
	ts time.Time
	HistoryEntry
}

type batchRow struct {
	ts     time.Time
	event  string
	id     string
	logdir string
}

// CurrentStatus is the mutable per-package row mirrored from pkgcurrent.
type CurrentStatus struct {
	Pkgbase   string
	Index     int
	Status    string
	UpdatedAt time.Time
	Reasons   []types.BuildReason
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[string]*CurrentStatus),
		now:     time.Now,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() {}

// RecordBuild appends a history row and moves the current status.
func (s *MemoryStore) RecordBuild(_ context.Context, e *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = append(s.log, memoryRow{ts: s.now(), HistoryEntry: *e})
	if cur, ok := s.current[e.Pkgbase]; ok {
		cur.Status = currentStatus(e.Result)
		cur.UpdatedAt = s.now()
	}
	return nil
}

// IsLastBuildFailed reports whether the most recent build failed.
func (s *MemoryStore) IsLastBuildFailed(_ context.Context, pkgbase string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := len(s.log) - 1; i >= 0; i-- {
		if s.log[i].Pkgbase == pkgbase {
			return s.log[i].Result == types.BuildFailed, nil
		}
	}
	return false, nil
}

// LastTwoVersions returns the previous and current built versions.
func (s *MemoryStore) LastTwoVersions(_ context.Context, pkgbase string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var versions []string
	for i := len(s.log) - 1; i >= 0 && len(versions) < 2; i-- {
		r := s.log[i]
		if r.Pkgbase == pkgbase && (r.Result == types.BuildSuccessful || r.Result == types.BuildStaged) {
			versions = append(versions, r.PkgVersion)
		}
	}
	switch len(versions) {
	case 0:
		return "", "", nil
	case 1:
		return "", versions[0], nil
	default:
		return versions[1], versions[0], nil
	}
}

// LastSuccessTimes returns each pkgbase's most recent success timestamp.
func (s *MemoryStore) LastSuccessTimes(_ context.Context, pkgbases []string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(pkgbases))
	for _, p := range pkgbases {
		want[p] = struct{}{}
	}
	out := make(map[string]time.Time)
	for _, r := range s.log {
		if _, ok := want[r.Pkgbase]; !ok {
			continue
		}
		if r.Result != types.BuildSuccessful && r.Result != types.BuildStaged {
			continue
		}
		if r.ts.After(out[r.Pkgbase]) {
			out[r.Pkgbase] = r.ts
		}
	}
	return out, nil
}

// LastRusages returns per pkgbase per worker the latest successful usage.
func (s *MemoryStore) LastRusages(_ context.Context, pkgbases []string) (types.Rusages, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(pkgbases))
	for _, p := range pkgbases {
		want[p] = struct{}{}
	}
	out := make(types.Rusages)
	for _, r := range s.log {
		if _, ok := want[r.Pkgbase]; !ok || r.Builder == "" {
			continue
		}
		if r.Result != types.BuildSuccessful && r.Result != types.BuildStaged {
			continue
		}
		if _, ok := out[r.Pkgbase]; !ok {
			out[r.Pkgbase] = make(map[string]types.UsedResource)
		}
		// log order is append order, so later rows simply overwrite
		out[r.Pkgbase][r.Builder] = types.UsedResource{
			CPUSeconds: r.CPUTime.Seconds(),
			MemoryMax:  r.Memory,
			Elapsed:    r.Elapsed,
		}
	}
	return out, nil
}

// MarkPending registers a package chosen for this batch.
func (s *MemoryStore) MarkPending(_ context.Context, index int, pkgbase string, reasons []types.BuildReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current[pkgbase] = &CurrentStatus{
		Pkgbase:   pkgbase,
		Index:     index,
		Status:    "pending",
		UpdatedAt: s.now(),
		Reasons:   reasons,
	}
	return nil
}

// Mark moves a package's current status.
func (s *MemoryStore) Mark(_ context.Context, pkgbase string, status types.BuildStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.current[pkgbase]; ok {
		cur.Status = string(status)
		cur.UpdatedAt = s.now()
	}
	return nil
}

// BatchEvent records a batch lifecycle event.
func (s *MemoryStore) BatchEvent(_ context.Context, event, batchID, logdir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches = append(s.batches, batchRow{ts: s.now(), event: event, id: batchID, logdir: logdir})
	return nil
}

// ClearCurrent drops all current status rows.
func (s *MemoryStore) ClearCurrent(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = make(map[string]*CurrentStatus)
	return nil
}

// Current returns the current status row for pkgbase, or nil.
func (s *MemoryStore) Current(pkgbase string) *CurrentStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.current[pkgbase]; ok {
		c := *cur
		return &c
	}
	return nil
}

// History returns a copy of the appended entries for pkgbase.
func (s *MemoryStore) History(pkgbase string) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []HistoryEntry
	for _, r := range s.log {
		if r.Pkgbase == pkgbase {
			out = append(out, r.HistoryEntry)
		}
	}
	return out
}
