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

// Package store persists the build history: an append-only pkglog, the
// mutable pkgcurrent status table, and batch start/stop events.
package store

import (
	"context"
	"time"

	"github.com/lilac-dev/lilac/pkg/types"
)

// HistoryEntry is one appended build record. Immutable once written.
type HistoryEntry struct {
	Pkgbase      string
	NvVersion    string
	PkgVersion   string
	Elapsed      time.Duration
	Result       types.BuildStatus
	CPUTime      time.Duration
	Memory       int64
	Msg          string
	BuildReasons []types.BuildReason
	Maintainers  []types.Maintainer
	Builder      string
}

// Store is the build-history backend. All writes are transactional; readers
// may observe any committed prefix.
type Store interface {
	// RecordBuild appends a history row and moves the package's current
	// status to the entry's result.
	RecordBuild(ctx context.Context, e *HistoryEntry) error

	// IsLastBuildFailed reports whether the most recent build of pkgbase
	// failed.
	IsLastBuildFailed(ctx context.Context, pkgbase string) (bool, error)

	// LastTwoVersions returns the two most recent successfully built
	// versions, oldest first. Missing versions are empty strings.
	LastTwoVersions(ctx context.Context, pkgbase string) (prev, cur string, err error)

	// LastSuccessTimes returns when each of the given pkgbases last built
	// successfully; absent keys never succeeded.
	LastSuccessTimes(ctx context.Context, pkgbases []string) (map[string]time.Time, error)

	// LastRusages returns, per pkgbase and worker, the resource usage of the
	// most recent successful build.
	LastRusages(ctx context.Context, pkgbases []string) (types.Rusages, error)

	// MarkPending registers a package selected for this batch in the current
	// status table. index is its position in the batch.
	MarkPending(ctx context.Context, index int, pkgbase string, reasons []types.BuildReason) error

	// Mark moves a package's current status.
	Mark(ctx context.Context, pkgbase string, status types.BuildStatus) error

	// BatchEvent records a batch lifecycle event ("start" or "stop").
	// batchID pairs the two events of one batch.
	BatchEvent(ctx context.Context, event, batchID, logdir string) error

	// ClearCurrent drops every current-status row; called at batch start
	// before repopulating with this batch's selection.
	ClearCurrent(ctx context.Context) error

	// Close releases the backing resources.
	Close()
}

// OnBuildVersions evaluates update_on_build cascade triggers against the
// store: for each trigger, the last two successfully built versions of the
// referenced pkgbase, rewritten through the trigger's pattern pair.
func OnBuildVersions(ctx context.Context, s Store, triggers []types.OnBuildEntry) ([]types.OnBuildVers, error) {
	out := make([]types.OnBuildVers, 0, len(triggers))
	for _, t := range triggers {
		prev, cur, err := s.LastTwoVersions(ctx, t.Pkgbase)
		if err != nil {
			return nil, err
		}
		v := types.OnBuildVers{OldVer: prev, NewVer: cur}
		if t.FromPattern != "" && t.ToPattern != "" {
			v.OldVer, err = rewriteVersion(v.OldVer, t.FromPattern, t.ToPattern)
			if err != nil {
				return nil, err
			}
			v.NewVer, err = rewriteVersion(v.NewVer, t.FromPattern, t.ToPattern)
			if err != nil {
				return nil, err
			}
		}
		out = append(out, v)
	}
	return out, nil
}
