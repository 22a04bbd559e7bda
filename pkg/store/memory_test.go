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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/types"
)

func record(t *testing.T, s Store, pkgbase, version string, result types.BuildStatus, builder string) {
	t.Helper()
	require.NoError(t, s.RecordBuild(context.Background(), &HistoryEntry{
		Pkgbase:    pkgbase,
		PkgVersion: version,
		Result:     result,
		Builder:    builder,
		CPUTime:    90 * time.Second,
		Memory:     512 << 20,
		Elapsed:    2 * time.Minute,
	}))
}

func TestIsLastBuildFailed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	failed, err := s.IsLastBuildFailed(ctx, "p")
	require.NoError(t, err)
	assert.False(t, failed, "no history means not failed")

	record(t, s, "p", "1.0-1", types.BuildFailed, "local")
	failed, err = s.IsLastBuildFailed(ctx, "p")
	require.NoError(t, err)
	assert.True(t, failed)

	record(t, s, "p", "1.0-2", types.BuildSuccessful, "local")
	failed, err = s.IsLastBuildFailed(ctx, "p")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestLastTwoVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	prev, cur, err := s.LastTwoVersions(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.Empty(t, cur)

	record(t, s, "p", "1.0-1", types.BuildSuccessful, "local")
	prev, cur, err = s.LastTwoVersions(ctx, "p")
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.Equal(t, "1.0-1", cur)

	// failed builds do not count
	record(t, s, "p", "1.1-1", types.BuildFailed, "local")
	record(t, s, "p", "1.1-2", types.BuildStaged, "local")
	prev, cur, err = s.LastTwoVersions(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "1.0-1", prev)
	assert.Equal(t, "1.1-2", cur)
}

func TestLastRusages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	record(t, s, "p", "1.0-1", types.BuildSuccessful, "local")
	record(t, s, "p", "1.1-1", types.BuildSuccessful, "arm-box")
	record(t, s, "q", "2.0-1", types.BuildFailed, "local")

	r, err := s.LastRusages(ctx, []string{"p", "q"})
	require.NoError(t, err)

	require.Contains(t, r, "p")
	assert.Len(t, r["p"], 2)
	assert.Equal(t, float64(90), r["p"]["local"].CPUSeconds)
	assert.Equal(t, 2*time.Minute, r["p"]["local"].Elapsed)

	// q only ever failed
	assert.NotContains(t, r, "q")
}

func TestLastSuccessTimes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Hour)
	}

	record(t, s, "p", "1.0-1", types.BuildSuccessful, "local")
	record(t, s, "p", "1.1-1", types.BuildSuccessful, "local")
	record(t, s, "q", "1.0-1", types.BuildFailed, "local")

	times, err := s.LastSuccessTimes(ctx, []string{"p", "q"})
	require.NoError(t, err)
	assert.Equal(t, base.Add(2*time.Hour), times["p"])
	assert.NotContains(t, times, "q")
}

func TestMarkLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.MarkPending(ctx, 3, "p", []types.BuildReason{types.ReasonUpdatedPkgrel{}}))
	cur := s.Current("p")
	require.NotNil(t, cur)
	assert.Equal(t, "pending", cur.Status)
	assert.Equal(t, 3, cur.Index)

	require.NoError(t, s.Mark(ctx, "p", types.BuildBuilding))
	assert.Equal(t, "building", s.Current("p").Status)

	// a recorded result folds staged/successful into done
	record(t, s, "p", "1.0-1", types.BuildStaged, "local")
	assert.Equal(t, "done", s.Current("p").Status)

	require.NoError(t, s.ClearCurrent(ctx))
	assert.Nil(t, s.Current("p"))
}

func TestOnBuildVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	record(t, s, "dep", "1:2.0-1", types.BuildSuccessful, "local")
	record(t, s, "dep", "1:2.1-1", types.BuildSuccessful, "local")

	t.Run("plain", func(t *testing.T) {
		vers, err := OnBuildVersions(ctx, s, []types.OnBuildEntry{{Pkgbase: "dep"}})
		require.NoError(t, err)
		require.Len(t, vers, 1)
		assert.Equal(t, "1:2.0-1", vers[0].OldVer)
		assert.Equal(t, "1:2.1-1", vers[0].NewVer)
	})

	t.Run("pattern rewrite strips pkgrel", func(t *testing.T) {
		vers, err := OnBuildVersions(ctx, s, []types.OnBuildEntry{{
			Pkgbase:     "dep",
			FromPattern: `-\d+$`,
			ToPattern:   "",
		}})
		require.NoError(t, err)
		assert.Equal(t, "1:2.0", vers[0].OldVer)
		assert.Equal(t, "1:2.1", vers[0].NewVer)
	})

	t.Run("no history yields empty pair", func(t *testing.T) {
		vers, err := OnBuildVersions(ctx, s, []types.OnBuildEntry{{Pkgbase: "never-built"}})
		require.NoError(t, err)
		assert.Equal(t, types.OnBuildVers{}, vers[0])
	})

	t.Run("bad pattern errors", func(t *testing.T) {
		_, err := OnBuildVersions(ctx, s, []types.OnBuildEntry{{
			Pkgbase:     "dep",
			FromPattern: "(",
			ToPattern:   "x",
		}})
		require.Error(t, err)
	})
}

func TestBatchEvent(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.BatchEvent(context.Background(), "start", "6e9cb1a4-4a94-4c4e-9f3a-2b1e4c8d9f00", "/var/log/lilac/2025-08-24"))
	require.NoError(t, s.BatchEvent(context.Background(), "stop", "6e9cb1a4-4a94-4c4e-9f3a-2b1e4c8d9f00", ""))
	assert.Len(t, s.batches, 2)
}
