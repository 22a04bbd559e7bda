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

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/graph"
	"github.com/lilac-dev/lilac/pkg/planner"
	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/store"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
	"github.com/lilac-dev/lilac/pkg/workers"
)

type fakeWorker struct {
	name string
	max  int
}

func (w *fakeWorker) Name() string                                          { return w.name }
func (w *fakeWorker) MaxConcurrency() int                                   { return w.max }
func (w *fakeWorker) IsLocal() bool                                         { return true }
func (w *fakeWorker) ResourceUsage(context.Context) (float64, int64, error) { return 0.1, 64 << 30, nil }
func (w *fakeWorker) SyncDependedPackages(context.Context, []string) error  { return nil }
func (w *fakeWorker) PrepareBatch(context.Context) error                    { return nil }
func (w *fakeWorker) FinishBatch(context.Context) error                     { return nil }
func (w *fakeWorker) Build(context.Context, *worker.Input) (*worker.Result, error) {
	panic("scheduler tests launch through fakeLauncher")
}

// fakeLauncher returns scripted results and records the launch order.
type fakeLauncher struct {
	mu      sync.Mutex
	results map[string]*worker.Result
	order   []string
}

func (l *fakeLauncher) Launch(_ context.Context, pkg *types.PkgToBuild, _ *workers.State, _ time.Time) (*worker.Result, error) {
	l.mu.Lock()
	l.order = append(l.order, pkg.Pkgbase)
	res := l.results[pkg.Pkgbase]
	l.mu.Unlock()
	if res == nil {
		res = &worker.Result{Status: types.BuildSuccessful, Version: "1-1"}
	}
	return res, nil
}

func (l *fakeLauncher) launched() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func dep(pkgbase string) recipe.Dependency {
	return recipe.Dependency{Pkgbase: pkgbase, Pkgname: pkgbase}
}

func newScheduler(t *testing.T, recipes map[string]*recipe.Recipe, launcher Launcher) *Scheduler {
	t.Helper()

	pkgs := make(map[string]PkgInfo, len(recipes))
	for name, r := range recipes {
		pkgs[name] = PkgInfo{
			TimeLimit: time.Hour,
			OnBuild:   r.UpdateOnBuild,
			Staging:   r.Staging,
		}
	}
	return &Scheduler{
		Cfg:      &config.Config{},
		Pkgs:     pkgs,
		Graph:    graph.Build(t.TempDir(), recipes),
		Store:    store.NewMemoryStore(),
		Manager:  &workers.Manager{States: []*workers.State{{Worker: &fakeWorker{name: "local", max: 4}}}},
		Launcher: launcher,
		Logdir:   t.TempDir(),
	}
}

func plansFor(names ...string) map[string]*planner.Plan {
	out := make(map[string]*planner.Plan, len(names))
	for _, name := range names {
		out[name] = &planner.Plan{
			Pkgbase: name,
			Reason:  types.ReasonNvChecker{},
		}
	}
	return out
}

func TestRunBuildsInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"libfoo": {Pkgbase: "libfoo", Managed: true},
		"foo":    {Pkgbase: "foo", Managed: true, RepoDepends: []recipe.Dependency{dep("libfoo")}},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{}}
	s := newScheduler(t, recipes, launcher)

	require.NoError(t, s.Prepare(ctx, plansFor("libfoo", "foo")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"libfoo", "foo"}, launcher.launched())
	results := s.Results()
	assert.Equal(t, types.BuildSuccessful, results["libfoo"].Status)
	assert.Equal(t, types.BuildSuccessful, results["foo"].Status)
	assert.Empty(t, s.Failed())
}

func TestRunCascadesFailures(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"libfoo": {Pkgbase: "libfoo", Managed: true},
		"foo":    {Pkgbase: "foo", Managed: true, RepoDepends: []recipe.Dependency{dep("libfoo")}},
		"bar":    {Pkgbase: "bar", Managed: true, RepoDepends: []recipe.Dependency{dep("foo")}},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{
		"libfoo": {Status: types.BuildFailed, Msg: "boom"},
	}}
	s := newScheduler(t, recipes, launcher)

	var failures []string
	s.Hooks.OnFailure = func(_ context.Context, pkgbase, _ string, _ *worker.Result, _ string) {
		failures = append(failures, pkgbase)
	}

	require.NoError(t, s.Prepare(ctx, plansFor("libfoo", "foo", "bar")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"libfoo"}, launcher.launched(), "dependents never reach a worker")
	assert.Equal(t, []string{"bar", "foo", "libfoo"}, s.Failed())
	assert.Len(t, failures, 3)

	results := s.Results()
	assert.Equal(t, "boom", results["libfoo"].Error)
	assert.Contains(t, results["foo"].Error, "libfoo")
}

func TestRunSkippedDoesNotBlockDependents(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"libfoo": {Pkgbase: "libfoo", Managed: true},
		"foo":    {Pkgbase: "foo", Managed: true, RepoDepends: []recipe.Dependency{dep("libfoo")}},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{
		"libfoo": {Status: types.BuildSkipped, Msg: "nothing to do"},
	}}
	s := newScheduler(t, recipes, launcher)

	require.NoError(t, s.Prepare(ctx, plansFor("libfoo", "foo")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"libfoo", "foo"}, launcher.launched())
	assert.Equal(t, types.BuildSkipped, s.Results()["libfoo"].Status)
	assert.Equal(t, types.BuildSuccessful, s.Results()["foo"].Status)
}

func TestRunRecordsStagedBuilds(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"exp": {Pkgbase: "exp", Managed: true, Staging: true},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{
		"exp": {Status: types.BuildSuccessful, Version: "1-1"},
	}}
	s := newScheduler(t, recipes, launcher)

	require.NoError(t, s.Prepare(ctx, plansFor("exp")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, types.BuildStaged, s.Results()["exp"].Status)
	assert.True(t, s.Results()["exp"].OK(), "staged unblocks dependents")

	ms := s.Store.(*store.MemoryStore)
	history := ms.History("exp")
	require.Len(t, history, 1)
	assert.Equal(t, types.BuildStaged, history[0].Result)
}

func TestRunFailsUnassignablePackages(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"solo": {Pkgbase: "solo", Managed: true},
	}
	launcher := &fakeLauncher{}
	s := newScheduler(t, recipes, launcher)
	s.Pkgs["solo"] = PkgInfo{TimeLimit: time.Hour, AllowedWorkers: []string{"bigiron"}}

	require.NoError(t, s.Prepare(ctx, plansFor("solo")))
	require.NoError(t, s.Run(ctx))

	assert.Empty(t, launcher.launched())
	assert.Equal(t, []string{"solo"}, s.Failed())
	assert.Contains(t, s.Results()["solo"].Error, "no worker")
}

func TestRunInsertsRuntimeDependents(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"libfoo": {Pkgbase: "libfoo", Managed: true},
		"foo":    {Pkgbase: "foo", Managed: true, RepoDepends: []recipe.Dependency{dep("libfoo")}},
	}
	launcher := &fakeLauncher{}
	s := newScheduler(t, recipes, launcher)

	// only libfoo is planned; foo follows because its runtime
	// dependency was rebuilt
	require.NoError(t, s.Prepare(ctx, plansFor("libfoo")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"libfoo", "foo"}, launcher.launched())
	assert.Equal(t, types.BuildSuccessful, s.Results()["foo"].Status)
	require.Len(t, s.reasons["foo"], 1)
	assert.Equal(t, types.ReasonDepended{Dependency: "libfoo"}, s.reasons["foo"][0])
}

func TestRunInsertsOnBuildDependents(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"compiler": {Pkgbase: "compiler", Managed: true},
		"plugin": {
			Pkgbase: "plugin", Managed: true,
			UpdateOnBuild: []types.OnBuildEntry{{Pkgbase: "compiler"}},
		},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{
		"compiler": {Status: types.BuildSuccessful, Version: "2-1"},
	}}
	s := newScheduler(t, recipes, launcher)

	// an earlier batch built compiler 1-1, so this build moves the
	// trigger's version pair
	require.NoError(t, s.Store.RecordBuild(ctx, &store.HistoryEntry{
		Pkgbase:    "compiler",
		PkgVersion: "1-1",
		Result:     types.BuildSuccessful,
	}))

	require.NoError(t, s.Prepare(ctx, plansFor("compiler")))
	require.NoError(t, s.Run(ctx))

	assert.Equal(t, []string{"compiler", "plugin"}, launcher.launched())
	assert.Equal(t, types.BuildSuccessful, s.Results()["plugin"].Status)
}

func TestRunRecordsHistory(t *testing.T) {
	ctx := context.Background()
	recipes := map[string]*recipe.Recipe{
		"foo": {Pkgbase: "foo", Managed: true},
	}
	launcher := &fakeLauncher{results: map[string]*worker.Result{
		"foo": {
			Status:  types.BuildSuccessful,
			Version: "1.1-1",
			Elapsed: 3 * time.Minute,
			RUsage:  types.RUsage{CPUSeconds: 120, MemoryMax: 1 << 28},
		},
	}}
	s := newScheduler(t, recipes, launcher)
	s.MaintainersFor = func(string) []types.Maintainer {
		return []types.Maintainer{{Name: "alice", Email: "alice@example.com"}}
	}

	require.NoError(t, s.Prepare(ctx, plansFor("foo")))
	require.NoError(t, s.Run(ctx))

	ms := s.Store.(*store.MemoryStore)
	prev, cur, err := ms.LastTwoVersions(ctx, "foo")
	require.NoError(t, err)
	assert.Empty(t, prev)
	assert.Equal(t, "1.1-1", cur)

	rusages, err := ms.LastRusages(ctx, []string{"foo"})
	require.NoError(t, err)
	assert.Equal(t, float64(120), rusages["foo"]["local"].CPUSeconds)
}
