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
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/graph"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
	"github.com/lilac-dev/lilac/pkg/workers"
)

// WorkerLauncher assembles work orders and feeds them to build workers.
type WorkerLauncher struct {
	Cfg   *config.Config
	Graph *graph.Graph

	// Pkgs supplies the per-recipe version-check results.
	Pkgs map[string]PkgInfo

	// Logdir is the batch's log directory; result files land next to
	// the build logs.
	Logdir string

	mu sync.Mutex
	no int
}

// Launch resolves the build inputs, syncs them to the worker if needed,
// and runs the build to completion.
func (l *WorkerLauncher) Launch(ctx context.Context, pkg *types.PkgToBuild, ws *workers.State, deadline time.Time) (*worker.Result, error) {
	deps := l.Graph.BuildInputClosure(pkg.Pkgbase)
	paths, missing := graph.ResolveAll(deps)
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, d := range missing {
			names[i] = d.Pkgname
		}
		sort.Strings(names)
		return nil, fmt.Errorf("missing build inputs for %s: %v", pkg.Pkgbase, names)
	}

	if err := ws.SyncDependedPackages(ctx, paths); err != nil {
		return nil, fmt.Errorf("syncing inputs to %s: %w", ws.Name(), err)
	}

	in := &worker.Input{
		Pkgbase:        pkg.Pkgbase,
		DependPackages: paths,
		UpdateInfo:     l.Pkgs[pkg.Pkgbase].NvResults,
		OnBuildVers:    pkg.OnBuildVers,
		Bindmounts:     l.bindmounts(),
		Tmpfs:          l.Cfg.Misc.Tmpfs,
		WorkerNo:       l.nextNo(),
		WorkerName:     ws.Name(),
		RepoName:       l.Cfg.Repository.Name,
		Deadline:       deadline,
		ResultPath:     filepath.Join(l.Logdir, pkg.Pkgbase+".result.json"),
		Logfile:        filepath.Join(l.Logdir, pkg.Pkgbase+".log"),
	}
	return ws.Build(ctx, in)
}

// bindmounts flattens the configured map into "src:dst" pairs, sorted
// for determinism.
func (l *WorkerLauncher) bindmounts() []string {
	if len(l.Cfg.Bindmounts) == 0 {
		return nil
	}
	out := make([]string, 0, len(l.Cfg.Bindmounts))
	for src, dst := range l.Cfg.Bindmounts {
		out = append(out, config.ExpandUser(src)+":"+dst)
	}
	sort.Strings(out)
	return out
}

func (l *WorkerLauncher) nextNo() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.no++
	return l.no
}
