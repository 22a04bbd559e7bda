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

// Package scheduler drives one batch: it tracks every selected package
// through pending, building and a terminal state, offers ready packages
// to workers, and cascades failures to dependents.
package scheduler

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/dustin/go-humanize"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/graph"
	"github.com/lilac-dev/lilac/pkg/planner"
	"github.com/lilac-dev/lilac/pkg/store"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
	"github.com/lilac-dev/lilac/pkg/workers"
)

// tickInterval bounds how long the loop waits before re-evaluating
// worker resources even without completions.
const tickInterval = 10 * time.Second

// cancelGrace is how long running builds get to wrap up after an
// interrupt before they are written off.
const cancelGrace = 10 * time.Second

// PkgInfo is the scheduler's view of one recipe.
type PkgInfo struct {
	// TimeLimit is the per-build deadline.
	TimeLimit time.Duration
	// NvResults is the version-check output recorded with the build.
	NvResults types.NvResults
	// OnBuild lists the recipe's update_on_build triggers.
	OnBuild []types.OnBuildEntry
	// AllowedWorkers restricts which workers may build this recipe;
	// empty means any.
	AllowedWorkers []string
	// Staging records successful builds as staged; their artifacts await
	// manual review.
	Staging bool
}

// Launcher starts one build and reports its result. The production
// launcher feeds a worker subprocess; tests substitute their own.
type Launcher interface {
	Launch(ctx context.Context, pkg *types.PkgToBuild, ws *workers.State, deadline time.Time) (*worker.Result, error)
}

// Hooks let the caller react to terminal states without the scheduler
// knowing about mail, publishing, or nvtake.
type Hooks struct {
	// OnSuccess runs after a successful or staged build is recorded.
	OnSuccess func(ctx context.Context, pkgbase, builder string, res *worker.Result)
	// OnFailure runs after a failed build is recorded. res is nil for
	// cascaded failures, which never reached a worker.
	OnFailure func(ctx context.Context, pkgbase, builder string, res *worker.Result, msg string)
	// QueueSizes reports the per-state counts once per tick.
	QueueSizes func(sizes map[string]int)
}

// Scheduler runs one batch to completion.
type Scheduler struct {
	Cfg      *config.Config
	Pkgs     map[string]PkgInfo
	Graph    *graph.Graph
	Store    store.Store
	Manager  *workers.Manager
	Launcher Launcher
	Hooks    Hooks

	// MaintainersFor supplies the maintainers recorded with each build;
	// may be nil.
	MaintainersFor func(pkgbase string) []types.Maintainer

	// Logdir is this batch's log directory.
	Logdir string

	// BatchDeadline refuses builds whose time limit cannot fit before
	// it; zero means no budget.
	BatchDeadline time.Time

	// Rusages is the historical per-worker resource usage consulted
	// during admission.
	Rusages types.Rusages

	completions chan completion

	pending  map[string]struct{}
	building map[string]struct{}
	done     map[string]struct{}
	failed   map[string]struct{}
	skipped  map[string]struct{}

	reasons     map[string][]types.BuildReason
	onBuildVers map[string][]types.OnBuildVers
	results     map[string]types.BuildResult

	depmap  map[string][]string
	rdepmap map[string][]string

	cancelled bool
}

type completion struct {
	pkgbase string
	ws      *workers.State
	res     *worker.Result
	err     error
}

// Prepare seeds the batch with the planner's selection and registers
// every package as pending in the status table.
func (s *Scheduler) Prepare(ctx context.Context, plans map[string]*planner.Plan) error {
	s.completions = make(chan completion, len(plans)+len(s.Pkgs))
	s.pending = make(map[string]struct{})
	s.building = make(map[string]struct{})
	s.done = make(map[string]struct{})
	s.failed = make(map[string]struct{})
	s.skipped = make(map[string]struct{})
	s.reasons = make(map[string][]types.BuildReason)
	s.onBuildVers = make(map[string][]types.OnBuildVers)
	s.results = make(map[string]types.BuildResult)
	s.depmap = make(map[string][]string)
	s.rdepmap = s.Graph.ReverseRuntime()

	for name, plan := range plans {
		if _, known := s.Pkgs[name]; !known {
			continue
		}
		s.pending[name] = struct{}{}
		s.reasons[name] = []types.BuildReason{plan.Reason}
		s.onBuildVers[name] = plan.OnBuildVers
		s.depmap[name] = s.Graph.BuildInputPkgbases(name)
	}

	names := sortedKeys(s.pending)
	for i, name := range names {
		if err := s.Store.MarkPending(ctx, i, name, s.reasons[name]); err != nil {
			return err
		}
	}
	return nil
}

// Run executes the batch until every package reaches a terminal state,
// or until cancellation drains the running builds.
func (s *Scheduler) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	timer := time.NewTimer(tickInterval)
	defer timer.Stop()

	for {
		s.drainCompletions(ctx)
		s.reportQueues()

		if len(s.pending) == 0 && len(s.building) == 0 {
			return nil
		}

		accepted := 0
		if !s.cancelled {
			accepted = s.dispatch(ctx)
		}

		if s.cancelled && len(s.building) == 0 {
			s.failRemaining(ctx, "batch cancelled")
			return ctx.Err()
		}

		if accepted == 0 && len(s.building) == 0 && !s.cancelled {
			// nothing can run and nothing is running: everything left
			// waits on a dependency that will never arrive
			s.failStuck(ctx)
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(tickInterval)

		select {
		case c := <-s.completions:
			s.complete(ctx, c)
		case <-timer.C:
		case <-ctx.Done():
			if !s.cancelled {
				s.cancelled = true
				log.Warnf("interrupt received, waiting %s for running builds", cancelGrace)
				s.awaitGrace(ctx)
			}
		}
	}
}

// awaitGrace records completions arriving within the grace period.
func (s *Scheduler) awaitGrace(ctx context.Context) {
	grace := time.NewTimer(cancelGrace)
	defer grace.Stop()
	for len(s.building) > 0 {
		select {
		case c := <-s.completions:
			s.complete(ctx, c)
		case <-grace.C:
			return
		}
	}
}

// failRemaining marks everything still pending or building as failed.
func (s *Scheduler) failRemaining(ctx context.Context, msg string) {
	for _, name := range sortedKeys(s.building) {
		s.finish(ctx, name, nil, "", types.BuildResult{
			Status: types.BuildFailed,
			Error:  msg,
		})
	}
	for _, name := range sortedKeys(s.pending) {
		s.finish(ctx, name, nil, "", types.BuildResult{
			Status: types.BuildFailed,
			Error:  msg,
		})
	}
}

// failStuck fails every remaining pending package, naming the
// dependencies that block it. Failed dependents were cascaded already;
// this catches packages blocked on failed make inputs and ready
// packages no worker will ever accept.
func (s *Scheduler) failStuck(ctx context.Context) {
	log := clog.FromContext(ctx)
	for _, name := range sortedKeys(s.pending) {
		var blockers []string
		for _, dep := range s.depmap[name] {
			if _, bad := s.failed[dep]; bad {
				blockers = append(blockers, dep)
			}
		}
		res := types.BuildResult{Status: types.BuildFailed}
		if len(blockers) > 0 {
			res.Error = "dependencies failed: " + strings.Join(blockers, ", ")
			s.reasons[name] = append(s.reasons[name],
				types.ReasonFailedByDeps{Deps: blockers})
		} else {
			res.Error = "no worker can build this package"
		}
		log.Errorf("%s stuck: %s", name, res.Error)
		s.finish(ctx, name, nil, "", res)
	}
}

func (s *Scheduler) drainCompletions(ctx context.Context) {
	for {
		select {
		case c := <-s.completions:
			s.complete(ctx, c)
		default:
			return
		}
	}
}

// readySet lists pending packages whose selected build inputs have all
// reached a non-blocking terminal state, in sorted order. Inputs
// outside this batch are satisfied from the package repository.
func (s *Scheduler) readySet() []string {
	var out []string
	for name := range s.pending {
		if s.blocked(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Scheduler) blocked(name string) bool {
	for _, dep := range s.depmap[name] {
		if _, ok := s.pending[dep]; ok {
			return true
		}
		if _, ok := s.building[dep]; ok {
			return true
		}
		if _, ok := s.failed[dep]; ok {
			return true
		}
	}
	return false
}

// dispatch offers the ready set to each worker in declaration order and
// launches what they accept. Returns the number of accepted packages.
func (s *Scheduler) dispatch(ctx context.Context) int {
	log := clog.FromContext(ctx)

	total := 0
	for _, ws := range s.Manager.States {
		ready := s.filterForWorker(ws, s.readySet())
		if len(ready) == 0 {
			continue
		}

		accepted := ws.TryAcceptPackage(ctx, ready, s.Rusages, s.priority, s.buildable)
		for _, pkg := range accepted {
			name := pkg.Pkgbase
			delete(s.pending, name)
			s.building[name] = struct{}{}
			if err := s.Store.Mark(ctx, name, types.BuildBuilding); err != nil {
				log.Warnf("marking %s building: %v", name, err)
			}
			p := pkg
			p.OnBuildVers = s.onBuildVers[name]
			deadline := time.Now().Add(s.Pkgs[name].TimeLimit)
			go func(ws *workers.State) {
				res, err := s.Launcher.Launch(ctx, &p, ws, deadline)
				s.completions <- completion{pkgbase: p.Pkgbase, ws: ws, res: res, err: err}
			}(ws)
		}
		total += len(accepted)
	}
	return total
}

// filterForWorker drops packages this worker may not build: ones whose
// allowed worker list does not name it, and ones whose time limit would
// overrun the batch budget.
func (s *Scheduler) filterForWorker(ws *workers.State, ready []string) []string {
	var out []string
	for _, name := range ready {
		info := s.Pkgs[name]
		if len(info.AllowedWorkers) > 0 && !contains(info.AllowedWorkers, ws.Name()) {
			continue
		}
		if !s.BatchDeadline.IsZero() && time.Now().Add(info.TimeLimit).After(s.BatchDeadline) {
			continue
		}
		out = append(out, name)
	}
	return out
}

// priority orders by the number of pending packages that transitively
// depend on this one, negated so that more dependents sorts earlier.
func (s *Scheduler) priority(pkgbase string) int {
	seen := map[string]struct{}{}
	stack := []string{pkgbase}
	count := 0
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range s.rdepmap[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			if _, pending := s.pending[dep]; pending {
				count++
			}
			stack = append(stack, dep)
		}
	}
	return -count
}

// buildable is the final admission gate, re-checked after the resource
// sort in case an earlier acceptance this tick took a dependency.
func (s *Scheduler) buildable(pkgbase string) bool {
	if _, ok := s.pending[pkgbase]; !ok {
		return false
	}
	return !s.blocked(pkgbase)
}

// complete moves a finished build to its terminal state.
func (s *Scheduler) complete(ctx context.Context, c completion) {
	c.ws.Release()

	res := types.BuildResult{Status: types.BuildFailed, Error: "worker lost"}
	switch {
	case c.err != nil:
		res.Error = c.err.Error()
	case c.res != nil:
		if c.res.Status == types.BuildSuccessful && s.Pkgs[c.pkgbase].Staging {
			c.res.Status = types.BuildStaged
		}
		res = c.res.ToBuildResult()
	}
	s.finish(ctx, c.pkgbase, c.res, c.ws.Name(), res)
}

// finish records one terminal state and its consequences: history row,
// on_build insertions on success, dependent cascade on failure.
func (s *Scheduler) finish(ctx context.Context, pkgbase string, wres *worker.Result, builder string, res types.BuildResult) {
	log := clog.FromContext(ctx)

	delete(s.pending, pkgbase)
	delete(s.building, pkgbase)
	s.results[pkgbase] = res

	switch {
	case res.OK():
		s.done[pkgbase] = struct{}{}
	case res.Status == types.BuildSkipped:
		s.skipped[pkgbase] = struct{}{}
	default:
		s.failed[pkgbase] = struct{}{}
	}

	s.record(ctx, pkgbase, wres, builder, res)

	switch {
	case res.OK():
		if s.Hooks.OnSuccess != nil && wres != nil {
			s.Hooks.OnSuccess(ctx, pkgbase, builder, wres)
		}
		if wres != nil {
			s.insertRuntimeDependents(ctx, pkgbase)
		}
		s.insertOnBuildDependents(ctx, pkgbase)
	case res.Status == types.BuildFailed:
		if s.Hooks.OnFailure != nil {
			s.Hooks.OnFailure(ctx, pkgbase, builder, wres, res.Error)
		}
		s.cascadeFailure(ctx, pkgbase)
	}

	if res.RUsage.MemoryMax > 0 {
		log.Infof("%s finished: %s (cpu %.0fs, peak memory %s)", pkgbase, res,
			res.RUsage.CPUSeconds, humanize.IBytes(uint64(res.RUsage.MemoryMax)))
	} else {
		log.Infof("%s finished: %s", pkgbase, res)
	}
}

func (s *Scheduler) record(ctx context.Context, pkgbase string, wres *worker.Result, builder string, res types.BuildResult) {
	log := clog.FromContext(ctx)

	entry := &store.HistoryEntry{
		Pkgbase:      pkgbase,
		NvVersion:    s.Pkgs[pkgbase].NvResults.NewVer(),
		Result:       res.Status,
		Elapsed:      res.Elapsed,
		CPUTime:      time.Duration(res.RUsage.CPUSeconds * float64(time.Second)),
		Memory:       res.RUsage.MemoryMax,
		BuildReasons: s.reasons[pkgbase],
		Builder:      builder,
	}
	switch res.Status {
	case types.BuildFailed:
		entry.Msg = res.Error
	case types.BuildSkipped:
		entry.Msg = res.Reason
	}
	if wres != nil {
		entry.PkgVersion = wres.Version
	}
	if s.MaintainersFor != nil {
		entry.Maintainers = s.MaintainersFor(pkgbase)
	}
	if err := s.Store.RecordBuild(ctx, entry); err != nil {
		log.Errorf("recording %s: %v", pkgbase, err)
	}
}

// insertRuntimeDependents schedules the direct runtime dependents of a
// rebuilt package so they link against the new artifact.
func (s *Scheduler) insertRuntimeDependents(ctx context.Context, pkgbase string) {
	log := clog.FromContext(ctx)

	for _, name := range s.Graph.DirectRuntimeDependents(pkgbase) {
		if s.isSelected(name) {
			continue
		}
		if _, known := s.Pkgs[name]; !known {
			continue
		}
		log.Infof("%s rebuilt, scheduling runtime dependent %s", pkgbase, name)
		s.pending[name] = struct{}{}
		s.reasons[name] = []types.BuildReason{types.ReasonDepended{Dependency: pkgbase}}
		s.depmap[name] = s.Graph.BuildInputPkgbases(name)
		if err := s.Store.MarkPending(ctx, len(s.reasons), name, s.reasons[name]); err != nil {
			log.Warnf("marking %s pending: %v", name, err)
		}
	}
}

// insertOnBuildDependents re-evaluates update_on_build triggers of the
// finished package and inserts recipes whose trigger versions moved.
func (s *Scheduler) insertOnBuildDependents(ctx context.Context, pkgbase string) {
	log := clog.FromContext(ctx)

	for _, name := range sortedPkgNames(s.Pkgs) {
		if s.isSelected(name) {
			continue
		}
		var matching []types.OnBuildEntry
		for _, t := range s.Pkgs[name].OnBuild {
			if t.Pkgbase == pkgbase {
				matching = append(matching, t)
			}
		}
		if len(matching) == 0 {
			continue
		}
		vers, err := store.OnBuildVersions(ctx, s.Store, matching)
		if err != nil {
			log.Warnf("on_build versions for %s: %v", name, err)
			continue
		}
		var fired []types.OnBuildEntry
		var firedVers []types.OnBuildVers
		for i, v := range vers {
			if v.NewVer != "" && v.OldVer != v.NewVer {
				fired = append(fired, matching[i])
				firedVers = append(firedVers, v)
			}
		}
		if len(fired) == 0 {
			continue
		}
		log.Infof("%s rebuilt, scheduling dependent %s", pkgbase, name)
		s.pending[name] = struct{}{}
		s.reasons[name] = []types.BuildReason{types.ReasonOnBuild{Triggers: fired}}
		s.onBuildVers[name] = firedVers
		s.depmap[name] = s.Graph.BuildInputPkgbases(name)
		if err := s.Store.MarkPending(ctx, len(s.reasons), name, s.reasons[name]); err != nil {
			log.Warnf("marking %s pending: %v", name, err)
		}
	}
}

// cascadeFailure eagerly fails every pending transitive dependent.
func (s *Scheduler) cascadeFailure(ctx context.Context, pkgbase string) {
	stack := []string{pkgbase}
	seen := map[string]struct{}{pkgbase: {}}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dep := range s.rdepmap[cur] {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			if _, pending := s.pending[dep]; pending {
				s.reasons[dep] = append(s.reasons[dep],
					types.ReasonFailedByDeps{Deps: []string{pkgbase}})
				s.finish(ctx, dep, nil, "", types.BuildResult{
					Status: types.BuildFailed,
					Error:  fmt.Sprintf("dependency %s failed", pkgbase),
				})
			}
			stack = append(stack, dep)
		}
	}
}

func (s *Scheduler) isSelected(name string) bool {
	if _, ok := s.pending[name]; ok {
		return true
	}
	if _, ok := s.building[name]; ok {
		return true
	}
	if _, ok := s.done[name]; ok {
		return true
	}
	if _, ok := s.failed[name]; ok {
		return true
	}
	_, ok := s.skipped[name]
	return ok
}

// Results returns every terminal result after Run.
func (s *Scheduler) Results() map[string]types.BuildResult {
	return s.results
}

// Failed lists the failed pkgbases, sorted.
func (s *Scheduler) Failed() []string {
	return sortedKeys(s.failed)
}

func (s *Scheduler) reportQueues() {
	if s.Hooks.QueueSizes == nil {
		return
	}
	s.Hooks.QueueSizes(map[string]int{
		"pending":  len(s.pending),
		"building": len(s.building),
		"done":     len(s.done),
		"failed":   len(s.failed),
		"skipped":  len(s.skipped),
	})
}

// Logfile returns the per-package build log path in this batch's logdir.
func (s *Scheduler) Logfile(pkgbase string) string {
	return filepath.Join(s.Logdir, pkgbase+".log")
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedPkgNames(m map[string]PkgInfo) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
