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

// Package planner computes the initial ready set of one batch: which
// packages to build and why.
package planner

import (
	"context"
	"sort"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/lilac-dev/lilac/pkg/nvchecker"
	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/store"
	"github.com/lilac-dev/lilac/pkg/types"
)

// Inputs are everything the planner consults.
type Inputs struct {
	Recipes map[string]*recipe.Recipe

	// Check is the aggregated version-check output.
	Check *nvchecker.Output

	// Changed holds pkgbases with file changes between the two batch
	// revisions; PkgrelChanged the subset whose PKGBUILD pkgrel moved.
	Changed       map[string]struct{}
	PkgrelChanged map[string]struct{}

	// Failed holds pkgbases whose last recorded build failed.
	Failed map[string]struct{}

	// RebuildFailed retries failed packages every batch, not only when
	// something about them changed.
	RebuildFailed bool

	// Requested maps command-line requested pkgbases to the requester.
	Requested map[string]string

	Store store.Store

	// Now is the throttle clock; defaults to time.Now.
	Now func() time.Time
}

// Plan is one planned build with its reason.
type Plan struct {
	Pkgbase     string
	Reason      types.BuildReason
	OnBuildVers []types.OnBuildVers
}

// Compute evaluates the planning rules over every managed recipe. Rules are
// ordered; the first match supplies the reason. Matching recipes inside a
// throttle window are skipped.
func Compute(ctx context.Context, in Inputs) (map[string]*Plan, error) {
	log := clog.FromContext(ctx)
	now := in.Now
	if now == nil {
		now = time.Now
	}

	names := make([]string, 0, len(in.Recipes))
	for name, r := range in.Recipes {
		if r.Managed {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	successTimes, err := in.Store.LastSuccessTimes(ctx, names)
	if err != nil {
		return nil, err
	}

	ready := make(map[string]*Plan)
	for _, name := range names {
		r := in.Recipes[name]
		plan, matchedEntries, err := planOne(ctx, in, r)
		if err != nil {
			return nil, err
		}
		if plan == nil {
			continue
		}

		if skip, until := throttled(r, matchedEntries, successTimes[name], now()); skip {
			log.Infof("%s throttled until %s, skipping", name, until.Format(time.RFC3339))
			continue
		}
		ready[name] = plan
	}
	return ready, nil
}

// planOne returns the plan for one recipe, or nil when nothing applies.
// matchedEntries lists the update_on indexes that triggered, for
// throttling.
func planOne(ctx context.Context, in Inputs, r *recipe.Recipe) (*Plan, []int, error) {
	name := r.Pkgbase
	results := in.Check.Results[name]

	changedEntries := changedEntryIndexes(results)

	// 1. non-headline entry changed
	if _, ok := in.Check.Rebuild[name]; ok {
		return &Plan{
			Pkgbase: name,
			Reason:  types.ReasonNvChecker{Items: nvItems(r, changedEntries)},
		}, changedEntries, nil
	}

	// 2. headline version moved
	if results.OldVer() != results.NewVer() && results.NewVer() != "" {
		return &Plan{
			Pkgbase: name,
			Reason:  types.ReasonNvChecker{Items: nvItems(r, changedEntries)},
		}, changedEntries, nil
	}

	// 3. previously failed and anything changed at all
	if _, failed := in.Failed[name]; failed {
		_, changed := in.Changed[name]
		if changed || len(changedEntries) > 0 || in.RebuildFailed {
			return &Plan{Pkgbase: name, Reason: types.ReasonUpdatedFailed{}}, changedEntries, nil
		}
	}

	// 4. pkgrel bumped by hand in the recipe tree
	if _, ok := in.PkgrelChanged[name]; ok {
		return &Plan{Pkgbase: name, Reason: types.ReasonUpdatedPkgrel{}}, nil, nil
	}

	// 5. update_on_build cascade
	if len(r.UpdateOnBuild) > 0 {
		vers, err := store.OnBuildVersions(ctx, in.Store, r.UpdateOnBuild)
		if err != nil {
			return nil, nil, err
		}
		var fired []types.OnBuildEntry
		var firedVers []types.OnBuildVers
		for i, v := range vers {
			if v.OldVer == "" && v.NewVer == "" {
				clog.FromContext(ctx).Warnf(
					"%s: update_on_build trigger %s has never built", name, r.UpdateOnBuild[i].Pkgbase)
				continue
			}
			if v.OldVer != v.NewVer {
				fired = append(fired, r.UpdateOnBuild[i])
				firedVers = append(firedVers, v)
			}
		}
		if len(fired) > 0 {
			return &Plan{
				Pkgbase:     name,
				Reason:      types.ReasonOnBuild{Triggers: fired},
				OnBuildVers: firedVers,
			}, nil, nil
		}
	}

	// 6. explicit command-line request
	if requester, ok := in.Requested[name]; ok {
		return &Plan{Pkgbase: name, Reason: types.ReasonCmdline{Requester: requester}}, nil, nil
	}

	return nil, nil, nil
}

func changedEntryIndexes(results types.NvResults) []int {
	var out []int
	for i, r := range results {
		if r.NewVer != "" && r.OldVer != r.NewVer {
			out = append(out, i)
		}
	}
	return out
}

func nvItems(r *recipe.Recipe, idxs []int) []types.NvItem {
	items := make([]types.NvItem, 0, len(idxs))
	for _, i := range idxs {
		source := ""
		if i < len(r.UpdateOn) {
			if s, ok := r.UpdateOn[i]["source"].(string); ok {
				source = s
			}
		}
		items = append(items, types.NvItem{Index: i, Source: source})
	}
	return items
}

// throttled reports whether any matched entry's throttle interval still
// covers the recipe's last success.
func throttled(r *recipe.Recipe, matchedEntries []int, lastSuccess, now time.Time) (bool, time.Time) {
	if lastSuccess.IsZero() {
		return false, time.Time{}
	}
	for _, i := range matchedEntries {
		interval, ok := r.ThrottleInfo[i]
		if !ok {
			continue
		}
		if until := lastSuccess.Add(interval); now.Before(until) {
			return true, until
		}
	}
	return false, time.Time{}
}
