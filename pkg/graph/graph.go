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

// Package graph builds the dependency graph over recipes and computes the
// runtime and build-input closures the scheduler consumes. Recipes are held
// in an arena and edges are integer index pairs, so closure and cycle
// computation stay linear even on large repositories.
package graph

import (
	"fmt"
	"sort"

	"github.com/lilac-dev/lilac/pkg/recipe"
)

// Graph is the dependency graph over one batch's recipes.
type Graph struct {
	repodir string

	names []string       // arena: index -> pkgbase, sorted
	index map[string]int // pkgbase -> index

	runDeps  [][]int // direct runtime edges, by index
	makeDeps [][]int // direct make edges, by index

	// pkgname wanted from each edge target, keyed "from/to"
	edgePkgname map[[2]int]string

	runtimeClosure []map[int]struct{}
	cyclic         map[int][]string // index -> cycle path
}

// Dep references one artifact a build needs: the directory it is built in
// and the pkgname wanted from it.
type Dep struct {
	Pkgdir  string
	Pkgname string
}

// Build constructs the graph. Dependencies naming unknown recipes are kept
// as dangling references; they are resolved against on-disk artifacts later
// and fail the build only when that resolution fails too.
func Build(repodir string, recipes map[string]*recipe.Recipe) *Graph {
	names := make([]string, 0, len(recipes))
	for name := range recipes {
		names = append(names, name)
	}
	sort.Strings(names)

	g := &Graph{
		repodir:     repodir,
		names:       names,
		index:       make(map[string]int, len(names)),
		runDeps:     make([][]int, len(names)),
		makeDeps:    make([][]int, len(names)),
		edgePkgname: make(map[[2]int]string),
		cyclic:      make(map[int][]string),
	}
	for i, name := range names {
		g.index[name] = i
	}

	for i, name := range names {
		r := recipes[name]
		for _, d := range r.RepoDepends {
			if j, ok := g.index[d.Pkgbase]; ok {
				g.runDeps[i] = append(g.runDeps[i], j)
				g.edgePkgname[[2]int{i, j}] = d.Pkgname
			}
		}
		for _, d := range r.RepoMakedepends {
			if j, ok := g.index[d.Pkgbase]; ok {
				g.makeDeps[i] = append(g.makeDeps[i], j)
				g.edgePkgname[[2]int{i, j}] = d.Pkgname
			}
		}
	}

	g.findCycles()
	g.computeRuntimeClosure()
	return g
}

// Cyclic returns pkgbase -> cycle path for every recipe on a dependency
// cycle. These are excluded from topological order but keep their edges for
// reverse-dependency lookup.
func (g *Graph) Cyclic() map[string][]string {
	out := make(map[string][]string, len(g.cyclic))
	for i, path := range g.cyclic {
		out[g.names[i]] = path
	}
	return out
}

// TopoOrder returns the acyclic pkgbases in dependency order, dependencies
// first, ties broken lexicographically.
func (g *Graph) TopoOrder() []string {
	indeg := make([]int, len(g.names))
	for i := range g.names {
		if _, bad := g.cyclic[i]; bad {
			continue
		}
		for _, j := range g.allDeps(i) {
			if _, bad := g.cyclic[j]; bad {
				continue
			}
			indeg[i]++
		}
	}

	var queue []int
	for i := range g.names {
		if _, bad := g.cyclic[i]; bad {
			continue
		}
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	sort.Ints(queue) // arena order is lexicographic

	rdeps := g.reverseAll()
	var order []string
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		order = append(order, g.names[i])
		for _, j := range rdeps[i] {
			if _, bad := g.cyclic[j]; bad {
				continue
			}
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
				sort.Ints(queue)
			}
		}
	}
	return order
}

// RuntimeClosure returns the transitive runtime dependencies of pkgbase.
func (g *Graph) RuntimeClosure(pkgbase string) []Dep {
	i, ok := g.index[pkgbase]
	if !ok {
		return nil
	}
	return g.depsOf(i, g.runtimeClosure[i])
}

// BuildInputClosure returns everything a build of pkgbase consumes: its own
// runtime closure plus the runtime closures of its direct make-dependencies
// (and those make-dependencies themselves).
func (g *Graph) BuildInputClosure(pkgbase string) []Dep {
	i, ok := g.index[pkgbase]
	if !ok {
		return nil
	}
	set := make(map[int]struct{}, len(g.runtimeClosure[i]))
	for j := range g.runtimeClosure[i] {
		set[j] = struct{}{}
	}
	for _, m := range g.makeDeps[i] {
		set[m] = struct{}{}
		for j := range g.runtimeClosure[m] {
			set[j] = struct{}{}
		}
	}
	return g.depsOf(i, set)
}

// BuildInputPkgbases is BuildInputClosure reduced to pkgbase names; the
// scheduler's depmap.
func (g *Graph) BuildInputPkgbases(pkgbase string) []string {
	deps := g.BuildInputClosure(pkgbase)
	seen := make(map[string]struct{}, len(deps))
	var out []string
	for _, d := range deps {
		base := d.Pkgbase()
		if _, dup := seen[base]; dup {
			continue
		}
		seen[base] = struct{}{}
		out = append(out, base)
	}
	sort.Strings(out)
	return out
}

// DirectRuntimeDependents returns the pkgbases with a direct runtime
// dependency on pkgbase, sorted.
func (g *Graph) DirectRuntimeDependents(pkgbase string) []string {
	target, ok := g.index[pkgbase]
	if !ok {
		return nil
	}
	var out []string
	for i, name := range g.names {
		for _, j := range g.runDeps[i] {
			if j == target {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// ReverseRuntime returns the reverse of the runtime closure: for each
// pkgbase, which pkgbases (transitively) depend on it at runtime. The
// scheduler's rdepmap, used to cascade failures.
func (g *Graph) ReverseRuntime() map[string][]string {
	out := make(map[string][]string, len(g.names))
	for i, name := range g.names {
		for j := range g.runtimeClosure[i] {
			out[g.names[j]] = append(out[g.names[j]], name)
		}
		if _, ok := out[name]; !ok {
			out[name] = nil
		}
	}
	for _, v := range out {
		sort.Strings(v)
	}
	return out
}

// Pkgbase recovers the pkgbase directory name from a Dep.
func (d Dep) Pkgbase() string {
	for i := len(d.Pkgdir) - 1; i >= 0; i-- {
		if d.Pkgdir[i] == '/' {
			return d.Pkgdir[i+1:]
		}
	}
	return d.Pkgdir
}

func (g *Graph) depsOf(from int, set map[int]struct{}) []Dep {
	out := make([]Dep, 0, len(set))
	for j := range set {
		pkgname := g.names[j]
		if n, ok := g.edgePkgname[[2]int{from, j}]; ok {
			pkgname = n
		}
		out = append(out, Dep{
			Pkgdir:  g.repodir + "/" + g.names[j],
			Pkgname: pkgname,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Pkgdir < out[b].Pkgdir })
	return out
}

func (g *Graph) allDeps(i int) []int {
	return append(append([]int{}, g.runDeps[i]...), g.makeDeps[i]...)
}

func (g *Graph) reverseAll() [][]int {
	r := make([][]int, len(g.names))
	for i := range g.names {
		for _, j := range g.allDeps(i) {
			r[j] = append(r[j], i)
		}
	}
	return r
}

// computeRuntimeClosure walks the acyclic part in topological order,
// unioning each dependency's closure into its dependents. Cyclic nodes get
// their direct deps only.
func (g *Graph) computeRuntimeClosure() {
	g.runtimeClosure = make([]map[int]struct{}, len(g.names))
	for i := range g.names {
		g.runtimeClosure[i] = make(map[int]struct{})
		for _, j := range g.runDeps[i] {
			g.runtimeClosure[i][j] = struct{}{}
		}
	}

	for _, name := range g.TopoOrder() {
		i := g.index[name]
		for _, j := range g.runDeps[i] {
			for k := range g.runtimeClosure[j] {
				g.runtimeClosure[i][k] = struct{}{}
			}
		}
	}
}

// findCycles marks every node reachable on a runtime/make cycle.
func (g *Graph) findCycles() {
	const (
		white = iota
		grey
		black
	)
	state := make([]int, len(g.names))
	parent := make([]int, len(g.names))
	for i := range parent {
		parent[i] = -1
	}

	var dfs func(i int) bool
	var cycle []int
	dfs = func(i int) bool {
		state[i] = grey
		for _, j := range g.allDeps(i) {
			switch state[j] {
			case grey:
				cycle = []int{j}
				for cur := i; cur != j && cur != -1; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				return true
			case white:
				parent[j] = i
				if dfs(j) {
					return true
				}
			}
		}
		state[i] = black
		return false
	}

	for i := range g.names {
		if state[i] != white {
			continue
		}
		cycle = nil
		if dfs(i) {
			path := make([]string, 0, len(cycle))
			for k := len(cycle) - 1; k >= 0; k-- {
				path = append(path, g.names[cycle[k]])
			}
			for _, n := range cycle {
				g.cyclic[n] = path
			}
			// restart: more cycles may exist elsewhere
			for k := range state {
				if state[k] == grey {
					state[k] = white
				}
			}
		}
	}
}

// String renders a short summary for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%d recipes, %d cyclic)", len(g.names), len(g.cyclic))
}
