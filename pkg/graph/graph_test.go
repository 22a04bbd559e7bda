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

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/recipe"
)

func mkRecipes(deps map[string][]string, makedeps map[string][]string) map[string]*recipe.Recipe {
	out := make(map[string]*recipe.Recipe)
	add := func(name string) *recipe.Recipe {
		if r, ok := out[name]; ok {
			return r
		}
		r := &recipe.Recipe{Pkgbase: name, Managed: true, TimeLimitHours: 1}
		out[name] = r
		return r
	}
	for name, ds := range deps {
		r := add(name)
		for _, d := range ds {
			add(d)
			r.RepoDepends = append(r.RepoDepends, recipe.Dependency{Pkgbase: d, Pkgname: d})
		}
	}
	for name, ds := range makedeps {
		r := add(name)
		for _, d := range ds {
			add(d)
			r.RepoMakedepends = append(r.RepoMakedepends, recipe.Dependency{Pkgbase: d, Pkgname: d})
		}
	}
	return out
}

func pkgbases(deps []Dep) []string {
	out := make([]string, len(deps))
	for i, d := range deps {
		out[i] = d.Pkgbase()
	}
	return out
}

func TestTopoOrder(t *testing.T) {
	g := Build("/repo", mkRecipes(map[string][]string{
		"c": {"b"},
		"b": {"a"},
		"z": nil,
	}, nil))

	assert.Empty(t, g.Cyclic())
	assert.Equal(t, []string{"a", "b", "c", "z"}, g.TopoOrder())
}

func TestRuntimeClosure(t *testing.T) {
	g := Build("/repo", mkRecipes(map[string][]string{
		"app": {"libb"},
		"libb": {"liba"},
	}, nil))

	assert.Equal(t, []string{"liba", "libb"}, pkgbases(g.RuntimeClosure("app")))
	assert.Equal(t, []string{"liba"}, pkgbases(g.RuntimeClosure("libb")))
	assert.Empty(t, g.RuntimeClosure("liba"))
}

func TestBuildInputClosure(t *testing.T) {
	// tool is only needed to build app; tool itself runs against libt
	g := Build("/repo", mkRecipes(map[string][]string{
		"app":  {"liba"},
		"tool": {"libt"},
	}, map[string][]string{
		"app": {"tool"},
	}))

	assert.Equal(t, []string{"liba", "libt", "tool"}, pkgbases(g.BuildInputClosure("app")))
	// make-deps do not leak into the runtime closure
	assert.Equal(t, []string{"liba"}, pkgbases(g.RuntimeClosure("app")))

	assert.Equal(t, []string{"liba", "libt", "tool"}, g.BuildInputPkgbases("app"))
}

func TestReverseRuntime(t *testing.T) {
	g := Build("/repo", mkRecipes(map[string][]string{
		"app":  {"libb"},
		"libb": {"liba"},
	}, nil))

	r := g.ReverseRuntime()
	assert.Equal(t, []string{"app", "libb"}, r["liba"])
	assert.Equal(t, []string{"app"}, r["libb"])
	assert.Empty(t, r["app"])
}

func TestCycleDetection(t *testing.T) {
	g := Build("/repo", mkRecipes(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"ok": nil,
	}, nil))

	cyc := g.Cyclic()
	require.Contains(t, cyc, "a")
	require.Contains(t, cyc, "b")
	assert.NotContains(t, cyc, "ok")

	// cyclic recipes are excluded from scheduling order
	assert.Equal(t, []string{"ok"}, g.TopoOrder())
}

func TestSplitPackageDependency(t *testing.T) {
	recipes := mkRecipes(nil, nil)
	recipes["app"] = &recipe.Recipe{
		Pkgbase: "app",
		RepoDepends: []recipe.Dependency{
			{Pkgbase: "python-setuptools", Pkgname: "setuptools"},
		},
	}
	recipes["python-setuptools"] = &recipe.Recipe{Pkgbase: "python-setuptools"}

	g := Build("/repo", recipes)
	deps := g.RuntimeClosure("app")
	require.Len(t, deps, 1)
	assert.Equal(t, "/repo/python-setuptools", deps[0].Pkgdir)
	assert.Equal(t, "setuptools", deps[0].Pkgname)
}

func TestDanglingDependencyIgnored(t *testing.T) {
	recipes := mkRecipes(nil, nil)
	recipes["app"] = &recipe.Recipe{
		Pkgbase:     "app",
		RepoDepends: []recipe.Dependency{{Pkgbase: "not-here", Pkgname: "not-here"}},
	}
	g := Build("/repo", recipes)
	assert.Empty(t, g.RuntimeClosure("app"))
	assert.Equal(t, []string{"app"}, g.TopoOrder())
}
