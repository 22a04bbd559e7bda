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

// Package recipe loads the per-package lilac.yaml recipe files from the
// repository tree.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lilac-dev/lilac/pkg/types"
)

// RecipeFile is the declarative file each recipe directory carries.
const RecipeFile = "lilac.yaml"

// Dependency references another recipe: the pkgbase directory and the
// pkgname wanted from it (they differ for split packages).
type Dependency struct {
	Pkgbase string
	Pkgname string
}

// UnmarshalYAML accepts either a bare string or a {pkgbase: pkgname} map.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		d.Pkgbase, d.Pkgname = s, s
		return nil
	case yaml.MappingNode:
		var m map[string]string
		if err := node.Decode(&m); err != nil {
			return err
		}
		if len(m) != 1 {
			return fmt.Errorf("dependency map must have exactly one entry, got %d", len(m))
		}
		for k, v := range m {
			d.Pkgbase, d.Pkgname = k, v
		}
		return nil
	}
	return fmt.Errorf("unsupported dependency node kind %v", node.Kind)
}

// MaintainerEntry is the raw maintainer descriptor from the recipe file.
type MaintainerEntry struct {
	GitHub string `yaml:"github"`
	Email  string `yaml:"email"`
}

// Recipe is the parsed and validated lilac.yaml of one pkgbase.
type Recipe struct {
	Pkgbase         string
	Maintainers     []MaintainerEntry
	UpdateOn        []map[string]any
	UpdateOnBuild   []types.OnBuildEntry
	ThrottleInfo    map[int]time.Duration
	RepoDepends     []Dependency
	RepoMakedepends []Dependency
	TimeLimitHours  float64
	Staging         bool
	Managed         bool
	AllowedWorkers  []string

	BuildPrefix     string
	Prepare         string
	PreBuild        string
	PostBuild       string
	PostBuildAlways string
	PreBuildScript  string
	PostBuildScript string
}

// TimeLimit is the wall clock deadline as a duration.
func (r *Recipe) TimeLimit() time.Duration {
	return time.Duration(r.TimeLimitHours * float64(time.Hour))
}

type rawRecipe struct {
	Maintainers     []MaintainerEntry     `yaml:"maintainers"`
	UpdateOn        []map[string]any      `yaml:"update_on"`
	UpdateOnBuild   []types.OnBuildEntry  `yaml:"update_on_build"`
	RepoDepends     []Dependency          `yaml:"repo_depends"`
	RepoMakedepends []Dependency          `yaml:"repo_makedepends"`
	TimeLimitHours  *float64              `yaml:"time_limit_hours"`
	Staging         bool                  `yaml:"staging"`
	Managed         *bool                 `yaml:"managed"`
	AllowedWorkers  []string              `yaml:"allowed_workers"`
	BuildPrefix     string                `yaml:"build_prefix"`
	Prepare         string                `yaml:"prepare"`
	PreBuild        string                `yaml:"pre_build"`
	PostBuild       string                `yaml:"post_build"`
	PostBuildAlways string                `yaml:"post_build_always"`
	PreBuildScript  string                `yaml:"pre_build_script"`
	PostBuildScript string                `yaml:"post_build_script"`
}

// Options carries the substitution values alias expansion needs.
type Options struct {
	RepoName    string
	PacmanDBDir string
}

// LoadDir parses the recipe in one directory.
func LoadDir(dir string, opts Options) (*Recipe, error) {
	content, err := os.ReadFile(filepath.Join(dir, RecipeFile))
	if err != nil {
		return nil, err
	}
	var raw rawRecipe
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", RecipeFile, err)
	}

	r := &Recipe{
		Pkgbase:         filepath.Base(dir),
		Maintainers:     raw.Maintainers,
		UpdateOnBuild:   raw.UpdateOnBuild,
		RepoDepends:     raw.RepoDepends,
		RepoMakedepends: raw.RepoMakedepends,
		TimeLimitHours:  1,
		Staging:         raw.Staging,
		Managed:         true,
		AllowedWorkers:  raw.AllowedWorkers,
		BuildPrefix:     raw.BuildPrefix,
		Prepare:         raw.Prepare,
		PreBuild:        raw.PreBuild,
		PostBuild:       raw.PostBuild,
		PostBuildAlways: raw.PostBuildAlways,
		PreBuildScript:  raw.PreBuildScript,
		PostBuildScript: raw.PostBuildScript,
	}
	if raw.TimeLimitHours != nil {
		r.TimeLimitHours = *raw.TimeLimitHours
	}
	if raw.Managed != nil {
		r.Managed = *raw.Managed
	}

	r.UpdateOn, r.ThrottleInfo, err = parseUpdateOn(raw.UpdateOn, opts)
	if err != nil {
		return nil, err
	}

	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recipe) validate() error {
	if r.TimeLimitHours <= 0 {
		return fmt.Errorf("time_limit_hours must be positive, got %v", r.TimeLimitHours)
	}
	for _, m := range r.Maintainers {
		if m.GitHub == "" && m.Email == "" {
			return fmt.Errorf("maintainer entry with neither github nor email")
		}
	}
	return nil
}

// LoadError records a recipe that failed to load; the batch proceeds
// without it and its maintainers are notified.
type LoadError struct {
	Pkgbase string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading recipe %s: %v", e.Pkgbase, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// LoadAll walks repodir and loads every recipe directory. Load failures are
// collected per-pkgbase rather than aborting the batch; two pkgbases
// claiming the same pkgname are a configuration error and do abort it.
func LoadAll(repodir string, opts Options) (map[string]*Recipe, map[string]*LoadError, error) {
	entries, err := os.ReadDir(repodir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading repodir: %w", err)
	}

	recipes := make(map[string]*Recipe)
	errors := make(map[string]*LoadError)
	for _, e := range entries {
		if !e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(repodir, e.Name())
		if _, err := os.Stat(filepath.Join(dir, RecipeFile)); err != nil {
			continue
		}
		r, err := LoadDir(dir, opts)
		if err != nil {
			errors[e.Name()] = &LoadError{Pkgbase: e.Name(), Err: err}
			continue
		}
		recipes[e.Name()] = r
	}

	// pkgname -> pkgbase must be a function across the whole tree
	if _, err := PkgnameMap(repodir); err != nil {
		return nil, nil, err
	}
	return recipes, errors, nil
}

// Managed filters to the recipes eligible for scheduling, sorted by pkgbase.
func Managed(recipes map[string]*Recipe) []*Recipe {
	var out []*Recipe
	for _, r := range recipes {
		if r.Managed {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pkgbase < out[j].Pkgbase })
	return out
}
