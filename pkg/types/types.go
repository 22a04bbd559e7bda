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

// Package types defines the core types shared across the lilac build bot.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Maintainer identifies a person responsible for a package.
type Maintainer struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	GitHub string `json:"github,omitempty"`
}

func (m Maintainer) String() string {
	if m.Name == "" {
		return m.Email
	}
	return fmt.Sprintf("%s <%s>", m.Name, m.Email)
}

// MaintainerFromAddress parses "Name <addr>" or a bare address.
func MaintainerFromAddress(s string) Maintainer {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		name := strings.Trim(s[:i], "\" ")
		email := strings.TrimRight(strings.TrimSpace(s[i+1:]), ">")
		return Maintainer{Name: name, Email: email}
	}
	name := s
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		name = s[:i]
	}
	return Maintainer{Name: name, Email: s}
}

// NvResult is one update_on entry's version delta as reported by nvchecker.
// Either component may be empty when the checker knows nothing.
type NvResult struct {
	OldVer string `json:"oldver"`
	NewVer string `json:"newver"`
}

// NvResults is the ordered per-entry results for one pkgbase. The headline
// old/new versions are those of the first entry.
type NvResults []NvResult

// OldVer returns the headline old version, or "".
func (rs NvResults) OldVer() string {
	if len(rs) == 0 {
		return ""
	}
	return rs[0].OldVer
}

// NewVer returns the headline new version, or "".
func (rs NvResults) NewVer() string {
	if len(rs) == 0 {
		return ""
	}
	return rs[0].NewVer
}

// OnBuildEntry is an update_on_build cascade trigger: a successful build of
// Pkgbase whose rewritten version string changes triggers the declaring
// recipe.
type OnBuildEntry struct {
	Pkgbase     string `json:"pkgbase" yaml:"pkgbase"`
	FromPattern string `json:"from_pattern,omitempty" yaml:"from_pattern"`
	ToPattern   string `json:"to_pattern,omitempty" yaml:"to_pattern"`
}

// RUsage is the resource usage of one finished build.
type RUsage struct {
	CPUSeconds float64 `json:"cputime"`
	MemoryMax  int64   `json:"memory"`
}

// UsedResource is the historical resource usage of a package on one worker,
// used for cost prediction during admission.
type UsedResource struct {
	CPUSeconds float64
	MemoryMax  int64
	Elapsed    time.Duration
}

// Rusages maps pkgbase -> worker name -> last known usage.
type Rusages map[string]map[string]UsedResource

// PkgToBuild is a queued work item.
type PkgToBuild struct {
	Pkgbase        string
	OnBuildVers    []OnBuildVers
	AssignedWorker string
}

// OnBuildVers is the resolved (old, new) version pair for one
// update_on_build trigger, after pattern rewriting.
type OnBuildVers struct {
	OldVer string `json:"oldver"`
	NewVer string `json:"newver"`
}

// BuildStatus is the terminal (or in-flight) state of one package build.
type BuildStatus string

const (
	BuildPending    BuildStatus = "pending"
	BuildBuilding   BuildStatus = "building"
	BuildSuccessful BuildStatus = "successful"
	BuildStaged     BuildStatus = "staged"
	BuildFailed     BuildStatus = "failed"
	BuildSkipped    BuildStatus = "skipped"
)

// BuildResult is the outcome of one build, with its resource accounting.
// Successful and Staged are the truthy variants.
type BuildResult struct {
	Status  BuildStatus
	Error   string        // set when Status == BuildFailed
	Reason  string        // set when Status == BuildSkipped
	RUsage  RUsage
	Elapsed time.Duration
}

// OK reports whether the result unblocks dependents. Staged counts the same
// as successful for scheduling.
func (r BuildResult) OK() bool {
	return r.Status == BuildSuccessful || r.Status == BuildStaged
}

func (r BuildResult) String() string {
	switch r.Status {
	case BuildFailed:
		return fmt.Sprintf("failed: %s", r.Error)
	case BuildSkipped:
		return fmt.Sprintf("skipped: %s", r.Reason)
	default:
		return string(r.Status)
	}
}
