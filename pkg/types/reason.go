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

package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BuildReason records why a package was scheduled. It is attached to every
// build for logging and mail rendering, and serialized into the history
// store as a JSON object carrying a "name" discriminator.
type BuildReason interface {
	fmt.Stringer
	reasonName() string
}

// NvItem is one matched update_on entry: its index and source name.
type NvItem struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
}

// ReasonNvChecker: the upstream version checker reported a change.
type ReasonNvChecker struct {
	Items []NvItem `json:"items"`
}

func (r ReasonNvChecker) reasonName() string { return "NvChecker" }
func (r ReasonNvChecker) String() string {
	items := make([]string, len(r.Items))
	for i, it := range r.Items {
		items[i] = fmt.Sprintf("(%d, %s)", it.Index, it.Source)
	}
	return fmt.Sprintf("NvChecker [%s]", strings.Join(items, ", "))
}

// ReasonUpdatedFailed: a previously failed package got updated.
type ReasonUpdatedFailed struct{}

func (ReasonUpdatedFailed) reasonName() string { return "UpdatedFailed" }
func (ReasonUpdatedFailed) String() string     { return "UpdatedFailed" }

// ReasonUpdatedPkgrel: pkgrel changed in the recipe VCS.
type ReasonUpdatedPkgrel struct{}

func (ReasonUpdatedPkgrel) reasonName() string { return "UpdatedPkgrel" }
func (ReasonUpdatedPkgrel) String() string     { return "UpdatedPkgrel" }

// ReasonDepended: a runtime dependency was rebuilt and this package
// must pick up the new artifact.
type ReasonDepended struct {
	Dependency string `json:"dependency"`
}

func (r ReasonDepended) reasonName() string { return "Depended" }
func (r ReasonDepended) String() string     { return "Depended " + r.Dependency }

// ReasonFailedByDeps: failed transitively because dependencies failed.
type ReasonFailedByDeps struct {
	Deps []string `json:"deps"`
}

func (r ReasonFailedByDeps) reasonName() string { return "FailedByDeps" }
func (r ReasonFailedByDeps) String() string {
	return "FailedByDeps " + strings.Join(r.Deps, ", ")
}

// ReasonCmdline: requested on the command line.
type ReasonCmdline struct {
	Requester string `json:"requester,omitempty"`
}

func (r ReasonCmdline) reasonName() string { return "Cmdline" }
func (r ReasonCmdline) String() string {
	if r.Requester == "" {
		return "Cmdline"
	}
	return "Cmdline by " + r.Requester
}

// ReasonOnBuild: an update_on_build trigger fired.
type ReasonOnBuild struct {
	Triggers []OnBuildEntry `json:"update_on_build"`
}

func (r ReasonOnBuild) reasonName() string { return "OnBuild" }
func (r ReasonOnBuild) String() string {
	names := make([]string, len(r.Triggers))
	for i, t := range r.Triggers {
		names[i] = t.Pkgbase
	}
	return "OnBuild " + strings.Join(names, ", ")
}

// MarshalReasons serializes build reasons for the history store.
func MarshalReasons(reasons []BuildReason) ([]byte, error) {
	out := make([]map[string]any, 0, len(reasons))
	for _, r := range reasons {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshaling reason %s: %w", r.reasonName(), err)
		}
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
		if m == nil {
			m = make(map[string]any)
		}
		m["name"] = r.reasonName()
		out = append(out, m)
	}
	return json.Marshal(out)
}
