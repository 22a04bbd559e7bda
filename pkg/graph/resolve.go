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
	"fmt"
	"os"
	"path/filepath"

	"github.com/lilac-dev/lilac/pkg/alpm"
)

// Resolve locates the newest built artifact for this dependency inside its
// package directory. Returns an error when no artifact matches.
func (d Dep) Resolve() (string, error) {
	entries, err := os.ReadDir(d.Pkgdir)
	if err != nil {
		return "", err
	}

	var best string
	var bestMtime int64
	for _, e := range entries {
		if e.IsDir() || !alpm.PkgFilenameRe.MatchString(e.Name()) {
			continue
		}
		info, err := alpm.ParsePkgFilename(e.Name())
		if err != nil || info.Name != d.Pkgname {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || fi.ModTime().UnixNano() > bestMtime {
			best = e.Name()
			bestMtime = fi.ModTime().UnixNano()
		}
	}
	if best == "" {
		return "", fmt.Errorf("no artifact for %s in %s", d.Pkgname, d.Pkgdir)
	}
	return filepath.Join(d.Pkgdir, best), nil
}

// ResolveAll resolves every dependency, returning the artifact paths and
// the dependencies that could not be resolved.
func ResolveAll(deps []Dep) (paths []string, missing []Dep) {
	for _, d := range deps {
		p, err := d.Resolve()
		if err != nil {
			missing = append(missing, d)
			continue
		}
		paths = append(paths, p)
	}
	return paths, missing
}
