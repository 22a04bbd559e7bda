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

package recipe

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var packageFnRe = regexp.MustCompile(`^package(?:_(.+))?\s*\(`)

// PkgbasePackages scans one recipe directory for the pkgnames its PKGBUILD
// produces. A package.list file overrides PKGBUILD scanning; a PKGBUILD
// without package_* functions produces a single package named after the
// pkgbase.
func PkgbasePackages(dir string) ([]string, error) {
	pkgbase := filepath.Base(dir)

	if content, err := os.ReadFile(filepath.Join(dir, "package.list")); err == nil {
		return strings.Fields(string(content)), nil
	}

	f, err := os.Open(filepath.Join(dir, "PKGBUILD"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var names []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		m := packageFnRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		if m[1] != "" {
			names = append(names, m[1])
		} else {
			names = append(names, pkgbase)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		names = []string{pkgbase}
	}
	return names, nil
}

// PkgnameMap builds pkgname -> pkgbase across every recipe with a PKGBUILD,
// erroring when two pkgbases claim the same pkgname.
func PkgnameMap(repodir string) (map[string]string, error) {
	dirs, err := filepath.Glob(filepath.Join(repodir, "*", "PKGBUILD"))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, pb := range dirs {
		dir := filepath.Dir(pb)
		pkgbase := filepath.Base(dir)
		names, err := PkgbasePackages(dir)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", pkgbase, err)
		}
		for _, name := range names {
			if other, dup := out[name]; dup && other != pkgbase {
				return nil, fmt.Errorf("pkgname %q claimed by both %s and %s", name, other, pkgbase)
			}
			out[name] = pkgbase
		}
	}
	return out, nil
}
