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

// Package pkgbuild edits PKGBUILD files in place and parses the .SRCINFO
// summaries makepkg generates from them. Edits are plain text rewrites, not
// shell evaluation, so they only handle the simple assignments conventional
// recipes use.
package pkgbuild

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/lilac-dev/lilac/pkg/alpm"
)

var (
	pkgverRe = regexp.MustCompile(`(?m)^pkgver=.*$`)
	pkgrelRe = regexp.MustCompile(`(?m)^pkgrel=.*$`)
)

// Pkgver reads the pkgver assignment from the PKGBUILD in dir.
func Pkgver(dir string) (string, error) {
	v, _, err := pkgverPkgrel(dir)
	return v, err
}

// PkgverPkgrel reads both version fields from the PKGBUILD in dir.
func PkgverPkgrel(dir string) (pkgver, pkgrel string, err error) {
	return pkgverPkgrel(dir)
}

func pkgverPkgrel(dir string) (string, string, error) {
	content, err := os.ReadFile(dir + "/PKGBUILD")
	if err != nil {
		return "", "", err
	}
	var pkgver, pkgrel string
	for _, line := range strings.Split(string(content), "\n") {
		if v, ok := strings.CutPrefix(line, "pkgver="); ok {
			pkgver = unquote(v)
		} else if v, ok := strings.CutPrefix(line, "pkgrel="); ok {
			pkgrel = unquote(v)
		}
	}
	return pkgver, pkgrel, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// UpdatePkgver rewrites the pkgver assignment.
func UpdatePkgver(dir, pkgver string) error {
	return rewriteLine(dir, pkgverRe, "pkgver="+pkgver)
}

// UpdatePkgrel rewrites the pkgrel assignment.
func UpdatePkgrel(dir, pkgrel string) error {
	return rewriteLine(dir, pkgrelRe, "pkgrel="+pkgrel)
}

func rewriteLine(dir string, re *regexp.Regexp, repl string) error {
	path := dir + "/PKGBUILD"
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !re.Match(content) {
		return fmt.Errorf("%s: no line matching %s", path, re)
	}
	updated := re.ReplaceAll(content, []byte(repl))
	return os.WriteFile(path, updated, 0o644)
}

// NextPkgrel returns the pkgrel to use after rel, preserving a decimal
// sub-release convention: "1" -> "2", "2.1" -> "3".
func NextPkgrel(rel string) string {
	n, err := strconv.Atoi(strings.SplitN(rel, ".", 2)[0])
	if err != nil {
		return "1"
	}
	return strconv.Itoa(n + 1)
}

// MayUpdatePkgrel bumps pkgrel when the recipe's full version did not move
// forward relative to what the repository already serves. A pkgver change to
// a newer version resets nothing; an unchanged or older full version gets
// pkgrel incremented past the repository's, and an unparseable repository
// version resets pkgrel to 1.
func MayUpdatePkgrel(dir, repoVersion string) error {
	if repoVersion == "" {
		return nil
	}
	pkgver, pkgrel, err := pkgverPkgrel(dir)
	if err != nil {
		return err
	}
	if pkgver == "" || pkgrel == "" {
		return nil
	}
	old, err := alpm.ParsePkgVers(repoVersion)
	if err != nil {
		return UpdatePkgrel(dir, "1")
	}
	if pkgver != old.Pkgver {
		return nil
	}
	if alpm.VerCmp(pkgver+"-"+pkgrel, repoVersion) <= 0 {
		return UpdatePkgrel(dir, NextPkgrel(old.Pkgrel))
	}
	return nil
}

// AddIntoArray inserts values into a bash array assignment in the PKGBUILD,
// e.g. depends=(...). Values already present are skipped, and the array is
// created when absent. Only single-line array assignments are handled.
func AddIntoArray(dir, name string, values ...string) error {
	path := dir + "/PKGBUILD"
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	re := regexp.MustCompile(`(?m)^` + regexp.QuoteMeta(name) + `=\((.*)\)\s*$`)

	m := re.FindSubmatchIndex(content)
	if m == nil {
		// no such array: append one
		var b strings.Builder
		b.Write(content)
		if len(content) > 0 && content[len(content)-1] != '\n' {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s=(%s)\n", name, quoteAll(values))
		return os.WriteFile(path, []byte(b.String()), 0o644)
	}

	existing := string(content[m[2]:m[3]])
	present := make(map[string]struct{})
	for _, tok := range strings.Fields(existing) {
		present[unquote(tok)] = struct{}{}
	}
	var add []string
	for _, v := range values {
		if _, ok := present[v]; !ok {
			add = append(add, v)
			present[v] = struct{}{}
		}
	}
	if len(add) == 0 {
		return nil
	}
	inner := strings.TrimSpace(existing)
	if inner != "" {
		inner += " "
	}
	inner += quoteAll(add)
	updated := append([]byte{}, content[:m[0]]...)
	updated = append(updated, []byte(fmt.Sprintf("%s=(%s)", name, inner))...)
	updated = append(updated, content[m[1]:]...)
	return os.WriteFile(path, updated, 0o644)
}

// AddDepends adds runtime dependencies to the PKGBUILD.
func AddDepends(dir string, deps ...string) error {
	return AddIntoArray(dir, "depends", deps...)
}

// AddMakedepends adds build-time dependencies to the PKGBUILD.
func AddMakedepends(dir string, deps ...string) error {
	return AddIntoArray(dir, "makedepends", deps...)
}

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = "'" + v + "'"
	}
	return strings.Join(quoted, " ")
}

var validPGPKeysRe = regexp.MustCompile(`(?s)validpgpkeys=\(([^)]*)\)`)

// ValidPGPKeys reads the validpgpkeys array from the PKGBUILD in dir.
func ValidPGPKeys(dir string) ([]string, error) {
	content, err := os.ReadFile(filepath.Join(dir, "PKGBUILD"))
	if err != nil {
		return nil, err
	}
	m := validPGPKeysRe.FindSubmatch(content)
	if m == nil {
		return nil, nil
	}
	var keys []string
	for _, f := range strings.Fields(string(m[1])) {
		if k := unquote(f); k != "" && !strings.HasPrefix(k, "#") {
			keys = append(keys, k)
		}
	}
	return keys, nil
}
