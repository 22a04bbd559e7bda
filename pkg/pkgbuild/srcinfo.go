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

package pkgbuild

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Package is one pkgname section of a .SRCINFO, with the pkgbase-level
// values merged in.
type Package struct {
	Pkgname   string
	Depends   []string
	Provides  []string
	Replaces  []string
	Conflicts []string
	Groups    []string
	Arch      []string
}

// Srcinfo is the parsed .SRCINFO of one pkgbase.
type Srcinfo struct {
	Pkgbase     string
	Pkgver      string
	Pkgrel      string
	Epoch       string
	Arch        []string
	Makedepends []string
	Packages    []Package
}

// Version returns the full epoch:pkgver-pkgrel string.
func (s *Srcinfo) Version() string {
	v := s.Pkgver + "-" + s.Pkgrel
	if s.Epoch != "" && s.Epoch != "0" {
		v = s.Epoch + ":" + v
	}
	return v
}

// Pkgnames lists the package names this pkgbase produces.
func (s *Srcinfo) Pkgnames() []string {
	names := make([]string, len(s.Packages))
	for i, p := range s.Packages {
		names[i] = p.Pkgname
	}
	return names
}

// ParseSrcinfo parses the key = value format makepkg --printsrcinfo emits.
func ParseSrcinfo(r io.Reader) (*Srcinfo, error) {
	s := &Srcinfo{}
	var base Package // pkgbase-level package attributes, inherited by all
	var cur *Package

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("malformed .SRCINFO line: %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// architecture-specific keys like depends_x86_64 apply the same
		// for our purposes
		if i := strings.IndexByte(key, '_'); i > 0 {
			switch key[:i] {
			case "depends", "provides", "replaces", "conflicts", "makedepends":
				key = key[:i]
			}
		}

		switch key {
		case "pkgbase":
			s.Pkgbase = value
			continue
		case "pkgname":
			p := base // inherit pkgbase-level attributes
			p.Pkgname = value
			s.Packages = append(s.Packages, p)
			cur = &s.Packages[len(s.Packages)-1]
			continue
		}

		tgt := &base
		if cur != nil {
			tgt = cur
		}
		switch key {
		case "pkgver":
			s.Pkgver = value
		case "pkgrel":
			s.Pkgrel = value
		case "epoch":
			s.Epoch = value
		case "arch":
			s.Arch = append(s.Arch, value)
			tgt.Arch = append(tgt.Arch, value)
		case "makedepends":
			s.Makedepends = append(s.Makedepends, value)
		case "depends":
			tgt.Depends = append(tgt.Depends, value)
		case "provides":
			tgt.Provides = append(tgt.Provides, value)
		case "replaces":
			tgt.Replaces = append(tgt.Replaces, value)
		case "conflicts":
			tgt.Conflicts = append(tgt.Conflicts, value)
		case "groups":
			tgt.Groups = append(tgt.Groups, value)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if s.Pkgbase == "" {
		return nil, fmt.Errorf(".SRCINFO has no pkgbase")
	}
	return s, nil
}

// LoadSrcinfo reads dir/.SRCINFO, regenerating it with makepkg when the
// file is missing.
func LoadSrcinfo(dir string) (*Srcinfo, error) {
	f, err := os.Open(dir + "/.SRCINFO")
	if os.IsNotExist(err) {
		out, err := makepkgSrcinfo(dir)
		if err != nil {
			return nil, err
		}
		return ParseSrcinfo(strings.NewReader(out))
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSrcinfo(f)
}

func makepkgSrcinfo(dir string) (string, error) {
	cmd := exec.Command("makepkg", "--printsrcinfo")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("makepkg --printsrcinfo in %s: %w", dir, err)
	}
	return string(out), nil
}
