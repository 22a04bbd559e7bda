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

package alpm

import (
	"fmt"
	"regexp"
	"strings"
)

// PkgVers is a full package version: optional epoch, pkgver and pkgrel.
type PkgVers struct {
	Epoch  string
	Pkgver string
	Pkgrel string
}

// String formats as epoch:pkgver-pkgrel, omitting a zero epoch.
func (v PkgVers) String() string {
	if v.Epoch != "" && v.Epoch != "0" {
		return fmt.Sprintf("%s:%s-%s", v.Epoch, v.Pkgver, v.Pkgrel)
	}
	return fmt.Sprintf("%s-%s", v.Pkgver, v.Pkgrel)
}

// Cmp compares against another version with VerCmp.
func (v PkgVers) Cmp(o PkgVers) int {
	return VerCmp(v.String(), o.String())
}

// ParsePkgVers parses epoch:pkgver-pkgrel back into its components.
func ParsePkgVers(s string) (PkgVers, error) {
	var v PkgVers
	if i := strings.IndexByte(s, ':'); i >= 0 {
		v.Epoch = s[:i]
		s = s[i+1:]
	}
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return v, fmt.Errorf("malformed package version %q", s)
	}
	v.Pkgver = s[:i]
	v.Pkgrel = s[i+1:]
	return v, nil
}

// PkgFilenameRe matches binary artifact files produced by the build tool.
var PkgFilenameRe = regexp.MustCompile(`\.pkg\.tar\.(?:xz|zst)$`)

// PkgFileInfo is the metadata encoded in an artifact filename.
type PkgFileInfo struct {
	Name    string
	Version string // epoch:pkgver-pkgrel, epoch optional
	Arch    string
}

// ParsePkgFilename splits name-pkgver-pkgrel-arch.pkg.tar.{xz,zst}.
func ParsePkgFilename(filename string) (PkgFileInfo, error) {
	var info PkgFileInfo
	base := PkgFilenameRe.ReplaceAllString(filename, "")
	if base == filename {
		return info, fmt.Errorf("not a package file: %q", filename)
	}
	parts := strings.Split(base, "-")
	if len(parts) < 4 {
		return info, fmt.Errorf("malformed package filename: %q", filename)
	}
	info.Arch = parts[len(parts)-1]
	info.Version = strings.Join(parts[len(parts)-3:len(parts)-1], "-")
	info.Name = strings.Join(parts[:len(parts)-3], "-")
	return info, nil
}
