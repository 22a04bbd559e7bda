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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerCmp(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"1.1", "1.0", 1},
		{"1.0", "1.0.1", -1},
		{"1.10", "1.9", 1},
		{"1.01", "1.1", 0},
		{"1.0a", "1.0", -1},  // trailing alpha sorts older
		{"1.0", "1.0rc1", 1}, // likewise
		{"1.0rc1", "1.0rc2", -1},
		{"1.0a", "1.0b", -1},
		{"1.0alpha", "1.0beta", -1},
		{"20220101", "20220102", -1},
		{"1.0_1", "1.0_2", -1},
		{"1.0.1", "1.0-1", 1}, // dots segment deeper than the release split
		{"1:1.0", "2.0", 1},   // epoch dominates
		{"1:1.0", "1:1.1", -1},
		{"0:1.0", "1.0", 0},
		{"1.0-1", "1.0-2", -1},
		{"1.0-1", "1.0", 0},    // release only compared when both have one
		{"1.0..1", "1.0.1", 1}, // longer separator run wins
		{"1.a", "1.1", -1},     // numeric segment beats alpha
		{"1.1", "1.a", 1},
		{"12ab", "12abc", -1},
	}
	for _, tc := range tests {
		got := VerCmp(tc.a, tc.b)
		sign := func(n int) int {
			switch {
			case n < 0:
				return -1
			case n > 0:
				return 1
			}
			return 0
		}
		assert.Equalf(t, tc.want, sign(got), "VerCmp(%q, %q)", tc.a, tc.b)
	}
}

func TestParsePkgVers(t *testing.T) {
	v, err := ParsePkgVers("1:2.3.4-5")
	require.NoError(t, err)
	assert.Equal(t, PkgVers{Epoch: "1", Pkgver: "2.3.4", Pkgrel: "5"}, v)
	assert.Equal(t, "1:2.3.4-5", v.String())

	v, err = ParsePkgVers("2.3.4-5")
	require.NoError(t, err)
	assert.Equal(t, PkgVers{Pkgver: "2.3.4", Pkgrel: "5"}, v)
	assert.Equal(t, "2.3.4-5", v.String())

	_, err = ParsePkgVers("nodash")
	require.Error(t, err)
}

func TestParsePkgFilename(t *testing.T) {
	info, err := ParsePkgFilename("python-pipx-1.7.1-1-any.pkg.tar.zst")
	require.NoError(t, err)
	assert.Equal(t, "python-pipx", info.Name)
	assert.Equal(t, "1.7.1-1", info.Version)
	assert.Equal(t, "any", info.Arch)

	info, err = ParsePkgFilename("vim-lily-8.2-3-x86_64.pkg.tar.xz")
	require.NoError(t, err)
	assert.Equal(t, "vim-lily", info.Name)
	assert.Equal(t, "8.2-3", info.Version)
	assert.Equal(t, "x86_64", info.Arch)

	_, err = ParsePkgFilename("not-a-package.txt")
	require.Error(t, err)

	_, err = ParsePkgFilename("a-b.pkg.tar.zst")
	require.Error(t, err)
}
