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

// Package alpm implements the pacman version-compare algorithm and a
// read-only view of the pacman sync databases, obtained through the pacman
// command line tool.
package alpm

// VerCmp compares two package version strings the way pacman does:
// epoch dominates, then pkgver, then pkgrel (only when both carry one).
// Returns <0, 0 or >0.
func VerCmp(a, b string) int {
	if a == b {
		return 0
	}

	epoch1, ver1, rel1 := parseEVR(a)
	epoch2, ver2, rel2 := parseEVR(b)

	if r := rpmVerCmp(epoch1, epoch2); r != 0 {
		return r
	}
	if r := rpmVerCmp(ver1, ver2); r != 0 {
		return r
	}
	if rel1 != "" && rel2 != "" {
		return rpmVerCmp(rel1, rel2)
	}
	return 0
}

// parseEVR splits [epoch:]version[-release]. A missing epoch is "0"; a
// missing release is the empty string.
func parseEVR(s string) (epoch, version, release string) {
	epoch = "0"
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			continue
		}
		if c == ':' {
			if i > 0 {
				epoch = s[:i]
			}
			s = s[i+1:]
		}
		break
	}
	if i := lastIndexByte(s, '-'); i >= 0 {
		return epoch, s[:i], s[i+1:]
	}
	return epoch, s, ""
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
func isAlnum(c byte) bool { return isDigit(c) || isAlpha(c) }

// rpmVerCmp is pacman's segment-wise comparison: alternating runs of digits
// and letters, digits compared numerically, a numeric segment beats an
// alphabetic one, and a trailing alphabetic suffix sorts older.
func rpmVerCmp(a, b string) int {
	if a == b {
		return 0
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		si, sj := i, j
		for i < len(a) && !isAlnum(a[i]) {
			i++
		}
		for j < len(b) && !isAlnum(b[j]) {
			j++
		}
		if i >= len(a) || j >= len(b) {
			break
		}

		// differing separator lengths decide immediately
		if i-si != j-sj {
			if i-si < j-sj {
				return -1
			}
			return 1
		}

		var segA, segB string
		isNum := isDigit(a[i])
		if isNum {
			ei, ej := i, j
			for ei < len(a) && isDigit(a[ei]) {
				ei++
			}
			for ej < len(b) && isDigit(b[ej]) {
				ej++
			}
			segA, segB = a[i:ei], b[j:ej]
			i, j = ei, ej
		} else {
			ei, ej := i, j
			for ei < len(a) && isAlpha(a[ei]) {
				ei++
			}
			for ej < len(b) && isAlpha(b[ej]) {
				ej++
			}
			segA, segB = a[i:ei], b[j:ej]
			i, j = ei, ej
		}

		// b's segment is of the other type: numeric wins
		if segB == "" {
			if isNum {
				return 1
			}
			return -1
		}

		if isNum {
			segA = trimLeftZeros(segA)
			segB = trimLeftZeros(segB)
			if len(segA) != len(segB) {
				if len(segA) > len(segB) {
					return 1
				}
				return -1
			}
		}
		if segA != segB {
			if segA < segB {
				return -1
			}
			return 1
		}
	}

	if i >= len(a) && j >= len(b) {
		return 0
	}
	// a remaining alpha string never beats an empty string
	if (i >= len(a) && !startsAlpha(b, j)) || startsAlpha(a, i) {
		return -1
	}
	return 1
}

func startsAlpha(s string, i int) bool {
	return i < len(s) && isAlpha(s[i])
}

func trimLeftZeros(s string) string {
	for len(s) > 1 && s[0] == '0' {
		s = s[1:]
	}
	return s
}
