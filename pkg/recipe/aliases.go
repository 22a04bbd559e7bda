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
	_ "embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed aliases.yaml
var aliasesYAML []byte

var aliases map[string]map[string]any

func init() {
	if err := yaml.Unmarshal(aliasesYAML, &aliases); err != nil {
		panic(fmt.Sprintf("bundled aliases.yaml is broken: %v", err))
	}
}

// parseUpdateOn expands aliases and extracts per-entry throttle intervals.
// User-provided keys win over alias-provided ones.
func parseUpdateOn(entries []map[string]any, opts Options) ([]map[string]any, map[int]time.Duration, error) {
	var out []map[string]any
	throttle := make(map[int]time.Duration)

	for idx, entry := range entries {
		e := make(map[string]any, len(entry))
		for k, v := range entry {
			e[k] = v
		}

		if t, ok := e["lilac_throttle"]; ok {
			d, err := parseHumanTime(fmt.Sprint(t))
			if err != nil {
				return nil, nil, fmt.Errorf("update_on[%d]: bad lilac_throttle: %w", idx, err)
			}
			throttle[idx] = d
			delete(e, "lilac_throttle")
		}

		// historical misspelling kept working
		if e["source"] == "alpm-lilac" {
			delete(e, "source")
			e["alias"] = "alpm-lilac"
		}

		if alias, ok := e["alias"]; ok {
			delete(e, "alias")
			table, found := aliases[fmt.Sprint(alias)]
			if !found {
				return nil, nil, fmt.Errorf("update_on[%d]: unknown alias %q", idx, alias)
			}
			for k, v := range table {
				if _, set := e[k]; set {
					continue
				}
				if s, isStr := v.(string); isStr {
					e[k] = expandAliasArg(s, opts)
				} else {
					e[k] = v
				}
			}
		}

		// point alpm sources at our own sync db copy by default
		if src := e["source"]; src == "alpm" || src == "alpmfiles" {
			if _, set := e["dbpath"]; !set {
				e["dbpath"] = opts.PacmanDBDir
			}
		}

		out = append(out, e)
	}
	return out, throttle, nil
}

func expandAliasArg(s string, opts Options) string {
	s = strings.ReplaceAll(s, "{pacman_db_dir}", opts.PacmanDBDir)
	s = strings.ReplaceAll(s, "{repo_name}", opts.RepoName)
	return s
}

var humanTimeRe = regexp.MustCompile(`^(\d+)([dhms])`)

// parseHumanTime parses concatenated day/hour/minute/second spans such as
// "3d" or "1d12h".
func parseHumanTime(s string) (time.Duration, error) {
	orig := s
	var total time.Duration
	for s != "" {
		m := humanTimeRe.FindStringSubmatch(s)
		if m == nil {
			return 0, fmt.Errorf("malformed duration %q", orig)
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, err
		}
		var unit time.Duration
		switch m[2] {
		case "d":
			unit = 24 * time.Hour
		case "h":
			unit = time.Hour
		case "m":
			unit = time.Minute
		case "s":
			unit = time.Second
		}
		total += time.Duration(n) * unit
		s = s[len(m[0]):]
	}
	if total == 0 {
		return 0, fmt.Errorf("zero duration %q", orig)
	}
	return total, nil
}
