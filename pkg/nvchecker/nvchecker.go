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

// Package nvchecker drives the external version checker: it serializes the
// recipes' update_on entries to a TOML config, streams the checker's JSON
// line log back, and aggregates per-recipe results.
package nvchecker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/chainguard-dev/clog"

	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/types"
)

// Checker runs the external version checker against a recipe set. Rundir
// holds the generated config and the oldver/newver state files.
type Checker struct {
	Rundir  string
	Repodir string
	Proxy   string
	Keyfile string
}

func (c *Checker) configFile() string { return filepath.Join(c.Rundir, "nvchecker.toml") }
func (c *Checker) oldverFile() string { return filepath.Join(c.Rundir, "oldver.json") }
func (c *Checker) newverFile() string { return filepath.Join(c.Rundir, "newver.json") }

// Event is one line of the checker's JSON log, kept raw for error reports.
type Event map[string]any

// Format renders an event for maintainer mail, with any embedded traceback
// on its own lines.
func (e Event) Format() string {
	exc, hasExc := e["exception"].(string)
	if hasExc {
		e = copyEvent(e)
		delete(e, "exception")
	}
	b, err := json.Marshal(e)
	if err != nil {
		b = []byte(fmt.Sprint(map[string]any(e)))
	}
	if hasExc {
		return string(b) + "\n" + exc + "\n"
	}
	return string(b)
}

func copyEvent(e Event) Event {
	out := make(Event, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Output is the aggregated result of one checker run.
type Output struct {
	// Results has one entry per recipe; recipes the checker said nothing
	// about get an empty NvResults.
	Results map[string]types.NvResults
	// Unknown lists recipes with no update_on config at all.
	Unknown []string
	// Rebuild contains pkgbases whose non-headline entry changed and that
	// therefore must rebuild even when the headline did not move.
	Rebuild map[string]struct{}
	// Errors maps pkgbase -> warning/error events; the "" key collects
	// events the checker could not attribute to any entry.
	Errors map[string][]Event
}

// Check runs the checker over every recipe's update_on entries.
func (c *Checker) Check(ctx context.Context, recipes map[string]*recipe.Recipe) (*Output, error) {
	log := clog.FromContext(ctx)

	unknown := collectUnknown(recipes)

	if err := os.MkdirAll(c.Rundir, 0o755); err != nil {
		return nil, err
	}
	if _, err := os.Stat(c.oldverFile()); os.IsNotExist(err) {
		if err := os.WriteFile(c.oldverFile(), []byte("{}"), 0o644); err != nil {
			return nil, err
		}
	}
	if err := c.encodeConfig(recipes); err != nil {
		return nil, err
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}

	args := []string{"--logger", "both", "--json-log-fd", "3"}
	if c.Keyfile != "" {
		args = append(args, "--keyfile", c.Keyfile)
	}
	args = append(args, c.configFile())
	cmd := exec.CommandContext(ctx, "nvchecker", args...)
	// vcs sources need to run inside the repository checkout
	cmd.Dir = c.Repodir
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{pw}

	log.Info("running nvchecker")
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting nvchecker: %w", err)
	}
	pw.Close()

	out := &Output{
		Results: make(map[string]types.NvResults),
		Unknown: unknown,
		Rebuild: make(map[string]struct{}),
		Errors:  make(map[string][]Event),
	}
	perEntry := make(map[string]map[int]types.NvResult)

	sc := bufio.NewScanner(pr)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			log.Warnf("undecodable checker log line: %v", err)
			continue
		}
		consumeEvent(ev, perEntry, out)
	}
	pr.Close()
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("nvchecker: %w", err)
	}

	// a failed non-headline entry must not trigger a rebuild
	for pkg := range out.Errors {
		delete(out.Rebuild, pkg)
	}

	for name, r := range recipes {
		out.Results[name] = orderEntries(ctx, name, len(r.UpdateOn), perEntry[name])
	}
	return out, nil
}

func consumeEvent(ev Event, perEntry map[string]map[int]types.NvResult, out *Output) {
	name, _ := ev["name"].(string)
	pkg, idx := splitEntryName(name)

	if _, ok := perEntry[pkg]; !ok && pkg != "" {
		perEntry[pkg] = make(map[int]types.NvResult)
	}

	switch ev["event"] {
	case "updated":
		if pkg == "" {
			return
		}
		oldv, _ := ev["old_version"].(string)
		newv, _ := ev["version"].(string)
		perEntry[pkg][idx] = types.NvResult{OldVer: oldv, NewVer: newv}
		if idx != 0 {
			out.Rebuild[pkg] = struct{}{}
		}
	case "up-to-date":
		if pkg == "" {
			return
		}
		v, _ := ev["version"].(string)
		perEntry[pkg][idx] = types.NvResult{OldVer: v, NewVer: v}
	default:
		switch ev["level"] {
		case "warning", "warn", "error", "exception", "critical":
			out.Errors[pkg] = append(out.Errors[pkg], ev)
		}
	}
}

// splitEntryName undoes the pkgbase / pkgbase:i flattening.
func splitEntryName(name string) (string, int) {
	if i := strings.LastIndexByte(name, ':'); i >= 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return name[:i], n
		}
	}
	return name, 0
}

// orderEntries turns the sparse per-index map into a list with one slot
// per update_on entry; entries the checker never reported stay empty.
func orderEntries(ctx context.Context, name string, n int, entries map[int]types.NvResult) types.NvResults {
	if n == 0 && len(entries) == 0 {
		return types.NvResults{}
	}
	for i := range entries {
		if i >= n {
			n = i + 1
		}
	}
	out := make(types.NvResults, n)
	for i := 0; i < n; i++ {
		r, ok := entries[i]
		if !ok {
			clog.FromContext(ctx).Warnf("missing check result %d for %s", i, name)
			continue
		}
		out[i] = r
	}
	return out
}

// collectUnknown returns the recipes with no update_on at all.
func collectUnknown(recipes map[string]*recipe.Recipe) []string {
	var unknown []string
	for name, r := range recipes {
		if len(r.UpdateOn) == 0 {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func (c *Checker) encodeConfig(recipes map[string]*recipe.Recipe) error {
	sections := make(map[string]map[string]any)
	for name, r := range recipes {
		for i, entry := range r.UpdateOn {
			e := make(map[string]any, len(entry))
			for k, v := range entry {
				// the checker rejects valueless keys under numbered names
				if i != 0 && (v == nil || v == "") {
					e[k] = name
					continue
				}
				e[k] = v
			}
			key := name
			if i != 0 {
				key = fmt.Sprintf("%s:%d", name, i)
			}
			sections[key] = e
		}
	}
	sections["__config__"] = map[string]any{
		"oldver": c.oldverFile(),
		"newver": c.newverFile(),
	}
	if c.Proxy != "" {
		sections["__config__"]["proxy"] = c.Proxy
	}

	f, err := os.Create(c.configFile())
	if err != nil {
		return err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(sections); err != nil {
		return fmt.Errorf("encoding checker config: %w", err)
	}
	return nil
}

// Take commits the named pkgbases' new versions into the state file,
// advancing oldver to newver for every one of their entries.
func (c *Checker) Take(ctx context.Context, names []string, recipes map[string]*recipe.Recipe) error {
	if len(names) == 0 {
		return nil
	}
	var expanded []string
	for _, name := range names {
		r := recipes[name]
		if r == nil || len(r.UpdateOn) == 0 {
			expanded = append(expanded, name)
			continue
		}
		expanded = append(expanded, name)
		for i := 1; i < len(r.UpdateOn); i++ {
			expanded = append(expanded, fmt.Sprintf("%s:%d", name, i))
		}
	}

	args := append([]string{"--ignore-nonexistent", "--file", c.configFile()}, expanded...)
	cmd := exec.CommandContext(ctx, "nvtake", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nvtake: %w: %s", err, strings.TrimSpace(string(out)))
	}
	clog.FromContext(ctx).Infof("nvtake advanced %d entries", len(expanded))
	return nil
}
