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

// Package repo ties the recipe tree to people: it resolves maintainers,
// delivers error reports, and runs the post-built hooks.
package repo

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/gitrepo"
	"github.com/lilac-dev/lilac/pkg/mail"
	"github.com/lilac-dev/lilac/pkg/nvchecker"
	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/types"
)

var ansiEscapeRe = regexp.MustCompile(`\x1b\[[0-9;]*[mK]`)

// StripANSI removes color and erase escape sequences from build logs.
func StripANSI(s string) string {
	return ansiEscapeRe.ReplaceAllString(s, "")
}

// Repo answers people-related questions about the recipe tree.
type Repo struct {
	cfg     *config.Config
	recipes map[string]*recipe.Recipe
	sender  mail.Sender
	git     *gitrepo.Repo

	master   types.Maintainer
	repomail string

	mu         sync.Mutex
	maintCache map[string][]types.Maintainer
}

// New creates a Repo. git may be nil, in which case the git-history
// maintainer fallback resolves to the master.
func New(cfg *config.Config, recipes map[string]*recipe.Recipe, sender mail.Sender, git *gitrepo.Repo) *Repo {
	return &Repo{
		cfg:        cfg,
		recipes:    recipes,
		sender:     sender,
		git:        git,
		master:     types.MaintainerFromAddress(cfg.Lilac.Master),
		repomail:   cfg.Repository.Email,
		maintCache: make(map[string][]types.Maintainer),
	}
}

// FindDependents lists the pkgbases whose repo_depends reference pkgbase.
func (r *Repo) FindDependents(pkgbase string) []string {
	var out []string
	for name, rc := range r.recipes {
		for _, d := range rc.RepoDepends {
			if d.Pkgbase == pkgbase {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// FindMaintainers resolves the maintainers of a pkgbase: the recipe's
// own entries, then the dependents' maintainers when the recipe leaves
// the list empty, then the first non-bot author in git history. Results
// are cached per batch.
func (r *Repo) FindMaintainers(ctx context.Context, pkgbase string) []types.Maintainer {
	r.mu.Lock()
	if cached, ok := r.maintCache[pkgbase]; ok {
		r.mu.Unlock()
		return cached
	}
	r.mu.Unlock()

	var entries []recipe.MaintainerEntry
	if rc, ok := r.recipes[pkgbase]; ok {
		entries = rc.Maintainers
	}
	mts := r.findMaintainersImpl(ctx, pkgbase, entries, true)

	r.mu.Lock()
	r.maintCache[pkgbase] = mts
	r.mu.Unlock()
	return mts
}

func (r *Repo) findMaintainersImpl(ctx context.Context, pkgbase string, entries []recipe.MaintainerEntry, fallbackGit bool) []types.Maintainer {
	log := clog.FromContext(ctx)

	var ret []types.Maintainer
	var errs []string

	if len(entries) > 0 {
		ret, errs = parseMaintainers(entries)
	} else if rc, ok := r.recipes[pkgbase]; ok && rc.Maintainers != nil {
		// empty but present list delegates to the dependents
		for _, dep := range r.FindDependents(pkgbase) {
			depEntries := r.recipes[dep].Maintainers
			ret = append(ret, r.findMaintainersImpl(ctx, dep, depEntries, false)...)
		}
	}

	if len(errs) > 0 {
		gm := r.gitMaintainer(ctx, pkgbase)
		msg := fmt.Sprintf(
			"The following maintainer entries are invalid, please check and correct them.\n\n%s\n",
			strings.Join(errs, "\n"))
		if err := r.sender.Send(ctx, []string{gm.String()},
			fmt.Sprintf("%s's maintainers info error", pkgbase), msg); err != nil {
			log.Warnf("failed to send maintainer info error for %s: %v", pkgbase, err)
		}
	}

	if len(ret) == 0 && fallbackGit {
		log.Warnf("no maintainers configured for %s, falling back to git history", pkgbase)
		return []types.Maintainer{r.gitMaintainer(ctx, pkgbase)}
	}
	return ret
}

// parseMaintainers converts recipe entries into addresses. Entries
// without an email address cannot receive mail and are reported back.
func parseMaintainers(entries []recipe.MaintainerEntry) ([]types.Maintainer, []string) {
	var ret []types.Maintainer
	var errs []string
	for _, e := range entries {
		switch {
		case e.Email != "":
			m := types.MaintainerFromAddress(e.Email)
			m.GitHub = e.GitHub
			ret = append(ret, m)
		case e.GitHub != "":
			errs = append(errs, fmt.Sprintf(
				"no email address for GitHub user %s", e.GitHub))
		default:
			errs = append(errs, fmt.Sprintf("unsupported maintainer entry: %+v", e))
		}
	}
	return ret, errs
}

func (r *Repo) gitMaintainer(ctx context.Context, pkgbase string) types.Maintainer {
	if r.git != nil {
		if m, err := r.git.MaintainerFromHistory(ctx, pkgbase); err == nil {
			return m
		}
	}
	return r.master
}

// ReportError mails the repository master.
func (r *Repo) ReportError(ctx context.Context, subject, msg string) {
	if err := r.sender.Send(ctx, []string{r.master.String()}, subject, msg); err != nil {
		clog.FromContext(ctx).Errorf("failed to report error to master: %v", err)
	}
}

// SendRepoMail mails the repository contact address.
func (r *Repo) SendRepoMail(ctx context.Context, subject, msg string) {
	if err := r.sender.Send(ctx, []string{r.repomail}, subject, msg); err != nil {
		clog.FromContext(ctx).Errorf("failed to send repo mail: %v", err)
	}
}

// SendErrorReport mails a build failure to the package's maintainers.
// A "%s" in subject is replaced with the pkgbase. When logfile names a
// readable file its contents are appended, prefixed with a log URL if
// one is configured.
func (r *Repo) SendErrorReport(ctx context.Context, pkgbase, subject, msg, logfile string) {
	log := clog.FromContext(ctx)

	if strings.Contains(subject, "%s") {
		subject = fmt.Sprintf(subject, pkgbase)
	}

	parts := []string{}
	if msg != "" {
		parts = append(parts, msg)
	}
	if logfile != "" {
		if content, err := os.ReadFile(logfile); err == nil && len(content) > 0 {
			header := "Build log:"
			if url := r.logURL(pkgbase, logfile); url != "" {
				header += " " + url
			}
			parts = append(parts, header, "\n"+string(content))
		}
	}

	body := strings.Join(parts, "\n")
	if !r.cfg.SMTP.UseANSI {
		body = StripANSI(body)
	}

	maintainers := r.FindMaintainers(ctx, pkgbase)
	addrs := make([]string, len(maintainers))
	for i, m := range maintainers {
		addrs[i] = m.String()
	}
	if err := r.sender.Send(ctx, addrs, subject, body); err != nil {
		log.Errorf("failed to send error report for %s: %v", pkgbase, err)
	}
}

// logURL expands the configured logurl template. The log file's parent
// directory name is the batch timestamp.
func (r *Repo) logURL(pkgbase, logfile string) string {
	tmpl := r.cfg.Lilac.Logurl
	if tmpl == "" {
		return ""
	}
	datetime := filepath.Base(filepath.Dir(logfile))
	return os.Expand(tmpl, func(key string) string {
		switch key {
		case "datetime":
			return datetime
		case "timestamp":
			return strconv.FormatInt(time.Now().Unix(), 10)
		case "pkgbase":
			return pkgbase
		default:
			return ""
		}
	})
}

// OnBuilt runs the configured postbuild commands with the build outcome
// in the environment. Command failures are logged, not propagated.
func (r *Repo) OnBuilt(ctx context.Context, pkgbase string, result types.BuildResult, version string) {
	log := clog.FromContext(ctx)
	if len(r.cfg.Misc.Postbuild) == 0 {
		return
	}

	env := append(os.Environ(),
		"PKGBASE="+pkgbase,
		"RESULT="+result.String(),
		"VERSION="+version,
	)
	for _, cmdline := range r.cfg.Misc.Postbuild {
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdline)
		cmd.Env = env
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Errorf("postbuild command %q failed: %v\n%s", cmdline, err, out)
		}
	}
}

// SendNvcheckerReports bundles version-check errors per maintainer and
// mails each bundle, plus a repo-wide mail for errors that could not be
// attributed to any package.
func (r *Repo) SendNvcheckerReports(ctx context.Context, check *nvchecker.Output) {
	log := clog.FromContext(ctx)

	type bundle struct {
		who    types.Maintainer
		events []nvchecker.Event
	}
	owners := make(map[string]*bundle)

	collect := func(pkgbase string, events []nvchecker.Event) {
		for _, m := range r.FindMaintainers(ctx, pkgbase) {
			b, ok := owners[m.Email]
			if !ok {
				b = &bundle{who: m}
				owners[m.Email] = b
			}
			b.events = append(b.events, events...)
		}
	}

	for pkg, events := range check.Errors {
		if pkg == "" {
			continue
		}
		pkgbase, _, _ := strings.Cut(pkg, ":")
		collect(pkgbase, events)
	}
	for _, pkg := range check.Unknown {
		collect(pkg, []nvchecker.Event{{
			"name":  pkg,
			"event": "package without update_on config",
		}})
	}

	emails := make([]string, 0, len(owners))
	for email := range owners {
		emails = append(emails, email)
	}
	sort.Strings(emails)
	for _, email := range emails {
		b := owners[email]
		lines := make([]string, len(b.events))
		for i, e := range b.events {
			lines[i] = e.Format()
		}
		log.Warnf("sending nvchecker report to %s for %d events", b.who, len(b.events))
		if err := r.sender.Send(ctx, []string{b.who.String()},
			"nvchecker error report", strings.Join(lines, "\n")); err != nil {
			log.Errorf("failed to send nvchecker report to %s: %v", b.who, err)
		}
	}

	if events, ok := check.Errors[""]; ok && len(events) > 0 {
		lines := make([]string, len(events))
		for i, e := range events {
			lines[i] = e.Format()
		}
		r.SendRepoMail(ctx, "nvchecker problems",
			"Some errors occurred during the version check:\n\n"+strings.Join(lines, "\n")+"\n")
	}
}
