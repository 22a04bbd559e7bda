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

// Package worker implements the build subprocess: it reads a work order
// on stdin, builds one package in the current directory, and writes a
// result file. It runs under a transient systemd unit so the parent can
// account resources and stop it by stopping the unit.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gofrs/flock"

	"github.com/lilac-dev/lilac/pkg/alpm"
	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/pkgbuild"
	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/types"
)

// Hooks exiting with this code skip the build; the message is the last
// line of the hook's output.
const skipExitCode = 3

// Build logs larger than this are considered runaway and the build is
// killed.
const maxLogSize = 1 << 30

// errSkip carries a skip message out of the hook runner.
type errSkip struct{ msg string }

func (e errSkip) Error() string { return "build skipped: " + e.msg }

// Builder performs one package build in its directory.
type Builder struct {
	cfg *config.Config
	db  *alpm.DB // nil when the pacman databases are unavailable
	in  *Input
	dir string

	builtVersion string
}

// NewBuilder sets up a build in the current working directory.
func NewBuilder(cfg *config.Config, db *alpm.DB, in *Input) (*Builder, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return &Builder{cfg: cfg, db: db, in: in, dir: dir}, nil
}

// Run executes the whole build and always returns a result to report.
func (b *Builder) Run(ctx context.Context) *Result {
	start := time.Now()
	if !b.in.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, b.in.Deadline)
		defer cancel()
	}

	res := &Result{Status: types.BuildSuccessful}
	err := b.build(ctx)
	var skip errSkip
	switch {
	case err == nil:
	case errors.As(err, &skip):
		res.Status = types.BuildSkipped
		res.Msg = skip.msg
	case ctx.Err() != nil:
		res.Status = types.BuildFailed
		res.Msg = "build timed out"
	default:
		res.Status = types.BuildFailed
		res.Msg = err.Error()
	}
	res.Version = b.builtVersion
	res.Elapsed = time.Since(start)
	return res
}

func (b *Builder) build(ctx context.Context) (err error) {
	log := clog.FromContext(ctx)

	rec, rerr := recipe.LoadDir(b.dir, recipe.Options{
		RepoName:    b.cfg.Repository.Name,
		PacmanDBDir: b.cfg.Repository.PacmanDBDir,
	})
	if rerr != nil {
		return rerr
	}

	success := false
	defer func() {
		if rec.PostBuildAlways != "" {
			henv := b.hookEnv()
			henv = append(henv, fmt.Sprintf("LILAC_SUCCESS=%t", success))
			if herr := b.runHook(ctx, "post_build_always", rec.PostBuildAlways, henv); herr != nil {
				log.Errorf("post_build_always failed: %v", herr)
				if err == nil {
					err = herr
				}
			}
		}
	}()

	if rec.Prepare != "" {
		if err := b.runHook(ctx, "prepare", rec.Prepare, b.hookEnv()); err != nil {
			return err
		}
	}

	if err := b.removeOldArtifacts(); err != nil {
		return err
	}

	if err := b.preBuild(ctx, rec); err != nil {
		return err
	}

	srcinfo, err := pkgbuild.LoadSrcinfo(b.dir)
	if err != nil {
		return fmt.Errorf("reading .SRCINFO: %w", err)
	}
	b.builtVersion = srcinfo.Version()
	if err := b.checkAgainstOfficial(srcinfo); err != nil {
		return err
	}
	if err := checkSoProvides(srcinfo); err != nil {
		return err
	}

	if err := b.runBuildCmd(ctx, rec); err != nil {
		return err
	}

	artifacts, err := b.scanArtifacts()
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return fmt.Errorf("no package built")
	}

	if rec.PostBuild != "" || rec.PostBuildScript != "" {
		// serialized host-wide: post_build hooks touch shared state
		lockPath := filepath.Join(lilacHome(), "post_build.lock")
		lock := flock.New(lockPath)
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("acquiring post_build lock: %w", err)
		}
		defer lock.Unlock()
		if rec.PostBuild != "" {
			if err := b.runHook(ctx, "post_build", rec.PostBuild, b.hookEnv()); err != nil {
				return err
			}
		}
		if rec.PostBuildScript != "" {
			if err := b.runHook(ctx, "post_build_script", rec.PostBuildScript, b.hookEnv()); err != nil {
				return err
			}
		}
	}

	success = true
	return nil
}

// preBuild runs the pre-build hooks with a pkgrel guard: when the hooks
// leave pkgver alone but the recorded pkgrel would not supersede the
// previous one, it is bumped automatically. A second guard bumps past
// whatever full version the repository already serves.
func (b *Builder) preBuild(ctx context.Context, rec *recipe.Recipe) error {
	oldVer, oldRel, snapErr := pkgbuild.PkgverPkgrel(b.dir)

	env := b.hookEnv()
	if rec.PreBuild != "" {
		if err := b.runHook(ctx, "pre_build", rec.PreBuild, env); err != nil {
			return err
		}
	}
	if rec.PreBuildScript != "" {
		if err := b.runHook(ctx, "pre_build_script", rec.PreBuildScript, env); err != nil {
			return err
		}
	}
	if err := b.recvGPGKeys(ctx); err != nil {
		clog.FromContext(ctx).Warnf("recv_gpg_keys: %v", err)
	}
	b.vcsUpdate(ctx)

	if snapErr == nil {
		newVer, newRel, err := pkgbuild.PkgverPkgrel(b.dir)
		if err == nil && oldVer == newVer && alpm.VerCmp("1-"+oldRel, "1-"+newRel) >= 0 {
			if err := pkgbuild.UpdatePkgrel(b.dir, pkgbuild.NextPkgrel(oldRel)); err != nil {
				return err
			}
		}
	}
	if b.db != nil {
		return pkgbuild.MayUpdatePkgrel(b.dir, b.db.RepoVersion(b.in.Pkgbase))
	}
	return nil
}

// checkAgainstOfficial rejects builds that would collide with or
// downgrade packages in the official repositories.
func (b *Builder) checkAgainstOfficial(s *pkgbuild.Srcinfo) error {
	if b.db == nil {
		return nil
	}
	var badGroups, badReplaces []string
	for _, p := range s.Packages {
		for _, g := range p.Groups {
			if b.db.IsOfficialGroup(g) {
				badGroups = append(badGroups, g)
			}
		}
		for _, r := range p.Replaces {
			if b.db.IsOfficialPackage(r) {
				badReplaces = append(badReplaces, r)
			}
		}
	}
	if len(badGroups) > 0 || len(badReplaces) > 0 {
		return fmt.Errorf("conflicts with official repositories: groups=%v replaces=%v",
			badGroups, badReplaces)
	}
	for _, name := range s.Pkgnames() {
		if repoVer := b.db.RepoVersion(name); repoVer != "" {
			if alpm.VerCmp(s.Version(), repoVer) < 0 {
				return fmt.Errorf("%s: built version %s is older than repository version %s",
					name, s.Version(), repoVer)
			}
		}
	}
	return nil
}

// checkSoProvides rejects library provides without a version suffix,
// which would defeat soname dependency resolution.
func checkSoProvides(s *pkgbuild.Srcinfo) error {
	for _, p := range s.Packages {
		for _, prov := range p.Provides {
			if strings.HasSuffix(prov, ".so") {
				return fmt.Errorf("%s: provides entry %q needs a version suffix", p.Pkgname, prov)
			}
		}
	}
	return nil
}

// runBuildCmd runs the devtools build (or plain makepkg) with the build
// log written to the configured logfile and a runaway-log guard.
func (b *Builder) runBuildCmd(ctx context.Context, rec *recipe.Recipe) error {
	prefix := rec.BuildPrefix
	if prefix == "" {
		machine := runtime.GOARCH
		if machine == "amd64" {
			machine = "x86_64"
		}
		prefix = "extra-" + machine
	}

	var argv []string
	if prefix == "makepkg" {
		argv = []string{"makepkg", "--holdver", "--noprogressbar"}
	} else {
		argv = []string{prefix + "-build", "--"}
		for _, dep := range b.in.DependPackages {
			argv = append(argv, "-I", dep)
		}
		for _, bm := range b.in.Bindmounts {
			src, _, _ := strings.Cut(bm, ":")
			os.MkdirAll(src, 0o755)
			argv = append(argv, "-d", bm)
		}
		for _, t := range b.in.Tmpfs {
			argv = append(argv, "-t", t)
		}
		argv = append(argv, "-l", fmt.Sprintf("lilac-%d", b.in.WorkerNo))
		argv = append(argv, "--", "--noprogressbar", "--holdver")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.dir
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), "GNUPGHOME="+filepath.Join(lilacHome(), "gnupg"))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logf := os.Stderr
	if b.in.Logfile != "" {
		f, err := os.OpenFile(b.in.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logf = f
	}
	cmd.Stdout = logf
	cmd.Stderr = logf

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting build command %v: %w", argv, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("build command %v: %w", argv, err)
			}
			return nil
		case <-ticker.C:
			if st, err := logf.Stat(); err == nil && st.Size() > maxLogSize {
				// negative pid signals the whole group
				syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
				fmt.Fprintln(logf, "\n\nOutput is quite long and killed.")
				<-done
				return fmt.Errorf("build output exceeded %d bytes, killed", maxLogSize)
			}
		}
	}
}

func (b *Builder) scanArtifacts() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".pkg.tar.xz") || strings.HasSuffix(name, ".pkg.tar.zst") {
			out = append(out, filepath.Join(b.dir, name))
		}
	}
	return out, nil
}

func (b *Builder) removeOldArtifacts() error {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		for _, suffix := range []string{
			".pkg.tar.xz", ".pkg.tar.xz.sig", ".pkg.tar.zst", ".pkg.tar.zst.sig",
		} {
			if strings.HasSuffix(name, suffix) {
				if err := os.Remove(filepath.Join(b.dir, name)); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// recvGPGKeys imports the source validation keys the PKGBUILD declares.
func (b *Builder) recvGPGKeys(ctx context.Context) error {
	keys, err := pkgbuild.ValidPGPKeys(b.dir)
	if err != nil || len(keys) == 0 {
		return err
	}
	args := append([]string{"--recv-keys"}, keys...)
	cmd := exec.CommandContext(ctx, "gpg", args...)
	cmd.Dir = b.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("gpg --recv-keys: %w\n%s", err, out)
	}
	return nil
}

// vcsUpdate lets makepkg refresh VCS sources so the srcinfo reflects
// what will actually build. Failures only warn; the build itself will
// surface real problems.
func (b *Builder) vcsUpdate(ctx context.Context) {
	cmd := exec.CommandContext(ctx, "makepkg", "--nobuild", "--nodeps", "--skipinteg", "--noprepare")
	cmd.Dir = b.dir
	if out, err := cmd.CombinedOutput(); err != nil {
		clog.FromContext(ctx).Warnf("vcs update: %v\n%s", err, out)
	}
}

// builtinHooks are the operations a hook entry may name instead of a
// shell command. Words after the operation name are its arguments.
var builtinHooks = map[string]func(*Builder, context.Context, []string) error{
	"vcs_update": func(b *Builder, ctx context.Context, _ []string) error {
		b.vcsUpdate(ctx)
		return nil
	},
	"update_pkgsums": func(b *Builder, ctx context.Context, _ []string) error {
		return b.updatePkgsums(ctx)
	},
	"git_pkgbuild_commit": func(b *Builder, ctx context.Context, _ []string) error {
		return b.gitPkgbuildCommit(ctx)
	},
	"add_depends": func(b *Builder, _ context.Context, args []string) error {
		return pkgbuild.AddDepends(b.dir, args...)
	},
	"add_makedepends": func(b *Builder, _ context.Context, args []string) error {
		return pkgbuild.AddMakedepends(b.dir, args...)
	},
	"update_pkgver": (*Builder).updatePkgver,
}

// runHook runs one recipe hook, either a built-in operation or a shell
// command. Exit code 3 skips the build with the last output line as the
// message.
func (b *Builder) runHook(ctx context.Context, name, script string, env []string) error {
	if fields := strings.Fields(script); len(fields) > 0 {
		if fn, ok := builtinHooks[fields[0]]; ok {
			return fn(b, ctx, fields[1:])
		}
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = b.dir
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == skipExitCode {
		return errSkip{msg: lastLine(string(out))}
	}
	return fmt.Errorf("%s hook: %w\n%s", name, err, out)
}

// hookEnv exposes the version-check outcome to the hooks.
func (b *Builder) hookEnv() []string {
	oldvers := make([]string, len(b.in.UpdateInfo))
	newvers := make([]string, len(b.in.UpdateInfo))
	for i, r := range b.in.UpdateInfo {
		oldvers[i], newvers[i] = r.OldVer, r.NewVer
	}
	obOld := make([]string, len(b.in.OnBuildVers))
	obNew := make([]string, len(b.in.OnBuildVers))
	for i, v := range b.in.OnBuildVers {
		obOld[i], obNew[i] = v.OldVer, v.NewVer
	}
	return append(os.Environ(),
		"PKGBASE="+b.in.Pkgbase,
		"LILAC_OLDVER="+b.in.UpdateInfo.OldVer(),
		"LILAC_NEWVER="+b.in.UpdateInfo.NewVer(),
		"LILAC_OLDVERS="+strings.Join(oldvers, " "),
		"LILAC_NEWVERS="+strings.Join(newvers, " "),
		"LILAC_ONBUILD_OLDVERS="+strings.Join(obOld, " "),
		"LILAC_ONBUILD_NEWVERS="+strings.Join(obNew, " "),
	)
}

// updatePkgsums refreshes the PKGBUILD checksums in place.
func (b *Builder) updatePkgsums(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "updpkgsums")
	cmd.Dir = b.dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("updpkgsums: %w\n%s", err, out)
	}
	return nil
}

// updatePkgver writes the version the check found into the PKGBUILD and
// resets pkgrel. An explicit argument overrides the checked version.
func (b *Builder) updatePkgver(_ context.Context, args []string) error {
	ver := b.in.UpdateInfo.NewVer()
	if len(args) > 0 {
		ver = args[0]
	}
	if ver == "" {
		return errors.New("update_pkgver: no version to set")
	}
	if err := pkgbuild.UpdatePkgver(b.dir, ver); err != nil {
		return err
	}
	return pkgbuild.UpdatePkgrel(b.dir, "1")
}

// gitPkgbuildCommit commits PKGBUILD changes the earlier hooks made.
func (b *Builder) gitPkgbuildCommit(ctx context.Context) error {
	add := exec.CommandContext(ctx, "git", "add", "PKGBUILD")
	add.Dir = b.dir
	if out, err := add.CombinedOutput(); err != nil {
		return fmt.Errorf("git add PKGBUILD: %w\n%s", err, out)
	}
	commit := exec.CommandContext(ctx, "git", "commit", "-m",
		fmt.Sprintf("%s: update PKGBUILD", b.in.Pkgbase))
	commit.Dir = b.dir
	if out, err := commit.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w\n%s", err, out)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func lilacHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/tmp"
	}
	dir := filepath.Join(home, ".lilac")
	os.MkdirAll(dir, 0o755)
	return dir
}
