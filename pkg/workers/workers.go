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

// Package workers manages the build worker pool: the local machine and
// any remote machines reachable over SSH. It decides which ready
// packages each worker accepts based on load, memory headroom, and
// historical build cost.
package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/shirou/gopsutil/v4/load"
	gopsmem "github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/time/rate"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/systemd"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
)

// Worker abstracts one build machine.
type Worker interface {
	Name() string
	MaxConcurrency() int
	IsLocal() bool

	// ResourceUsage reports the CPU load per core and the available
	// memory. It must be cheap; remote implementations cache.
	ResourceUsage(ctx context.Context) (cpuRatio float64, memAvail int64, err error)

	// SyncDependedPackages makes exactly the listed artifact files
	// available on the worker, removing any stale ones.
	SyncDependedPackages(ctx context.Context, paths []string) error

	// PrepareBatch and FinishBatch bracket one scheduler pass.
	PrepareBatch(ctx context.Context) error
	FinishBatch(ctx context.Context) error

	// Build performs one build to completion and returns the parsed
	// worker result.
	Build(ctx context.Context, in *worker.Input) (*worker.Result, error)
}

// New builds a Worker from its configuration stanza.
func New(cfg config.Worker, repoCfg *config.Config) Worker {
	env := mergeEnvvars(repoCfg.Envvars, cfg.Envvars)
	if cfg.IsLocal() {
		return &LocalWorker{cfg: cfg, env: env, repodir: repoCfg.Repository.Repodir}
	}
	r := &RemoteWorker{cfg: cfg, env: env}
	r.usageLimit = rate.NewLimiter(rate.Every(15*time.Second), 1)
	return r
}

// mergeEnvvars layers a worker's own envvars over the global ones, so
// per-worker values win but every build still sees the shared defaults
// like MAKEFLAGS.
func mergeEnvvars(global, perWorker map[string]string) map[string]string {
	out := make(map[string]string, len(global)+len(perWorker))
	for k, v := range global {
		out[k] = v
	}
	for k, v := range perWorker {
		out[k] = v
	}
	return out
}

// LocalWorker builds on the machine the scheduler runs on.
type LocalWorker struct {
	cfg     config.Worker
	env     map[string]string
	repodir string
}

func (w *LocalWorker) Name() string        { return w.cfg.Name }
func (w *LocalWorker) MaxConcurrency() int { return w.cfg.MaxConcurrency }
func (w *LocalWorker) IsLocal() bool       { return true }

func (w *LocalWorker) ResourceUsage(ctx context.Context) (float64, int64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	vm, err := gopsmem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return avg.Load1 / float64(runtime.NumCPU()), int64(vm.Available), nil
}

// SyncDependedPackages is a no-op: the artifacts are already on this
// filesystem and the worker input carries their paths.
func (w *LocalWorker) SyncDependedPackages(context.Context, []string) error { return nil }

func (w *LocalWorker) PrepareBatch(context.Context) error { return nil }
func (w *LocalWorker) FinishBatch(context.Context) error  { return nil }

// Build runs the worker subprocess with the input on stdin. The
// subprocess is this same binary's hidden worker command, wrapped in a
// transient systemd unit when the user manager supports it so CPU time
// and peak memory cover the whole build process tree.
func (w *LocalWorker) Build(ctx context.Context, in *worker.Input) (*worker.Result, error) {
	input, err := encodeInput(in)
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, err
	}
	workdir := filepath.Join(w.repodir, in.Pkgbase)
	unit := fmt.Sprintf("lilac-worker-%s-%d", w.cfg.Name, in.WorkerNo)

	var cmd *exec.Cmd
	_, underSystemd := systemd.Available(ctx)
	if underSystemd {
		cmd = systemd.Command(ctx, unit, []string{self, "worker"}, systemd.CmdOptions{
			WorkingDir: workdir,
			Env:        w.env,
		})
	} else {
		cmd = exec.CommandContext(ctx, self, "worker")
		cmd.Dir = workdir
		if len(w.env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range w.env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
	}
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	var rusage types.RUsage
	if underSystemd {
		runErr := make(chan error, 1)
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		go func() { runErr <- cmd.Wait() }()
		var pollErr error
		rusage, _, pollErr = systemd.PollRusage(ctx, unit, in.Deadline)
		if pollErr != nil {
			clog.FromContext(ctx).Warnf("rusage for %s: %v", in.Pkgbase, pollErr)
		}
		err = <-runErr
	} else {
		if err = cmd.Start(); err != nil {
			return nil, err
		}
		// without a transient unit, account by sampling the process tree
		watched := make(chan struct{})
		go func() {
			defer close(watched)
			cpu, mem, _ := systemd.WatchProcess(ctx, int32(cmd.Process.Pid), in.Deadline)
			rusage = types.RUsage{CPUSeconds: cpu, MemoryMax: mem}
		}()
		err = cmd.Wait()
		<-watched
	}
	if err != nil {
		// the worker reports build failures through the result file; a
		// non-zero exit means it crashed before writing one
		if _, rerr := os.Stat(in.ResultPath); rerr != nil {
			return nil, fmt.Errorf("worker for %s died: %w", in.Pkgbase, err)
		}
	}

	res, err := worker.ReadResult(in.ResultPath)
	if err != nil {
		return nil, err
	}
	if res.RUsage.CPUSeconds == 0 && res.RUsage.MemoryMax == 0 {
		res.RUsage = rusage
	}
	return res, nil
}

// RemoteWorker builds over SSH. The remote machine carries its own
// checkout of the recipe tree and a lilac binary on PATH.
type RemoteWorker struct {
	cfg config.Worker
	env map[string]string

	usageLimit *rate.Limiter
	cachedCPU  float64
	cachedMem  int64
	cachedAt   time.Time
}

func (w *RemoteWorker) Name() string        { return w.cfg.Name }
func (w *RemoteWorker) MaxConcurrency() int { return w.cfg.MaxConcurrency }
func (w *RemoteWorker) IsLocal() bool       { return false }

func (w *RemoteWorker) sshArgs(extra ...string) []string {
	args := []string{}
	if w.cfg.SSHPort != 0 {
		args = append(args, "-p", strconv.Itoa(w.cfg.SSHPort))
	}
	target := w.cfg.SSHHost
	if w.cfg.SSHUser != "" {
		target = w.cfg.SSHUser + "@" + w.cfg.SSHHost
	}
	args = append(args, target)
	return append(args, extra...)
}

func (w *RemoteWorker) ssh(ctx context.Context, remoteCmd string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ssh", w.sshArgs(remoteCmd)...)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ssh to %s: %w", w.cfg.Name, err)
	}
	return out, nil
}

// ResourceUsage asks the remote for its load and available memory. The
// SSH round trip is rate limited and the previous answer reused in
// between.
func (w *RemoteWorker) ResourceUsage(ctx context.Context) (float64, int64, error) {
	if !w.usageLimit.Allow() && !w.cachedAt.IsZero() {
		return w.cachedCPU, w.cachedMem, nil
	}
	out, err := w.ssh(ctx, "cat /proc/loadavg; nproc; grep MemAvailable /proc/meminfo")
	if err != nil {
		if !w.cachedAt.IsZero() {
			return w.cachedCPU, w.cachedMem, nil
		}
		return 0, 0, err
	}
	cpu, mem, err := parseRemoteUsage(string(out))
	if err != nil {
		return 0, 0, err
	}
	w.cachedCPU, w.cachedMem, w.cachedAt = cpu, mem, time.Now()
	return cpu, mem, nil
}

// parseRemoteUsage parses "loadavg \n nproc \n MemAvailable: kB" output.
func parseRemoteUsage(out string) (float64, int64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 3 {
		return 0, 0, fmt.Errorf("short usage output: %q", out)
	}
	loadFields := strings.Fields(lines[0])
	if len(loadFields) == 0 {
		return 0, 0, fmt.Errorf("bad loadavg line: %q", lines[0])
	}
	load1, err := strconv.ParseFloat(loadFields[0], 64)
	if err != nil {
		return 0, 0, err
	}
	ncpu, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil || ncpu == 0 {
		return 0, 0, fmt.Errorf("bad nproc line: %q", lines[1])
	}
	memFields := strings.Fields(lines[2])
	if len(memFields) < 2 {
		return 0, 0, fmt.Errorf("bad meminfo line: %q", lines[2])
	}
	kb, err := strconv.ParseInt(memFields[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return load1 / float64(ncpu), kb << 10, nil
}

// SyncDependedPackages rsyncs exactly the listed artifacts into the
// remote package cache. The include list plus delete-excluded makes the
// remote side hold the intended set and nothing else.
func (w *RemoteWorker) SyncDependedPackages(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	dest := w.cfg.SSHHost + ":" + filepath.Join(w.cfg.Repodir, ".depends") + "/"
	if w.cfg.SSHUser != "" {
		dest = w.cfg.SSHUser + "@" + dest
	}
	args := []string{"-rtl", "--delete", "--delete-excluded"}
	if w.cfg.SSHPort != 0 {
		args = append(args, "-e", fmt.Sprintf("ssh -p %d", w.cfg.SSHPort))
	}
	for _, p := range paths {
		args = append(args, "--include="+filepath.Base(p))
	}
	args = append(args, "--exclude=*")
	// all artifacts live in the same destdir
	args = append(args, filepath.Dir(paths[0])+"/", dest)

	cmd := exec.CommandContext(ctx, "rsync", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rsync to %s: %w\n%s", w.cfg.Name, err, out)
	}
	return nil
}

// PrepareBatch fast-forwards the remote checkout of the recipe tree.
func (w *RemoteWorker) PrepareBatch(ctx context.Context) error {
	_, err := w.ssh(ctx, fmt.Sprintf("git -C %q pull --ff-only", w.cfg.Repodir))
	return err
}

// FinishBatch pushes any commits the remote's builds made (pkgrel
// bumps, updated checksums) so the scheduler's next pull sees them.
func (w *RemoteWorker) FinishBatch(ctx context.Context) error {
	_, err := w.ssh(ctx, fmt.Sprintf("git -C %q push", w.cfg.Repodir))
	return err
}

// Build streams the work order to a lilac worker on the remote and
// fetches the result file when it finishes.
func (w *RemoteWorker) Build(ctx context.Context, in *worker.Input) (*worker.Result, error) {
	log := clog.FromContext(ctx)

	// the synced artifacts live in the remote package cache
	rewritten := *in
	rewritten.DependPackages = make([]string, len(in.DependPackages))
	for i, p := range in.DependPackages {
		rewritten.DependPackages[i] = filepath.Join(w.cfg.Repodir, ".depends", filepath.Base(p))
	}

	input, err := encodeInput(&rewritten)
	if err != nil {
		return nil, err
	}

	remoteCmd := fmt.Sprintf("cd %q && %slilac worker",
		filepath.Join(w.cfg.Repodir, in.Pkgbase), envPrefix(w.env))
	cmd := exec.CommandContext(ctx, "ssh", w.sshArgs(remoteCmd)...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		log.Warnf("remote worker on %s exited: %v", w.cfg.Name, err)
	}

	out, err := w.ssh(ctx, fmt.Sprintf("cat %q", in.ResultPath))
	if err != nil {
		return nil, fmt.Errorf("fetching result for %s from %s: %w", in.Pkgbase, w.cfg.Name, err)
	}
	return worker.ParseResult(out)
}

// envPrefix renders the merged envvars as an env(1) prefix for the
// remote build command.
func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{"env"}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, env[k]))
	}
	return strings.Join(parts, " ") + " "
}

func encodeInput(in *worker.Input) ([]byte, error) {
	return json.Marshal(in)
}
