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

// Package systemd runs build workers inside transient user units so
// their CPU and peak memory can be accounted and runaway builds can be
// stopped by stopping the unit.
package systemd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sys/unix"

	"github.com/lilac-dev/lilac/pkg/types"
)

// Availability reports which accounting properties this systemd exposes
// directly. Missing ones are read from the cgroup filesystem instead.
type Availability struct {
	CPUUsageNSec bool
	MemoryPeak   bool
}

var (
	availOnce sync.Once
	avail     *Availability
)

// Available probes whether transient user units work here. The result
// is cached for the process lifetime.
func Available(ctx context.Context) (*Availability, bool) {
	availOnce.Do(func() {
		avail = checkAvailability(ctx)
	})
	return avail, avail != nil
}

func checkAvailability(ctx context.Context) *Availability {
	log := clog.FromContext(ctx)

	if os.Getenv("DBUS_SESSION_BUS_ADDRESS") == "" {
		bus := fmt.Sprintf("/run/user/%d/bus", os.Getuid())
		if _, err := os.Stat(bus); err != nil {
			return nil
		}
		os.Setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path="+bus)
	}

	if err := exec.CommandContext(ctx, "systemd-run",
		"--quiet", "--user", "--remain-after-exit", "-u", "lilac-check", "true",
	).Run(); err != nil {
		log.Debugf("systemd-run probe failed: %v", err)
		return nil
	}
	defer exec.CommandContext(ctx, "systemctl",
		"--user", "stop", "--quiet", "lilac-check").Run()

	deadline := time.Now().Add(10 * time.Second)
	for {
		props, err := showProperties(ctx, "lilac-check",
			"CPUUsageNSec", "MemoryPeak", "MainPID")
		if err != nil {
			log.Debugf("systemctl show probe failed: %v", err)
			return nil
		}
		if pid, ok := props["MainPID"]; ok && pid == 0 {
			_, hasCPU := props["CPUUsageNSec"]
			_, hasMem := props["MemoryPeak"]
			return &Availability{CPUUsageNSec: hasCPU, MemoryPeak: hasMem}
		}
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// CmdOptions shape the transient unit a worker runs in.
type CmdOptions struct {
	WorkingDir string
	Env        map[string]string
}

// Command wraps argv in a systemd-run invocation for the named unit.
// KillSignal=INT lets the worker clean up when the unit is stopped;
// --remain-after-exit keeps the accounting data around until we read it.
func Command(ctx context.Context, unit string, argv []string, opts CmdOptions) *exec.Cmd {
	args := []string{
		"--pipe", "--quiet", "--user",
		"--wait", "--remain-after-exit", "-u", unit,
		"-p", "CPUWeight=100", "-p", "KillMode=process",
		"-p", "KillSignal=INT",
	}
	if opts.WorkingDir != "" {
		args = append(args, "--working-directory="+opts.WorkingDir)
	}
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--setenv=%s=%s", k, opts.Env[k]))
	}
	args = append(args, "--")
	args = append(args, argv...)
	return exec.CommandContext(ctx, "systemd-run", args...)
}

// PollRusage watches the named unit until its main process exits or the
// deadline passes, then stops the unit and returns its CPU time and
// peak memory. The second return reports whether the deadline hit.
func PollRusage(ctx context.Context, unit string, deadline time.Time) (types.RUsage, bool, error) {
	log := clog.FromContext(ctx)
	timedOut := false

	var pid int
	var cgroup, state string
	startWait := time.Now()
	for {
		pid, cgroup, state = serviceInfo(ctx, unit)
		if pid != 0 && cgroup != "" {
			break
		}
		if state == "exited" || state == "failed" {
			log.Warnf("%s.service already finished: %s", unit, state)
			cleanupUnit(ctx, unit, cgroup)
			return types.RUsage{}, false, nil
		}
		if time.Since(startWait) > time.Minute {
			cleanupUnit(ctx, unit, cgroup)
			return types.RUsage{}, false, fmt.Errorf("%s.service not started within 60s", unit)
		}
		time.Sleep(100 * time.Millisecond)
	}

	defer cleanupUnit(ctx, unit, cgroup)

	availability, _ := Available(ctx)

	var nsec, memMax int64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
poll:
	for processAlive(pid) {
		if availability == nil || !availability.CPUUsageNSec {
			if n, err := cgroupCPUUsage(cgroup); err == nil {
				nsec = n
			}
		}
		if availability == nil || !availability.MemoryPeak {
			if n, err := cgroupMemoryPeak(cgroup); err == nil {
				memMax = n
			}
		}
		if time.Now().After(deadline) {
			timedOut = true
			break
		}
		select {
		case <-ctx.Done():
			timedOut = true
			break poll
		case <-ticker.C:
		}
	}

	// the cgroup vanishes as soon as the process exits; ask systemd for
	// the final numbers instead of racing it
	props, err := showProperties(ctx, unit, "CPUUsageNSec", "MemoryPeak")
	if err == nil {
		if n, ok := props["CPUUsageNSec"]; ok && n > 0 {
			nsec = n
		}
		if n, ok := props["MemoryPeak"]; ok && n > 0 {
			memMax = n
		}
	}

	return types.RUsage{
		CPUSeconds: float64(nsec) / 1e9,
		MemoryMax:  memMax,
	}, timedOut, nil
}

// cleanupUnit stops whatever may still be running in the unit, waits
// for its cgroup to go away, and clears a failed state so the unit name
// can be reused next batch.
func cleanupUnit(ctx context.Context, unit, cgroup string) {
	log := clog.FromContext(ctx)
	exec.CommandContext(ctx, "systemctl", "--user", "stop", "--quiet", unit).Run()
	if cgroup != "" {
		d := "/sys/fs/cgroup" + cgroup
		for {
			if _, err := os.Stat(d); err != nil {
				break
			}
			log.Warnf("waiting for cgroup %s to disappear", cgroup)
			time.Sleep(time.Second)
		}
	}
	if exec.CommandContext(ctx, "systemctl", "--user", "is-failed", "--quiet", unit).Run() == nil {
		exec.CommandContext(ctx, "systemctl", "--user", "reset-failed", "--quiet", unit).Run()
	}
}

func serviceInfo(ctx context.Context, unit string) (pid int, cgroup, state string) {
	out, err := exec.CommandContext(ctx, "systemctl", "--user", "show", unit+".service",
		"--property=MainPID", "--property=ControlGroup", "--property=SubState").Output()
	if err != nil {
		return 0, "", ""
	}
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch k {
		case "MainPID":
			pid, _ = strconv.Atoi(v)
		case "ControlGroup":
			cgroup = v
		case "SubState":
			state = v
		}
	}
	return pid, cgroup, state
}

// showProperties reads integer unit properties; properties systemd
// reports as "[not set]" are absent from the result.
func showProperties(ctx context.Context, unit string, names ...string) (map[string]int64, error) {
	args := []string{"--user", "show", unit + ".service"}
	for _, n := range names {
		args = append(args, "--property="+n)
	}
	out, err := exec.CommandContext(ctx, "systemctl", args...).Output()
	if err != nil {
		return nil, err
	}
	return parseIntProperties(string(out)), nil
}

func parseIntProperties(out string) map[string]int64 {
	props := make(map[string]int64)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			props[k] = n
		}
	}
	return props
}

func processAlive(pid int) bool {
	// signal 0 only checks existence
	return unix.Kill(pid, 0) == nil
}

func cgroupCPUUsage(cgroup string) (int64, error) {
	f, err := os.Open("/sys/fs/cgroup" + cgroup + "/cpu.stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if rest, ok := strings.CutPrefix(sc.Text(), "usage_usec "); ok {
			usec, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
			if err != nil {
				return 0, err
			}
			return usec * 1000, nil
		}
	}
	return 0, nil
}

func cgroupMemoryPeak(cgroup string) (int64, error) {
	b, err := os.ReadFile("/sys/fs/cgroup" + cgroup + "/memory.peak")
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
}
