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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainguard-dev/clog"
)

// officialRepos are the distribution repositories our packages must not
// conflict with.
var officialRepos = []string{"core", "extra", "community", "multilib"}

// DB is a point-in-time snapshot of the pacman sync databases: official
// package and group names, and the versions currently in our own repository.
type DB struct {
	DBPath   string
	RepoName string

	officialPackages map[string]struct{}
	officialGroups   map[string]struct{}
	repoVersions     map[string]string
}

// Load refreshes the sync databases under dbpath and reads them. The
// refresh is retried a few times since mirror hiccups are routine.
func Load(ctx context.Context, dbpath, repoName string) (*DB, error) {
	log := clog.FromContext(ctx)

	sync := func() error {
		cmd := exec.CommandContext(ctx, "fakeroot", "pacman", "-Sy", "--dbpath", dbpath)
		out, err := cmd.CombinedOutput()
		if err != nil {
			log.Warnf("pacman -Sy failed: %v: %s", err, bytes.TrimSpace(out))
			return fmt.Errorf("pacman -Sy: %w", err)
		}
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewConstantBackOff(3*time.Second), 2), ctx)
	if err := backoff.Retry(sync, bo); err != nil {
		return nil, err
	}

	db := &DB{
		DBPath:           dbpath,
		RepoName:         repoName,
		officialPackages: make(map[string]struct{}),
		officialGroups:   make(map[string]struct{}),
		repoVersions:     make(map[string]string),
	}

	for _, repo := range officialRepos {
		pkgs, err := listRepo(ctx, dbpath, repo)
		if err != nil {
			// a missing official repo (e.g. no multilib mirror) is fine
			log.Debugf("listing %s: %v", repo, err)
			continue
		}
		for name := range pkgs {
			db.officialPackages[name] = struct{}{}
		}
	}

	groups, err := listGroups(ctx, dbpath)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	db.officialGroups = officialGroupSet(groups, db.officialPackages)

	if repoName != "" {
		vers, err := listRepo(ctx, dbpath, repoName)
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", repoName, err)
		}
		db.repoVersions = vers
	}

	return db, nil
}

// officialGroupSet keeps the groups with at least one member in an
// official repository. pacman -Sgg prints groups from every configured
// repo, our own included, and those must not count as official.
func officialGroupSet(groups map[string][]string, officialPackages map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for g, members := range groups {
		for _, m := range members {
			if _, ok := officialPackages[m]; ok {
				out[g] = struct{}{}
				break
			}
		}
	}
	return out
}

// listRepo returns pkgname -> version for one sync repository.
func listRepo(ctx context.Context, dbpath, repo string) (map[string]string, error) {
	out, err := exec.CommandContext(ctx, "pacman", "-Sl", repo, "--dbpath", dbpath).Output()
	if err != nil {
		return nil, fmt.Errorf("pacman -Sl %s: %w", repo, err)
	}
	ret := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		// "<repo> <pkgname> <version> [installed]"
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		ret[fields[1]] = fields[2]
	}
	return ret, sc.Err()
}

// listGroups returns group -> member pkgnames over all sync repositories.
func listGroups(ctx context.Context, dbpath string) (map[string][]string, error) {
	out, err := exec.CommandContext(ctx, "pacman", "-Sgg", "--dbpath", dbpath).Output()
	if err != nil {
		return nil, fmt.Errorf("pacman -Sgg: %w", err)
	}
	ret := make(map[string][]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	buf := make([]byte, 0, 64*1024)
	sc.Buffer(buf, 4*1024*1024)
	for sc.Scan() {
		// "<group> <pkgname>"
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		ret[fields[0]] = append(ret[fields[0]], fields[1])
	}
	return ret, sc.Err()
}

// NewStaticDB builds a snapshot from already-known data. Used by tests
// and by workers that receive the data with their work order.
func NewStaticDB(officialPackages, officialGroups []string, repoVersions map[string]string) *DB {
	db := &DB{
		officialPackages: make(map[string]struct{}, len(officialPackages)),
		officialGroups:   make(map[string]struct{}, len(officialGroups)),
		repoVersions:     repoVersions,
	}
	for _, p := range officialPackages {
		db.officialPackages[p] = struct{}{}
	}
	for _, g := range officialGroups {
		db.officialGroups[g] = struct{}{}
	}
	if db.repoVersions == nil {
		db.repoVersions = make(map[string]string)
	}
	return db
}

// IsOfficialPackage reports whether pkgname exists in an official repo.
func (db *DB) IsOfficialPackage(pkgname string) bool {
	_, ok := db.officialPackages[pkgname]
	return ok
}

// IsOfficialGroup reports whether the group exists in an official repo.
func (db *DB) IsOfficialGroup(group string) bool {
	_, ok := db.officialGroups[group]
	return ok
}

// RepoVersion returns the version of pkgname currently in our repository,
// or "" when it is not packaged yet.
func (db *DB) RepoVersion(pkgname string) string {
	return db.repoVersions[pkgname]
}
