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

// Package gitrepo wraps the git operations on the recipe tree: syncing
// with the remote, committing generated changes, and answering what
// changed between two batch revisions.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/lilac-dev/lilac/pkg/types"
)

// Repo is an open recipe repository. The recipe directory may live in a
// subdirectory of the git worktree; paths returned by the diff helpers
// are always relative to the recipe directory.
type Repo struct {
	repo *git.Repository

	// prefix is the recipe directory relative to the worktree root,
	// empty when they coincide.
	prefix string

	botEmail        string
	commitName      string
	commitEmail     string
	commitMsgPrefix string
}

// Option configures an opened Repo.
type Option func(*Repo)

// WithIdentity sets the committer identity used by Commit.
func WithIdentity(name, email string) Option {
	return func(r *Repo) {
		r.commitName = name
		r.commitEmail = email
		r.botEmail = email
	}
}

// WithCommitMsgPrefix prepends prefix to every commit message.
func WithCommitMsgPrefix(prefix string) Option {
	return func(r *Repo) { r.commitMsgPrefix = prefix }
}

// Open opens the git repository containing repodir, which may be the
// worktree root or a subdirectory of it.
func Open(repodir string, opts ...Option) (*Repo, error) {
	gr, err := git.PlainOpenWithOptions(repodir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", repodir, err)
	}
	wt, err := gr.Worktree()
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(wt.Filesystem.Root(), repodir)
	if err != nil {
		return nil, err
	}
	if rel == "." {
		rel = ""
	}
	r := &Repo{repo: gr, prefix: filepath.ToSlash(rel)}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Head returns the current HEAD commit hash.
func (r *Repo) Head() (plumbing.Hash, error) {
	ref, err := r.repo.Head()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	return ref.Hash(), nil
}

// Pull fast-forwards the worktree from origin. Already up to date is
// not an error.
func (r *Repo) Pull(ctx context.Context) error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	err = wt.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Push pushes to origin, retrying a few times since the remote may be
// receiving pushes from maintainers concurrently. Each retry pulls
// first so a rejected push can fast-forward past the new commits.
func (r *Repo) Push(ctx context.Context) error {
	log := clog.FromContext(ctx)
	op := func() error {
		err := r.repo.PushContext(ctx, &git.PushOptions{RemoteName: "origin"})
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		if err != nil {
			log.Warnf("push failed, pulling and retrying: %v", err)
			if perr := r.Pull(ctx); perr != nil {
				log.Warnf("pull during push retry failed: %v", perr)
			}
			return err
		}
		return nil
	}
	bo := backoff.WithMaxRetries(backoff.NewConstantBackOff(5*time.Second), 3)
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

// Reset discards local modifications, returning the worktree to HEAD.
func (r *Repo) Reset() error {
	wt, err := r.repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Reset(&git.ResetOptions{Mode: git.HardReset})
}

// Commit stages paths (relative to the recipe directory) and commits
// them with the configured identity. It returns the new commit hash;
// when nothing is staged it returns the current HEAD and no error.
func (r *Repo) Commit(msg string, paths ...string) (plumbing.Hash, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	staged := false
	for _, p := range paths {
		if _, err := wt.Add(r.join(p)); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("staging %s: %w", p, err)
		}
		staged = true
	}
	st, err := wt.Status()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !staged || st.IsClean() {
		return r.Head()
	}
	sig := &object.Signature{
		Name:  r.commitName,
		Email: r.commitEmail,
		When:  time.Now(),
	}
	return wt.Commit(r.commitMsgPrefix+msg, &git.CommitOptions{
		Author:    sig,
		Committer: sig,
	})
}

// ChangedPkgbases lists the pkgbase directories with any file changes
// between the two commits.
func (r *Repo) ChangedPkgbases(from, to plumbing.Hash) (map[string]struct{}, error) {
	changes, err := r.diff(from, to)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, ch := range changes {
		for _, name := range []string{ch.From.Name, ch.To.Name} {
			if pkgbase, ok := r.pkgbaseOf(name); ok {
				out[pkgbase] = struct{}{}
			}
		}
	}
	return out, nil
}

// PkgrelChanged reports, for each changed pkgbase, whether its PKGBUILD
// pkgrel line differs between the two commits. A PKGBUILD missing on
// either side counts as unchanged.
func (r *Repo) PkgrelChanged(from, to plumbing.Hash, pkgbases map[string]struct{}) (map[string]struct{}, error) {
	fromCommit, err := r.repo.CommitObject(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := r.repo.CommitObject(to)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for pkgbase := range pkgbases {
		path := r.join(pkgbase + "/PKGBUILD")
		oldRel, okOld := pkgrelAt(fromCommit, path)
		newRel, okNew := pkgrelAt(toCommit, path)
		if okOld && okNew && oldRel != newRel {
			out[pkgbase] = struct{}{}
		}
	}
	return out, nil
}

// MaintainerFromHistory walks the commit history of a pkgbase directory
// and returns the first author who isn't the build bot itself.
func (r *Repo) MaintainerFromHistory(ctx context.Context, pkgbase string) (types.Maintainer, error) {
	path := r.join(pkgbase)
	iter, err := r.repo.Log(&git.LogOptions{
		PathFilter: func(p string) bool {
			return p == path || strings.HasPrefix(p, path+"/")
		},
	})
	if err != nil {
		return types.Maintainer{}, err
	}
	defer iter.Close()

	var found types.Maintainer
	err = iter.ForEach(func(c *object.Commit) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.Author.Email == r.botEmail {
			return nil
		}
		found = types.Maintainer{Name: c.Author.Name, Email: c.Author.Email}
		return storer.ErrStop
	})
	if err != nil {
		return types.Maintainer{}, err
	}
	if found.Email == "" {
		return types.Maintainer{}, fmt.Errorf("no maintainer in git history for %s", pkgbase)
	}
	return found, nil
}

func (r *Repo) diff(from, to plumbing.Hash) (object.Changes, error) {
	fromCommit, err := r.repo.CommitObject(from)
	if err != nil {
		return nil, err
	}
	toCommit, err := r.repo.CommitObject(to)
	if err != nil {
		return nil, err
	}
	fromTree, err := fromCommit.Tree()
	if err != nil {
		return nil, err
	}
	toTree, err := toCommit.Tree()
	if err != nil {
		return nil, err
	}
	return object.DiffTree(fromTree, toTree)
}

// pkgbaseOf maps a worktree-relative path to its pkgbase directory, or
// reports false for paths outside the recipe directory and for files at
// its top level.
func (r *Repo) pkgbaseOf(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	if r.prefix != "" {
		if !strings.HasPrefix(path, r.prefix+"/") {
			return "", false
		}
		path = strings.TrimPrefix(path, r.prefix+"/")
	}
	pkgbase, rest, ok := strings.Cut(path, "/")
	if !ok || rest == "" || strings.HasPrefix(pkgbase, ".") {
		return "", false
	}
	return pkgbase, true
}

func (r *Repo) join(p string) string {
	if r.prefix == "" {
		return p
	}
	return r.prefix + "/" + p
}

// pkgrelAt reads the pkgrel assignment from a PKGBUILD blob at a
// commit. The second return is false when the file doesn't exist there.
func pkgrelAt(c *object.Commit, path string) (string, bool) {
	f, err := c.File(path)
	if err != nil {
		return "", false
	}
	contents, err := f.Contents()
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(contents, "\n") {
		if rest, ok := strings.CutPrefix(line, "pkgrel="); ok {
			return strings.Trim(rest, `'"`), true
		}
	}
	return "", true
}
