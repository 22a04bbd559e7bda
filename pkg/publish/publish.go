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

// Package publish signs build artifacts and hard-links them into the
// repository destination directory.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"

	"github.com/lilac-dev/lilac/pkg/mail"
)

// StagingSubdir is where artifacts of staging recipes await review.
const StagingSubdir = "staging"

// Publisher moves signed artifacts into the repository.
type Publisher struct {
	// Destdir is the repository package directory.
	Destdir string

	// SignKey is the gpg key id; empty disables signing.
	SignKey string

	Sender mail.Sender
}

// Publish signs and hard-links every artifact. With staging set the
// files land in the review subdirectory and the maintainers get a mail.
// An artifact that is already linked at the destination counts as
// published.
func (p *Publisher) Publish(ctx context.Context, pkgbase string, artifacts []string, staging bool, maintainers []string) error {
	log := clog.FromContext(ctx)
	if len(artifacts) == 0 {
		return nil
	}

	destdir := p.Destdir
	if staging {
		destdir = filepath.Join(destdir, StagingSubdir)
	}
	if err := os.MkdirAll(destdir, 0o755); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, artifact := range artifacts {
		g.Go(func() error {
			files := []string{artifact}
			if p.SignKey != "" {
				if err := p.sign(gctx, artifact); err != nil {
					return err
				}
				files = append(files, artifact+".sig")
			}
			for _, f := range files {
				if err := linkInto(f, destdir); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if staging {
		names := make([]string, len(artifacts))
		for i, a := range artifacts {
			names[i] = filepath.Base(a)
		}
		log.Infof("%s staged for review: %v", pkgbase, names)
		if p.Sender != nil && len(maintainers) > 0 {
			if err := p.Sender.Send(ctx, maintainers,
				fmt.Sprintf("%s staged for review", pkgbase),
				fmt.Sprintf("The following packages were built but held for manual review:\n\n%s\n",
					strings.Join(names, "\n"))); err != nil {
				log.Warnf("staging notice for %s: %v", pkgbase, err)
			}
		}
	}
	return nil
}

// sign creates a detached signature next to the artifact. The signing
// key must have an empty passphrase; loopback pinentry keeps gpg from
// prompting.
func (p *Publisher) sign(ctx context.Context, path string) error {
	os.Remove(path + ".sig")
	cmd := exec.CommandContext(ctx, "gpg",
		"--pinentry-mode", "loopback", "--passphrase", "",
		"--local-user", p.SignKey,
		"--no-armor", "--detach-sign", path)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("signing %s: %w\n%s", filepath.Base(path), err, out)
	}
	return nil
}

// linkInto hard-links file into dir; an existing link is fine.
func linkInto(file, dir string) error {
	err := os.Link(file, filepath.Join(dir, filepath.Base(file)))
	if err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("linking %s into %s: %w", filepath.Base(file), dir, err)
	}
	return nil
}
