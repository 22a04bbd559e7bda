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

package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"github.com/lilac-dev/lilac/pkg/alpm"
	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/types"
	"github.com/lilac-dev/lilac/pkg/worker"
)

func buildCmd(configFile *string) *cobra.Command {
	var timeLimit time.Duration

	cmd := &cobra.Command{
		Use:   "build <pkgbase>...",
		Short: "build packages in place, without planning or publishing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			return buildInPlace(cmd.Context(), cfg, args, timeLimit)
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", time.Hour, "per-package build deadline")
	return cmd
}

func buildInPlace(ctx context.Context, cfg *config.Config, pkgbases []string, timeLimit time.Duration) error {
	log := clog.FromContext(ctx)

	db := loadPacmanDB(ctx, cfg)

	failed := 0
	for _, pkgbase := range pkgbases {
		dir := filepath.Join(cfg.Repository.Repodir, pkgbase)
		if err := os.Chdir(dir); err != nil {
			return err
		}
		in := &worker.Input{
			Pkgbase:  pkgbase,
			RepoName: cfg.Repository.Name,
			Deadline: time.Now().Add(timeLimit),
			Logfile:  filepath.Join(dir, "lilac-build.log"),
		}
		b, err := worker.NewBuilder(cfg, db, in)
		if err != nil {
			return err
		}
		res := b.Run(ctx)
		switch res.Status {
		case types.BuildSuccessful, types.BuildStaged:
			log.Infof("%s built: %s", pkgbase, res.Version)
		case types.BuildSkipped:
			log.Infof("%s skipped: %s", pkgbase, res.Msg)
		default:
			log.Errorf("%s failed: %s", pkgbase, res.Msg)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d package(s) failed to build", failed)
	}
	return nil
}

// loadPacmanDB loads the sync database for official-repo conflict
// checks; builds proceed without the checks when it is unavailable.
func loadPacmanDB(ctx context.Context, cfg *config.Config) *alpm.DB {
	if cfg.Repository.PacmanDBDir == "" {
		return nil
	}
	db, err := alpm.Load(ctx, cfg.Repository.PacmanDBDir, cfg.Repository.Name)
	if err != nil {
		clog.FromContext(ctx).Warnf("loading pacman db: %v", err)
		return nil
	}
	return db
}
