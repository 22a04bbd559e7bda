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

// Package cli wires the lilac commands together.
package cli

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var version = "devel"

// ErrScheduler marks scheduler-internal failures so main can exit with
// a distinct code.
var ErrScheduler = errors.New("scheduler error")

// New builds the lilac command tree.
func New() *cobra.Command {
	var configFile string
	var logLevel string

	cmd := &cobra.Command{
		Use:           "lilac",
		Short:         "an automatic packaging bot for Arch-style repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelInfo
			if logLevel == "debug" {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		lilacDir("config.yaml"), "path to the configuration file")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (info or debug)")

	cmd.AddCommand(
		runCmd(&configFile),
		buildCmd(&configFile),
		workerCmd(&configFile),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the lilac version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println("lilac " + version)
		},
	}
}

// lilacDir resolves a path under the bot's state directory.
func lilacDir(parts ...string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(append([]string{home, ".lilac"}, parts...)...)
}
