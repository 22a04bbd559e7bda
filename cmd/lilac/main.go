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

// Command lilac keeps a binary package repository in sync with its
// recipe tree: it checks upstream versions, builds what changed, and
// publishes the results.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/lilac-dev/lilac/pkg/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	if err := cli.New().ExecuteContext(ctx); err != nil {
		clog.ErrorContext(ctx, "error", "err", err)
		cancel()
		if errors.Is(err, cli.ErrScheduler) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	cancel()
}
