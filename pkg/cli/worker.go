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
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/worker"
)

// workerCmd is the hidden subprocess entry point: it reads a work order
// from stdin, builds in the current directory, and writes the result
// file for the scheduler to pick up.
func workerCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "build one package from a work order on stdin",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := clog.FromContext(ctx)

			in, err := worker.ReadInput(os.Stdin)
			if err != nil {
				return err
			}
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			db := loadPacmanDB(ctx, cfg)

			b, err := worker.NewBuilder(cfg, db, in)
			if err != nil {
				return err
			}
			res := b.Run(ctx)
			fillChildRusage(res)

			if err := worker.WriteResult(in.ResultPath, res); err != nil {
				return err
			}
			log.Infof("%s: %s", in.Pkgbase, res.Status)
			return nil
		},
	}
}

// fillChildRusage accounts the finished build commands when the parent
// did not measure the unit from outside.
func fillChildRusage(res *worker.Result) {
	if res.RUsage.CPUSeconds != 0 || res.RUsage.MemoryMax != 0 {
		return
	}
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru); err != nil {
		return
	}
	res.RUsage.CPUSeconds = float64(ru.Utime.Sec+ru.Stime.Sec) +
		float64(ru.Utime.Usec+ru.Stime.Usec)/1e6
	// ru_maxrss is in KiB on Linux
	res.RUsage.MemoryMax = ru.Maxrss << 10
}
