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

package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lilac-dev/lilac/pkg/types"
)

// Input is the work order a build worker reads from stdin. It carries
// everything the subprocess needs so it never touches the database or
// the network-facing configuration.
type Input struct {
	Pkgbase string `json:"pkgbase"`

	// DependPackages are artifact paths to install before building.
	DependPackages []string `json:"depend_packages"`

	// UpdateInfo is the per-entry version delta from the version check.
	UpdateInfo types.NvResults `json:"update_info"`

	// OnBuildVers are the resolved trigger version pairs for the
	// on_build hook.
	OnBuildVers []types.OnBuildVers `json:"on_build_vers,omitempty"`

	Bindmounts []string `json:"bindmounts,omitempty"`
	Tmpfs      []string `json:"tmpfs,omitempty"`

	WorkerNo   int    `json:"worker_no"`
	WorkerName string `json:"worker_name"`
	RepoName   string `json:"repo_name"`

	// Deadline is the absolute wall-clock build deadline.
	Deadline time.Time `json:"deadline"`

	// ResultPath is where the worker writes its Result as JSON.
	ResultPath string `json:"result_path"`

	// Logfile receives the combined build output.
	Logfile string `json:"logfile"`
}

// Result is what a build worker reports back through the result file.
type Result struct {
	Status  types.BuildStatus `json:"status"`
	Msg     string            `json:"msg,omitempty"`
	Version string            `json:"version,omitempty"`
	RUsage  types.RUsage      `json:"rusage"`
	Elapsed time.Duration     `json:"elapsed"`
}

// ToBuildResult folds a worker result into the scheduler's view.
func (r *Result) ToBuildResult() types.BuildResult {
	br := types.BuildResult{
		Status:  r.Status,
		RUsage:  r.RUsage,
		Elapsed: r.Elapsed,
	}
	switch r.Status {
	case types.BuildFailed:
		br.Error = r.Msg
	case types.BuildSkipped:
		br.Reason = r.Msg
	}
	return br
}

// ReadInput decodes a work order from r.
func ReadInput(r io.Reader) (*Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decoding worker input: %w", err)
	}
	if in.Pkgbase == "" {
		return nil, fmt.Errorf("worker input has no pkgbase")
	}
	return &in, nil
}

// WriteResult writes the result atomically so a concurrent reader never
// sees a partial file.
func WriteResult(path string, res *Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadResult parses a result file written by a worker.
func ReadResult(path string) (*Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseResult(data)
}

// ParseResult parses result JSON fetched from a remote worker.
func ParseResult(data []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decoding worker result: %w", err)
	}
	if res.Status == "" {
		return nil, fmt.Errorf("worker result has no status")
	}
	return &res, nil
}
