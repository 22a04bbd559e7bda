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

package workers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/config"
)

func TestMergeEnvvars(t *testing.T) {
	got := mergeEnvvars(
		map[string]string{"MAKEFLAGS": "-j8", "LANG": "C"},
		map[string]string{"MAKEFLAGS": "-j2", "CC": "ccache gcc"},
	)
	assert.Equal(t, map[string]string{
		"MAKEFLAGS": "-j2",
		"LANG":      "C",
		"CC":        "ccache gcc",
	}, got)
}

func TestNewCarriesGlobalEnvvars(t *testing.T) {
	cfg := &config.Config{Envvars: map[string]string{"MAKEFLAGS": "-j8"}}

	t.Run("local worker", func(t *testing.T) {
		w := New(config.Worker{Name: "local", MaxConcurrency: 1}, cfg)
		lw, ok := w.(*LocalWorker)
		require.True(t, ok)
		assert.Equal(t, "-j8", lw.env["MAKEFLAGS"])
	})

	t.Run("remote worker overrides per key", func(t *testing.T) {
		w := New(config.Worker{
			Name: "big", SSHHost: "big.example.org",
			Envvars: map[string]string{"MAKEFLAGS": "-j32"},
		}, cfg)
		rw, ok := w.(*RemoteWorker)
		require.True(t, ok)
		assert.Equal(t, "-j32", rw.env["MAKEFLAGS"])
	})
}

func TestEnvPrefix(t *testing.T) {
	assert.Empty(t, envPrefix(nil))
	assert.Equal(t, `env CC="ccache gcc" MAKEFLAGS="-j8" `,
		envPrefix(map[string]string{"MAKEFLAGS": "-j8", "CC": "ccache gcc"}))
}
