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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lilac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
repository:
  name: testrepo
  email: repo@example.org
  repodir: /srv/repo
  destdir: /srv/dest
lilac:
  email: lilac@example.org
  master: "Admin <admin@example.org>"
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "testrepo", cfg.Repository.Name)
	assert.Equal(t, "lilac", cfg.Lilac.Name)

	// defaults
	require.Len(t, cfg.Workers, 1)
	assert.Equal(t, "local", cfg.Workers[0].Name)
	assert.Equal(t, 1, cfg.Workers[0].MaxConcurrency)
	assert.True(t, cfg.Workers[0].IsLocal())
	assert.Contains(t, cfg.Envvars["MAKEFLAGS"], "-j")
}

func TestLoadWorkers(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
workers:
  - name: local
    max_concurrency: 3
  - name: arm-box
    ssh_host: arm.example.org
    ssh_user: builder
    repodir: /home/builder/repo
    max_concurrency: 2
`))
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 2)
	assert.False(t, cfg.Workers[1].IsLocal())
	assert.Equal(t, 2, cfg.Workers[1].MaxConcurrency)
}

func TestLoadDrainedWorker(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
workers:
  - name: local
    max_concurrency: 0
  - name: broken
    max_concurrency: -2
`))
	require.NoError(t, err)
	require.Len(t, cfg.Workers, 2)
	assert.Equal(t, 0, cfg.Workers[0].MaxConcurrency, "zero survives load")
	assert.Equal(t, 0, cfg.Workers[1].MaxConcurrency, "negative clamps to zero")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing repodir",
			content: "repository:\n  name: x\n  destdir: /d\n",
			wantErr: "repodir",
		},
		{
			name:    "duplicate workers",
			content: minimalConfig + "workers:\n  - name: w\n  - name: w\n",
			wantErr: "duplicate worker",
		},
		{
			name:    "remote without repodir",
			content: minimalConfig + "workers:\n  - name: r\n    ssh_host: h\n",
			wantErr: "needs a repodir",
		},
		{
			name: "send_email without smtp",
			content: `
repository:
  name: testrepo
  repodir: /srv/repo
  destdir: /srv/dest
lilac:
  send_email: true
`,
			wantErr: "smtp.host",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "repo"), ExpandUser("~/repo"))
	assert.Equal(t, "/abs/repo", ExpandUser("/abs/repo"))
}
