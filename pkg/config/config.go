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

// Package config loads and validates the global configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the global configuration, one YAML file per deployment.
type Config struct {
	Envfile    string            `yaml:"envfile"`
	Lilac      Lilac             `yaml:"lilac"`
	Repository Repository        `yaml:"repository"`
	SMTP       SMTP              `yaml:"smtp"`
	Nvchecker  Nvchecker         `yaml:"nvchecker"`
	Bindmounts map[string]string `yaml:"bindmounts"`
	Misc       Misc              `yaml:"misc"`
	Workers    []Worker          `yaml:"workers"`
	Envvars    map[string]string `yaml:"envvars"`
}

// Lilac configures the bot's own identity and behaviour.
type Lilac struct {
	Name                string  `yaml:"name"`
	Email               string  `yaml:"email"`
	Master              string  `yaml:"master"`
	Logurl              string  `yaml:"logurl"`
	DBURL               string  `yaml:"dburl"`
	SendEmail           bool    `yaml:"send_email"`
	GitPush             bool    `yaml:"git_push"`
	RebuildFailedPkgs   bool    `yaml:"rebuild_failed_pkgs"`
	CommitMsgPrefix     string  `yaml:"commit_msg_prefix"`
	UnsubscribeAddress  string  `yaml:"unsubscribe_address"`
	BatchTimeLimitHours float64 `yaml:"batch_time_limit_hours"`
	MetricsAddr         string  `yaml:"metrics_addr"`
}

// Repository describes the packaging repository being maintained.
type Repository struct {
	Name        string `yaml:"name"`
	Email       string `yaml:"email"`
	Repodir     string `yaml:"repodir"`
	Destdir     string `yaml:"destdir"`
	PacmanDBDir string `yaml:"pacman_db_dir"`
	SignKey     string `yaml:"sign_key"`
}

// SMTP configures maintainer mail delivery.
type SMTP struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	UseSSL   bool   `yaml:"use_ssl"`
	UseANSI  bool   `yaml:"use_ansi"`
}

// Nvchecker configures the external version checker.
type Nvchecker struct {
	Proxy   string `yaml:"proxy"`
	Keyfile string `yaml:"keyfile"`
}

// Misc holds deployment-specific extras.
type Misc struct {
	Tmpfs     []string `yaml:"tmpfs"`
	Postbuild []string `yaml:"postbuild"`
}

// Worker describes one member of the build pool. An empty SSHHost means the
// local machine.
type Worker struct {
	Name           string            `yaml:"name"`
	MaxConcurrency int               `yaml:"max_concurrency"`
	SSHHost        string            `yaml:"ssh_host"`
	SSHUser        string            `yaml:"ssh_user"`
	SSHPort        int               `yaml:"ssh_port"`
	Repodir        string            `yaml:"repodir"`
	Envvars        map[string]string `yaml:"envvars"`
}

// IsLocal reports whether the worker runs on this machine.
func (w Worker) IsLocal() bool { return w.SSHHost == "" }

// Load reads, expands and validates the configuration at path. The envfile,
// if configured, is loaded into the process environment before anything else
// consults it.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.Envfile != "" {
		if err := godotenv.Load(ExpandUser(cfg.Envfile)); err != nil {
			return nil, fmt.Errorf("loading envfile: %w", err)
		}
	}

	cfg.Repository.Repodir = ExpandUser(cfg.Repository.Repodir)
	cfg.Repository.Destdir = ExpandUser(cfg.Repository.Destdir)
	cfg.Repository.PacmanDBDir = ExpandUser(cfg.Repository.PacmanDBDir)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Workers) == 0 {
		c.Workers = []Worker{{Name: "local", MaxConcurrency: 1}}
	}
	// zero stays zero: such a worker is configured but never assigned
	// work, which is how a machine is drained without deleting it
	for i := range c.Workers {
		if c.Workers[i].MaxConcurrency < 0 {
			c.Workers[i].MaxConcurrency = 0
		}
	}
	if c.Lilac.Name == "" {
		c.Lilac.Name = "lilac"
	}
	if c.Envvars == nil {
		c.Envvars = make(map[string]string)
	}
	if _, ok := c.Envvars["MAKEFLAGS"]; !ok {
		c.Envvars["MAKEFLAGS"] = fmt.Sprintf("-j%d", runtime.NumCPU())
	}
}

func (c *Config) validate() error {
	if c.Repository.Name == "" {
		return fmt.Errorf("repository.name is required")
	}
	if c.Repository.Repodir == "" {
		return fmt.Errorf("repository.repodir is required")
	}
	if c.Repository.Destdir == "" {
		return fmt.Errorf("repository.destdir is required")
	}
	seen := make(map[string]struct{})
	for _, w := range c.Workers {
		if w.Name == "" {
			return fmt.Errorf("worker without a name")
		}
		if _, dup := seen[w.Name]; dup {
			return fmt.Errorf("duplicate worker name %q", w.Name)
		}
		seen[w.Name] = struct{}{}
		if !w.IsLocal() && w.Repodir == "" {
			return fmt.Errorf("remote worker %q needs a repodir", w.Name)
		}
	}
	if c.Lilac.SendEmail && c.SMTP.Host == "" {
		return fmt.Errorf("send_email is on but smtp.host is not set")
	}
	return nil
}

// ExpandUser resolves a leading ~ against the current user's home.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
