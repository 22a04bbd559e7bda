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

package repo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/config"
	"github.com/lilac-dev/lilac/pkg/nvchecker"
	"github.com/lilac-dev/lilac/pkg/recipe"
)

type sentMail struct {
	To      []string
	Subject string
	Body    string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMail
}

func (f *fakeSender) Send(_ context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{To: to, Subject: subject, Body: body})
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Lilac: config.Lilac{
			Name:   "lilac",
			Email:  "bot@example.com",
			Master: "Boss <boss@example.com>",
			Logurl: "https://build.example.com/$datetime/$pkgbase.log",
		},
		Repository: config.Repository{
			Name:  "testrepo",
			Email: "repo@example.com",
		},
	}
}

func TestStripANSI(t *testing.T) {
	assert.Equal(t, "error: red text",
		StripANSI("error: \x1b[31mred\x1b[0m text"))
	assert.Equal(t, "plain", StripANSI("plain"))
}

func TestFindDependents(t *testing.T) {
	recipes := map[string]*recipe.Recipe{
		"libfoo": {Pkgbase: "libfoo"},
		"app-a": {Pkgbase: "app-a", RepoDepends: []recipe.Dependency{
			{Pkgbase: "libfoo", Pkgname: "libfoo"}}},
		"app-b": {Pkgbase: "app-b", RepoDepends: []recipe.Dependency{
			{Pkgbase: "libfoo", Pkgname: "libfoo"}}},
	}
	r := New(testConfig(), recipes, &fakeSender{}, nil)
	assert.Equal(t, []string{"app-a", "app-b"}, r.FindDependents("libfoo"))
	assert.Empty(t, r.FindDependents("app-a"))
}

func TestFindMaintainers(t *testing.T) {
	ctx := context.Background()

	t.Run("explicit email entries", func(t *testing.T) {
		recipes := map[string]*recipe.Recipe{
			"foo": {Pkgbase: "foo", Maintainers: []recipe.MaintainerEntry{
				{GitHub: "alice", Email: "Alice <alice@example.com>"},
			}},
		}
		r := New(testConfig(), recipes, &fakeSender{}, nil)
		mts := r.FindMaintainers(ctx, "foo")
		require.Len(t, mts, 1)
		assert.Equal(t, "alice@example.com", mts[0].Email)
		assert.Equal(t, "alice", mts[0].GitHub)
	})

	t.Run("empty list delegates to dependents", func(t *testing.T) {
		recipes := map[string]*recipe.Recipe{
			"libfoo": {Pkgbase: "libfoo", Maintainers: []recipe.MaintainerEntry{}},
			"app": {
				Pkgbase: "app",
				Maintainers: []recipe.MaintainerEntry{
					{Email: "carol@example.com"},
				},
				RepoDepends: []recipe.Dependency{{Pkgbase: "libfoo", Pkgname: "libfoo"}},
			},
		}
		r := New(testConfig(), recipes, &fakeSender{}, nil)
		mts := r.FindMaintainers(ctx, "libfoo")
		require.Len(t, mts, 1)
		assert.Equal(t, "carol@example.com", mts[0].Email)
	})

	t.Run("github-only entry reports and falls back", func(t *testing.T) {
		sender := &fakeSender{}
		recipes := map[string]*recipe.Recipe{
			"foo": {Pkgbase: "foo", Maintainers: []recipe.MaintainerEntry{
				{GitHub: "bob"},
			}},
		}
		r := New(testConfig(), recipes, sender, nil)
		mts := r.FindMaintainers(ctx, "foo")
		// without git history the fallback is the master
		require.Len(t, mts, 1)
		assert.Equal(t, "boss@example.com", mts[0].Email)

		require.Len(t, sender.sent, 1)
		assert.Contains(t, sender.sent[0].Subject, "maintainers info error")
		assert.Contains(t, sender.sent[0].Body, "bob")
	})

	t.Run("cached per batch", func(t *testing.T) {
		recipes := map[string]*recipe.Recipe{
			"foo": {Pkgbase: "foo", Maintainers: []recipe.MaintainerEntry{
				{Email: "a@example.com"},
			}},
		}
		r := New(testConfig(), recipes, &fakeSender{}, nil)
		first := r.FindMaintainers(ctx, "foo")
		recipes["foo"].Maintainers = nil
		assert.Equal(t, first, r.FindMaintainers(ctx, "foo"))
	})
}

func TestSendErrorReport(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	recipes := map[string]*recipe.Recipe{
		"foo": {Pkgbase: "foo", Maintainers: []recipe.MaintainerEntry{
			{Email: "alice@example.com"},
		}},
	}
	r := New(testConfig(), recipes, sender, nil)

	logdir := filepath.Join(t.TempDir(), "2025-08-24T03:00:00")
	require.NoError(t, os.MkdirAll(logdir, 0o755))
	logfile := filepath.Join(logdir, "foo.log")
	require.NoError(t, os.WriteFile(logfile, []byte("make: \x1b[31merror\x1b[0m 1\n"), 0o644))

	r.SendErrorReport(ctx, "foo", "error while building %s", "it broke", logfile)

	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, []string{"alice <alice@example.com>"}, m.To)
	assert.Equal(t, "error while building foo", m.Subject)
	assert.Contains(t, m.Body, "it broke")
	assert.Contains(t, m.Body, "https://build.example.com/2025-08-24T03:00:00/foo.log")
	assert.Contains(t, m.Body, "make: error 1")
	assert.NotContains(t, m.Body, "\x1b[")
}

func TestSendNvcheckerReports(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	recipes := map[string]*recipe.Recipe{
		"foo": {Pkgbase: "foo", Maintainers: []recipe.MaintainerEntry{
			{Email: "alice@example.com"},
		}},
		"bar": {Pkgbase: "bar", Maintainers: []recipe.MaintainerEntry{
			{Email: "alice@example.com"},
		}},
	}
	r := New(testConfig(), recipes, sender, nil)

	check := &nvchecker.Output{
		Unknown: []string{"bar"},
		Errors: map[string][]nvchecker.Event{
			"foo:1": {{"name": "foo:1", "event": "connection refused"}},
			"":      {{"event": "config file malformed"}},
		},
	}
	r.SendNvcheckerReports(ctx, check)

	require.Len(t, sender.sent, 2)

	var toAlice, toRepo *sentMail
	for i := range sender.sent {
		switch sender.sent[i].To[0] {
		case "repo@example.com":
			toRepo = &sender.sent[i]
		default:
			toAlice = &sender.sent[i]
		}
	}
	require.NotNil(t, toAlice)
	assert.Contains(t, toAlice.Body, "connection refused")
	assert.Contains(t, toAlice.Body, "update_on")

	require.NotNil(t, toRepo)
	assert.Contains(t, toRepo.Body, "config file malformed")
}
