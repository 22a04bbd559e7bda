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

package publish

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	subjects []string
}

func (r *recordingSender) Send(_ context.Context, _ []string, subject, _ string) error {
	r.subjects = append(r.subjects, subject)
	return nil
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("pkg"), 0o644))
	return path
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	srcdir := t.TempDir()
	destdir := t.TempDir()

	a := writeArtifact(t, srcdir, "hello-1.1-1-x86_64.pkg.tar.zst")
	p := &Publisher{Destdir: destdir}

	require.NoError(t, p.Publish(ctx, "hello", []string{a}, false, nil))
	_, err := os.Stat(filepath.Join(destdir, "hello-1.1-1-x86_64.pkg.tar.zst"))
	require.NoError(t, err)

	// publishing the same artifact again is fine
	require.NoError(t, p.Publish(ctx, "hello", []string{a}, false, nil))
}

func TestPublishStaging(t *testing.T) {
	ctx := context.Background()
	srcdir := t.TempDir()
	destdir := t.TempDir()

	a := writeArtifact(t, srcdir, "hello-1.1-1-x86_64.pkg.tar.zst")
	sender := &recordingSender{}
	p := &Publisher{Destdir: destdir, Sender: sender}

	require.NoError(t, p.Publish(ctx, "hello", []string{a},
		true, []string{"alice <alice@example.com>"}))

	_, err := os.Stat(filepath.Join(destdir, StagingSubdir, "hello-1.1-1-x86_64.pkg.tar.zst"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(destdir, "hello-1.1-1-x86_64.pkg.tar.zst"))
	assert.True(t, os.IsNotExist(err), "staging artifacts stay out of the main repo")

	require.Len(t, sender.subjects, 1)
	assert.Contains(t, sender.subjects[0], "staged for review")
}

func TestLinkInto(t *testing.T) {
	dir := t.TempDir()
	f := writeArtifact(t, dir, "a.pkg.tar.zst")
	dest := t.TempDir()

	require.NoError(t, linkInto(f, dest))
	require.NoError(t, linkInto(f, dest), "existing link is benign")

	err := linkInto(filepath.Join(dir, "missing"), dest)
	assert.Error(t, err)
}
