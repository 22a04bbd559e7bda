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

package nvchecker

import (
	"context"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lilac-dev/lilac/pkg/recipe"
	"github.com/lilac-dev/lilac/pkg/types"
)

func TestSplitEntryName(t *testing.T) {
	pkg, i := splitEntryName("vim-lily")
	assert.Equal(t, "vim-lily", pkg)
	assert.Equal(t, 0, i)

	pkg, i = splitEntryName("vim-lily:2")
	assert.Equal(t, "vim-lily", pkg)
	assert.Equal(t, 2, i)

	// a colon not followed by an index stays part of the name
	pkg, i = splitEntryName("weird:name")
	assert.Equal(t, "weird:name", pkg)
	assert.Equal(t, 0, i)
}

func newOutput() *Output {
	return &Output{
		Results: make(map[string]types.NvResults),
		Rebuild: make(map[string]struct{}),
		Errors:  make(map[string][]Event),
	}
}

func TestConsumeEvent(t *testing.T) {
	out := newOutput()
	perEntry := make(map[string]map[int]types.NvResult)

	consumeEvent(Event{"event": "updated", "name": "a", "old_version": "1.0", "version": "1.1"}, perEntry, out)
	consumeEvent(Event{"event": "up-to-date", "name": "b", "version": "2.0"}, perEntry, out)
	consumeEvent(Event{"event": "updated", "name": "c:1", "old_version": "1", "version": "2"}, perEntry, out)
	consumeEvent(Event{"event": "error", "level": "error", "name": "d", "msg": "boom"}, perEntry, out)

	assert.Equal(t, types.NvResult{OldVer: "1.0", NewVer: "1.1"}, perEntry["a"][0])
	assert.Equal(t, types.NvResult{OldVer: "2.0", NewVer: "2.0"}, perEntry["b"][0])
	assert.Contains(t, out.Rebuild, "c")
	require.Len(t, out.Errors["d"], 1)
}

func TestRebuildSuppressedByErrors(t *testing.T) {
	out := newOutput()
	perEntry := make(map[string]map[int]types.NvResult)
	consumeEvent(Event{"event": "updated", "name": "c:1", "old_version": "1", "version": "2"}, perEntry, out)
	consumeEvent(Event{"event": "error", "level": "error", "name": "c", "msg": "boom"}, perEntry, out)

	// mirror the post-processing in Check
	for pkg := range out.Errors {
		delete(out.Rebuild, pkg)
	}
	assert.Empty(t, out.Rebuild)
}

func TestOrderEntries(t *testing.T) {
	ctx := context.Background()

	rs := orderEntries(ctx, "p", 2, map[int]types.NvResult{
		0: {OldVer: "1", NewVer: "2"},
		1: {OldVer: "3", NewVer: "3"},
	})
	require.Len(t, rs, 2)
	assert.Equal(t, "1", rs.OldVer())
	assert.Equal(t, "2", rs.NewVer())

	// entry 1 failed: a placeholder keeps positions aligned and the
	// later entry is preserved
	rs = orderEntries(ctx, "p", 3, map[int]types.NvResult{
		0: {OldVer: "1", NewVer: "2"},
		2: {OldVer: "5", NewVer: "6"},
	})
	require.Len(t, rs, 3)
	assert.Equal(t, types.NvResult{}, rs[1])
	assert.Equal(t, types.NvResult{OldVer: "5", NewVer: "6"}, rs[2])

	// a trailing entry the checker never mentioned still gets a slot
	rs = orderEntries(ctx, "p", 2, map[int]types.NvResult{
		0: {OldVer: "1", NewVer: "1"},
	})
	require.Len(t, rs, 2)
	assert.Equal(t, types.NvResult{}, rs[1])

	// a recipe the checker said nothing about keeps its entry count
	rs = orderEntries(ctx, "p", 2, nil)
	require.Len(t, rs, 2)
}

func TestEncodeConfig(t *testing.T) {
	c := &Checker{Rundir: t.TempDir()}
	recipes := map[string]*recipe.Recipe{
		"multi": {
			Pkgbase: "multi",
			UpdateOn: []map[string]any{
				{"source": "github", "github": "o/r"},
				{"source": "aur", "aur": ""},
			},
		},
	}
	require.NoError(t, c.encodeConfig(recipes))

	var sections map[string]map[string]any
	_, err := toml.DecodeFile(c.configFile(), &sections)
	require.NoError(t, err)

	require.Contains(t, sections, "multi")
	require.Contains(t, sections, "multi:1")
	require.Contains(t, sections, "__config__")

	assert.Equal(t, "o/r", sections["multi"]["github"])
	// valueless keys under numbered entries get the pkgbase substituted
	assert.Equal(t, "multi", sections["multi:1"]["aur"])
	assert.Equal(t, c.oldverFile(), sections["__config__"]["oldver"])
}

func TestEventFormat(t *testing.T) {
	s := Event{"event": "error", "exception": "Traceback ..."}.Format()
	assert.Contains(t, s, "Traceback")
	assert.NotContains(t, s, `"exception"`)
}
