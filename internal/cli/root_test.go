// Copyright 2025 Tom Barlow
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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()
	assert.Equal(t, "ferry", cmd.Use)
	for _, name := range []string{"verbose", "quiet", "json", "config"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(name), name)
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2026-01-10")
	defer SetVersion("dev", "unknown", "unknown")

	v, c, b := GetVersion()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2026-01-10", b)
}

func TestAppCommandTree(t *testing.T) {
	app := NewApp()

	for _, path := range [][]string{
		{"run"},
		{"validate"},
		{"drivers", "list"},
		{"cache", "purge"},
		{"cache", "stats"},
		{"audit", "query"},
		{"audit", "counts"},
		{"worker"},
		{"version"},
	} {
		cmd, _, err := app.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	worker, _, err := app.Find([]string{"worker"})
	require.NoError(t, err)
	assert.True(t, worker.Hidden)
}
