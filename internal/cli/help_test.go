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
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helpJSON(t *testing.T, args ...string) HelpResponse {
	t.Helper()
	app := NewApp()
	var buf bytes.Buffer
	app.SetOut(&buf)
	app.SetErr(&buf)
	app.SetArgs(append([]string{"help", "--json"}, args...))
	require.NoError(t, app.Execute())

	var resp HelpResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp
}

func TestHelpListsVisibleCommands(t *testing.T) {
	resp := helpJSON(t)

	assert.True(t, resp.Success)
	var names []string
	for _, c := range resp.Commands {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "drivers")
	assert.NotContains(t, names, "worker")
	assert.NotContains(t, names, "help")
	assert.NotEmpty(t, resp.GlobalFlags)
}

func TestHelpIncludesNestedCommands(t *testing.T) {
	resp := helpJSON(t)

	paths := map[string]CommandMetadata{}
	for _, c := range resp.Commands {
		paths[c.Path] = c
	}
	require.Contains(t, paths, "cache purge")
	require.Contains(t, paths, "audit query")
	assert.Equal(t, "purge", paths["cache purge"].Name)
	assert.ElementsMatch(t, []string{"purge", "stats"}, paths["cache"].Subcommands)
}

func TestHelpUnknownCommand(t *testing.T) {
	app := NewApp()
	var buf bytes.Buffer
	app.SetOut(&buf)
	app.SetErr(&buf)
	app.SetArgs([]string{"help", "--json", "nope"})
	assert.Error(t, app.Execute())
}

func TestHelpDescribesOneCommand(t *testing.T) {
	resp := helpJSON(t, "run")

	require.NotNil(t, resp.Command)
	assert.Equal(t, "run", resp.Command.Name)
	assert.Equal(t, "execution", resp.Command.Group)
	assert.NotEmpty(t, resp.Command.Examples)

	var flags []string
	for _, f := range resp.Command.Flags {
		flags = append(flags, f.Name)
	}
	assert.Contains(t, flags, "mode")
	assert.Contains(t, flags, "no-cache")
}

func TestHelpCommandHumanOutput(t *testing.T) {
	app := NewApp()
	var buf bytes.Buffer
	app.SetOut(&buf)
	app.SetArgs([]string{"help"})
	require.NoError(t, app.Execute())
	assert.False(t, strings.HasPrefix(strings.TrimSpace(buf.String()), "{"))
}

func TestDescribeCommand(t *testing.T) {
	cmd := &cobra.Command{
		Use:     "testcmd",
		Short:   "Test command",
		Aliases: []string{"tc"},
		Annotations: map[string]string{
			"group": "testing",
		},
	}
	cmd.Flags().String("flag", "default", "A test flag")
	cmd.Flags().String("must", "", "A required flag")
	require.NoError(t, cmd.MarkFlagRequired("must"))

	metadata := describe(cmd)
	assert.Equal(t, "testing", metadata.Group)
	require.Len(t, metadata.Flags, 2)

	byName := map[string]FlagMetadata{}
	for _, f := range metadata.Flags {
		byName[f.Name] = f
	}
	assert.Equal(t, "default", byName["flag"].Default)
	assert.False(t, byName["flag"].Required)
	assert.True(t, byName["must"].Required)
}
