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

package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/commands/shared"
	"github.com/tombee/ferry/internal/registry"
)

func setup(t *testing.T, extraSpecs string) {
	t.Helper()
	dir := t.TempDir()
	cfg := "log:\n  level: error\n"
	if extraSpecs != "" {
		specPath := filepath.Join(dir, "drivers.yaml")
		require.NoError(t, os.WriteFile(specPath, []byte(extraSpecs), 0o600))
		cfg += "drivers:\n  specs: [" + specPath + "]\n"
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
}

func TestListJSON(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	setup(t, `- name: big_orders
  impl: filter
  version: "2"
  defaults:
    where: "amount > 100"
`)
	shared.SetJSONForTest(true)

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out, false))

	var got struct {
		Success     bool         `json:"success"`
		Fingerprint string       `json:"fingerprint"`
		Drivers     []driverInfo `json:"drivers"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Len(t, got.Fingerprint, 64)

	byName := map[string]driverInfo{}
	for _, d := range got.Drivers {
		byName[d.Name] = d
	}
	assert.Equal(t, "filter", byName["big_orders"].Impl)
	assert.Equal(t, "ready", byName["big_orders"].State)
	assert.Equal(t, "ready", byName["inline"].State)

	pg := byName["postgres.extract"]
	assert.Equal(t, "failed", pg.State)
	assert.Equal(t, registry.ReasonMissingEnv, pg.Reason)
}

func TestListText(t *testing.T) {
	setup(t, "")

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out, false))
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "csv.extract")
	assert.Contains(t, out.String(), "Fingerprint: ")
}

func TestListSpecs(t *testing.T) {
	setup(t, "- name: recent\n  impl: jq\n")

	var out bytes.Buffer
	require.NoError(t, runList(context.Background(), &out, true))

	specs, err := registry.ParseSpecs(out.Bytes())
	require.NoError(t, err)
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "inline")
	assert.Contains(t, names, "recent")
}
