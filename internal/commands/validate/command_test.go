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

package validate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/commands/shared"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\n"), 0o600))
	shared.SetConfigPathForTest(cfgPath)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})

	path := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

type validateOutput struct {
	Success  bool `json:"success"`
	Pipeline struct {
		Name  string   `json:"name"`
		Steps int      `json:"steps"`
		Order []string `json:"order"`
	} `json:"pipeline"`
	Errors   []shared.JSONError `json:"errors"`
	Warnings []shared.JSONError `json:"warnings"`
}

func validateJSON(t *testing.T, path string) (validateOutput, error) {
	t.Helper()
	shared.SetJSONForTest(true)
	var out bytes.Buffer
	err := runValidate(context.Background(), &out, &bytes.Buffer{}, path)
	var got validateOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &got), out.String())
	return got, err
}

func TestValidateValidManifest(t *testing.T) {
	path := writeManifest(t, `name: orders
steps:
  - id: report
    driver: union
    needs: [a, b]
  - id: a
    driver: inline
  - id: b
    driver: inline
`)

	got, err := validateJSON(t, path)
	require.NoError(t, err)
	assert.True(t, got.Success)
	assert.Equal(t, "orders", got.Pipeline.Name)
	assert.Equal(t, 3, got.Pipeline.Steps)
	assert.Equal(t, []string{"a", "b", "report"}, got.Pipeline.Order)
	assert.Empty(t, got.Warnings)
}

func TestValidateReportsCycle(t *testing.T) {
	path := writeManifest(t, `name: loop
steps:
  - id: a
    driver: inline
    needs: [b]
  - id: b
    driver: inline
    needs: [a]
`)

	got, err := validateJSON(t, path)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
	require.Len(t, got.Errors, 1)
	assert.Equal(t, shared.ErrorCodeInvalidReference, got.Errors[0].Code)
	assert.Contains(t, got.Errors[0].Message, "cycle")
}

func TestValidateDrivers(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeManifest(t, `name: drivers
steps:
  - id: a
    driver: teleport
  - id: b
    driver: postgres.extract
    config:
      query: select 1
`)

	got, err := validateJSON(t, path)
	require.Error(t, err)
	require.Len(t, got.Errors, 1)
	assert.Equal(t, "a", got.Errors[0].StepID)
	assert.Equal(t, shared.ErrorCodeUnknownDriver, got.Errors[0].Code)
}

func TestValidateWarnsOnUnavailableDriver(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := writeManifest(t, `name: extract
steps:
  - id: pg
    driver: postgres.extract
    config:
      query: select 1
`)

	got, err := validateJSON(t, path)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)
	assert.Equal(t, "pg", got.Warnings[0].StepID)
	assert.Contains(t, got.Warnings[0].Message, "DATABASE_URL")
}

func TestValidateMissingFile(t *testing.T) {
	path := writeManifest(t, "name: x\n")
	shared.SetJSONForTest(false)

	var errOut bytes.Buffer
	err := runValidate(context.Background(), &bytes.Buffer{}, &errOut, path+".missing")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
	assert.Contains(t, errOut.String(), "failed to read manifest")
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errBrokenOutput }

var errBrokenOutput = errors.New("broken pipe")

func TestValidateReportsOutputFailure(t *testing.T) {
	path := writeManifest(t, "name: x\nsteps:\n  - id: a\n    driver: nope\n")
	shared.SetJSONForTest(true)

	err := runValidate(context.Background(), brokenWriter{}, &bytes.Buffer{}, path)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
	assert.ErrorIs(t, err, errBrokenOutput)
}
