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

package run

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

const ordersManifest = `name: orders
steps:
  - id: src
    driver: inline
    config:
      records:
        - {id: 1, amount: 5}
        - {id: 2, amount: 50}
        - {id: 3, amount: 70}
  - id: big
    driver: filter
    needs: [src]
    config:
      where: "amount > 10"
`

type env struct {
	dir      string
	manifest string
}

func setup(t *testing.T, manifestYAML string) env {
	t.Helper()
	dir := t.TempDir()

	cfg := "log:\n  level: error\n" +
		"runtime:\n  mode: local\n  artifacts_dir: " + filepath.Join(dir, "sessions") + "\n" +
		"retry:\n  max_retries: 0\n" +
		"cache:\n  enabled: true\n  path: " + filepath.Join(dir, "cache.db") + "\n" +
		"audit:\n  enabled: true\n  path: " + filepath.Join(dir, "audit.jsonl") + "\n" +
		"telemetry:\n  trace_file: " + filepath.Join(dir, "trace.jsonl") + "\n"
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	mPath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(mPath, []byte(manifestYAML), 0o600))

	shared.SetConfigPathForTest(cfgPath)
	shared.SetJSONForTest(true)
	t.Cleanup(func() {
		shared.SetConfigPathForTest("")
		shared.SetJSONForTest(false)
	})
	return env{dir: dir, manifest: mPath}
}

type response struct {
	Success      bool   `json:"success"`
	Status       string `json:"status"`
	SessionID    string `json:"session_id"`
	FirstFailure *struct {
		StepID string `json:"step_id"`
		Kind   string `json:"kind"`
	} `json:"first_failure"`
	Records []struct {
		StepID  string `json:"step_id"`
		Status  string `json:"status"`
		RowsOut int    `json:"rows_out"`
		Cached  bool   `json:"cached"`
	} `json:"records"`
	Errors []shared.JSONError `json:"errors"`
}

func runJSON(t *testing.T, e env, opts options) (response, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := runPipeline(context.Background(), &out, &errOut, e.manifest, opts)
	var resp response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	return resp, err
}

func TestRunSucceeds(t *testing.T) {
	e := setup(t, ordersManifest)

	resp, err := runJSON(t, e, options{sessionID: "s-1"})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "succeeded", resp.Status)
	assert.Equal(t, "s-1", resp.SessionID)
	require.Len(t, resp.Records, 2)
	assert.Equal(t, 2, resp.Records[1].RowsOut)

	assert.FileExists(t, filepath.Join(e.dir, "sessions", "s-1", "records.json"))
	assert.FileExists(t, filepath.Join(e.dir, "sessions", "s-1", "artifacts", "big", "default", "manifest.json"))
	assert.FileExists(t, filepath.Join(e.dir, "audit.jsonl"))

	trace, err := os.ReadFile(filepath.Join(e.dir, "trace.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(trace), "ferry.run")
}

func TestRunUsesCacheAcrossRuns(t *testing.T) {
	e := setup(t, ordersManifest)

	_, err := runJSON(t, e, options{sessionID: "first"})
	require.NoError(t, err)
	resp, err := runJSON(t, e, options{sessionID: "second"})
	require.NoError(t, err)
	for _, r := range resp.Records {
		assert.True(t, r.Cached, r.StepID)
	}

	resp, err = runJSON(t, e, options{sessionID: "third", noCache: true})
	require.NoError(t, err)
	for _, r := range resp.Records {
		assert.False(t, r.Cached, r.StepID)
	}
}

func TestRunStepFailureExitsOne(t *testing.T) {
	e := setup(t, `name: broken
steps:
  - id: src
    driver: inline
    config:
      records: [{amount: 1}]
  - id: bad
    driver: filter
    needs: [src]
    config:
      where: "amount >"
  - id: after
    driver: jq
    needs: [bad]
    config:
      query: "."
`)

	resp, err := runJSON(t, e, options{})
	require.Error(t, err)
	assert.Equal(t, shared.ExitFailed, shared.ExitCode(err))

	assert.False(t, resp.Success)
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.FirstFailure)
	assert.Equal(t, "bad", resp.FirstFailure.StepID)
	assert.Equal(t, "config", resp.FirstFailure.Kind)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, shared.ErrorCodeInvalidConfig, resp.Errors[0].Code)
	assert.Equal(t, "skipped", resp.Records[2].Status)
}

func TestRunInvalidManifestExitsTwo(t *testing.T) {
	e := setup(t, `name: loop
steps:
  - id: a
    driver: inline
    needs: [b]
  - id: b
    driver: inline
    needs: [a]
`)

	resp, err := runJSON(t, e, options{})
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
	assert.False(t, resp.Success)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "cycle")
	assert.NoDirExists(t, filepath.Join(e.dir, "sessions"))
}

type brokenWriter struct{}

func (brokenWriter) Write([]byte) (int, error) { return 0, errBrokenOutput }

var errBrokenOutput = errors.New("broken pipe")

func TestRunInvalidManifestReportsOutputFailure(t *testing.T) {
	e := setup(t, "name: empty\nsteps:\n  - id: a\n")

	err := runPipeline(context.Background(), brokenWriter{}, &bytes.Buffer{}, e.manifest, options{})
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
	assert.ErrorIs(t, err, errBrokenOutput)
	assert.Contains(t, err.Error(), "invalid manifest")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	e := setup(t, ordersManifest)
	shared.SetJSONForTest(false)

	cmd := NewCommand()
	cmd.SetArgs([]string{e.manifest, "--mode", "remote"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}

func TestPrintSummary(t *testing.T) {
	e := setup(t, ordersManifest)
	shared.SetJSONForTest(false)

	var out bytes.Buffer
	require.NoError(t, runPipeline(context.Background(), &out, &bytes.Buffer{}, e.manifest, options{sessionID: "text"}))

	text := out.String()
	assert.Contains(t, text, "Pipeline orders (session text)")
	assert.Contains(t, text, "STEP")
	assert.Contains(t, text, "succeeded")
	assert.Contains(t, text, "Run succeeded")
}
