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

package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/drivers"
	"github.com/tombee/ferry/internal/transport"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
)

const testManifest = `{
  "name": "orders",
  "steps": [
    {"id": "src", "driver": "inline", "config": {"records": [{"id": 1, "amount": 5}, {"id": 2, "amount": 50}]}},
    {"id": "big", "driver": "filter", "needs": ["src"], "config": {"where": "amount > 10"}}
  ]
}`

type harness struct {
	root   string
	client *transport.Client
	files  map[string][]byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	files := map[string][]byte{
		ManifestFile: []byte(testManifest),
		DriversFile:  drivers.BuiltinSpecsYAML(),
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0o644))
	}

	workerIn, hostOut := io.Pipe()
	hostIn, workerOut := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Root: root, In: workerIn, Out: workerOut, HeartbeatInterval: 20 * time.Millisecond})
	}()

	client := transport.NewClient(hostIn, hostOut, transport.ClientOptions{HeartbeatTimeout: time.Second})
	t.Cleanup(func() {
		client.Close()
		cancel()
		workerOut.Close()
		<-done
	})
	return &harness{root: root, client: client, files: files}
}

func (h *harness) prepare(t *testing.T, digest string) (*transport.PrepareResult, error) {
	t.Helper()
	if digest == "" {
		digest = BundleDigest(h.files)
	}
	raw, err := h.client.Call(context.Background(), transport.CommandPrepare, transport.PrepareParams{
		SessionID:    "s1",
		Pipeline:     "orders",
		ManifestPath: ManifestFile,
		DriversPath:  DriversFile,
		BundleFiles:  []string{ManifestFile, DriversFile},
		BundleDigest: digest,
	}, nil)
	if err != nil {
		return nil, err
	}
	var res transport.PrepareResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return &res, nil
}

func (h *harness) writeConfig(t *testing.T, stepID string, cfg map[string]any) string {
	t.Helper()
	data, err := EncodeConfig(cfg)
	require.NoError(t, err)
	rel := ConfigPath(stepID)
	full := filepath.Join(h.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, data, 0o644))
	return rel
}

func (h *harness) exec(t *testing.T, params transport.ExecStepParams, onMessage transport.MessageFunc) (*transport.ExecStepResult, error) {
	t.Helper()
	raw, err := h.client.Call(context.Background(), transport.CommandExecStep, params, onMessage)
	if err != nil {
		return nil, err
	}
	var res transport.ExecStepResult
	require.NoError(t, json.Unmarshal(raw, &res))
	return &res, nil
}

func TestWorkerRunsSteps(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	h := newHarness(t)

	ping, err := h.client.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), ping.PID)

	prep, err := h.prepare(t, "")
	require.NoError(t, err)
	assert.NotEmpty(t, prep.Fingerprint)
	assert.Contains(t, prep.Ready, "filter")
	require.Len(t, prep.Unavailable, 1)
	assert.Equal(t, "postgres.extract", prep.Unavailable[0].Name)

	pipeline, err := manifest.Parse([]byte(testManifest))
	require.NoError(t, err)
	src, _ := pipeline.Step("src")

	var metrics []string
	res, err := h.exec(t, transport.ExecStepParams{
		StepID:     "src",
		Driver:     "inline",
		ConfigPath: h.writeConfig(t, "src", src.Config),
	}, func(m *transport.Message) {
		if m.Type == transport.TypeMetric {
			metrics = append(metrics, m.Metric)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rows_in", "rows_out"}, metrics)
	assert.Equal(t, 2, res.RowsOut)
	ref := res.Outputs[manifest.DefaultKey]
	assert.Equal(t, artifact.LocationFile, ref.Location)
	assert.Equal(t, "artifacts/src/default", ref.Path)
	assert.FileExists(t, filepath.Join(h.root, "artifacts", "src", "default", artifact.DataFile))

	var events []string
	res, err = h.exec(t, transport.ExecStepParams{
		StepID:     "big",
		Driver:     "filter",
		ConfigPath: h.writeConfig(t, "big", map[string]any{"where": "amount > 10"}),
		Inputs:     map[string]artifact.Ref{"src": ref},
	}, func(m *transport.Message) {
		if m.Type == transport.TypeEvent {
			events = append(events, m.Event)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsIn)
	assert.Equal(t, 1, res.RowsOut)
	assert.Equal(t, []string{EventInputsResolved, "rows_filtered"}, events)

	raw, err := h.client.Call(context.Background(), transport.CommandCleanup, nil, nil)
	require.NoError(t, err)
	var summary transport.CleanupResult
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, transport.CleanupResult{StepsRun: 2, Artifacts: 2}, summary)
}

func TestWorkerRejectsBundleMismatch(t *testing.T) {
	h := newHarness(t)

	_, err := h.prepare(t, "deadbeef")
	var stepErr *ferryerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ferryerrors.KindConfig, stepErr.Kind)
	assert.Contains(t, stepErr.Message, "bundle digest")
}

func TestWorkerStepErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec(t, transport.ExecStepParams{StepID: "src", Driver: "inline"}, nil)
	var stepErr *ferryerrors.StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, ferryerrors.KindConfig, stepErr.Kind)
	assert.Contains(t, stepErr.Message, "not been prepared")

	_, err = h.prepare(t, "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		params transport.ExecStepParams
		kind   ferryerrors.Kind
	}{
		{
			name:   "unknown step",
			params: transport.ExecStepParams{StepID: "ghost", Driver: "inline"},
			kind:   ferryerrors.KindConfig,
		},
		{
			name:   "driver mismatch",
			params: transport.ExecStepParams{StepID: "src", Driver: "jq"},
			kind:   ferryerrors.KindConfig,
		},
		{
			name:   "config escapes root",
			params: transport.ExecStepParams{StepID: "src", Driver: "inline", ConfigPath: "../etc/passwd"},
			kind:   ferryerrors.KindConfig,
		},
		{
			name: "driver config error",
			params: transport.ExecStepParams{
				StepID:     "src",
				Driver:     "inline",
				ConfigPath: h.writeConfig(t, "src", map[string]any{}),
			},
			kind: ferryerrors.KindConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.exec(t, tt.params, nil)
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.kind, stepErr.Kind)
		})
	}
}

func TestBundleDigest(t *testing.T) {
	a := BundleDigest(map[string][]byte{"x": []byte("1"), "y": []byte("2")})
	b := BundleDigest(map[string][]byte{"y": []byte("2"), "x": []byte("1")})
	assert.Equal(t, a, b)

	renamed := BundleDigest(map[string][]byte{"z": []byte("1"), "y": []byte("2")})
	assert.NotEqual(t, a, renamed)

	shifted := BundleDigest(map[string][]byte{"x": []byte("12"), "y": []byte("")})
	assert.NotEqual(t, a, shifted)
}

func TestNormalizeConfig(t *testing.T) {
	cfg, err := NormalizeConfig(map[string]any{"n": 3, "nested": map[string]any{"ok": true}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"n": float64(3), "nested": map[string]any{"ok": true}}, cfg)

	_, err = NormalizeConfig(map[string]any{"bad": make(chan int)})
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))
}

func TestLocalPath(t *testing.T) {
	_, err := LocalPath("/root", "../x")
	assert.Error(t, err)
	_, err = LocalPath("/root", "/abs")
	assert.Error(t, err)
	p, err := LocalPath("/sandbox", "configs/a.json")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/sandbox", "configs", "a.json"), p)
}
