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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

// isolate points every lookup at a temp dir so the developer's own
// config and .env never leak into tests.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("FERRY_ENV_FILE", "")
	for _, k := range []string{"LOG_LEVEL", "FERRY_LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE", "FERRY_MODE",
		"FERRY_ARTIFACTS_DIR", "FERRY_MAX_RETRIES", "FERRY_SANDBOX_TYPE", "FERRY_CACHE_ENABLED",
		"FERRY_OBJECTSTORE_ENDPOINT", "FERRY_OBJECTSTORE_BUCKET"} {
		t.Setenv(k, "")
	}
	t.Chdir(dir)
	return dir
}

func TestDefault(t *testing.T) {
	isolate(t)
	cfg := Default()

	if cfg.Runtime.Mode != ModeLocal {
		t.Errorf("expected mode local, got %q", cfg.Runtime.Mode)
	}
	if cfg.Runtime.HeartbeatTimeout <= cfg.Runtime.HeartbeatInterval {
		t.Errorf("heartbeat timeout %v must exceed interval %v", cfg.Runtime.HeartbeatTimeout, cfg.Runtime.HeartbeatInterval)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Retry.MaxRetries)
	}
	if !strings.HasSuffix(cfg.Runtime.ArtifactsDir, filepath.Join("ferry", "sessions")) {
		t.Errorf("unexpected artifacts dir %q", cfg.Runtime.ArtifactsDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_FileWithDefaultsAndEnv(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "ferry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime:
  mode: sandboxed
  step_timeout: 90s
retry:
  max_retries: 5
sandbox:
  type: process
  download:
    deny: ["table/secrets/**"]
`), 0o600))

	t.Setenv("FERRY_MAX_RETRIES", "1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ModeSandboxed, cfg.Runtime.Mode)
	assert.Equal(t, 90*time.Second, cfg.Runtime.StepTimeout)
	assert.Equal(t, 1, cfg.Retry.MaxRetries, "env overrides file")
	assert.Equal(t, 2.0, cfg.Retry.Multiplier, "zero values are defaulted")
	assert.Equal(t, []string{"**"}, cfg.Sandbox.Download.Allow)
	assert.Equal(t, []string{"table/secrets/**"}, cfg.Sandbox.Download.Deny)

	policy := cfg.Retry.Policy()
	assert.Equal(t, 1, policy.MaxRetries)
	assert.Equal(t, cfg.Retry.InitialDelay, policy.InitialDelay)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	envFile := filepath.Join(dir, "ferry.env")
	require.NoError(t, os.WriteFile(envFile, []byte("FERRY_MODE=sandboxed\nFERRY_CACHE_ENABLED=true\n"), 0o600))
	t.Setenv("FERRY_ENV_FILE", envFile)
	t.Cleanup(func() {
		os.Unsetenv("FERRY_MODE")
		os.Unsetenv("FERRY_CACHE_ENABLED")
	})
	// godotenv never overrides variables that are already set, even empty ones.
	os.Unsetenv("FERRY_MODE")
	os.Unsetenv("FERRY_CACHE_ENABLED")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeSandboxed, cfg.Runtime.Mode)
	assert.True(t, cfg.Cache.Enabled)
}

func TestLoad_Errors(t *testing.T) {
	dir := isolate(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	var cerr *ferryerrors.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "config_file", cerr.Key)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("runtime:\n  mode: remote\n"), 0o600))
	_, err = Load(bad)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "validation", cerr.Key)
	assert.Contains(t, cerr.Cause.Error(), "runtime.mode")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"heartbeat timeout below interval", func(c *Config) { c.Runtime.HeartbeatTimeout = time.Second }, "heartbeat_timeout"},
		{"tiny frames", func(c *Config) { c.Runtime.MaxLineBytes = 10 }, "max_line_bytes"},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }, "retry.max_retries"},
		{"jitter out of range", func(c *Config) { c.Retry.Jitter = 2 }, "retry.jitter"},
		{"unknown sandbox", func(c *Config) { c.Sandbox.Type = "vm" }, "sandbox.type"},
		{"negative process limit", func(c *Config) { c.Sandbox.MaxProcesses = -1 }, "sandbox.max_processes"},
		{"bad glob", func(c *Config) { c.Sandbox.Download.Deny = []string{"table/[x"} }, "sandbox.download.deny"},
		{"install without command", func(c *Config) { c.Sandbox.AllowInstall = true }, "install.install_command"},
		{"objectstore without bucket", func(c *Config) {
			c.ObjectStore.Enabled = true
			c.ObjectStore.Endpoint = "localhost:9000"
		}, "objectstore.bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
