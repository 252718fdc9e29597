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

// Package config loads ferry's runtime configuration from a YAML file,
// an optional .env file and FERRY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tombee/ferry/internal/retry"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
)

// Execution modes.
const (
	ModeLocal     = "local"
	ModeSandboxed = "sandboxed"
)

// Config represents the complete ferry configuration.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Retry       RetryConfig       `yaml:"retry"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Install     InstallConfig     `yaml:"install"`
	Cache       CacheConfig       `yaml:"cache"`
	Audit       AuditConfig       `yaml:"audit"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	ObjectStore ObjectStoreConfig `yaml:"objectstore"`
	Drivers     DriversConfig     `yaml:"drivers"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// RuntimeConfig controls how a run executes.
type RuntimeConfig struct {
	// Mode selects the execution adapter: "local" or "sandboxed".
	Mode string `yaml:"mode"`

	// ArtifactsDir is the parent of every session directory.
	ArtifactsDir string `yaml:"artifacts_dir"`

	// StepTimeout bounds a single step attempt. Zero means no limit.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// CancelGrace bounds teardown of the sandbox after cancellation.
	CancelGrace time.Duration `yaml:"cancel_grace"`

	// SpillThreshold is the number of cells above which the local
	// adapter writes a table to disk instead of keeping it in memory.
	SpillThreshold int `yaml:"spill_threshold"`

	// HeartbeatInterval is how often the worker reports liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatTimeout is how long the host tolerates worker silence.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// MaxLineBytes caps a single protocol frame.
	MaxLineBytes int `yaml:"max_line_bytes"`
}

// RetryConfig configures transient-failure retries.
type RetryConfig struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// Policy converts the configuration into a retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxRetries:   r.MaxRetries,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		Jitter:       r.Jitter,
	}
}

// SandboxConfig configures the sandboxed adapter.
type SandboxConfig struct {
	// Type selects the provisioner: auto, docker, podman or process.
	Type string `yaml:"type"`

	// Image is the container image for docker/podman sandboxes.
	Image string `yaml:"image"`

	// Network enables network access inside the sandbox.
	Network bool `yaml:"network"`

	// MemoryMB limits sandbox memory. Zero means no limit.
	MemoryMB int `yaml:"memory_mb"`

	// MaxProcesses caps the number of processes in a container sandbox.
	// Zero means no limit.
	MaxProcesses int `yaml:"max_processes"`

	// WorkerBinary is uploaded into the sandbox. Defaults to the running executable.
	WorkerBinary string `yaml:"worker_binary"`

	// Env lists extra environment variables passed to the worker.
	Env map[string]string `yaml:"env"`

	// AllowInstall lets the worker install missing driver packages.
	AllowInstall bool `yaml:"allow_install"`

	// StrictFingerprint fails prepare when host and worker registries differ.
	StrictFingerprint bool `yaml:"strict_fingerprint"`

	// Download filters which artifacts are pulled back to the host.
	Download DownloadConfig `yaml:"download"`
}

// DownloadConfig filters artifact reconciliation. Patterns use doublestar
// syntax and match "<kind>/<step>/<key>".
type DownloadConfig struct {
	Allow    []string `yaml:"allow"`
	Deny     []string `yaml:"deny"`
	MaxBytes int64    `yaml:"max_bytes"`
}

// InstallConfig describes how driver packages are checked and installed.
// Arguments may contain {package} or {packages}.
type InstallConfig struct {
	CheckCommand   []string      `yaml:"check_command"`
	InstallCommand []string      `yaml:"install_command"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CacheConfig configures the step-output cache.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TelemetryConfig configures metrics and tracing.
type TelemetryConfig struct {
	// ServiceName is reported on spans.
	ServiceName string `yaml:"service_name"`

	// TraceFile, when set, receives spans as JSON lines.
	TraceFile string `yaml:"trace_file"`
}

// ObjectStoreConfig configures publishing closed sessions to S3-compatible storage.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DriversConfig lists driver spec files loaded in addition to the builtins.
type DriversConfig struct {
	Specs []string `yaml:"specs"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	dataDir := DataDir()
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Runtime: RuntimeConfig{
			Mode:              ModeLocal,
			ArtifactsDir:      filepath.Join(dataDir, "sessions"),
			CancelGrace:       5 * time.Second,
			SpillThreshold:    250_000,
			HeartbeatInterval: 2 * time.Second,
			HeartbeatTimeout:  15 * time.Second,
			MaxLineBytes:      8 << 20,
		},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			Jitter:       0.1,
		},
		Sandbox: SandboxConfig{
			Type:  "auto",
			Image: "debian:bookworm-slim",
			Download: DownloadConfig{
				Allow:    []string{"**"},
				MaxBytes: 512 << 20,
			},
		},
		Install: InstallConfig{
			Timeout: 5 * time.Minute,
		},
		Cache: CacheConfig{
			Path: filepath.Join(dataDir, "cache.db"),
			TTL:  24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "ferry",
		},
	}
}

// Load loads configuration from the given path, the .env file and the
// environment, in that order of increasing precedence. An empty path
// loads the default config file when it exists.
func Load(configPath string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, &ferryerrors.ConfigError{
			Key:    "env_file",
			Reason: "failed to load .env file",
			Cause:  err,
		}
	}

	cfg := Default()

	path, explicit := configPath, configPath != ""
	if !explicit {
		if p, err := ConfigPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			if explicit || !errors.Is(err, fs.ErrNotExist) {
				return nil, &ferryerrors.ConfigError{
					Key:    "config_file",
					Reason: fmt.Sprintf("failed to load from %s", path),
					Cause:  err,
				}
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &ferryerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// loadDotEnv loads FERRY_ENV_FILE, or .env in the working directory.
// Variables already set in the environment win.
func loadDotEnv() error {
	path := os.Getenv("FERRY_ENV_FILE")
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); err != nil {
			return nil
		}
	}
	return godotenv.Load(path)
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// applyDefaults fills in zero values so minimal configs work.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}

	if c.Runtime.Mode == "" {
		c.Runtime.Mode = d.Runtime.Mode
	}
	if c.Runtime.ArtifactsDir == "" {
		c.Runtime.ArtifactsDir = d.Runtime.ArtifactsDir
	}
	if c.Runtime.CancelGrace == 0 {
		c.Runtime.CancelGrace = d.Runtime.CancelGrace
	}
	if c.Runtime.SpillThreshold == 0 {
		c.Runtime.SpillThreshold = d.Runtime.SpillThreshold
	}
	if c.Runtime.HeartbeatInterval == 0 {
		c.Runtime.HeartbeatInterval = d.Runtime.HeartbeatInterval
	}
	if c.Runtime.HeartbeatTimeout == 0 {
		c.Runtime.HeartbeatTimeout = d.Runtime.HeartbeatTimeout
	}
	if c.Runtime.MaxLineBytes == 0 {
		c.Runtime.MaxLineBytes = d.Runtime.MaxLineBytes
	}

	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}

	if c.Sandbox.Type == "" {
		c.Sandbox.Type = d.Sandbox.Type
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = d.Sandbox.Image
	}
	if len(c.Sandbox.Download.Allow) == 0 {
		c.Sandbox.Download.Allow = d.Sandbox.Download.Allow
	}
	if c.Sandbox.Download.MaxBytes == 0 {
		c.Sandbox.Download.MaxBytes = d.Sandbox.Download.MaxBytes
	}

	if c.Install.Timeout == 0 {
		c.Install.Timeout = d.Install.Timeout
	}

	if c.Cache.Path == "" {
		c.Cache.Path = d.Cache.Path
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = d.Cache.TTL
	}
	if c.Audit.Path == "" {
		c.Audit.Path = d.Audit.Path
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = d.Telemetry.ServiceName
	}
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("FERRY_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}

	if val := os.Getenv("FERRY_MODE"); val != "" {
		c.Runtime.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("FERRY_ARTIFACTS_DIR"); val != "" {
		c.Runtime.ArtifactsDir = val
	}
	if val := os.Getenv("FERRY_STEP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Runtime.StepTimeout = d
		}
	}
	if val := os.Getenv("FERRY_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Retry.MaxRetries = n
		}
	}

	if val := os.Getenv("FERRY_SANDBOX_TYPE"); val != "" {
		c.Sandbox.Type = strings.ToLower(val)
	}
	if val := os.Getenv("FERRY_SANDBOX_IMAGE"); val != "" {
		c.Sandbox.Image = val
	}
	if val := os.Getenv("FERRY_ALLOW_INSTALL"); val != "" {
		c.Sandbox.AllowInstall = parseBool(val)
	}

	if val := os.Getenv("FERRY_CACHE_ENABLED"); val != "" {
		c.Cache.Enabled = parseBool(val)
	}
	if val := os.Getenv("FERRY_CACHE_PATH"); val != "" {
		c.Cache.Path = val
	}
	if val := os.Getenv("FERRY_AUDIT_PATH"); val != "" {
		c.Audit.Path = val
	}

	if val := os.Getenv("FERRY_OBJECTSTORE_ENDPOINT"); val != "" {
		c.ObjectStore.Endpoint = val
		c.ObjectStore.Enabled = true
	}
	if val := os.Getenv("FERRY_OBJECTSTORE_BUCKET"); val != "" {
		c.ObjectStore.Bucket = val
	}
	if val := os.Getenv("FERRY_OBJECTSTORE_ACCESS_KEY"); val != "" {
		c.ObjectStore.AccessKey = val
	}
	if val := os.Getenv("FERRY_OBJECTSTORE_SECRET_KEY"); val != "" {
		c.ObjectStore.SecretKey = val
	}
}

func parseBool(val string) bool {
	return val == "1" || strings.ToLower(val) == "true"
}
