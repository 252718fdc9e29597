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
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Validate checks the configuration for invalid values and reports every
// problem found.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Runtime.Mode != ModeLocal && c.Runtime.Mode != ModeSandboxed {
		errs = append(errs, fmt.Sprintf("runtime.mode must be one of [local, sandboxed], got %q", c.Runtime.Mode))
	}
	if c.Runtime.StepTimeout < 0 {
		errs = append(errs, "runtime.step_timeout must not be negative")
	}
	if c.Runtime.SpillThreshold < 0 {
		errs = append(errs, "runtime.spill_threshold must not be negative")
	}
	if c.Runtime.HeartbeatInterval <= 0 {
		errs = append(errs, "runtime.heartbeat_interval must be positive")
	}
	if c.Runtime.HeartbeatTimeout <= c.Runtime.HeartbeatInterval {
		errs = append(errs, fmt.Sprintf("runtime.heartbeat_timeout (%v) must exceed heartbeat_interval (%v)",
			c.Runtime.HeartbeatTimeout, c.Runtime.HeartbeatInterval))
	}
	if c.Runtime.MaxLineBytes < 1024 {
		errs = append(errs, fmt.Sprintf("runtime.max_line_bytes must be at least 1024, got %d", c.Runtime.MaxLineBytes))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, "retry.max_retries must not be negative")
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Sprintf("retry.jitter must be between 0 and 1, got %v", c.Retry.Jitter))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, "retry.max_delay must not be less than retry.initial_delay")
	}

	if c.Sandbox.MemoryMB < 0 {
		errs = append(errs, "sandbox.memory_mb must not be negative")
	}
	if c.Sandbox.MaxProcesses < 0 {
		errs = append(errs, "sandbox.max_processes must not be negative")
	}

	switch c.Sandbox.Type {
	case "auto", "docker", "podman", "process":
	default:
		errs = append(errs, fmt.Sprintf("sandbox.type must be one of [auto, docker, podman, process], got %q", c.Sandbox.Type))
	}
	for _, p := range c.Sandbox.Download.Allow {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Sprintf("sandbox.download.allow has invalid pattern %q", p))
		}
	}
	for _, p := range c.Sandbox.Download.Deny {
		if !doublestar.ValidatePattern(p) {
			errs = append(errs, fmt.Sprintf("sandbox.download.deny has invalid pattern %q", p))
		}
	}
	if c.Sandbox.Download.MaxBytes < 0 {
		errs = append(errs, "sandbox.download.max_bytes must not be negative")
	}

	if c.Sandbox.AllowInstall && len(c.Install.InstallCommand) == 0 {
		errs = append(errs, "install.install_command is required when sandbox.allow_install is set")
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, "cache.ttl must be positive")
	}

	if c.ObjectStore.Enabled {
		if c.ObjectStore.Endpoint == "" {
			errs = append(errs, "objectstore.endpoint is required when objectstore is enabled")
		}
		if c.ObjectStore.Bucket == "" {
			errs = append(errs, "objectstore.bucket is required when objectstore is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
