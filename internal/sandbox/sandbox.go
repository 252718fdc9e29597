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

// Package sandbox provisions the isolated environments the sandboxed
// adapter runs its worker in.
//
// Two strategies exist:
//   - Docker/Podman containers with the sandbox root mounted at /workspace
//   - a plain child process in its own process group, rooted at a temp dir
//
// Every sandbox has a host-side root directory. Files are written and
// read there; Path maps a root-relative path to the path the worker sees.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Sandbox is an isolated execution environment. It is not safe for
// concurrent use; each session owns one.
type Sandbox interface {
	// StreamExecute runs a long-lived command wired to opts and blocks
	// until it exits. When ctx is done the command's process group gets
	// SIGTERM, then SIGKILL once the cancel grace has passed.
	StreamExecute(ctx context.Context, cmd string, args []string, opts StreamExecuteOptions) error

	// WriteFile writes a file relative to the sandbox root.
	WriteFile(path string, content []byte, perm uint32) error

	// ReadFile reads a file relative to the sandbox root.
	ReadFile(path string) ([]byte, error)

	// Root is the host directory backing the sandbox filesystem.
	Root() string

	// Path maps a root-relative path to the path seen inside the sandbox.
	Path(rel string) string

	// Cleanup destroys the sandbox and releases all resources.
	Cleanup() error
}

// Config defines sandbox configuration.
type Config struct {
	// SessionID labels the sandbox.
	SessionID string

	// NetworkMode controls network access.
	NetworkMode NetworkMode

	ResourceLimits ResourceLimits

	// Env is passed to every command. Nothing else is inherited from the host.
	Env map[string]string

	// Image is the container image for container sandboxes.
	Image string

	// CancelGrace is how long a cancelled command gets between SIGTERM
	// and SIGKILL.
	CancelGrace time.Duration
}

// NetworkMode defines sandbox network isolation level.
type NetworkMode string

const (
	// NetworkNone disables all network access.
	NetworkNone NetworkMode = "none"

	// NetworkFull allows unrestricted network access.
	NetworkFull NetworkMode = "full"
)

// ResourceLimits defines resource constraints for sandbox execution.
type ResourceLimits struct {
	// MaxMemory is the maximum memory in bytes (0 = no limit)
	MaxMemory int64

	// MaxProcesses is the maximum number of processes (0 = no limit)
	MaxProcesses int
}

// Type represents the sandbox implementation type.
type Type string

const (
	TypeDocker  Type = "docker"
	TypePodman  Type = "podman"
	TypeProcess Type = "process"
)

// Factory creates sandbox instances.
type Factory interface {
	Create(ctx context.Context, cfg Config) (Sandbox, error)
	Type() Type
	Available(ctx context.Context) bool
}

// StreamExecuteOptions configures streaming command execution.
type StreamExecuteOptions struct {
	Stdout io.Writer
	Stderr io.Writer
	Stdin  io.Reader
}

// DefaultCancelGrace is used when Config.CancelGrace is zero.
const DefaultCancelGrace = 5 * time.Second

func grace(cfg Config) time.Duration {
	if cfg.CancelGrace > 0 {
		return cfg.CancelGrace
	}
	return DefaultCancelGrace
}
