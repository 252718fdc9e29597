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

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
)

const (
	// DefaultImage is the default container image for sandboxes.
	DefaultImage = "debian:bookworm-slim"

	workspace = "/workspace"
)

// DockerFactory creates Docker or Podman sandboxes.
type DockerFactory struct {
	runtime string // "docker" or "podman"
	baseDir string
}

// NewDockerFactory creates a factory for the first usable container
// runtime, docker before podman.
func NewDockerFactory() *DockerFactory {
	return &DockerFactory{runtime: detectRuntime()}
}

// NewRuntimeFactory creates a factory for a specific runtime binary.
func NewRuntimeFactory(runtime string) *DockerFactory {
	if _, err := exec.LookPath(runtime); err != nil {
		return &DockerFactory{}
	}
	return &DockerFactory{runtime: runtime}
}

func detectRuntime() string {
	if _, err := exec.LookPath("docker"); err == nil {
		// Verify the daemon is actually running.
		if err := exec.Command("docker", "info").Run(); err == nil {
			return "docker"
		}
	}
	if _, err := exec.LookPath("podman"); err == nil {
		return "podman"
	}
	return ""
}

// Type returns TypePodman for podman and TypeDocker otherwise.
func (f *DockerFactory) Type() Type {
	if f.runtime == "podman" {
		return TypePodman
	}
	return TypeDocker
}

// Available returns true if a container runtime was found.
func (f *DockerFactory) Available(ctx context.Context) bool {
	return f.runtime != ""
}

// Create starts a container with a fresh host directory mounted at
// /workspace.
func (f *DockerFactory) Create(ctx context.Context, cfg Config) (Sandbox, error) {
	if !f.Available(ctx) {
		return nil, fmt.Errorf("no container runtime available (tried docker, podman)")
	}
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}

	root, err := os.MkdirTemp(f.baseDir, fmt.Sprintf("ferry-sandbox-%s-*", cfg.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}

	s := &dockerSandbox{runtime: f.runtime, config: cfg, root: root}
	if err := s.createContainer(ctx); err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to create container: %w", err)
	}
	return s, nil
}

type dockerSandbox struct {
	runtime     string
	config      Config
	root        string
	containerID string
}

func (s *dockerSandbox) runArgs() []string {
	args := []string{"run", "--detach"}

	if s.config.ResourceLimits.MaxMemory > 0 {
		args = append(args, "--memory", fmt.Sprintf("%d", s.config.ResourceLimits.MaxMemory))
	}
	if s.config.ResourceLimits.MaxProcesses > 0 {
		args = append(args, "--pids-limit", fmt.Sprintf("%d", s.config.ResourceLimits.MaxProcesses))
	}

	switch s.config.NetworkMode {
	case NetworkFull:
		args = append(args, "--network", "bridge")
	default:
		args = append(args, "--network", "none")
	}

	for _, kv := range envList(s.config.Env) {
		args = append(args, "--env", kv)
	}

	args = append(args,
		"--volume", fmt.Sprintf("%s:%s", s.root, workspace),
		"--security-opt", "no-new-privileges",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid",
		"--workdir", workspace,
		"--label", fmt.Sprintf("ferry.session=%s", s.config.SessionID),
		"--label", "ferry.sandbox=true",
	)

	// Keep the container alive; commands run through exec.
	return append(args, s.config.Image, "sleep", "infinity")
}

func (s *dockerSandbox) createContainer(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.runtime, s.runArgs()...)
	output, err := cmd.Output()
	if err != nil {
		var stderr string
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = string(exitErr.Stderr)
		}
		return fmt.Errorf("%w (stderr: %s)", err, stderr)
	}
	s.containerID = strings.TrimSpace(string(output))
	return nil
}

func (s *dockerSandbox) execArgs(interactive bool, cmd string, args []string) []string {
	out := []string{"exec"}
	if interactive {
		out = append(out, "-i")
	}
	out = append(out, s.containerID, cmd)
	return append(out, args...)
}

// StreamExecute runs a command in the container with streaming I/O.
// Cancellation signals the local exec client; removing the container in
// Cleanup takes down anything still running inside.
func (s *dockerSandbox) StreamExecute(ctx context.Context, cmd string, args []string, opts StreamExecuteOptions) error {
	if s.containerID == "" {
		return fmt.Errorf("sandbox not initialized")
	}

	c := exec.CommandContext(ctx, s.runtime, s.execArgs(opts.Stdin != nil, cmd, args)...)
	configureProcess(c, grace(s.config))
	c.Stdin = opts.Stdin
	c.Stdout = opts.Stdout
	c.Stderr = opts.Stderr

	err := c.Run()
	reapGroup(c)
	return err
}

// WriteFile writes into the mounted workspace.
func (s *dockerSandbox) WriteFile(p string, content []byte, perm uint32) error {
	target, err := resolveUnder(s.root, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(target, content, os.FileMode(perm)); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// ReadFile reads from the mounted workspace.
func (s *dockerSandbox) ReadFile(p string) ([]byte, error) {
	target, err := resolveUnder(s.root, p)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

func (s *dockerSandbox) Root() string {
	return s.root
}

func (s *dockerSandbox) Path(rel string) string {
	return path.Join(workspace, rel)
}

// Cleanup removes the container and its workspace.
func (s *dockerSandbox) Cleanup() error {
	var errs []error
	if s.containerID != "" {
		if err := exec.Command(s.runtime, "rm", "--force", s.containerID).Run(); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove container: %w", err))
		} else {
			s.containerID = ""
		}
	}
	if s.root != "" {
		if err := os.RemoveAll(s.root); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove workspace: %w", err))
		} else {
			s.root = ""
		}
	}
	return errors.Join(errs...)
}

var _ Sandbox = (*dockerSandbox)(nil)
