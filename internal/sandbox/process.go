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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
)

// ProcessFactory creates process sandboxes.
//
// A process sandbox gives degraded isolation when no container runtime
// is present: a private root directory, a minimal environment and a
// separate process group. There are no resource or network limits.
type ProcessFactory struct {
	// BaseDir is where sandbox roots are created. Defaults to os.TempDir.
	BaseDir string
}

// NewProcessFactory creates a factory for process sandboxes.
func NewProcessFactory() *ProcessFactory {
	return &ProcessFactory{}
}

// Type returns TypeProcess.
func (f *ProcessFactory) Type() Type {
	return TypeProcess
}

// Available always returns true.
func (f *ProcessFactory) Available(ctx context.Context) bool {
	return true
}

// Create creates a new process sandbox.
func (f *ProcessFactory) Create(ctx context.Context, cfg Config) (Sandbox, error) {
	root, err := os.MkdirTemp(f.BaseDir, fmt.Sprintf("ferry-sandbox-%s-*", cfg.SessionID))
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	return &processSandbox{config: cfg, root: root}, nil
}

type processSandbox struct {
	config Config
	root   string
}

func (s *processSandbox) command(ctx context.Context, cmd string, args []string) *exec.Cmd {
	c := exec.CommandContext(ctx, cmd, args...)
	c.Dir = s.root
	c.Env = s.env()
	configureProcess(c, grace(s.config))
	return c
}

// StreamExecute runs a command with streaming I/O.
func (s *processSandbox) StreamExecute(ctx context.Context, cmd string, args []string, opts StreamExecuteOptions) error {
	c := s.command(ctx, cmd, args)
	c.Stdin = opts.Stdin
	c.Stdout = opts.Stdout
	c.Stderr = opts.Stderr

	err := c.Run()
	reapGroup(c)
	return err
}

// WriteFile writes a file under the sandbox root.
func (s *processSandbox) WriteFile(path string, content []byte, perm uint32) error {
	target, err := s.resolve(path)
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

// ReadFile reads a file under the sandbox root.
func (s *processSandbox) ReadFile(path string) ([]byte, error) {
	target, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(target)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return content, nil
}

func (s *processSandbox) Root() string {
	return s.root
}

func (s *processSandbox) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Cleanup removes the sandbox root.
func (s *processSandbox) Cleanup() error {
	if s.root == "" {
		return nil
	}
	if err := os.RemoveAll(s.root); err != nil {
		return fmt.Errorf("failed to cleanup sandbox: %w", err)
	}
	s.root = ""
	return nil
}

func (s *processSandbox) resolve(path string) (string, error) {
	return resolveUnder(s.root, path)
}

// env builds a minimal environment. Host variables are never inherited.
func (s *processSandbox) env() []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + s.root,
		"TMPDIR=" + s.root,
		"LANG=C.UTF-8",
		"LC_ALL=C.UTF-8",
	}
	return append(env, envList(s.config.Env)...)
}

func envList(vars map[string]string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+vars[k])
	}
	return out
}

func resolveUnder(root, path string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("sandbox already cleaned up")
	}
	native := filepath.FromSlash(path)
	if !filepath.IsLocal(native) {
		return "", fmt.Errorf("path %q escapes the sandbox root", path)
	}
	return filepath.Join(root, native), nil
}

var _ Sandbox = (*processSandbox)(nil)
