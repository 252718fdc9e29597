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

package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Installer checks for and installs driver packages.
type Installer interface {
	Installed(ctx context.Context, pkg string) (bool, error)
	Install(ctx context.Context, pkgs []string) error
}

// CommandInstaller runs configured command templates. An argument equal
// to "{packages}" expands to every package; "{package}" inside an argument
// is replaced by a single package and the command runs once per package.
type CommandInstaller struct {
	CheckCommand   []string
	InstallCommand []string
	Timeout        time.Duration
	Logger         *slog.Logger
}

// Installed runs the check command for pkg. A zero exit means installed.
func (i *CommandInstaller) Installed(ctx context.Context, pkg string) (bool, error) {
	if len(i.CheckCommand) == 0 {
		return false, nil
	}
	err := i.run(ctx, expand(i.CheckCommand, []string{pkg}))
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, err
}

// Install runs the install command for pkgs.
func (i *CommandInstaller) Install(ctx context.Context, pkgs []string) error {
	if len(i.InstallCommand) == 0 {
		return fmt.Errorf("no install command configured")
	}
	if len(pkgs) == 0 {
		return nil
	}

	if !perPackage(i.InstallCommand) {
		return i.run(ctx, expand(i.InstallCommand, pkgs))
	}
	for _, pkg := range pkgs {
		if err := i.run(ctx, expand(i.InstallCommand, []string{pkg})); err != nil {
			return err
		}
	}
	return nil
}

func (i *CommandInstaller) run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	if i.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.Timeout)
		defer cancel()
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stderr = &stderr
	if i.Logger != nil {
		i.Logger.Debug("running installer command", "argv", argv)
	}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(stderr.String()))
		}
		return err
	}
	return nil
}

func perPackage(template []string) bool {
	for _, arg := range template {
		if arg != "{packages}" && strings.Contains(arg, "{package}") {
			return true
		}
	}
	return false
}

func expand(template []string, pkgs []string) []string {
	out := make([]string, 0, len(template)+len(pkgs))
	for _, arg := range template {
		if arg == "{packages}" {
			out = append(out, pkgs...)
			continue
		}
		if len(pkgs) == 1 {
			arg = strings.ReplaceAll(arg, "{package}", pkgs[0])
		}
		out = append(out, arg)
	}
	return out
}
