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
	"context"
	"fmt"
	"os"
	"os/exec"
)

// Unmet is one requirement that is not satisfied.
type Unmet struct {
	Reason string
	Name   string
	Detail string
}

// Checker preflights driver requirements.
type Checker interface {
	Check(ctx context.Context, req Requirements) []Unmet
}

// SystemChecker checks the current process environment: binaries on PATH,
// set environment variables, and packages through the installer.
type SystemChecker struct {
	// Installer answers package queries. Without one, every declared
	// package is reported missing.
	Installer Installer

	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Check implements Checker.
func (c *SystemChecker) Check(ctx context.Context, req Requirements) []Unmet {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	lookupEnv := c.LookupEnv
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}

	var unmet []Unmet
	for _, bin := range req.Binaries {
		if _, err := lookPath(bin); err != nil {
			unmet = append(unmet, Unmet{
				Reason: ReasonMissingBinary,
				Name:   bin,
				Detail: fmt.Sprintf("binary %s not found on PATH", bin),
			})
		}
	}
	for _, name := range req.Env {
		if v, ok := lookupEnv(name); !ok || v == "" {
			unmet = append(unmet, Unmet{
				Reason: ReasonMissingEnv,
				Name:   name,
				Detail: fmt.Sprintf("environment variable %s is not set", name),
			})
		}
	}
	for _, pkg := range req.Packages {
		installed := false
		detail := fmt.Sprintf("package %s is not installed", pkg)
		if c.Installer != nil {
			ok, err := c.Installer.Installed(ctx, pkg)
			if err != nil {
				detail = fmt.Sprintf("checking package %s: %v", pkg, err)
			}
			installed = ok
		}
		if !installed {
			unmet = append(unmet, Unmet{Reason: ReasonMissingPackage, Name: pkg, Detail: detail})
		}
	}
	return unmet
}
