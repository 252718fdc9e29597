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

package transport

import (
	"time"

	"github.com/tombee/ferry/internal/artifact"
)

// PingParams is sent with ping.
type PingParams struct {
	Version string `json:"version"`
}

// PingResult is returned by ping.
type PingResult struct {
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

// InstallPolicy tells the worker whether and how it may install missing
// driver packages.
type InstallPolicy struct {
	Allow          bool          `json:"allow"`
	CheckCommand   []string      `json:"check_command,omitempty"`
	InstallCommand []string      `json:"install_command,omitempty"`
	Timeout        time.Duration `json:"timeout,omitempty"`
}

// PrepareParams is sent with prepare. Paths are relative to the sandbox
// root.
type PrepareParams struct {
	SessionID    string        `json:"session_id"`
	Pipeline     string        `json:"pipeline"`
	ManifestPath string        `json:"manifest_path"`
	DriversPath  string        `json:"drivers_path"`
	BundleFiles  []string      `json:"bundle_files"`
	BundleDigest string        `json:"bundle_digest"`
	Install      InstallPolicy `json:"install"`
}

// UnavailableDriver describes a driver the worker registered in a failed state.
type UnavailableDriver struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// PrepareResult is returned by prepare.
type PrepareResult struct {
	Fingerprint string              `json:"fingerprint"`
	Listing     map[string]string   `json:"listing"`
	Ready       []string            `json:"ready"`
	Unavailable []UnavailableDriver `json:"unavailable,omitempty"`
}

// ExecStepParams is sent with exec_step. The step config lives in a file
// so large configs never travel inside a frame.
type ExecStepParams struct {
	StepID     string                  `json:"step_id"`
	Driver     string                  `json:"driver"`
	ConfigPath string                  `json:"config_path"`
	Inputs     map[string]artifact.Ref `json:"inputs,omitempty"`
}

// ExecStepResult is returned by exec_step.
type ExecStepResult struct {
	Outputs map[string]artifact.Ref `json:"outputs"`
	RowsIn  int                     `json:"rows_in"`
	RowsOut int                     `json:"rows_out"`
}

// CleanupResult is returned by cleanup.
type CleanupResult struct {
	StepsRun    int `json:"steps_run"`
	StepsFailed int `json:"steps_failed"`
	Artifacts   int `json:"artifacts"`
}
