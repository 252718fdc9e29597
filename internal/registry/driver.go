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

// Package registry discovers, preflights and resolves pipeline drivers.
//
// Drivers come from two places: direct registration of a factory, and
// YAML driver specs that point at a builtin implementation and declare
// what the driver needs from its environment. A spec whose requirements
// are not met is registered in a failed state instead of being dropped,
// so resolving it yields a precise reason.
package registry

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ferry/pkg/table"
)

// EventFunc receives structured events emitted while a driver runs.
type EventFunc func(event string, fields map[string]any)

// Request is the input of one driver invocation.
type Request struct {
	StepID string
	Config map[string]any
	Inputs map[string]*table.Table
	Emit   EventFunc
}

// Result is the output of one driver invocation.
type Result struct {
	// Outputs are keyed by output name; the primary output is "default".
	Outputs map[string]*table.Table

	// RowCounts overrides the row count reported for an output, for
	// drivers whose effect is external (for example a sink).
	RowCounts map[string]int
}

// Driver runs one step.
type Driver interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, req Request) (*Result, error)

// Run implements Driver.
func (f DriverFunc) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// Factory builds a driver from its spec.
type Factory func(spec Spec) (Driver, error)

// Requirements lists what a driver needs from its environment.
type Requirements struct {
	Binaries []string `yaml:"binaries,omitempty" json:"binaries,omitempty"`
	Env      []string `yaml:"env,omitempty" json:"env,omitempty"`
	Packages []string `yaml:"packages,omitempty" json:"packages,omitempty"`
}

// Empty reports whether nothing is required.
func (r Requirements) Empty() bool {
	return len(r.Binaries) == 0 && len(r.Env) == 0 && len(r.Packages) == 0
}

// Spec declares a driver.
type Spec struct {
	// Name is the registry key steps refer to.
	Name string `yaml:"name" json:"name"`

	// Impl names the builtin implementation. Defaults to Name.
	Impl string `yaml:"impl,omitempty" json:"impl,omitempty"`

	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Defaults are merged under each step's config.
	Defaults map[string]any `yaml:"defaults,omitempty" json:"defaults,omitempty"`

	Requires Requirements `yaml:"requires,omitempty" json:"requires,omitempty"`
}

// Implementation returns Impl, defaulting to Name.
func (s Spec) Implementation() string {
	if s.Impl == "" {
		return s.Name
	}
	return s.Impl
}

// ParseSpecs decodes a YAML list of driver specs.
func ParseSpecs(data []byte) ([]Spec, error) {
	var specs []Spec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parsing driver specs: %w", err)
	}
	for i, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("driver spec %d has no name", i)
		}
	}
	return specs, nil
}

// LoadSpecFile reads a driver spec file.
func LoadSpecFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading driver specs: %w", err)
	}
	return ParseSpecs(data)
}

// MarshalSpecs encodes specs as YAML.
func MarshalSpecs(specs []Spec) ([]byte, error) {
	return yaml.Marshal(specs)
}

// MergeConfig overlays step config on spec defaults. Nested maps are merged
// key by key; everything else in config replaces the default.
func MergeConfig(defaults, config map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(config))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range config {
		if dv, ok := out[k].(map[string]any); ok {
			if cv, ok := v.(map[string]any); ok {
				out[k] = MergeConfig(dv, cv)
				continue
			}
		}
		out[k] = v
	}
	return out
}
