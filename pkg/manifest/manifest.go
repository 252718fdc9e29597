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

// Package manifest defines the compiled pipeline: an ordered list of
// steps wired into a DAG through their needs lists.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tombee/ferry/pkg/errors"
)

// DefaultKey is the output key used when a binding does not name one.
const DefaultKey = "default"

// Manifest is a compiled pipeline.
type Manifest struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is one node of the pipeline DAG.
type Step struct {
	// ID is unique within the manifest and is used as a directory name.
	ID string `yaml:"id" json:"id"`

	// Driver is the registry key of the implementation that runs the step.
	Driver string `yaml:"driver" json:"driver"`

	// Config is passed to the driver untouched.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// Needs lists upstream step ids.
	Needs []string `yaml:"needs,omitempty" json:"needs,omitempty"`

	// Inputs binds upstream outputs to named driver inputs. When empty,
	// every upstream output is bound automatically.
	Inputs []InputBinding `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// InputBinding names one input of a step.
type InputBinding struct {
	Name     string `yaml:"name" json:"name"`
	FromStep string `yaml:"from_step" json:"from_step"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
}

// OutputKey returns the bound key, defaulting to DefaultKey.
func (b InputBinding) OutputKey() string {
	if b.Key == "" {
		return DefaultKey
	}
	return b.Key
}

var stepIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    "manifest",
			Reason: fmt.Sprintf("failed to read %s", path),
			Cause:  err,
		}
	}
	return Parse(data)
}

// Parse decodes a YAML or JSON manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, &errors.ValidationError{
				Message:    fmt.Sprintf("failed to parse manifest JSON: %v", err),
				Suggestion: "check the manifest produced by the pipeline compiler",
			}
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil {
			return nil, &errors.ValidationError{
				Message:    fmt.Sprintf("failed to parse manifest YAML: %v", err),
				Suggestion: "check the manifest produced by the pipeline compiler",
			}
		}
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Step returns the step with the given id.
func (m *Manifest) Step(id string) (Step, bool) {
	for _, s := range m.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks structure and that needs form a DAG.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &errors.ValidationError{
			Field:      "name",
			Message:    "pipeline name is required",
			Suggestion: "add a name to the manifest",
		}
	}
	if len(m.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "pipeline must have at least one step",
			Suggestion: "add at least one step to the manifest",
		}
	}

	ids := make(map[string]bool, len(m.Steps))
	for i, step := range m.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		if step.ID == "" {
			return &errors.ValidationError{
				Field:      field + ".id",
				Message:    "step id is required",
				Suggestion: "add an 'id' field to each step",
			}
		}
		if !stepIDPattern.MatchString(step.ID) {
			return &errors.ValidationError{
				Field:      field + ".id",
				Message:    fmt.Sprintf("invalid step id %q", step.ID),
				Suggestion: "use letters, digits, '.', '_' and '-' only",
			}
		}
		if ids[step.ID] {
			return &errors.ValidationError{
				Field:      field + ".id",
				Message:    fmt.Sprintf("duplicate step id: %s", step.ID),
				Suggestion: "ensure each step has a unique id",
			}
		}
		ids[step.ID] = true

		if step.Driver == "" {
			return &errors.ValidationError{
				Field:      field + ".driver",
				Message:    fmt.Sprintf("step %s has no driver", step.ID),
				Suggestion: "set 'driver' to a registered driver name (see 'ferry drivers list')",
			}
		}
	}

	for i, step := range m.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		needs := make(map[string]bool, len(step.Needs))
		for _, dep := range step.Needs {
			switch {
			case dep == step.ID:
				return &errors.ValidationError{
					Field:   field + ".needs",
					Message: fmt.Sprintf("step %s depends on itself", step.ID),
				}
			case !ids[dep]:
				return &errors.ValidationError{
					Field:      field + ".needs",
					Message:    fmt.Sprintf("step %s needs unknown step %s", step.ID, dep),
					Suggestion: "reference only step ids declared in this manifest",
				}
			case needs[dep]:
				return &errors.ValidationError{
					Field:   field + ".needs",
					Message: fmt.Sprintf("step %s lists %s twice", step.ID, dep),
				}
			}
			needs[dep] = true
		}

		names := make(map[string]bool, len(step.Inputs))
		for j, in := range step.Inputs {
			inField := fmt.Sprintf("%s.inputs[%d]", field, j)
			if in.Name == "" {
				return &errors.ValidationError{Field: inField + ".name", Message: "input name is required"}
			}
			if names[in.Name] {
				return &errors.ValidationError{
					Field:   inField + ".name",
					Message: fmt.Sprintf("duplicate input %s on step %s", in.Name, step.ID),
				}
			}
			names[in.Name] = true
			if !needs[in.FromStep] {
				return &errors.ValidationError{
					Field:      inField + ".from_step",
					Message:    fmt.Sprintf("input %s reads from %q which is not in needs", in.Name, in.FromStep),
					Suggestion: "add the upstream step to 'needs'",
				}
			}
		}
	}

	if cycle := findCycle(m); cycle != nil {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    fmt.Sprintf("dependency cycle: %s", joinPath(cycle)),
			Suggestion: "remove one of the needs edges in the cycle",
		}
	}

	return nil
}
