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
)

// FactorySelector picks the best available factory.
type FactorySelector struct {
	factories []Factory
}

// NewFactorySelector prefers containers and falls back to processes.
func NewFactorySelector() *FactorySelector {
	return &FactorySelector{
		factories: []Factory{
			NewDockerFactory(),
			NewProcessFactory(),
		},
	}
}

// SelectFactory chooses the first available factory. The bool reports
// whether the choice is degraded (no container isolation).
func (s *FactorySelector) SelectFactory(ctx context.Context) (Factory, bool, error) {
	for _, factory := range s.factories {
		if factory.Available(ctx) {
			return factory, factory.Type() == TypeProcess, nil
		}
	}
	return nil, false, fmt.Errorf("no sandbox factory available")
}

// NewFactory returns the factory for a configured sandbox type: "auto",
// "docker", "podman" or "process".
func NewFactory(ctx context.Context, kind string) (Factory, bool, error) {
	switch kind {
	case "", "auto":
		return NewFactorySelector().SelectFactory(ctx)
	case "docker", "podman":
		f := NewRuntimeFactory(kind)
		if !f.Available(ctx) {
			return nil, false, fmt.Errorf("sandbox type %s requested but %s is not installed", kind, kind)
		}
		return f, false, nil
	case "process":
		return NewProcessFactory(), true, nil
	default:
		return nil, false, fmt.Errorf("unknown sandbox type %q", kind)
	}
}

// DegradedModeWarning explains what a process sandbox does not provide.
func DegradedModeWarning() string {
	return `WARNING: running in degraded sandbox mode

Status:  Container runtime (Docker/Podman) not available

Isolation:
  ✓ Private sandbox directory
  ✓ Minimal environment, nothing inherited from the host
  ✓ Separate process group, terminated on cancel
  ✗ No memory or process limits
  ✗ No network isolation

Install Docker or Podman for full isolation, or set sandbox.type.
`
}
