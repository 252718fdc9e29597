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

package orchestrator

import (
	"fmt"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
)

// assembleInputs builds the named input map of step from the recorded
// outputs of its upstream steps. Explicit bindings replace the automatic
// ones: the default output of an upstream is bound as <from>, any other
// key as <from>.<key>.
func assembleInputs(step manifest.Step, outputs func(id string) map[string]artifact.Ref) (map[string]artifact.Ref, error) {
	inputs := make(map[string]artifact.Ref)

	if len(step.Inputs) > 0 {
		for _, b := range step.Inputs {
			ref, ok := outputs(b.FromStep)[b.OutputKey()]
			if !ok {
				return nil, &errors.ConfigError{
					Key:    fmt.Sprintf("steps.%s.inputs.%s", step.ID, b.Name),
					Reason: fmt.Sprintf("step %s produced no output %q", b.FromStep, b.OutputKey()),
				}
			}
			inputs[b.Name] = ref
		}
		return inputs, nil
	}

	for _, from := range step.Needs {
		for key, ref := range outputs(from) {
			name := from
			if key != manifest.DefaultKey {
				name = from + "." + key
			}
			inputs[name] = ref
		}
	}
	return inputs, nil
}
