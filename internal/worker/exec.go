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

package worker

import (
	"context"
	"fmt"
	"sort"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/table"
)

// EventInputsResolved is emitted once a step's inputs are materialized,
// right before its driver runs.
const EventInputsResolved = "inputs_resolved"

// Sink receives the events and metrics a step produces.
type Sink interface {
	Event(name string, fields map[string]any)
	Metric(name string, value float64, labels map[string]string)
}

// StepInput describes one step execution.
type StepInput struct {
	StepID string
	Driver string
	Config map[string]any
	Inputs map[string]artifact.Ref
}

// Outcome is what a successful step produced.
type Outcome struct {
	Outputs map[string]artifact.Ref
	RowsIn  int
	RowsOut int
}

// ExecuteStep resolves inputs from store, runs the driver and stores its
// outputs. Both execution modes go through here.
func ExecuteStep(ctx context.Context, reg *registry.Registry, store artifact.Store, in StepInput, sink Sink) (*Outcome, error) {
	driver, err := reg.Resolve(in.Driver)
	if err != nil {
		return nil, err
	}

	defer store.Release(in.StepID)

	out := &Outcome{Outputs: make(map[string]artifact.Ref)}
	inputs := make(map[string]*table.Table, len(in.Inputs))
	for _, name := range sortedKeys(in.Inputs) {
		ref := in.Inputs[name]
		t, err := store.Resolve(ctx, in.StepID, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving input %s: %w", name, err)
		}
		inputs[name] = t
		out.RowsIn += ref.RowCount
	}
	sink.Event(EventInputsResolved, map[string]any{"inputs": len(inputs), "rows_in": out.RowsIn})

	res, err := driver.Run(ctx, registry.Request{
		StepID: in.StepID,
		Config: in.Config,
		Inputs: inputs,
		Emit:   sink.Event,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &registry.Result{}
	}

	for _, key := range sortedKeys(res.Outputs) {
		ref, err := store.Store(ctx, in.StepID, key, res.Outputs[key])
		if err != nil {
			return nil, fmt.Errorf("storing output %s: %w", key, err)
		}
		out.Outputs[key] = ref
		if n, ok := res.RowCounts[key]; ok {
			out.RowsOut += n
		} else {
			out.RowsOut += ref.RowCount
		}
	}
	for key, n := range res.RowCounts {
		if _, stored := res.Outputs[key]; !stored {
			out.RowsOut += n
		}
	}

	labels := map[string]string{"step": in.StepID, "driver": in.Driver}
	sink.Metric("rows_in", float64(out.RowsIn), labels)
	sink.Metric("rows_out", float64(out.RowsOut), labels)
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
