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

package drivers

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/table"
)

// union concatenates every input in input-name order. All inputs must
// share one schema.
func newUnion(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		if len(req.Inputs) == 0 {
			return nil, fmt.Errorf("union of step %s has no inputs", req.StepID)
		}
		names := make([]string, 0, len(req.Inputs))
		for name := range req.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)

		first := req.Inputs[names[0]]
		out := &table.Table{Columns: first.Schema()}
		for _, name := range names {
			in := req.Inputs[name]
			if !reflect.DeepEqual(in.Schema(), first.Schema()) {
				return nil, fmt.Errorf("union: input %s has schema [%s], want [%s]", name, in.Schema(), first.Schema())
			}
			for _, row := range in.Rows {
				out.Rows = append(out.Rows, append([]any(nil), row...))
			}
		}
		return single(out), nil
	}), nil
}
