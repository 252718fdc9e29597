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

	"github.com/itchyny/gojq"

	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/table"
)

// jq runs "query" once over the array of records of its single input.
// Every emitted object becomes a row; an emitted array contributes each of
// its objects.
func newJQ(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		src, err := requireString(req.Config, "query")
		if err != nil {
			return nil, err
		}
		in, err := singleInput(req)
		if err != nil {
			return nil, err
		}

		query, err := gojq.Parse(src)
		if err != nil {
			return nil, &errors.ConfigError{Key: "query", Reason: "parse error", Cause: err}
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, &errors.ConfigError{Key: "query", Reason: "compile error", Cause: err}
		}

		records := make([]any, len(in.Rows))
		for r, row := range in.Rows {
			rec := make(map[string]any, len(in.Columns))
			for c, col := range in.Columns {
				rec[col.Name] = toJQ(row[c])
			}
			records[r] = rec
		}

		var out []map[string]any
		iter := code.RunWithContext(ctx, records)
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				return nil, fmt.Errorf("jq: %w", err)
			}
			switch x := v.(type) {
			case map[string]any:
				out = append(out, x)
			case []any:
				for i, item := range x {
					m, ok := item.(map[string]any)
					if !ok {
						return nil, fmt.Errorf("jq: element %d of emitted array is %T, want object", i, item)
					}
					out = append(out, m)
				}
			case nil:
			default:
				return nil, fmt.Errorf("jq: emitted %T, want object or array of objects", v)
			}
		}

		if len(out) == 0 {
			return single(&table.Table{Columns: in.Schema()}), nil
		}
		t, err := table.FromRecords(out)
		if err != nil {
			return nil, fmt.Errorf("jq: %w", err)
		}
		return single(t), nil
	}), nil
}

// toJQ converts cell values to the types gojq accepts.
func toJQ(v any) any {
	if i, ok := v.(int64); ok {
		return int(i)
	}
	return v
}
