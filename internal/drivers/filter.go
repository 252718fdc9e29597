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

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/table"
)

// filter keeps the rows of its single input for which the "where"
// expression is true. Column values are variables in the expression.
// An optional "select" list projects columns.
func newFilter(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		where, err := requireString(req.Config, "where")
		if err != nil {
			return nil, err
		}
		in, err := singleInput(req)
		if err != nil {
			return nil, err
		}

		program, err := expr.Compile(where,
			expr.Env(map[string]any{}),
			expr.AllowUndefinedVariables(),
			expr.AsBool(),
		)
		if err != nil {
			return nil, &errors.ConfigError{Key: "where", Reason: "invalid expression", Cause: err}
		}

		out := &table.Table{Columns: in.Schema()}
		env := make(map[string]any, len(in.Columns))
		var machine vm.VM
		for r, row := range in.Rows {
			if r%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			for c, col := range in.Columns {
				env[col.Name] = row[c]
			}
			keep, err := machine.Run(program, env)
			if err != nil {
				return nil, fmt.Errorf("evaluating %q on row %d: %w", where, r, err)
			}
			if keep.(bool) {
				out.Rows = append(out.Rows, append([]any(nil), row...))
			}
		}

		if sel, ok := req.Config["select"].([]any); ok && len(sel) > 0 {
			out, err = project(out, sel)
			if err != nil {
				return nil, err
			}
		}

		if req.Emit != nil {
			req.Emit("rows_filtered", map[string]any{"kept": out.RowCount(), "dropped": in.RowCount() - out.RowCount()})
		}
		return single(out), nil
	}), nil
}

func project(t *table.Table, sel []any) (*table.Table, error) {
	idx := make([]int, len(sel))
	cols := make([]table.Column, len(sel))
	for i, s := range sel {
		name, _ := s.(string)
		c := t.ColumnIndex(name)
		if c < 0 {
			return nil, &errors.ConfigError{Key: "select", Reason: fmt.Sprintf("unknown column %q", name)}
		}
		idx[i] = c
		cols[i] = t.Columns[c]
	}
	out := &table.Table{Columns: cols, Rows: make([][]any, len(t.Rows))}
	for r, row := range t.Rows {
		nr := make([]any, len(idx))
		for i, c := range idx {
			nr[i] = row[c]
		}
		out.Rows[r] = nr
	}
	return out, nil
}
