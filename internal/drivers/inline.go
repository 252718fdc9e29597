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

	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/table"
)

// inline emits rows declared in config, either as
//
//	columns: [{name, type}]
//	rows: [[...], ...]
//
// or as records: [{...}, ...] with inferred column types.
func newInline(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		if records, ok := req.Config["records"].([]any); ok {
			recs := make([]map[string]any, len(records))
			for i, r := range records {
				m, ok := r.(map[string]any)
				if !ok {
					return nil, &errors.ConfigError{Key: fmt.Sprintf("records[%d]", i), Reason: "must be an object"}
				}
				recs[i] = m
			}
			t, err := table.FromRecords(recs)
			if err != nil {
				return nil, &errors.ConfigError{Key: "records", Reason: err.Error()}
			}
			return single(t), nil
		}

		cols, err := columnsOpt(req.Config, "columns")
		if err != nil {
			return nil, err
		}
		if len(cols) == 0 {
			return nil, &errors.ConfigError{Key: "columns", Reason: "inline driver needs columns and rows, or records"}
		}

		var rows [][]any
		if raw, ok := req.Config["rows"]; ok && raw != nil {
			list, ok := raw.([]any)
			if !ok {
				return nil, &errors.ConfigError{Key: "rows", Reason: "must be a list of lists"}
			}
			rows = make([][]any, len(list))
			for i, r := range list {
				row, ok := r.([]any)
				if !ok {
					return nil, &errors.ConfigError{Key: fmt.Sprintf("rows[%d]", i), Reason: "must be a list"}
				}
				rows[i] = append([]any(nil), row...)
			}
		}

		t, err := table.New(cols, rows)
		if err != nil {
			return nil, &errors.ConfigError{Key: "rows", Reason: err.Error()}
		}
		return single(t), nil
	}), nil
}
