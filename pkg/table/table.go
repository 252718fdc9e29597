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

// Package table defines the tabular payload handed between pipeline steps.
//
// A Table is column-ordered and row-ordered. Cell values are always one of
// nil, string, int64, float64 or bool once normalized, which is what makes
// the local and sandboxed adapters agree bit for bit.
package table

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeString ColumnType = "string"
	TypeInt    ColumnType = "int"
	TypeFloat  ColumnType = "float"
	TypeBool   ColumnType = "bool"
)

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool:
		return true
	}
	return false
}

// Column describes one column.
type Column struct {
	Name string     `json:"name" yaml:"name"`
	Type ColumnType `json:"type" yaml:"type"`
}

// Schema is the ordered column list of a table.
type Schema []Column

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, c := range s {
		names[i] = c.Name
	}
	return names
}

// String renders the schema as "name:type, ...".
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, c := range s {
		parts[i] = c.Name + ":" + string(c.Type)
	}
	return strings.Join(parts, ", ")
}

// Table is an in-memory tabular payload.
type Table struct {
	Columns []Column
	Rows    [][]any
}

// New builds a normalized table. Every row must have one value per column.
func New(columns []Column, rows [][]any) (*Table, error) {
	t := &Table{Columns: columns, Rows: rows}
	if err := t.Normalize(); err != nil {
		return nil, err
	}
	return t, nil
}

// Schema returns a copy of the column list.
func (t *Table) Schema() Schema {
	out := make(Schema, len(t.Columns))
	copy(out, t.Columns)
	return out
}

// RowCount returns the number of rows.
func (t *Table) RowCount() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Cells returns rows times columns.
func (t *Table) Cells() int {
	if t == nil {
		return 0
	}
	return len(t.Rows) * len(t.Columns)
}

// ColumnIndex returns the position of the named column or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Normalize validates the schema and coerces every cell in place to the
// canonical Go type of its column. Row order is preserved.
func (t *Table) Normalize() error {
	seen := make(map[string]bool, len(t.Columns))
	for i, c := range t.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[c.Name] = true
		if c.Type == "" {
			t.Columns[i].Type = TypeString
		} else if !c.Type.Valid() {
			return fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
	}

	for r, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", r, len(row), len(t.Columns))
		}
		for c, v := range row {
			coerced, err := Coerce(v, t.Columns[c].Type)
			if err != nil {
				return fmt.Errorf("row %d column %q: %w", r, t.Columns[c].Name, err)
			}
			row[c] = coerced
		}
	}
	return nil
}

// Coerce converts v to the canonical representation of typ.
// nil is preserved as a null cell.
func Coerce(v any, typ ColumnType) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = string(n)
		if typ == TypeString {
			return v, nil
		}
	}

	switch typ {
	case TypeString, "":
		switch x := v.(type) {
		case string:
			return x, nil
		case bool:
			return strconv.FormatBool(x), nil
		case float64:
			return strconv.FormatFloat(x, 'g', -1, 64), nil
		case float32:
			return strconv.FormatFloat(float64(x), 'g', -1, 32), nil
		}
		if i, ok := asInt(v); ok {
			return strconv.FormatInt(i, 10), nil
		}
		return fmt.Sprint(v), nil

	case TypeInt:
		if i, ok := asInt(v); ok {
			return i, nil
		}
		switch x := v.(type) {
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				return int64(x), nil
			}
		case float32:
			if f := float64(x); f == math.Trunc(f) {
				return int64(f), nil
			}
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
				return int64(f), nil
			}
		}

	case TypeFloat:
		if i, ok := asInt(v); ok {
			return float64(i), nil
		}
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f, nil
			}
		}

	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			s := strings.TrimSpace(x)
			if s == "" {
				return nil, nil
			}
			if b, err := strconv.ParseBool(s); err == nil {
				return b, nil
			}
		}

	default:
		return nil, fmt.Errorf("unknown column type %q", typ)
	}

	return nil, fmt.Errorf("cannot convert %T %v to %s", v, v, typ)
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	}
	return 0, false
}

// InferType picks the narrowest column type that holds every non-nil value.
func InferType(values []any) ColumnType {
	var sawBool, sawInt, sawFloat, sawOther bool
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, ok := asInt(v); ok {
			sawInt = true
			continue
		}
		switch x := v.(type) {
		case bool:
			sawBool = true
		case float64:
			if x == math.Trunc(x) && !math.IsInf(x, 0) {
				sawInt = true
			} else {
				sawFloat = true
			}
		case float32:
			sawFloat = true
		default:
			sawOther = true
		}
	}

	switch {
	case sawOther:
		return TypeString
	case sawBool && (sawInt || sawFloat):
		return TypeString
	case sawBool:
		return TypeBool
	case sawFloat:
		return TypeFloat
	case sawInt:
		return TypeInt
	default:
		return TypeString
	}
}

// FromRecords builds a table from row objects. Columns are the union of
// keys in first-seen order, with keys of a single record sorted, and types
// are inferred per column.
func FromRecords(records []map[string]any) (*Table, error) {
	var names []string
	index := make(map[string]int)
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			if _, ok := index[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			index[k] = len(names)
			names = append(names, k)
		}
	}

	rows := make([][]any, len(records))
	for r, rec := range records {
		row := make([]any, len(names))
		for k, v := range rec {
			row[index[k]] = v
		}
		rows[r] = row
	}

	columns := make([]Column, len(names))
	for c, name := range names {
		values := make([]any, len(rows))
		for r := range rows {
			values[r] = rows[r][c]
		}
		columns[c] = Column{Name: name, Type: InferType(values)}
	}

	return New(columns, rows)
}

// Records returns each row as a column-name keyed map.
func (t *Table) Records() []map[string]any {
	out := make([]map[string]any, len(t.Rows))
	for r, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for c, col := range t.Columns {
			rec[col.Name] = row[c]
		}
		out[r] = rec
	}
	return out
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Columns: make([]Column, len(t.Columns)),
		Rows:    make([][]any, len(t.Rows)),
	}
	copy(out.Columns, t.Columns)
	for i, row := range t.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}
	return out
}

// Equal reports whether two tables have the same schema and the same
// cells in the same order.
func Equal(a, b *Table) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !reflect.DeepEqual(a.Schema(), b.Schema()) {
		return false
	}
	if len(a.Rows) != len(b.Rows) {
		return false
	}
	for i := range a.Rows {
		if !reflect.DeepEqual(a.Rows[i], b.Rows[i]) {
			return false
		}
	}
	return true
}
