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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/internal/registry"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/table"
)

func run(t *testing.T, impl string, cfg map[string]any, inputs map[string]*table.Table) (*registry.Result, error) {
	t.Helper()
	d, err := Factories()[impl](registry.Spec{Name: impl})
	require.NoError(t, err)
	return d.Run(context.Background(), registry.Request{StepID: "step", Config: cfg, Inputs: inputs})
}

func orders(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		[]table.Column{{Name: "id", Type: table.TypeInt}, {Name: "status"}, {Name: "amount", Type: table.TypeFloat}},
		[][]any{{1, "active", 10.5}, {2, "closed", 3}, {3, "active", 7}},
	)
	require.NoError(t, err)
	return tbl
}

func TestBuiltinSpecs(t *testing.T) {
	specs := BuiltinSpecs()
	factories := Factories()
	require.Len(t, specs, len(factories))
	for _, s := range specs {
		_, ok := factories[s.Implementation()]
		assert.True(t, ok, "spec %s has no implementation", s.Name)
	}
}

func TestNewRegistry_PostgresNeedsEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	var events []string
	r, summary := NewRegistry(context.Background(), nil, registry.PopulateOptions{},
		registry.WithEventSink(func(event string, fields map[string]any) {
			events = append(events, fmt.Sprintf("%s:%s:%s", event, fields["driver"], fields["reason"]))
		}))

	assert.Len(t, summary.Ready, len(Factories())-1)
	assert.Equal(t, []string{"driver_unavailable:postgres.extract:missing_env"}, events)

	_, err := r.Resolve("postgres.extract")
	var unavailable *ferryerrors.DriverUnavailableError
	require.ErrorAs(t, err, &unavailable)

	_, err = r.Resolve("filter")
	require.NoError(t, err)
}

func TestInline(t *testing.T) {
	res, err := run(t, "inline", map[string]any{
		"columns": []any{map[string]any{"name": "n", "type": "int"}, "label"},
		"rows":    []any{[]any{1, "a"}, []any{2.0, "b"}},
	}, nil)
	require.NoError(t, err)
	out := res.Outputs["default"]
	assert.Equal(t, [][]any{{int64(1), "a"}, {int64(2), "b"}}, out.Rows)

	res, err = run(t, "inline", map[string]any{
		"records": []any{map[string]any{"x": 1}, map[string]any{"x": 2.5}},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, table.TypeFloat, res.Outputs["default"].Columns[0].Type)

	_, err = run(t, "inline", map[string]any{}, nil)
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))
}

func TestCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out", "orders.csv")

	res, err := run(t, "csv.write", map[string]any{"path": out}, map[string]*table.Table{"orders": orders(t)})
	require.NoError(t, err)
	assert.Empty(t, res.Outputs)
	assert.Equal(t, 3, res.RowCounts["default"])

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "id,status,amount\n1,active,10.5\n2,closed,3\n3,active,7\n", string(data))

	res, err = run(t, "csv.extract", map[string]any{"path": out}, nil)
	require.NoError(t, err)
	got := res.Outputs["default"]
	assert.Equal(t, table.Schema{{Name: "id", Type: table.TypeInt}, {Name: "status", Type: table.TypeString}, {Name: "amount", Type: table.TypeFloat}}, got.Schema())
	assert.True(t, table.Equal(orders(t), got))
}

func TestCSVExtract_Options(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.tsv")
	require.NoError(t, os.WriteFile(path, []byte("1\tx\n2\ty\n"), 0o644))

	res, err := run(t, "csv.extract", map[string]any{"path": path, "delimiter": "\t", "header": false}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, res.Outputs["default"].Schema().Names())

	res, err = run(t, "csv.extract", map[string]any{
		"path": path, "delimiter": "\t", "header": false,
		"columns": []any{map[string]any{"name": "code", "type": "string"}, "name"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Outputs["default"].Rows[0][0])

	_, err = run(t, "csv.extract", map[string]any{"path": filepath.Join(t.TempDir(), "nope.csv")}, nil)
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))

	_, err = run(t, "csv.extract", map[string]any{"path": path, "delimiter": "ab"}, nil)
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))
}

func TestFilter(t *testing.T) {
	res, err := run(t, "filter", map[string]any{
		"where":  "status == 'active' && amount > 8",
		"select": []any{"id"},
	}, map[string]*table.Table{"orders": orders(t)})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(1)}}, res.Outputs["default"].Rows)

	_, err = run(t, "filter", map[string]any{"where": "status =="}, map[string]*table.Table{"orders": orders(t)})
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))

	_, err = run(t, "filter", map[string]any{"where": "true"}, map[string]*table.Table{"a": orders(t), "b": orders(t)})
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))

	res, err = run(t, "filter", map[string]any{"where": "true", "input": "b"}, map[string]*table.Table{"a": orders(t), "b": orders(t)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Outputs["default"].RowCount())
}

func TestJQ(t *testing.T) {
	res, err := run(t, "jq", map[string]any{
		"query": "map(select(.status == \"active\") | {id, cents: (.amount * 100 | floor)})",
	}, map[string]*table.Table{"orders": orders(t)})
	require.NoError(t, err)

	out := res.Outputs["default"]
	assert.Equal(t, table.Schema{{Name: "cents", Type: table.TypeInt}, {Name: "id", Type: table.TypeInt}}, out.Schema())
	assert.Equal(t, [][]any{{int64(1050), int64(1)}, {int64(700), int64(3)}}, out.Rows)

	res, err = run(t, "jq", map[string]any{"query": "empty"}, map[string]*table.Table{"orders": orders(t)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Outputs["default"].RowCount())

	_, err = run(t, "jq", map[string]any{"query": "map(.id)"}, map[string]*table.Table{"orders": orders(t)})
	require.Error(t, err)
	assert.Equal(t, ferryerrors.KindDriver, ferryerrors.Classify(err))
}

func TestUnion(t *testing.T) {
	res, err := run(t, "union", nil, map[string]*table.Table{"b": orders(t), "a": orders(t)})
	require.NoError(t, err)
	assert.Equal(t, 6, res.Outputs["default"].RowCount())

	other, err := table.New([]table.Column{{Name: "id", Type: table.TypeInt}}, nil)
	require.NoError(t, err)
	_, err = run(t, "union", nil, map[string]*table.Table{"a": orders(t), "b": other})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestClassifyPG(t *testing.T) {
	tests := []struct {
		err  error
		want ferryerrors.Kind
	}{
		{&pgconn.PgError{Code: "08006"}, ferryerrors.KindTransient},
		{&pgconn.PgError{Code: "40001"}, ferryerrors.KindTransient},
		{&pgconn.PgError{Code: "42P01"}, ferryerrors.KindDriver},
		{context.DeadlineExceeded, ferryerrors.KindTransient},
		{errors.New("syntax"), ferryerrors.KindDriver},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ferryerrors.Classify(classifyPG("op", tt.err)), "%v", tt.err)
	}
}

func TestFromPG(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, int64(3), fromPG(int32(3)))
	assert.Equal(t, "2024-01-02T03:04:05Z", fromPG(ts))
	assert.Equal(t, "abc", fromPG([]byte("abc")))
	assert.Nil(t, fromPG(nil))
}

func TestPostgresExtract_NoDSN(t *testing.T) {
	t.Setenv("FERRY_TEST_DSN", "")
	_, err := run(t, "postgres.extract", map[string]any{"query": "select 1", "dsn_env": "FERRY_TEST_DSN"}, nil)
	assert.Equal(t, ferryerrors.KindConfig, ferryerrors.Classify(err))
}
