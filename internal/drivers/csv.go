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
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/tombee/ferry/internal/registry"
	ferryerrors "github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
	"github.com/tombee/ferry/pkg/table"
)

func delimiter(cfg map[string]any) (rune, error) {
	d := stringOpt(cfg, "delimiter", ",")
	r, size := utf8.DecodeRuneInString(d)
	if size != len(d) || r == utf8.RuneError {
		return 0, &ferryerrors.ConfigError{Key: "delimiter", Reason: fmt.Sprintf("must be a single character, got %q", d)}
	}
	return r, nil
}

// csv.extract reads a file. Without a columns list the first record is the
// header and every column is typed by inference over its values.
func newCSVExtract(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		path, err := requireString(req.Config, "path")
		if err != nil {
			return nil, err
		}
		delim, err := delimiter(req.Config)
		if err != nil {
			return nil, err
		}
		cols, err := columnsOpt(req.Config, "columns")
		if err != nil {
			return nil, err
		}
		header := boolOpt(req.Config, "header", true)

		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, &ferryerrors.ConfigError{Key: "path", Reason: fmt.Sprintf("%s does not exist", path), Cause: err}
			}
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.Comma = delim
		r.ReuseRecord = false

		var names []string
		var rows [][]any
		for line := 1; ; line++ {
			if line%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", path, err)
			}
			if header && names == nil {
				names = rec
				continue
			}
			row := make([]any, len(rec))
			for i, v := range rec {
				row[i] = v
			}
			rows = append(rows, row)
		}

		if len(cols) == 0 {
			if names == nil && len(rows) > 0 {
				for i := range rows[0] {
					names = append(names, "c"+strconv.Itoa(i+1))
				}
			}
			cols = make([]table.Column, len(names))
			for c, name := range names {
				values := make([]any, len(rows))
				for r := range rows {
					if c < len(rows[r]) {
						values[r] = inferCSV(rows[r][c].(string))
					}
				}
				cols[c] = table.Column{Name: name, Type: table.InferType(values)}
			}
		}

		t, err := table.New(cols, rows)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if req.Emit != nil {
			req.Emit("csv_read", map[string]any{"path": filepath.Base(path), "rows": t.RowCount()})
		}
		return single(t), nil
	}), nil
}

// inferCSV turns a raw field into the most specific value it spells.
func inferCSV(s string) any {
	if s == "" {
		return nil
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil && (s == "true" || s == "false") {
		return b
	}
	return s
}

// csv.write writes its single input. It produces no artifact; the number
// of rows written is reported as its output row count.
func newCSVWrite(registry.Spec) (registry.Driver, error) {
	return registry.DriverFunc(func(ctx context.Context, req registry.Request) (*registry.Result, error) {
		path, err := requireString(req.Config, "path")
		if err != nil {
			return nil, err
		}
		delim, err := delimiter(req.Config)
		if err != nil {
			return nil, err
		}
		in, err := singleInput(req)
		if err != nil {
			return nil, err
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating output dir: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(path), ".ferry-csv-*")
		if err != nil {
			return nil, fmt.Errorf("creating %s: %w", path, err)
		}
		defer os.Remove(tmp.Name())

		w := csv.NewWriter(tmp)
		w.Comma = delim
		if boolOpt(req.Config, "header", true) {
			if err := w.Write(in.Schema().Names()); err != nil {
				tmp.Close()
				return nil, err
			}
		}
		rec := make([]string, len(in.Columns))
		for _, row := range in.Rows {
			for c, v := range row {
				rec[c] = formatCell(v)
			}
			if err := w.Write(rec); err != nil {
				tmp.Close()
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			tmp.Close()
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
		if err := tmp.Close(); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}
		if err := os.Rename(tmp.Name(), path); err != nil {
			return nil, fmt.Errorf("writing %s: %w", path, err)
		}

		return &registry.Result{RowCounts: map[string]int{manifest.DefaultKey: in.RowCount()}}, nil
	}), nil
}

func formatCell(v any) string {
	if v == nil {
		return ""
	}
	s, _ := table.Coerce(v, table.TypeString)
	return s.(string)
}
