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

package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/tombee/ferry/internal/idgen"
	"github.com/tombee/ferry/pkg/table"
)

// Snapshot file layout.
const (
	SnapshotFormat = "ferry.columnar/v1"
	ManifestFile   = "manifest.json"
	DataFile       = "data.json.zst"
)

// SnapshotManifest describes a snapshot directory.
type SnapshotManifest struct {
	Format   string       `json:"format"`
	RowCount int          `json:"row_count"`
	Schema   table.Schema `json:"schema"`
	Digest   string       `json:"digest"`
	Bytes    int64        `json:"bytes"`
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	codecErr  error
)

func codec() (*zstd.Encoder, *zstd.Decoder, error) {
	codecOnce.Do(func() {
		encoder, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if codecErr != nil {
			return
		}
		decoder, codecErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	})
	return encoder, decoder, codecErr
}

// EncodeColumns renders t as canonical column-major JSON: one array per
// column, in schema order.
func EncodeColumns(t *table.Table) ([]byte, error) {
	columns := make([][]any, len(t.Columns))
	for c := range t.Columns {
		values := make([]any, len(t.Rows))
		for r, row := range t.Rows {
			values[r] = row[c]
		}
		columns[c] = values
	}
	data, err := json.Marshal(columns)
	if err != nil {
		return nil, fmt.Errorf("encoding columns: %w", err)
	}
	return data, nil
}

// DecodeColumns parses canonical column JSON and coerces values to schema.
func DecodeColumns(data []byte, schema table.Schema, rowCount int) (*table.Table, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var columns [][]any
	if err := dec.Decode(&columns); err != nil {
		return nil, fmt.Errorf("decoding columns: %w", err)
	}
	if len(columns) != len(schema) {
		return nil, fmt.Errorf("snapshot has %d columns, schema has %d", len(columns), len(schema))
	}

	rows := make([][]any, rowCount)
	for r := range rows {
		rows[r] = make([]any, len(schema))
	}
	for c, values := range columns {
		if len(values) != rowCount {
			return nil, fmt.Errorf("column %q has %d values, want %d", schema[c].Name, len(values), rowCount)
		}
		for r, v := range values {
			rows[r][c] = v
		}
	}

	cols := make([]table.Column, len(schema))
	copy(cols, schema)
	return table.New(cols, rows)
}

// EncodeSnapshot produces the manifest and data files for t. t must
// already be normalized.
func EncodeSnapshot(t *table.Table) (SnapshotManifest, map[string][]byte, error) {
	enc, _, err := codec()
	if err != nil {
		return SnapshotManifest{}, nil, err
	}

	raw, err := EncodeColumns(t)
	if err != nil {
		return SnapshotManifest{}, nil, err
	}

	m := SnapshotManifest{
		Format:   SnapshotFormat,
		RowCount: t.RowCount(),
		Schema:   t.Schema(),
		Digest:   idgen.Digest(raw),
		Bytes:    int64(len(raw)),
	}
	manifest, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return SnapshotManifest{}, nil, fmt.Errorf("encoding snapshot manifest: %w", err)
	}

	return m, map[string][]byte{
		ManifestFile: manifest,
		DataFile:     enc.EncodeAll(raw, nil),
	}, nil
}

// DecodeSnapshot verifies and decodes snapshot files.
func DecodeSnapshot(files map[string][]byte) (*table.Table, SnapshotManifest, error) {
	m, err := ParseSnapshotManifest(files[ManifestFile])
	if err != nil {
		return nil, m, err
	}

	compressed, ok := files[DataFile]
	if !ok {
		return nil, m, fmt.Errorf("snapshot is missing %s", DataFile)
	}
	_, dec, err := codec()
	if err != nil {
		return nil, m, err
	}
	raw, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, m, fmt.Errorf("decompressing %s: %w", DataFile, err)
	}
	if digest := idgen.Digest(raw); digest != m.Digest {
		return nil, m, fmt.Errorf("snapshot digest mismatch: manifest %s, data %s", m.Digest, digest)
	}

	t, err := DecodeColumns(raw, m.Schema, m.RowCount)
	if err != nil {
		return nil, m, err
	}
	return t, m, nil
}

// ParseSnapshotManifest decodes and checks a manifest.json payload.
func ParseSnapshotManifest(data []byte) (SnapshotManifest, error) {
	var m SnapshotManifest
	if len(data) == 0 {
		return m, fmt.Errorf("snapshot is missing %s", ManifestFile)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding %s: %w", ManifestFile, err)
	}
	if m.Format != SnapshotFormat {
		return m, fmt.Errorf("unsupported snapshot format %q", m.Format)
	}
	return m, nil
}

// ReadSnapshotFiles loads the snapshot files from dir.
func ReadSnapshotFiles(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte, 2)
	for _, name := range []string{ManifestFile, DataFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		files[name] = data
	}
	return files, nil
}

// RefFromManifest builds a file reference for a snapshot stored under relPath.
func RefFromManifest(stepID, key, relPath string, m SnapshotManifest) Ref {
	return Ref{
		ID:       RefID(stepID, key, m.Digest),
		StepID:   stepID,
		Key:      key,
		Kind:     KindTable,
		Location: LocationFile,
		Path:     relPath,
		RowCount: m.RowCount,
		Schema:   m.Schema,
		Digest:   m.Digest,
		Bytes:    m.Bytes,
	}
}
