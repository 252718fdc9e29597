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
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/ferry/pkg/table"
)

func sampleTable(t *testing.T) *table.Table {
	t.Helper()
	tbl, err := table.New(
		[]table.Column{{Name: "id", Type: table.TypeInt}, {Name: "amount", Type: table.TypeFloat}, {Name: "note"}},
		[][]any{{1, 2.0, "a"}, {2, 3.25, nil}, {int64(9007199254740993), -1, "é"}},
	)
	require.NoError(t, err)
	return tbl
}

func TestSnapshotRoundTrip(t *testing.T) {
	tbl := sampleTable(t)

	m, files, err := EncodeSnapshot(tbl)
	require.NoError(t, err)
	assert.Equal(t, SnapshotFormat, m.Format)
	assert.Equal(t, 3, m.RowCount)
	assert.Len(t, m.Digest, 64)

	got, m2, err := DecodeSnapshot(files)
	require.NoError(t, err)
	assert.Equal(t, m, m2)
	assert.True(t, table.Equal(tbl, got), "decoded table differs: %v", got.Rows)
	assert.Equal(t, int64(9007199254740993), got.Rows[2][0], "large ints survive the JSON boundary")
	assert.Equal(t, 2.0, got.Rows[0][1], "integral floats stay floats")
}

func TestDecodeSnapshot_DigestMismatch(t *testing.T) {
	_, files, err := EncodeSnapshot(sampleTable(t))
	require.NoError(t, err)

	other, err := table.New([]table.Column{{Name: "id", Type: table.TypeInt}, {Name: "amount", Type: table.TypeFloat}, {Name: "note"}}, [][]any{{7, 1, "x"}})
	require.NoError(t, err)
	_, otherFiles, err := EncodeSnapshot(other)
	require.NoError(t, err)

	files[DataFile] = otherFiles[DataFile]
	_, _, err = DecodeSnapshot(files)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch")
}

func TestFileStore_StoreResolve(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := NewFileStore(root)

	ref, err := store.Store(ctx, "extract", "default", sampleTable(t))
	require.NoError(t, err)

	assert.Equal(t, LocationFile, ref.Location)
	assert.Equal(t, "artifacts/extract/default", ref.Path)
	assert.Equal(t, 3, ref.RowCount)
	assert.FileExists(t, filepath.Join(root, "artifacts", "extract", "default", ManifestFile))
	assert.FileExists(t, filepath.Join(root, "artifacts", "extract", "default", DataFile))

	entries, err := os.ReadDir(filepath.Join(root, "artifacts", "extract"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp directories left behind")

	first, err := store.Resolve(ctx, "load", ref)
	require.NoError(t, err)
	second, err := store.Resolve(ctx, "load", ref)
	require.NoError(t, err)
	assert.Same(t, first, second, "one materialization per consumer")

	other, err := store.Resolve(ctx, "audit", ref)
	require.NoError(t, err)
	assert.NotSame(t, first, other)

	store.Release("load")
	third, err := store.Resolve(ctx, "load", ref)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
}

func TestFileStore_StoreReplacesPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(t.TempDir())

	_, err := store.Store(ctx, "s", "default", sampleTable(t))
	require.NoError(t, err)

	smaller, err := table.New([]table.Column{{Name: "id", Type: table.TypeInt}}, [][]any{{1}})
	require.NoError(t, err)
	ref, err := store.Store(ctx, "s", "default", smaller)
	require.NoError(t, err)

	got, err := store.Resolve(ctx, "c", ref)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RowCount())
}

func TestFileStore_RejectsUnsafeNames(t *testing.T) {
	store := NewFileStore(t.TempDir())
	_, err := store.Store(context.Background(), "..", "default", sampleTable(t))
	require.Error(t, err)
	_, err = store.Store(context.Background(), "s", "../x", sampleTable(t))
	require.Error(t, err)
}

func TestMemoryStore_ParityWithFileStore(t *testing.T) {
	ctx := context.Background()
	fileStore := NewFileStore(t.TempDir())
	memStore := NewMemoryStore(NewFileStore(t.TempDir()), 0)

	fileRef, err := fileStore.Store(ctx, "x", "out", sampleTable(t))
	require.NoError(t, err)
	memRef, err := memStore.Store(ctx, "x", "out", sampleTable(t))
	require.NoError(t, err)

	assert.Equal(t, LocationMemory, memRef.Location)
	assert.Empty(t, memRef.Path)
	assert.Equal(t, fileRef.ID, memRef.ID)
	assert.Equal(t, fileRef.Digest, memRef.Digest)
	assert.Equal(t, fileRef.Schema, memRef.Schema)
	assert.Equal(t, fileRef.Bytes, memRef.Bytes)

	fromFile, err := fileStore.Resolve(ctx, "c", fileRef)
	require.NoError(t, err)
	fromMem, err := memStore.Resolve(ctx, "c", memRef)
	require.NoError(t, err)
	assert.True(t, table.Equal(fromFile, fromMem))

	again, err := memStore.Resolve(ctx, "c", memRef)
	require.NoError(t, err)
	assert.Same(t, fromMem, again)
}

func TestMemoryStore_Spill(t *testing.T) {
	ctx := context.Background()
	backing := NewFileStore(t.TempDir())
	store := NewMemoryStore(backing, 5)

	small, err := table.New([]table.Column{{Name: "n", Type: table.TypeInt}}, [][]any{{1}, {2}})
	require.NoError(t, err)
	ref, err := store.Store(ctx, "small", "default", small)
	require.NoError(t, err)
	assert.Equal(t, LocationMemory, ref.Location)

	big := sampleTable(t)
	ref, err = store.Store(ctx, "big", "default", big)
	require.NoError(t, err)
	assert.Equal(t, LocationFile, ref.Location)
	assert.DirExists(t, filepath.Join(backing.Root(), "artifacts", "big", "default"))

	got, err := store.Resolve(ctx, "c", ref)
	require.NoError(t, err)
	assert.Equal(t, 3, got.RowCount())
}

func TestMemoryStore_PersistAndInstall(t *testing.T) {
	ctx := context.Background()
	backing := NewFileStore(t.TempDir())
	store := NewMemoryStore(backing, 0)

	ref, err := store.Store(ctx, "a", "default", sampleTable(t))
	require.NoError(t, err)
	persisted, err := store.Persist(ctx, []Ref{ref})
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(backing.Root(), "artifacts", "a", "default"))
	require.Contains(t, persisted, ref.ID)
	onDisk := persisted[ref.ID]
	assert.Equal(t, LocationFile, onDisk.Location)
	assert.NotEmpty(t, onDisk.Path)
	assert.Equal(t, ref.Digest, onDisk.Digest)
	assert.Equal(t, ref.RowCount, onDisk.RowCount)

	files, err := store.Export(ctx, ref)
	require.NoError(t, err)
	installed, err := store.Install(ctx, "b", "default", files)
	require.NoError(t, err)
	assert.Equal(t, ref.Digest, installed.Digest)
	assert.Equal(t, LocationFile, installed.Location)
	assert.NotEqual(t, ref.ID, installed.ID, "ids are scoped to the producing step")
}

type fakePutter struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakePutter) PutObject(_ context.Context, bucket, object string, r io.Reader, _ int64, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+object] = data
	return minio.UploadInfo{Bucket: bucket, Key: object, Size: int64(len(data))}, nil
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := NewFileStore(dir)
	_, err := store.Store(ctx, "extract", "default", sampleTable(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.jsonl"), []byte("{}\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "artifacts", "x", ".default.tmp-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "artifacts", "x", ".default.tmp-1", "junk"), nil, 0o644))

	putter := &fakePutter{objects: map[string][]byte{}}
	n, err := NewPublisher(putter, "runs", nil).Publish(ctx, "sess-1", dir)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var keys []string
	for k := range putter.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"runs/sessions/sess-1/artifacts/extract/default/data.json.zst",
		"runs/sessions/sess-1/artifacts/extract/default/manifest.json",
		"runs/sessions/sess-1/events.jsonl",
	}, keys)
}
