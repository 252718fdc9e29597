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
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tombee/ferry/pkg/table"
)

// FileStore keeps every artifact as a snapshot directory under
// <root>/artifacts/<step>/<key>/. Directories appear atomically: files are
// written to a sibling temp directory which is then renamed into place.
type FileStore struct {
	root string

	mu       sync.Mutex
	resolved map[consumerKey]*table.Table
}

// NewFileStore creates a file store rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:     root,
		resolved: make(map[consumerKey]*table.Table),
	}
}

// Root returns the directory artifact paths are relative to.
func (s *FileStore) Root() string {
	return s.root
}

// Store implements Store.
func (s *FileStore) Store(ctx context.Context, stepID, key string, t *table.Table) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := t.Normalize(); err != nil {
		return Ref{}, fmt.Errorf("normalizing %s/%s: %w", stepID, key, err)
	}
	_, files, err := EncodeSnapshot(t)
	if err != nil {
		return Ref{}, err
	}
	return s.Install(ctx, stepID, key, files)
}

// Install implements Store. The snapshot is verified before it becomes
// visible.
func (s *FileStore) Install(ctx context.Context, stepID, key string, files map[string][]byte) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := validateName("step", stepID); err != nil {
		return Ref{}, err
	}
	if err := validateName("key", key); err != nil {
		return Ref{}, err
	}
	_, m, err := DecodeSnapshot(files)
	if err != nil {
		return Ref{}, fmt.Errorf("installing %s/%s: %w", stepID, key, err)
	}

	rel := RelPath(stepID, key)
	final := filepath.Join(s.root, filepath.FromSlash(rel))
	parent := filepath.Dir(final)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Ref{}, fmt.Errorf("creating artifact dir: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, "."+key+".tmp-")
	if err != nil {
		return Ref{}, fmt.Errorf("creating temp artifact dir: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			os.RemoveAll(tmp)
		}
	}()

	for _, name := range []string{ManifestFile, DataFile} {
		if err := os.WriteFile(filepath.Join(tmp, name), files[name], 0o644); err != nil {
			return Ref{}, fmt.Errorf("writing %s: %w", name, err)
		}
	}

	// A retried attempt replaces the previous output.
	if err := os.RemoveAll(final); err != nil {
		return Ref{}, fmt.Errorf("replacing artifact %s: %w", rel, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return Ref{}, fmt.Errorf("publishing artifact %s: %w", rel, err)
	}
	cleanup = false

	return RefFromManifest(stepID, key, rel, m), nil
}

// Resolve implements Store.
func (s *FileStore) Resolve(ctx context.Context, consumer string, ref Ref) (*table.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref.Location != LocationFile {
		return nil, fmt.Errorf("file store cannot resolve %s artifact %s", ref.Location, ref.ID)
	}

	ck := consumerKey{consumer: consumer, id: ref.ID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.resolved[ck]; ok {
		return t, nil
	}

	files, err := s.exportLocked(ref)
	if err != nil {
		return nil, err
	}
	t, m, err := DecodeSnapshot(files)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", ref.Path, err)
	}
	if m.Digest != ref.Digest {
		return nil, fmt.Errorf("artifact %s changed on disk: digest %s, want %s", ref.Path, m.Digest, ref.Digest)
	}

	s.resolved[ck] = t
	return t, nil
}

// Release implements Store.
func (s *FileStore) Release(consumer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.resolved {
		if k.consumer == consumer {
			delete(s.resolved, k)
		}
	}
}

// Export implements Store.
func (s *FileStore) Export(ctx context.Context, ref Ref) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.exportLocked(ref)
}

func (s *FileStore) exportLocked(ref Ref) (map[string][]byte, error) {
	if ref.Location != LocationFile {
		return nil, fmt.Errorf("file store cannot export %s artifact %s", ref.Location, ref.ID)
	}
	dir, err := s.dir(ref)
	if err != nil {
		return nil, err
	}
	files, err := ReadSnapshotFiles(dir)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", ref.Path, err)
	}
	return files, nil
}

func (s *FileStore) dir(ref Ref) (string, error) {
	if err := validateName("step", ref.StepID); err != nil {
		return "", err
	}
	if err := validateName("key", ref.Key); err != nil {
		return "", err
	}
	if ref.Path != RelPath(ref.StepID, ref.Key) {
		return "", fmt.Errorf("artifact path %q does not match %s/%s", ref.Path, ref.StepID, ref.Key)
	}
	return filepath.Join(s.root, filepath.FromSlash(ref.Path)), nil
}
