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
	"sync"

	"github.com/tombee/ferry/pkg/table"
)

// MemoryStore keeps small tables in memory and spills tables larger than
// SpillThreshold cells to its backing FileStore. References it produces
// differ from FileStore references only in Location and Path.
type MemoryStore struct {
	backing   *FileStore
	threshold int

	mu       sync.Mutex
	tables   map[string]*table.Table
	resolved map[consumerKey]*table.Table
}

// NewMemoryStore creates a memory store. A threshold of zero keeps
// everything in memory.
func NewMemoryStore(backing *FileStore, spillThreshold int) *MemoryStore {
	return &MemoryStore{
		backing:   backing,
		threshold: spillThreshold,
		tables:    make(map[string]*table.Table),
		resolved:  make(map[consumerKey]*table.Table),
	}
}

// Store implements Store.
func (s *MemoryStore) Store(ctx context.Context, stepID, key string, t *table.Table) (Ref, error) {
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if err := validateName("step", stepID); err != nil {
		return Ref{}, err
	}
	if err := validateName("key", key); err != nil {
		return Ref{}, err
	}
	if s.threshold > 0 && t.Cells() > s.threshold {
		return s.backing.Store(ctx, stepID, key, t)
	}

	if err := t.Normalize(); err != nil {
		return Ref{}, fmt.Errorf("normalizing %s/%s: %w", stepID, key, err)
	}
	m, _, err := EncodeSnapshot(t)
	if err != nil {
		return Ref{}, err
	}

	ref := Ref{
		ID:       RefID(stepID, key, m.Digest),
		StepID:   stepID,
		Key:      key,
		Kind:     KindTable,
		Location: LocationMemory,
		RowCount: m.RowCount,
		Schema:   m.Schema,
		Digest:   m.Digest,
		Bytes:    m.Bytes,
	}

	s.mu.Lock()
	s.tables[ref.ID] = t.Clone()
	s.mu.Unlock()
	return ref, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, consumer string, ref Ref) (*table.Table, error) {
	if ref.Location == LocationFile {
		return s.backing.Resolve(ctx, consumer, ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ck := consumerKey{consumer: consumer, id: ref.ID}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.resolved[ck]; ok {
		return t, nil
	}
	t, ok := s.tables[ref.ID]
	if !ok {
		return nil, fmt.Errorf("artifact %s (%s/%s) is not in memory", ref.ID, ref.StepID, ref.Key)
	}
	out := t.Clone()
	s.resolved[ck] = out
	return out, nil
}

// Release implements Store.
func (s *MemoryStore) Release(consumer string) {
	s.backing.Release(consumer)
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.resolved {
		if k.consumer == consumer {
			delete(s.resolved, k)
		}
	}
}

// Export implements Store.
func (s *MemoryStore) Export(ctx context.Context, ref Ref) (map[string][]byte, error) {
	if ref.Location == LocationFile {
		return s.backing.Export(ctx, ref)
	}
	s.mu.Lock()
	t, ok := s.tables[ref.ID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("artifact %s is not in memory", ref.ID)
	}
	_, files, err := EncodeSnapshot(t)
	return files, err
}

// Install implements Store. Installed artifacts always land on disk.
func (s *MemoryStore) Install(ctx context.Context, stepID, key string, files map[string][]byte) (Ref, error) {
	return s.backing.Install(ctx, stepID, key, files)
}

// Persist writes every in-memory artifact to the backing store so the
// session directory holds a complete copy. It returns the on-disk ref for
// each persisted artifact, keyed by the in-memory ref's ID.
func (s *MemoryStore) Persist(ctx context.Context, refs []Ref) (map[string]Ref, error) {
	persisted := make(map[string]Ref)
	for _, ref := range refs {
		if ref.Location != LocationMemory {
			continue
		}
		files, err := s.Export(ctx, ref)
		if err != nil {
			return persisted, err
		}
		onDisk, err := s.backing.Install(ctx, ref.StepID, ref.Key, files)
		if err != nil {
			return persisted, err
		}
		persisted[ref.ID] = onDisk
	}
	return persisted, nil
}
