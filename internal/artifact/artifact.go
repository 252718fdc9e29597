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

// Package artifact stores step outputs and hands them to consuming steps.
//
// Every artifact has a canonical on-disk snapshot form so that the local
// and sandboxed adapters produce identical references for identical data.
package artifact

import (
	"context"
	"fmt"
	"regexp"

	"github.com/tombee/ferry/internal/idgen"
	"github.com/tombee/ferry/pkg/table"
)

// Kind is the payload kind of an artifact.
type Kind string

// KindTable is the only payload kind today.
const KindTable Kind = "table"

// Location says where an artifact's payload lives.
type Location string

const (
	LocationMemory Location = "memory"
	LocationFile   Location = "file"
)

// Ref points at a stored artifact.
type Ref struct {
	ID       string       `json:"id"`
	StepID   string       `json:"step_id"`
	Key      string       `json:"key"`
	Kind     Kind         `json:"kind"`
	Location Location     `json:"location"`
	Path     string       `json:"path,omitempty"`
	RowCount int          `json:"row_count"`
	Schema   table.Schema `json:"schema"`
	Digest   string       `json:"digest"`
	Bytes    int64        `json:"bytes"`
}

// Store persists step outputs and materializes them for consumers.
type Store interface {
	// Store normalizes t and records it as the output key of stepID.
	Store(ctx context.Context, stepID, key string, t *table.Table) (Ref, error)

	// Resolve materializes ref for consumer. Repeated calls by the same
	// consumer return the same payload without re-reading it.
	Resolve(ctx context.Context, consumer string, ref Ref) (*table.Table, error)

	// Release drops everything materialized for consumer.
	Release(consumer string)

	// Export returns the snapshot files of ref keyed by file name.
	Export(ctx context.Context, ref Ref) (map[string][]byte, error)

	// Install writes snapshot files as the output key of stepID and
	// returns the resulting file reference.
	Install(ctx context.Context, stepID, key string, files map[string][]byte) (Ref, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

func validateName(what, name string) error {
	if !keyPattern.MatchString(name) {
		return fmt.Errorf("invalid artifact %s %q", what, name)
	}
	return nil
}

// RefID names an artifact. It depends only on logical content, never on
// where the artifact is stored.
func RefID(stepID, key, digest string) string {
	return idgen.MustID("artifact", map[string]string{
		"step":   stepID,
		"key":    key,
		"digest": digest,
	})
}

// RelPath is the artifact directory relative to a session root.
func RelPath(stepID, key string) string {
	return "artifacts/" + stepID + "/" + key
}

type consumerKey struct {
	consumer string
	id       string
}
