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

package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/session"
	"github.com/tombee/ferry/pkg/errors"
)

// Mock is a test double for Adapter.
type Mock struct {
	// ExecuteStepFunc is called when ExecuteStep is invoked. When nil a
	// step succeeds with one empty default output.
	ExecuteStepFunc func(ctx context.Context, req StepRequest) (*StepResult, error)

	// PrepareErr is returned by Prepare.
	PrepareErr error

	// FingerprintValue is returned by Fingerprint.
	FingerprintValue string

	mu        sync.Mutex
	calls     []StepRequest
	prepared  bool
	cleanups  int
	artifacts map[string]map[string][]byte
}

// Prepare implements Adapter.
func (m *Mock) Prepare(ctx context.Context, sess *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepared = m.PrepareErr == nil
	return m.PrepareErr
}

// ExecuteStep implements Adapter.
func (m *Mock) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	req.phase(PhaseResolvingInputs)
	req.phase(PhaseRunning)
	if m.ExecuteStepFunc != nil {
		res, err := m.ExecuteStepFunc(ctx, req)
		if err != nil {
			return nil, errors.ToStepError(err)
		}
		return res, nil
	}
	return &StepResult{Outputs: map[string]artifact.Ref{
		"default": {ID: "artifact-" + req.StepID, StepID: req.StepID, Key: "default", Kind: artifact.KindTable},
	}}, nil
}

// Cleanup implements Adapter.
func (m *Mock) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	return nil
}

// Fingerprint implements Adapter.
func (m *Mock) Fingerprint() string {
	return m.FingerprintValue
}

// DriverVersion implements Adapter.
func (m *Mock) DriverVersion(name string) string {
	return "mock"
}

// Export implements Adapter. It returns the files last imported for ref.
func (m *Mock) Export(ctx context.Context, ref artifact.Ref) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.artifacts[ref.StepID+"/"+ref.Key]
	if !ok {
		return map[string][]byte{"ref": []byte(ref.ID)}, nil
	}
	return files, nil
}

// Import implements Adapter.
func (m *Mock) Import(ctx context.Context, stepID, key string, files map[string][]byte) (artifact.Ref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.artifacts == nil {
		m.artifacts = make(map[string]map[string][]byte)
	}
	m.artifacts[stepID+"/"+key] = files
	return artifact.Ref{
		ID:     fmt.Sprintf("imported-%s-%s", stepID, key),
		StepID: stepID,
		Key:    key,
		Kind:   artifact.KindTable,
	}, nil
}

// Durable implements Adapter.
func (m *Mock) Durable(ref artifact.Ref) artifact.Ref { return ref }

// Calls returns the step ids executed, in order.
func (m *Mock) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.calls))
	for i, c := range m.calls {
		ids[i] = c.StepID
	}
	return ids
}

// Requests returns every request made, in order.
func (m *Mock) Requests() []StepRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StepRequest(nil), m.calls...)
}

// Cleanups returns how many times Cleanup ran.
func (m *Mock) Cleanups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanups
}

var _ Adapter = (*Mock)(nil)
