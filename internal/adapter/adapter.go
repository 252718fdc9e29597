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

// Package adapter runs individual steps for the orchestrator, either in
// the calling process or inside a sandbox through the worker protocol.
// Both adapters produce the same refs, row counts and error taxonomy.
package adapter

import (
	"context"
	"log/slog"

	"github.com/tombee/ferry/internal/artifact"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/session"
	"github.com/tombee/ferry/internal/worker"
)

// Phase is a step state an adapter reports while executing.
type Phase string

const (
	PhaseResolvingInputs Phase = "resolving_inputs"
	PhaseRunning         Phase = "running"
)

// Adapter executes steps for one session.
type Adapter interface {
	// Prepare binds the adapter to a session and readies its drivers.
	Prepare(ctx context.Context, sess *session.Session) error

	// ExecuteStep runs one step. Errors are *errors.StepError.
	ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error)

	// Cleanup releases everything Prepare acquired. It is safe to call
	// more than once and after a failed Prepare.
	Cleanup(ctx context.Context) error

	// Fingerprint identifies the driver set steps execute against.
	Fingerprint() string

	// DriverVersion returns the spec hash of a ready driver.
	DriverVersion(name string) string

	// Export returns the snapshot files of a produced artifact.
	Export(ctx context.Context, ref artifact.Ref) (map[string][]byte, error)

	// Import installs snapshot files as an output of stepID where later
	// steps can resolve it.
	Import(ctx context.Context, stepID, key string, files map[string][]byte) (artifact.Ref, error)

	// Durable returns ref as it stands after Cleanup. Artifacts an
	// adapter kept in memory point at their persisted copy.
	Durable(ref artifact.Ref) artifact.Ref
}

// StepRequest describes one step execution.
type StepRequest struct {
	StepID string
	Driver string
	Config map[string]any
	Inputs map[string]artifact.Ref

	// OnPhase is called as the step moves through its phases.
	OnPhase func(Phase)
}

// StepResult is the outcome of a successful step.
type StepResult struct {
	Outputs map[string]artifact.Ref `json:"outputs"`
	RowsIn  int                     `json:"rows_in"`
	RowsOut int                     `json:"rows_out"`

	// Downloads lists artifacts pulled back from a sandbox.
	Downloads []Download `json:"downloads,omitempty"`
}

// Download records one reconciled artifact.
type Download struct {
	Artifact string `json:"artifact"`
	Bytes    int64  `json:"bytes"`
	Skipped  bool   `json:"skipped,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (r StepRequest) phase(p Phase) {
	if r.OnPhase != nil {
		r.OnPhase(p)
	}
}

// sessionSink forwards step events and metrics to the session. Failures
// are logged; the step keeps running.
type sessionSink struct {
	sess   *session.Session
	req    StepRequest
	logger *slog.Logger
}

func (s sessionSink) Event(name string, fields map[string]any) {
	if name == worker.EventInputsResolved {
		s.req.phase(PhaseRunning)
	}
	if err := s.sess.Emit(s.req.StepID, name, fields); err != nil {
		s.logger.Warn("failed to record step event", slog.String("event", name), ferrylog.Error(err))
	}
}

func (s sessionSink) Metric(name string, value float64, labels map[string]string) {
	if err := s.sess.RecordMetric(name, value, labels); err != nil {
		s.logger.Warn("failed to record step metric", slog.String("metric", name), ferrylog.Error(err))
	}
}
