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

package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/pkg/errors"
)

// Status is the execution state of a step.
type Status string

const (
	// StatusPending indicates the step has not started yet.
	StatusPending Status = "pending"
	// StatusResolvingInputs indicates the step's inputs are being materialized.
	StatusResolvingInputs Status = "resolving_inputs"
	// StatusRunning indicates the step's driver is executing.
	StatusRunning Status = "running"
	// StatusSucceeded indicates the step completed successfully.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the step failed.
	StatusFailed Status = "failed"
	// StatusSkipped indicates the step never ran.
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Record is the execution record of one step.
type Record struct {
	StepID     string                  `json:"step_id"`
	Driver     string                  `json:"driver"`
	Status     Status                  `json:"status"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	EndedAt    *time.Time              `json:"ended_at,omitempty"`
	RowsIn     int                     `json:"rows_in"`
	RowsOut    int                     `json:"rows_out"`
	Artifacts  map[string]artifact.Ref `json:"artifacts,omitempty"`
	Error      *errors.StepError       `json:"error,omitempty"`
	RetryCount int                     `json:"retry_count"`
	SkipReason string                  `json:"skip_reason,omitempty"`
	Cached     bool                    `json:"cached,omitempty"`
}

// ErrTerminal is returned when a finished record is asked to change.
var ErrTerminal = fmt.Errorf("record is in a terminal state")

// ledger owns every record of a run. All mutation goes through it.
type ledger struct {
	mu      sync.Mutex
	records map[string]*Record
	order   []string
	now     func() time.Time
}

func newLedger(ids []string, drivers map[string]string, now func() time.Time) *ledger {
	l := &ledger{records: make(map[string]*Record, len(ids)), order: ids, now: now}
	for _, id := range ids {
		l.records[id] = &Record{StepID: id, Driver: drivers[id], Status: StatusPending}
	}
	return l
}

// transition moves a record to a non-terminal phase.
func (l *ledger) transition(id string, to Status) error {
	return l.update(id, func(r *Record) error {
		if to == StatusPending {
			return fmt.Errorf("step %s cannot return to pending", id)
		}
		if r.StartedAt == nil {
			t := l.now()
			r.StartedAt = &t
		}
		r.Status = to
		return nil
	})
}

func (l *ledger) succeed(id string, rowsIn, rowsOut int, outputs map[string]artifact.Ref, cached bool) error {
	return l.finish(id, StatusSucceeded, func(r *Record) {
		r.RowsIn = rowsIn
		r.RowsOut = rowsOut
		r.Artifacts = outputs
		r.Cached = cached
	})
}

func (l *ledger) fail(id string, stepErr *errors.StepError) error {
	return l.finish(id, StatusFailed, func(r *Record) {
		r.Error = stepErr
	})
}

func (l *ledger) skip(id, reason string) error {
	return l.finish(id, StatusSkipped, func(r *Record) {
		r.SkipReason = reason
	})
}

func (l *ledger) setRetries(id string, n int) error {
	return l.update(id, func(r *Record) error {
		r.RetryCount = n
		return nil
	})
}

func (l *ledger) finish(id string, to Status, apply func(*Record)) error {
	return l.update(id, func(r *Record) error {
		r.Status = to
		t := l.now()
		r.EndedAt = &t
		apply(r)
		return nil
	})
}

func (l *ledger) update(id string, fn func(*Record) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[id]
	if !ok {
		return &errors.NotFoundError{Resource: "step", ID: id}
	}
	if r.Status.Terminal() {
		return fmt.Errorf("step %s is %s: %w", id, r.Status, ErrTerminal)
	}
	return fn(r)
}

func (l *ledger) status(id string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id].Status
}

func (l *ledger) outputs(id string) map[string]artifact.Ref {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records[id].Artifacts
}

// relocate rewrites every recorded artifact ref through fn.
func (l *ledger) relocate(fn func(artifact.Ref) artifact.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.records {
		if len(r.Artifacts) == 0 {
			continue
		}
		moved := make(map[string]artifact.Ref, len(r.Artifacts))
		for key, ref := range r.Artifacts {
			moved[key] = fn(ref)
		}
		r.Artifacts = moved
	}
}

// snapshot returns copies of every record in run order.
func (l *ledger) snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.order))
	for i, id := range l.order {
		out[i] = *l.records[id]
	}
	return out
}
