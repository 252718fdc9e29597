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

// Package orchestrator runs a pipeline manifest step by step in
// topological order through an execution adapter. It is the only writer
// of step records and decides retries, skips and the run outcome.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/ferry/internal/adapter"
	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/audit"
	"github.com/tombee/ferry/internal/cache"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/internal/retry"
	"github.com/tombee/ferry/internal/session"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Skip reasons that are not about an upstream step.
const (
	ReasonRunCancelled         = "run cancelled"
	ReasonTransportUnavailable = "transport unavailable"
)

// Failure identifies the first step that failed.
type Failure struct {
	StepID  string      `json:"step_id"`
	Kind    errors.Kind `json:"kind"`
	Message string      `json:"message"`
}

// Summary is the result of a run. It is also what records.json holds.
type Summary struct {
	SessionID    string    `json:"session_id"`
	Pipeline     string    `json:"pipeline"`
	Status       RunStatus `json:"status"`
	FirstFailure *Failure  `json:"first_failure,omitempty"`
	Skipped      []string  `json:"skipped,omitempty"`
	Records      []Record  `json:"records"`
	Fingerprint  string    `json:"fingerprint"`
	Dir          string    `json:"dir"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
}

// Record returns the record of a step.
func (s *Summary) Record(stepID string) (Record, bool) {
	for _, r := range s.Records {
		if r.StepID == stepID {
			return r, true
		}
	}
	return Record{}, false
}

// Options configures an Orchestrator.
type Options struct {
	// Adapter executes the steps. Required.
	Adapter adapter.Adapter

	// SessionsDir holds one directory per run.
	SessionsDir string

	// SessionID overrides the generated session id.
	SessionID string

	Retry retry.Policy

	// StepTimeout bounds each attempt of a step. Zero means no limit.
	StepTimeout time.Duration

	// Cache enables step-output caching when set.
	Cache *cache.Cache

	// Audit records run and step actions when set.
	Audit *audit.Logger

	// Publisher uploads the session directory after the run when set.
	Publisher *artifact.Publisher

	TracerProvider trace.TracerProvider
	Logger         *slog.Logger

	// Now overrides the clock used for record timestamps.
	Now func() time.Time
}

// Orchestrator runs one pipeline at a time.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{opts: opts, logger: ferrylog.WithComponent(logger, "orchestrator")}
}

// Run executes m. The error is non-nil only when the run could not start:
// an invalid manifest is a *errors.ValidationError and nothing executes.
// Step failures are reported in the summary.
func (o *Orchestrator) Run(ctx context.Context, m *manifest.Manifest) (*Summary, error) {
	if o.opts.Adapter == nil {
		return nil, &errors.ConfigError{Key: "adapter", Reason: "no execution adapter configured"}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	order, err := m.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(order))
	drivers := make(map[string]string, len(order))
	for i, s := range order {
		ids[i] = s.ID
		drivers[s.ID] = s.Driver
	}

	r := &run{
		o:       o,
		m:       m,
		order:   order,
		ledger:  newLedger(ids, drivers, o.opts.Now),
		adapter: o.opts.Adapter,
	}
	sess, err := session.New(session.Options{
		BaseDir:        o.opts.SessionsDir,
		ID:             o.opts.SessionID,
		Manifest:       m,
		Logger:         o.logger,
		TracerProvider: o.opts.TracerProvider,
		Publisher:      o.opts.Publisher,
		OnEvent:        r.observe,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	r.sess = sess
	r.logger = sess.Logger()
	return r.execute(ctx), nil
}

// run is the state of one Run call.
type run struct {
	o       *Orchestrator
	m       *manifest.Manifest
	order   []manifest.Step
	ledger  *ledger
	adapter adapter.Adapter
	sess    *session.Session
	logger  *slog.Logger
}

func (r *run) execute(ctx context.Context) *Summary {
	started := r.o.opts.Now()
	ctx, span := r.sess.Telemetry().StartSpan(ctx, "ferry.run", map[string]string{
		"ferry.pipeline":   r.m.Name,
		"ferry.session_id": r.sess.ID,
	})
	defer span.End()

	r.audit(audit.ActionRunStart, r.m.Name, audit.ResultSuccess, nil, nil)
	r.emit("", "run_started", map[string]any{"pipeline": r.m.Name, "steps": len(r.order)})
	r.logger.Info("run started", slog.Int("steps", len(r.order)))

	defer r.closeSession(ctx)
	cleaned := false
	defer func() {
		if !cleaned {
			r.cleanupAdapter(ctx)
		}
	}()

	if err := r.adapter.Prepare(ctx, r.sess); err != nil {
		r.prepareFailed(err)
	} else {
		for _, step := range r.order {
			r.schedule(ctx, step)
		}
	}

	// Records are written once the adapter has persisted its artifacts,
	// so every ref in them names a durable location.
	r.cleanupAdapter(ctx)
	cleaned = true
	r.ledger.relocate(r.adapter.Durable)

	summary := r.summarize(ctx, started)
	span.SetAttributes(attribute.String("ferry.status", string(summary.Status)))
	if summary.FirstFailure != nil {
		span.SetStatus(codes.Error, summary.FirstFailure.Message)
	}

	result := audit.ResultSuccess
	if summary.Status != RunSucceeded {
		result = audit.ResultFailure
	}
	r.audit(audit.ActionRunFinish, r.m.Name, result, nil, map[string]any{
		"status":  string(summary.Status),
		"skipped": len(summary.Skipped),
	})
	r.emit("", "run_finished", map[string]any{"status": string(summary.Status)})
	if err := r.sess.WriteRecords(summary); err != nil {
		r.logger.Error("failed to write step records", ferrylog.Error(err))
	}
	r.logger.Info("run finished",
		slog.String("status", string(summary.Status)),
		ferrylog.Duration(ferrylog.DurationKey, summary.EndedAt.Sub(started).Milliseconds()))
	return summary
}

func (r *run) prepareFailed(err error) {
	stepErr := errors.ToStepError(err)
	r.logger.Error("adapter prepare failed", ferrylog.Error(err))
	r.emit("", "prepare_failed", map[string]any{"kind": string(stepErr.Kind), "message": stepErr.Message})
	for _, step := range r.order {
		r.failStep(step, &errors.StepError{
			Kind:    stepErr.Kind,
			Message: "prepare failed: " + stepErr.Message,
			Causes:  stepErr.Causes,
		})
	}
}

// schedule runs one step or records why it did not run.
func (r *run) schedule(ctx context.Context, step manifest.Step) {
	if r.ledger.status(step.ID).Terminal() {
		return
	}
	if ctx.Err() != nil {
		r.skipStep(step, ReasonRunCancelled)
		return
	}
	for _, need := range step.Needs {
		switch r.ledger.status(need) {
		case StatusFailed:
			r.skipStep(step, fmt.Sprintf("upstream step %s failed", need))
			return
		case StatusSkipped:
			r.skipStep(step, fmt.Sprintf("upstream step %s skipped", need))
			return
		}
	}

	ctx, span := r.sess.Telemetry().StartSpan(ctx, "ferry.step", map[string]string{
		"ferry.step_id": step.ID,
		"ferry.driver":  step.Driver,
	})
	defer span.End()

	inputs, err := assembleInputs(step, r.ledger.outputs)
	if err != nil {
		r.failStep(step, errors.ToStepError(err))
		return
	}

	if r.o.opts.Cache != nil && r.fromCache(ctx, step, inputs) {
		span.SetAttributes(attribute.Bool("ferry.cached", true))
		return
	}

	logger := ferrylog.WithStepContext(r.logger, step.ID, step.Driver)
	policy := r.o.opts.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		stepErr := errors.ToStepError(err)
		logger.Warn("retrying step",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			ferrylog.Error(err))
		r.check(r.ledger.setRetries(step.ID, attempt))
		r.emit(step.ID, "step_retry", map[string]any{
			"attempt":  attempt,
			"kind":     string(stepErr.Kind),
			"message":  stepErr.Message,
			"delay_ms": delay.Milliseconds(),
		})
		r.audit(audit.ActionStepRetry, step.ID, audit.ResultFailure, err, map[string]any{"attempt": attempt})
	}

	var result *adapter.StepResult
	attempts, err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if timeout := r.o.opts.StepTimeout; timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		// TODO: send a cancel command to the worker when an attempt times
		// out so a retry does not queue behind the abandoned exec_step.
		res, err := r.adapter.ExecuteStep(ctx, adapter.StepRequest{
			StepID: step.ID,
			Driver: step.Driver,
			Config: step.Config,
			Inputs: inputs,
			OnPhase: func(p adapter.Phase) {
				r.check(r.ledger.transition(step.ID, Status(p)))
			},
		})
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	r.check(r.ledger.setRetries(step.ID, attempts-1))

	if err != nil {
		if ctx.Err() != nil {
			r.skipStep(step, ReasonRunCancelled)
			return
		}
		stepErr := errors.ToStepError(err)
		span.SetStatus(codes.Error, stepErr.Message)
		r.failStep(step, stepErr)
		if stepErr.Kind == errors.KindTransport {
			r.transportLost(step)
		}
		return
	}

	r.check(r.ledger.succeed(step.ID, result.RowsIn, result.RowsOut, result.Outputs, false))
	r.finished(step, StatusSucceeded, map[string]any{
		"rows_in":  result.RowsIn,
		"rows_out": result.RowsOut,
		"retries":  attempts - 1,
	})
	r.audit(audit.ActionStepExecute, step.ID, audit.ResultSuccess, nil, map[string]any{
		"driver":   step.Driver,
		"rows_out": result.RowsOut,
		"attempts": attempts,
	})
	for _, d := range result.Downloads {
		res := audit.ResultSuccess
		if d.Skipped {
			res = audit.ResultSkipped
		}
		r.audit(audit.ActionArtifactDownload, d.Artifact, res, nil, map[string]any{"bytes": d.Bytes, "reason": d.Reason})
	}
	if r.o.opts.Cache != nil {
		r.storeCache(ctx, step, inputs, result)
	}
}

// transportLost fails every unfinished step once the worker channel is
// gone. Nothing after this point can run.
func (r *run) transportLost(failed manifest.Step) {
	r.logger.Error("transport lost, failing remaining steps", slog.String(ferrylog.StepIDKey, failed.ID))
	for _, step := range r.order {
		if r.ledger.status(step.ID).Terminal() {
			continue
		}
		r.failStep(step, &errors.StepError{Kind: errors.KindTransport, Message: ReasonTransportUnavailable})
	}
}

func (r *run) failStep(step manifest.Step, stepErr *errors.StepError) {
	if err := r.ledger.fail(step.ID, stepErr); err != nil {
		r.check(err)
		return
	}
	r.finished(step, StatusFailed, map[string]any{"kind": string(stepErr.Kind), "message": stepErr.Message})
	r.audit(audit.ActionStepExecute, step.ID, audit.ResultFailure, stepErr, map[string]any{"driver": step.Driver})
}

func (r *run) skipStep(step manifest.Step, reason string) {
	if err := r.ledger.skip(step.ID, reason); err != nil {
		r.check(err)
		return
	}
	r.finished(step, StatusSkipped, map[string]any{"reason": reason})
	r.audit(audit.ActionStepSkip, step.ID, audit.ResultSkipped, nil, map[string]any{"reason": reason})
}

// finished logs, emits and counts a terminal step transition.
func (r *run) finished(step manifest.Step, status Status, fields map[string]any) {
	logger := ferrylog.WithStepContext(r.logger, step.ID, step.Driver)
	switch status {
	case StatusFailed:
		logger.Error("step failed", slog.Any("kind", fields["kind"]), slog.Any("message", fields["message"]))
	case StatusSkipped:
		logger.Info("step skipped", slog.Any("reason", fields["reason"]))
	default:
		logger.Info("step succeeded", slog.Any("rows_out", fields["rows_out"]))
	}
	r.emit(step.ID, "step_"+string(status), fields)
	if err := r.sess.Telemetry().Count("steps_total", map[string]string{"status": string(status)}); err != nil {
		logger.Warn("failed to record step metric", ferrylog.Error(err))
	}
}

func (r *run) summarize(ctx context.Context, started time.Time) *Summary {
	s := &Summary{
		SessionID:   r.sess.ID,
		Pipeline:    r.m.Name,
		Status:      RunSucceeded,
		Records:     r.ledger.snapshot(),
		Fingerprint: r.adapter.Fingerprint(),
		Dir:         r.sess.Dir,
		StartedAt:   started,
		EndedAt:     r.o.opts.Now(),
	}
	for _, rec := range s.Records {
		switch rec.Status {
		case StatusFailed:
			if s.FirstFailure == nil {
				s.FirstFailure = &Failure{StepID: rec.StepID, Kind: rec.Error.Kind, Message: rec.Error.Message}
			}
		case StatusSkipped:
			s.Skipped = append(s.Skipped, rec.StepID)
		}
	}
	switch {
	case ctx.Err() != nil:
		s.Status = RunCancelled
	case s.FirstFailure != nil:
		s.Status = RunFailed
	}
	return s
}

func (r *run) cleanupAdapter(ctx context.Context) {
	if err := r.adapter.Cleanup(ctx); err != nil {
		r.logger.Error("adapter cleanup failed", ferrylog.Error(err))
		r.emit("", "cleanup_failed", map[string]any{"error": err.Error()})
	}
}

func (r *run) closeSession(ctx context.Context) {
	if err := r.sess.Close(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("failed to close session", ferrylog.Error(err))
	}
}

// observe audits registry events as they reach the session log.
func (r *run) observe(e session.Event) {
	if e.Event != registry.EventDriverUnavailable {
		return
	}
	name, _ := e.Fields["driver"].(string)
	reason, _ := e.Fields["reason"].(string)
	r.audit(audit.ActionDriverUnavailable, name, audit.ResultFailure, nil, map[string]any{"reason": reason})
}

func (r *run) emit(stepID, event string, fields map[string]any) {
	if err := r.sess.Emit(stepID, event, fields); err != nil {
		r.logger.Warn("failed to record event", slog.String("event", event), ferrylog.Error(err))
	}
}

func (r *run) audit(action audit.Action, resource string, result audit.Result, err error, detail map[string]any) {
	if r.o.opts.Audit == nil {
		return
	}
	entry := audit.Entry{
		SessionID: r.sessionID(),
		Action:    action,
		Resource:  resource,
		Result:    result,
		Detail:    detail,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if lerr := r.o.opts.Audit.Log(entry); lerr != nil {
		r.o.logger.Warn("failed to write audit entry", slog.String("action", string(action)), ferrylog.Error(lerr))
	}
}

func (r *run) sessionID() string {
	if r.sess == nil {
		return r.o.opts.SessionID
	}
	return r.sess.ID
}

// check logs a record update the ledger refused.
func (r *run) check(err error) {
	if err != nil {
		r.logger.Warn("step record update rejected", ferrylog.Error(err))
	}
}
