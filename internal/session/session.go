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

// Package session owns the on-disk record of one pipeline run: the
// artifact tree, the event and metric logs and the final step records.
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/ferry/internal/artifact"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/telemetry"
	"github.com/tombee/ferry/pkg/manifest"
)

// Files inside a session directory.
const (
	EventsFile  = "events.jsonl"
	MetricsFile = "metrics.jsonl"
	RecordsFile = "records.json"
)

// Event is one line of events.jsonl.
type Event struct {
	Seq       int64          `json:"seq"`
	Time      time.Time      `json:"ts"`
	SessionID string         `json:"session_id"`
	StepID    string         `json:"step_id,omitempty"`
	Event     string         `json:"event"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Options configures New.
type Options struct {
	// BaseDir holds one directory per session.
	BaseDir string

	// Manifest is the pipeline being run.
	Manifest *manifest.Manifest

	// ID overrides the generated session id.
	ID string

	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// Collectors receive the session's metrics. Defaults to the
	// process-wide collectors.
	Collectors *telemetry.Collectors

	// Publisher uploads the session directory on Close when set.
	Publisher *artifact.Publisher

	// OnEvent observes every event after it is appended, in order.
	OnEvent func(Event)
}

// Session is safe for concurrent use.
type Session struct {
	ID       string
	Dir      string
	Manifest *manifest.Manifest

	mu     sync.Mutex
	events *os.File
	seq    int64
	closed bool

	telemetry *telemetry.Telemetry
	publisher *artifact.Publisher
	onEvent   func(Event)
	logger    *slog.Logger
}

// New creates the session directory and opens its logs.
func New(opts Options) (*Session, error) {
	if opts.BaseDir == "" {
		return nil, fmt.Errorf("session base directory is required")
	}
	m := opts.Manifest
	if m == nil {
		m = &manifest.Manifest{}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	dir := filepath.Join(opts.BaseDir, id)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	events, err := os.OpenFile(filepath.Join(dir, EventsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	tel, err := telemetry.New(telemetry.Options{
		Path:           filepath.Join(dir, MetricsFile),
		TracerProvider: opts.TracerProvider,
		Collectors:     opts.Collectors,
	})
	if err != nil {
		events.Close()
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	return &Session{
		ID:        id,
		Dir:       dir,
		Manifest:  m,
		events:    events,
		telemetry: tel,
		publisher: opts.Publisher,
		onEvent:   opts.OnEvent,
		logger:    ferrylog.WithSessionContext(logger, id, m.Name),
	}, nil
}

// Logger returns a logger carrying the session fields.
func (s *Session) Logger() *slog.Logger {
	return s.logger
}

// Telemetry returns the session's metric recorder.
func (s *Session) Telemetry() *telemetry.Telemetry {
	return s.telemetry
}

// Emit appends an event. stepID may be empty for run-level events.
func (s *Session) Emit(stepID, event string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("session %s is closed", s.ID)
	}

	s.seq++
	e := Event{
		Seq:       s.seq,
		Time:      time.Now().UTC(),
		SessionID: s.ID,
		StepID:    stepID,
		Event:     event,
		Fields:    fields,
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event, err)
	}
	if _, err := s.events.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if s.onEvent != nil {
		s.onEvent(e)
	}
	return nil
}

// RecordMetric appends a metric and updates the session counters.
func (s *Session) RecordMetric(name string, value float64, labels map[string]string) error {
	return s.telemetry.Emit(telemetry.Metric{Name: name, Value: value, Labels: labels})
}

// WriteRecords replaces records.json with v.
func (s *Session) WriteRecords(v any) error {
	return WriteJSONAtomic(filepath.Join(s.Dir, RecordsFile), v)
}

// Close flushes the logs and publishes the session when a publisher is
// configured. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var errs []error
	if err := s.events.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync event log: %w", err))
	}
	if err := s.events.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event log: %w", err))
	}
	s.mu.Unlock()

	if err := s.telemetry.Close(); err != nil {
		errs = append(errs, err)
	}

	if s.publisher != nil && len(errs) == 0 {
		if _, err := s.publisher.Publish(ctx, s.ID, s.Dir); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing session %s: %w", s.ID, errors.Join(errs...))
	}
	s.logger.Debug("session closed", slog.String("dir", s.Dir))
	return nil
}

// WriteJSONAtomic writes v as indented JSON through a temp file and a
// rename.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// ReadEvents parses an events.jsonl file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var events []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}
