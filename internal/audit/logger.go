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

// Package audit keeps an append-only record of what a run did: steps
// executed, retried and skipped, cache use and artifact downloads.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Action is the audited operation.
type Action string

const (
	ActionRunStart          Action = "run:start"
	ActionRunFinish         Action = "run:finish"
	ActionStepExecute       Action = "step:execute"
	ActionStepRetry         Action = "step:retry"
	ActionStepSkip          Action = "step:skip"
	ActionCacheHit          Action = "cache:hit"
	ActionCacheStore        Action = "cache:store"
	ActionArtifactDownload  Action = "artifact:download"
	ActionDriverUnavailable Action = "driver:unavailable"
)

// Result is the outcome of an audited action.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultSkipped Result = "skipped"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Action    Action    `json:"action"`
	Resource  string    `json:"resource"`
	Result    Result    `json:"result"`
	Error     string    `json:"error,omitempty"`

	Detail map[string]any `json:"detail,omitempty"`
}

// Logger appends entries and keeps a running count per action. Counts
// survive restarts when the logger is file-backed.
type Logger struct {
	mu         sync.Mutex
	writer     io.Writer
	closer     io.Closer
	counts     map[Action]int
	countsPath string
}

// NewLogger creates a logger over writer with in-memory counts only.
func NewLogger(writer io.Writer) *Logger {
	return &Logger{writer: writer, counts: make(map[Action]int)}
}

// NewFileLogger appends to path and persists counts next to it.
func NewFileLogger(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	l := &Logger{
		writer:     f,
		closer:     f,
		counts:     make(map[Action]int),
		countsPath: CountsPath(path),
	}
	if err := l.loadCounts(); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// CountsPath is where the counters of the log at path are kept.
func CountsPath(path string) string {
	return path + ".counts.json"
}

func (l *Logger) loadCounts() error {
	data, err := os.ReadFile(l.countsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read audit counts: %w", err)
	}
	if err := json.Unmarshal(data, &l.counts); err != nil {
		return fmt.Errorf("failed to parse audit counts %s: %w", l.countsPath, err)
	}
	return nil
}

// Log writes an entry and bumps its action counter. The append, the
// counter update and the counter file write happen in one critical
// section.
func (l *Logger) Log(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	l.counts[entry.Action]++
	return l.writeCountsLocked()
}

func (l *Logger) writeCountsLocked() error {
	if l.countsPath == "" {
		return nil
	}
	data, err := json.Marshal(l.counts)
	if err != nil {
		return fmt.Errorf("failed to marshal audit counts: %w", err)
	}
	tmp := l.countsPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write audit counts: %w", err)
	}
	if err := os.Rename(tmp, l.countsPath); err != nil {
		return fmt.Errorf("failed to replace audit counts: %w", err)
	}
	return nil
}

// Counts returns a copy of the per-action counters.
func (l *Logger) Counts() map[Action]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Action]int, len(l.counts))
	for k, v := range l.counts {
		out[k] = v
	}
	return out
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}
