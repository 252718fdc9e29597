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

// Package telemetry records run metrics. Every metric updates a
// per-session counter, a line in metrics.jsonl and a process-wide
// Prometheus counter, all inside one critical section.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of ferry spans.
const TracerName = "github.com/tombee/ferry"

// Metric is one recorded measurement.
type Metric struct {
	Time   time.Time         `json:"ts"`
	Name   string            `json:"name"`
	Value  float64           `json:"value"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Collectors holds the Prometheus counters shared by every Telemetry
// instance that uses them.
type Collectors struct {
	registry *prometheus.Registry
	values   *prometheus.CounterVec
	events   *prometheus.CounterVec
}

// NewCollectors creates counters registered on a fresh registry.
func NewCollectors() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		values: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_metric_total",
			Help: "Sum of recorded metric values by metric name",
		}, []string{"name"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_metric_records_total",
			Help: "Number of metric records by metric name",
		}, []string{"name"}),
	}
	c.registry.MustRegister(c.values, c.events)
	return c
}

// Registry returns the registry the counters are registered on.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

var (
	defaultOnce       sync.Once
	defaultCollectors *Collectors
)

// DefaultCollectors returns the process-wide collectors.
func DefaultCollectors() *Collectors {
	defaultOnce.Do(func() {
		defaultCollectors = NewCollectors()
	})
	return defaultCollectors
}

// Options configures a Telemetry instance.
type Options struct {
	// Path is the metrics.jsonl file. Empty disables the file.
	Path string

	// TracerProvider supplies the run and step tracer. Defaults to a
	// no-op provider.
	TracerProvider trace.TracerProvider

	// Collectors defaults to DefaultCollectors.
	Collectors *Collectors
}

// Telemetry is safe for concurrent use.
type Telemetry struct {
	mu       sync.Mutex
	counters map[string]float64
	file     *os.File

	collectors *Collectors

	tracer trace.Tracer
}

// New creates a Telemetry instance.
func New(opts Options) (*Telemetry, error) {
	t := &Telemetry{
		counters:   make(map[string]float64),
		collectors: opts.Collectors,
	}
	if t.collectors == nil {
		t.collectors = DefaultCollectors()
	}

	tp := opts.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	t.tracer = tp.Tracer(TracerName)

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create metrics dir: %w", err)
		}
		f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		t.file = f
	}
	return t, nil
}

// Emit records m. The counter for m's name and labels grows by m.Value.
func (t *Telemetry) Emit(m Metric) error {
	if m.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	line, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal metric: %w", err)
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file != nil {
		if _, err := t.file.Write(line); err != nil {
			return fmt.Errorf("append metric: %w", err)
		}
	}
	t.counters[Key(m.Name, m.Labels)] += m.Value
	if m.Value >= 0 {
		t.collectors.values.WithLabelValues(m.Name).Add(m.Value)
	}
	t.collectors.events.WithLabelValues(m.Name).Inc()
	return nil
}

// Count records one occurrence of name.
func (t *Telemetry) Count(name string, labels map[string]string) error {
	return t.Emit(Metric{Name: name, Value: 1, Labels: labels})
}

// Value returns the counter for name and labels.
func (t *Telemetry) Value(name string, labels map[string]string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[Key(name, labels)]
}

// Snapshot returns a copy of every counter keyed by Key.
func (t *Telemetry) Snapshot() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.counters))
	for k, v := range t.counters {
		out[k] = v
	}
	return out
}

// Registry exposes the Prometheus registry behind t's collectors.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.collectors.registry
}

// StartSpan starts a span with string attributes.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, trace.Span) {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, k := range sortedKeys(attrs) {
		kvs = append(kvs, attribute.String(k, attrs[k]))
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(kvs...))
}

// Close flushes and closes the metrics file.
func (t *Telemetry) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// Key renders name and labels canonically: name{a=1,b=2}.
func Key(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+"="+labels[k])
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
