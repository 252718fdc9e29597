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

package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestCountersAreExactUnderConcurrency(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	tel, err := New(Options{Path: path, Collectors: NewCollectors()})
	require.NoError(t, err)

	const workers = 50
	const perWorker = 40
	labels := map[string]string{"step": "load"}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				assert.NoError(t, tel.Count("step_runs", labels))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, tel.Close())

	const n = workers * perWorker
	assert.Equal(t, float64(n), tel.Value("step_runs", labels))
	assert.Equal(t, float64(n), tel.Snapshot()["step_runs{step=load}"])
	assert.Equal(t, float64(n), testutil.ToFloat64(tel.collectors.values.WithLabelValues("step_runs")))
	assert.Equal(t, float64(n), testutil.ToFloat64(tel.collectors.events.WithLabelValues("step_runs")))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m Metric
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		assert.Equal(t, "step_runs", m.Name)
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, n, lines)
}

func TestEmitValues(t *testing.T) {
	tel, err := New(Options{Collectors: NewCollectors()})
	require.NoError(t, err)

	require.NoError(t, tel.Emit(Metric{Name: "rows_out", Value: 10, Labels: map[string]string{"step": "a"}}))
	require.NoError(t, tel.Emit(Metric{Name: "rows_out", Value: 5, Labels: map[string]string{"step": "a"}}))
	require.NoError(t, tel.Emit(Metric{Name: "rows_out", Value: 7, Labels: map[string]string{"step": "b"}}))
	require.NoError(t, tel.Emit(Metric{Name: "drift", Value: -2}))

	assert.Equal(t, map[string]float64{
		"rows_out{step=a}": 15,
		"rows_out{step=b}": 7,
		"drift":            -2,
	}, tel.Snapshot())
	assert.Equal(t, float64(22), testutil.ToFloat64(tel.collectors.values.WithLabelValues("rows_out")))
	count, err := testutil.GatherAndCount(tel.Registry(), "ferry_metric_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Error(t, tel.Emit(Metric{}))
}

func TestInstancesShareCollectors(t *testing.T) {
	shared := NewCollectors()
	first, err := New(Options{Collectors: shared})
	require.NoError(t, err)
	second, err := New(Options{Collectors: shared})
	require.NoError(t, err)

	require.NoError(t, first.Count("step_runs", map[string]string{"step": "a"}))
	require.NoError(t, second.Count("step_runs", map[string]string{"step": "a"}))
	require.NoError(t, second.Count("step_runs", map[string]string{"step": "b"}))

	assert.Equal(t, float64(1), first.Value("step_runs", map[string]string{"step": "a"}))
	assert.Equal(t, float64(1), second.Value("step_runs", map[string]string{"step": "a"}))
	assert.Equal(t, float64(3), testutil.ToFloat64(shared.events.WithLabelValues("step_runs")))
	assert.Same(t, first.Registry(), second.Registry())

	a, err := New(Options{})
	require.NoError(t, err)
	b, err := New(Options{})
	require.NoError(t, err)
	assert.Same(t, DefaultCollectors().Registry(), a.Registry())
	assert.Same(t, a.Registry(), b.Registry())
}

func TestKey(t *testing.T) {
	assert.Equal(t, "x", Key("x", nil))
	assert.Equal(t, "x{a=1,b=2}", Key("x", map[string]string{"b": "2", "a": "1"}))
}

func TestStartSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel, err := New(Options{TracerProvider: tp})
	require.NoError(t, err)

	ctx, run := tel.StartSpan(context.Background(), "run", map[string]string{"pipeline": "orders"})
	_, step := tel.StartSpan(ctx, "step", map[string]string{"step_id": "load"})
	step.End()
	run.End()

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "step", spans[0].Name())
	assert.Equal(t, "run", spans[1].Name())
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
}

func TestNewTracerProvider(t *testing.T) {
	var buf bytes.Buffer
	tp, err := NewTracerProvider("ferry", "test", &buf)
	require.NoError(t, err)

	tel, err := New(Options{TracerProvider: tp})
	require.NoError(t, err)
	_, span := tel.StartSpan(context.Background(), "run", nil)
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"run"`)
}
