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
	"context"
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/tombee/ferry/internal/adapter"
	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/audit"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/pkg/manifest"
)

// cachedStep is the cached value of a step: its output snapshots.
type cachedStep struct {
	RowsIn  int                          `json:"rows_in"`
	RowsOut int                          `json:"rows_out"`
	Outputs map[string]map[string][]byte `json:"outputs"`
}

// cacheParams are the logical parameters a step's outputs depend on.
// Inputs contribute their content digests, never their locations.
func (r *run) cacheParams(step manifest.Step, inputs map[string]artifact.Ref) map[string]any {
	digests := make(map[string]string, len(inputs))
	for name, ref := range inputs {
		digests[name] = ref.Digest
	}
	return map[string]any{
		"driver":         step.Driver,
		"driver_version": r.adapter.DriverVersion(step.Driver),
		"config":         step.Config,
		"inputs":         digests,
	}
}

// cacheToken scopes a lookup to one step of one pipeline.
func (r *run) cacheToken(step manifest.Step) string {
	return r.m.Name + "/" + step.ID
}

// fromCache completes step from a cached result. It returns false on a
// miss or when the cached result cannot be used.
func (r *run) fromCache(ctx context.Context, step manifest.Step, inputs map[string]artifact.Ref) bool {
	logger := ferrylog.WithStepContext(r.logger, step.ID, step.Driver)
	entry, ok, err := r.o.opts.Cache.Get(ctx, r.cacheParams(step, inputs), r.cacheToken(step))
	if err != nil {
		r.cacheError(step, "lookup", err)
		return false
	}
	if !ok {
		logger.Debug("cache miss")
		return false
	}

	var cached cachedStep
	if err := json.Unmarshal(entry.Value, &cached); err != nil {
		r.cacheError(step, "decode", err)
		return false
	}

	r.check(r.ledger.transition(step.ID, StatusResolvingInputs))
	keys := make([]string, 0, len(cached.Outputs))
	for key := range cached.Outputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	outputs := make(map[string]artifact.Ref, len(keys))
	for _, key := range keys {
		ref, err := r.adapter.Import(ctx, step.ID, key, cached.Outputs[key])
		if err != nil {
			r.cacheError(step, "import", err)
			return false
		}
		outputs[key] = ref
	}

	r.check(r.ledger.succeed(step.ID, cached.RowsIn, cached.RowsOut, outputs, true))
	logger.Info("step restored from cache", slog.String("artifact_id", entry.ArtifactID))
	r.emit(step.ID, "cache_hit", map[string]any{"artifact_id": entry.ArtifactID})
	r.finished(step, StatusSucceeded, map[string]any{
		"rows_in":  cached.RowsIn,
		"rows_out": cached.RowsOut,
		"cached":   true,
	})
	r.audit(audit.ActionCacheHit, step.ID, audit.ResultSuccess, nil, map[string]any{"artifact_id": entry.ArtifactID})
	return true
}

func (r *run) storeCache(ctx context.Context, step manifest.Step, inputs map[string]artifact.Ref, result *adapter.StepResult) {
	cached := cachedStep{
		RowsIn:  result.RowsIn,
		RowsOut: result.RowsOut,
		Outputs: make(map[string]map[string][]byte, len(result.Outputs)),
	}
	for key, ref := range result.Outputs {
		files, err := r.adapter.Export(ctx, ref)
		if err != nil {
			r.cacheError(step, "export", err)
			return
		}
		cached.Outputs[key] = files
	}
	value, err := json.Marshal(cached)
	if err != nil {
		r.cacheError(step, "encode", err)
		return
	}
	entry, err := r.o.opts.Cache.Set(ctx, r.cacheParams(step, inputs), r.cacheToken(step), value)
	if err != nil {
		r.cacheError(step, "store", err)
		return
	}
	r.audit(audit.ActionCacheStore, step.ID, audit.ResultSuccess, nil, map[string]any{"artifact_id": entry.ArtifactID})
}

// cacheError records a cache failure. The step carries on without the
// cache.
func (r *run) cacheError(step manifest.Step, op string, err error) {
	r.logger.Warn("step cache failed",
		slog.String(ferrylog.StepIDKey, step.ID),
		slog.String("operation", op),
		ferrylog.Error(err))
	r.emit(step.ID, "cache_error", map[string]any{"operation": op, "error": err.Error()})
}
