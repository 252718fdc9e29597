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

package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tombee/ferry/internal/adapter"
	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/audit"
	"github.com/tombee/ferry/internal/cache"
	"github.com/tombee/ferry/internal/commands/shared"
	"github.com/tombee/ferry/internal/config"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/orchestrator"
	"github.com/tombee/ferry/internal/telemetry"
)

// runtime holds the services one ferry run is wired to.
type runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	adapter   adapter.Adapter
	cache     *cache.Cache
	audit     *audit.Logger
	tracer    *sdktrace.TracerProvider
	traceFile *os.File
	publisher *artifact.Publisher
}

// newRuntime builds the adapter and the optional services cfg enables.
// On error every service already opened is closed.
func newRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, noCache bool) (_ *runtime, err error) {
	rt := &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			rt.Close(ctx)
		}
	}()

	specs, err := shared.LoadDriverSpecs(cfg)
	if err != nil {
		return nil, err
	}

	switch cfg.Runtime.Mode {
	case config.ModeSandboxed:
		rt.adapter = adapter.NewSandboxed(adapter.SandboxedOptions{
			Sandbox: cfg.Sandbox,
			Runtime: cfg.Runtime,
			Install: cfg.Install,
			Specs:   specs,
			Logger:  logger,
		})
	case config.ModeLocal:
		rt.adapter = adapter.NewLocal(adapter.LocalOptions{
			Specs:          specs,
			SpillThreshold: cfg.Runtime.SpillThreshold,
			AllowInstall:   cfg.Sandbox.AllowInstall,
			Install:        cfg.Install,
			Logger:         logger,
		})
	default:
		return nil, shared.NewInvalidError("", fmt.Errorf("unknown runtime mode %q", cfg.Runtime.Mode))
	}

	if cfg.Cache.Enabled && !noCache {
		if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
			return nil, fmt.Errorf("creating cache directory: %w", err)
		}
		rt.cache, err = cache.Open(ctx, cache.Config{Path: cfg.Cache.Path, TTL: cfg.Cache.TTL})
		if err != nil {
			return nil, fmt.Errorf("opening cache: %w", err)
		}
		if n, err := rt.cache.PurgeExpired(ctx); err != nil {
			logger.Warn("failed to purge expired cache entries", ferrylog.Error(err))
		} else if n > 0 {
			logger.Debug("purged expired cache entries", slog.Int("count", n))
		}
	}

	if cfg.Audit.Enabled {
		rt.audit, err = audit.NewFileLogger(cfg.Audit.Path)
		if err != nil {
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
	}

	if cfg.Telemetry.TraceFile != "" {
		rt.traceFile, err = os.OpenFile(cfg.Telemetry.TraceFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening trace file: %w", err)
		}
		v, _, _ := shared.GetVersion()
		rt.tracer, err = telemetry.NewTracerProvider(cfg.Telemetry.ServiceName, v, rt.traceFile)
		if err != nil {
			return nil, err
		}
	}

	if cfg.ObjectStore.Enabled {
		rt.publisher, err = artifact.NewMinIOPublisher(ctx, cfg.ObjectStore, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to object store: %w", err)
		}
	}

	return rt, nil
}

// orchestrator returns an orchestrator wired to the runtime services.
func (rt *runtime) orchestrator(sessionID string) *orchestrator.Orchestrator {
	opts := orchestrator.Options{
		Adapter:     rt.adapter,
		SessionsDir: rt.cfg.Runtime.ArtifactsDir,
		SessionID:   sessionID,
		Retry:       rt.cfg.Retry.Policy(),
		StepTimeout: rt.cfg.Runtime.StepTimeout,
		Cache:       rt.cache,
		Audit:       rt.audit,
		Publisher:   rt.publisher,
		Logger:      rt.logger,
	}
	if rt.tracer != nil {
		opts.TracerProvider = rt.tracer
	}
	return orchestrator.New(opts)
}

// Close releases every service. Spans are flushed before the trace file
// is closed.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.tracer != nil {
		errs = append(errs, rt.tracer.Shutdown(context.WithoutCancel(ctx)))
	}
	if rt.traceFile != nil {
		errs = append(errs, rt.traceFile.Close())
	}
	if rt.audit != nil {
		errs = append(errs, rt.audit.Close())
	}
	if rt.cache != nil {
		errs = append(errs, rt.cache.Close())
	}
	return errors.Join(errs...)
}
