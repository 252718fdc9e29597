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

// Package worker is the process that runs inside a sandbox. It serves
// the transport protocol on stdin/stdout and executes steps against a
// file-backed artifact store rooted at the sandbox directory.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/drivers"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/internal/transport"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
)

// Service holds the worker state for one session.
type Service struct {
	root      string
	logger    *slog.Logger
	factories map[string]registry.Factory
	store     *artifact.FileStore

	sessionID string
	pipeline  *manifest.Manifest
	reg       *registry.Registry
	stats     transport.CleanupResult
}

// NewService creates a service rooted at root.
func NewService(root string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = ferrylog.Discard()
	}
	return &Service{
		root:      root,
		logger:    logger,
		factories: drivers.Factories(),
		store:     artifact.NewFileStore(root),
	}
}

// Register installs the command handlers on srv.
func (s *Service) Register(srv *transport.Server) {
	srv.Handle(transport.CommandPing, s.ping)
	srv.Handle(transport.CommandPrepare, s.prepare)
	srv.Handle(transport.CommandExecStep, s.execStep)
	srv.Handle(transport.CommandCleanup, s.cleanup)
}

func (s *Service) ping(ctx context.Context, req *transport.Request) (any, error) {
	var params transport.PingParams
	if err := req.Decode(&params); err != nil {
		return nil, err
	}
	if params.Version != "" && params.Version != transport.ProtocolVersion {
		s.logger.Warn("host protocol differs",
			slog.String("host", params.Version),
			slog.String("worker", transport.ProtocolVersion))
	}
	return transport.PingResult{Version: transport.ProtocolVersion, PID: os.Getpid()}, nil
}

func (s *Service) prepare(ctx context.Context, req *transport.Request) (any, error) {
	var params transport.PrepareParams
	if err := req.Decode(&params); err != nil {
		return nil, err
	}

	files, err := ReadBundle(s.root, params.BundleFiles)
	if err != nil {
		return nil, err
	}
	if digest := BundleDigest(files); digest != params.BundleDigest {
		return nil, &errors.ConfigError{
			Key:    "bundle_digest",
			Reason: fmt.Sprintf("uploaded bundle digest %s does not match host digest %s", digest, params.BundleDigest),
		}
	}

	manifestPath, err := LocalPath(s.root, params.ManifestPath)
	if err != nil {
		return nil, err
	}
	pipeline, err := manifest.Load(manifestPath)
	if err != nil {
		return nil, err
	}

	driversPath, err := LocalPath(s.root, params.DriversPath)
	if err != nil {
		return nil, err
	}
	specs, err := registry.LoadSpecFile(driversPath)
	if err != nil {
		return nil, &errors.ConfigError{Key: "drivers", Reason: "loading driver specs", Cause: err}
	}

	sink := requestSink{req: req, logger: s.logger}
	opts := []registry.Option{
		registry.WithLogger(s.logger),
		registry.WithEventSink(sink.Event),
	}
	if params.Install.Allow {
		opts = append(opts, registry.WithInstaller(&registry.CommandInstaller{
			CheckCommand:   params.Install.CheckCommand,
			InstallCommand: params.Install.InstallCommand,
			Timeout:        params.Install.Timeout,
			Logger:         s.logger,
		}))
	}
	reg := registry.New(s.factories, opts...)
	summary := reg.PopulateFromSpecs(ctx, specs, registry.PopulateOptions{AllowInstall: params.Install.Allow})

	s.sessionID = params.SessionID
	s.pipeline = pipeline
	s.reg = reg
	s.stats = transport.CleanupResult{}

	fingerprint := reg.Fingerprint()
	s.logger.Info("worker prepared",
		slog.String(ferrylog.SessionIDKey, params.SessionID),
		slog.String(ferrylog.PipelineKey, pipeline.Name),
		slog.String("bundle_digest", params.BundleDigest),
		slog.String("fingerprint", fingerprint),
		slog.Int("ready", len(summary.Ready)),
		slog.Int("unavailable", len(summary.Failed)))

	result := transport.PrepareResult{
		Fingerprint: fingerprint,
		Listing:     reg.Listing(),
		Ready:       summary.Ready,
	}
	for _, e := range summary.Failed {
		result.Unavailable = append(result.Unavailable, transport.UnavailableDriver{
			Name:   e.Spec.Name,
			Reason: e.Reason,
			Detail: e.Detail,
		})
	}
	return result, nil
}

func (s *Service) execStep(ctx context.Context, req *transport.Request) (any, error) {
	if s.reg == nil {
		return nil, &errors.ConfigError{Key: "exec_step", Reason: "worker has not been prepared"}
	}
	var params transport.ExecStepParams
	if err := req.Decode(&params); err != nil {
		return nil, err
	}

	step, ok := s.pipeline.Step(params.StepID)
	if !ok {
		return nil, &errors.NotFoundError{Resource: "step", ID: params.StepID}
	}
	if step.Driver != params.Driver {
		return nil, &errors.ConfigError{
			Key:    "driver",
			Reason: fmt.Sprintf("step %s uses driver %s, host asked for %s", step.ID, step.Driver, params.Driver),
		}
	}

	configPath, err := LocalPath(s.root, params.ConfigPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config_path", Reason: "reading step config", Cause: err}
	}
	cfg, err := DecodeConfig(data)
	if err != nil {
		return nil, err
	}

	logger := ferrylog.WithStepContext(s.logger, params.StepID, params.Driver)
	logger.Debug("executing step", slog.Int("inputs", len(params.Inputs)))

	s.stats.StepsRun++
	out, err := ExecuteStep(ctx, s.reg, s.store, StepInput{
		StepID: params.StepID,
		Driver: params.Driver,
		Config: cfg,
		Inputs: params.Inputs,
	}, requestSink{req: req, logger: logger})
	if err != nil {
		s.stats.StepsFailed++
		return nil, err
	}
	s.stats.Artifacts += len(out.Outputs)

	return transport.ExecStepResult{Outputs: out.Outputs, RowsIn: out.RowsIn, RowsOut: out.RowsOut}, nil
}

func (s *Service) cleanup(ctx context.Context, req *transport.Request) (any, error) {
	s.logger.Info("worker cleanup",
		slog.String(ferrylog.SessionIDKey, s.sessionID),
		slog.Int("steps_run", s.stats.StepsRun),
		slog.Int("steps_failed", s.stats.StepsFailed))
	result := s.stats
	s.reg = nil
	s.pipeline = nil
	return result, nil
}

type requestSink struct {
	req    *transport.Request
	logger *slog.Logger
}

func (s requestSink) Event(name string, fields map[string]any) {
	if err := s.req.Emit(name, fields); err != nil {
		s.logger.Warn("failed to forward event", slog.String("event", name), ferrylog.Error(err))
	}
}

func (s requestSink) Metric(name string, value float64, labels map[string]string) {
	if err := s.req.Metric(name, value, labels); err != nil {
		s.logger.Warn("failed to forward metric", slog.String("metric", name), ferrylog.Error(err))
	}
}

// Options configures Run.
type Options struct {
	Root              string
	In                io.Reader
	Out               io.Writer
	HeartbeatInterval time.Duration
	MaxLineBytes      int
	Logger            *slog.Logger
}

// Run serves the protocol until the host closes stdin.
func Run(ctx context.Context, opts Options) error {
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	srv := transport.NewServer(opts.In, opts.Out, transport.ServerOptions{
		HeartbeatInterval: opts.HeartbeatInterval,
		MaxLineBytes:      opts.MaxLineBytes,
		Logger:            logger,
	})
	NewService(opts.Root, logger).Register(srv)

	logger.Info("worker started", slog.String("root", opts.Root), slog.Int("pid", os.Getpid()))
	return srv.Serve(ctx)
}
