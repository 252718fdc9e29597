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

package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/config"
	"github.com/tombee/ferry/internal/drivers"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/internal/session"
	"github.com/tombee/ferry/internal/worker"
	"github.com/tombee/ferry/pkg/errors"
)

// DefaultSpillThreshold is the in-memory cell limit of a local table.
const DefaultSpillThreshold = 250_000

// LocalOptions configures a Local adapter.
type LocalOptions struct {
	// Specs are loaded after the builtin driver specs.
	Specs []registry.Spec

	// SpillThreshold overrides DefaultSpillThreshold.
	SpillThreshold int

	AllowInstall bool
	Install      config.InstallConfig

	// Checker overrides the host requirement checker.
	Checker registry.Checker

	Logger *slog.Logger
}

// Local runs steps in the calling process.
type Local struct {
	opts   LocalOptions
	logger *slog.Logger

	mu       sync.Mutex
	sess     *session.Session
	reg      *registry.Registry
	store     *artifact.MemoryStore
	produced  []artifact.Ref
	persisted map[string]artifact.Ref
}

// NewLocal creates a local adapter.
func NewLocal(opts LocalOptions) *Local {
	if opts.SpillThreshold <= 0 {
		opts.SpillThreshold = DefaultSpillThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	return &Local{opts: opts, logger: ferrylog.WithComponent(logger, "adapter.local")}
}

// Prepare implements Adapter.
func (a *Local) Prepare(ctx context.Context, sess *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sess = sess
	a.store = artifact.NewMemoryStore(artifact.NewFileStore(sess.Dir), a.opts.SpillThreshold)
	a.reg, _ = buildRegistry(ctx, sess, a.opts.Specs, a.opts.AllowInstall, a.opts.Install, a.opts.Checker, a.logger)

	a.logger.Info("local adapter prepared",
		slog.String(ferrylog.SessionIDKey, sess.ID),
		slog.String("fingerprint", a.reg.Fingerprint()))
	return nil
}

// buildRegistry loads the builtin and extra specs. Registry events land
// in the session log.
func buildRegistry(ctx context.Context, sess *session.Session, specs []registry.Spec, allowInstall bool, install config.InstallConfig, checker registry.Checker, logger *slog.Logger) (*registry.Registry, registry.PopulateSummary) {
	opts := []registry.Option{
		registry.WithLogger(logger),
		registry.WithEventSink(func(event string, fields map[string]any) {
			if err := sess.Emit("", event, fields); err != nil {
				logger.Warn("failed to record registry event", slog.String("event", event), ferrylog.Error(err))
			}
		}),
	}
	if checker != nil {
		opts = append(opts, registry.WithChecker(checker))
	}
	if allowInstall {
		opts = append(opts, registry.WithInstaller(&registry.CommandInstaller{
			CheckCommand:   install.CheckCommand,
			InstallCommand: install.InstallCommand,
			Timeout:        install.Timeout,
			Logger:         logger,
		}))
	}
	return drivers.NewRegistry(ctx, specs, registry.PopulateOptions{AllowInstall: allowInstall}, opts...)
}

// ExecuteStep implements Adapter.
func (a *Local) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	if a.reg == nil {
		return nil, &errors.StepError{Kind: errors.KindConfig, Message: "adapter has not been prepared"}
	}
	req.phase(PhaseResolvingInputs)

	// Local configs take the same JSON round trip a sandboxed config does.
	cfg, err := worker.NormalizeConfig(req.Config)
	if err != nil {
		return nil, errors.ToStepError(err)
	}

	logger := ferrylog.WithStepContext(a.logger, req.StepID, req.Driver)
	out, err := worker.ExecuteStep(ctx, a.reg, a.store, worker.StepInput{
		StepID: req.StepID,
		Driver: req.Driver,
		Config: cfg,
		Inputs: req.Inputs,
	}, sessionSink{sess: a.sess, req: req, logger: logger})
	if err != nil {
		return nil, errors.ToStepError(err)
	}

	a.mu.Lock()
	for _, ref := range out.Outputs {
		a.produced = append(a.produced, ref)
	}
	a.mu.Unlock()

	return &StepResult{Outputs: out.Outputs, RowsIn: out.RowsIn, RowsOut: out.RowsOut}, nil
}

// Cleanup writes in-memory artifacts into the session directory so it
// holds a complete copy of the run.
func (a *Local) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	produced := a.produced
	a.produced = nil
	persisted, err := a.store.Persist(context.WithoutCancel(ctx), produced)
	if a.persisted == nil {
		a.persisted = make(map[string]artifact.Ref, len(persisted))
	}
	for id, ref := range persisted {
		a.persisted[id] = ref
	}
	if err != nil {
		return fmt.Errorf("persisting local artifacts: %w", err)
	}
	return nil
}

// Durable implements Adapter.
func (a *Local) Durable(ref artifact.Ref) artifact.Ref {
	a.mu.Lock()
	defer a.mu.Unlock()
	if onDisk, ok := a.persisted[ref.ID]; ok {
		return onDisk
	}
	return ref
}

// Fingerprint implements Adapter.
func (a *Local) Fingerprint() string {
	if a.reg == nil {
		return ""
	}
	return a.reg.Fingerprint()
}

// DriverVersion implements Adapter.
func (a *Local) DriverVersion(name string) string {
	if a.reg == nil {
		return ""
	}
	return a.reg.Listing()[name]
}

// Export implements Adapter.
func (a *Local) Export(ctx context.Context, ref artifact.Ref) (map[string][]byte, error) {
	return a.store.Export(ctx, ref)
}

// Import implements Adapter.
func (a *Local) Import(ctx context.Context, stepID, key string, files map[string][]byte) (artifact.Ref, error) {
	return a.store.Install(ctx, stepID, key, files)
}

var _ Adapter = (*Local)(nil)
