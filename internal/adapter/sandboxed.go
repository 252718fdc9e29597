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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/ferry/internal/artifact"
	"github.com/tombee/ferry/internal/config"
	"github.com/tombee/ferry/internal/drivers"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/internal/sandbox"
	"github.com/tombee/ferry/internal/session"
	"github.com/tombee/ferry/internal/transport"
	"github.com/tombee/ferry/internal/worker"
	"github.com/tombee/ferry/pkg/errors"
)

// WorkerBinaryPath is where the worker binary is uploaded in a sandbox.
const WorkerBinaryPath = "bin/ferry"

// Events recorded by the sandboxed adapter.
const (
	EventSandboxDegraded     = "sandbox_degraded"
	EventFingerprintMismatch = "fingerprint_mismatch"
	EventDownloadSkipped     = "artifact_download_skipped"
)

// SandboxedOptions configures a Sandboxed adapter.
type SandboxedOptions struct {
	Sandbox config.SandboxConfig
	Runtime config.RuntimeConfig
	Install config.InstallConfig

	// Specs are loaded after the builtin driver specs on both sides.
	Specs []registry.Spec

	// Factory overrides the sandbox selected from Sandbox.Type.
	Factory sandbox.Factory

	// Checker overrides the host requirement checker used for the
	// fingerprint comparison.
	Checker registry.Checker

	Logger *slog.Logger
}

// Sandboxed runs steps through a worker inside a sandbox.
type Sandboxed struct {
	opts   SandboxedOptions
	logger *slog.Logger

	mu          sync.Mutex
	sess        *session.Session
	files       *artifact.FileStore
	hostReg     *registry.Registry
	box         sandbox.Sandbox
	client      *transport.Client
	stopWorker  context.CancelFunc
	exited      chan error
	fingerprint string
	listing     map[string]string
	cleaned     bool
}

// NewSandboxed creates a sandboxed adapter.
func NewSandboxed(opts SandboxedOptions) *Sandboxed {
	logger := opts.Logger
	if logger == nil {
		logger = ferrylog.Discard()
	}
	return &Sandboxed{opts: opts, logger: ferrylog.WithComponent(logger, "adapter.sandboxed")}
}

// Prepare provisions the sandbox, uploads the bundle, starts the worker
// and prepares its registry.
func (a *Sandboxed) Prepare(ctx context.Context, sess *session.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.sess = sess
	a.files = artifact.NewFileStore(sess.Dir)
	a.hostReg, _ = buildRegistry(ctx, sess, a.opts.Specs, false, a.opts.Install, a.opts.Checker, a.logger)
	specs := append(drivers.BuiltinSpecs(), a.opts.Specs...)

	factory := a.opts.Factory
	if factory == nil {
		f, degraded, err := sandbox.NewFactory(ctx, a.opts.Sandbox.Type)
		if err != nil {
			return &errors.ConfigError{Key: "sandbox.type", Reason: "selecting sandbox", Cause: err}
		}
		if degraded {
			a.logger.Warn(sandbox.DegradedModeWarning())
			a.emit("", EventSandboxDegraded, map[string]any{"type": string(f.Type())})
		}
		factory = f
	}

	box, err := factory.Create(ctx, a.sandboxConfig(sess.ID, specs))
	if err != nil {
		return &errors.TransientError{Operation: "creating sandbox", Cause: err}
	}
	a.box = box

	bundle, err := a.bundle(sess, specs)
	if err != nil {
		return err
	}
	digest := worker.BundleDigest(bundle)
	names := make([]string, 0, len(bundle))
	for name, data := range bundle {
		perm := uint32(0o644)
		if name == WorkerBinaryPath {
			perm = 0o755
		}
		if err := box.WriteFile(name, data, perm); err != nil {
			return &errors.TransientError{Operation: "uploading " + name, Cause: err}
		}
		names = append(names, name)
	}
	sort.Strings(names)
	a.logger.Info("bundle uploaded",
		slog.String(ferrylog.SessionIDKey, sess.ID),
		slog.String("bundle_digest", digest),
		slog.Int("files", len(names)),
		slog.String("sandbox", string(factory.Type())))

	a.startWorker()

	if _, err := a.client.Ping(ctx); err != nil {
		return err
	}

	raw, err := a.client.Call(ctx, transport.CommandPrepare, transport.PrepareParams{
		SessionID:    sess.ID,
		Pipeline:     sess.Manifest.Name,
		ManifestPath: worker.ManifestFile,
		DriversPath:  worker.DriversFile,
		BundleFiles:  names,
		BundleDigest: digest,
		Install: transport.InstallPolicy{
			Allow:          a.opts.Sandbox.AllowInstall,
			CheckCommand:   a.opts.Install.CheckCommand,
			InstallCommand: a.opts.Install.InstallCommand,
			Timeout:        a.opts.Install.Timeout,
		},
	}, a.forward("", nil))
	if err != nil {
		return err
	}
	var prepared transport.PrepareResult
	if err := json.Unmarshal(raw, &prepared); err != nil {
		return &errors.TransportError{Reason: transport.ReasonProtocol, Message: "decoding prepare result", Cause: err}
	}
	a.fingerprint = prepared.Fingerprint
	a.listing = prepared.Listing

	return a.compareFingerprint(prepared)
}

func (a *Sandboxed) sandboxConfig(sessionID string, specs []registry.Spec) sandbox.Config {
	env := make(map[string]string)
	// Host values of variables drivers declare are passed through;
	// nothing else leaves the host.
	for _, spec := range specs {
		for _, name := range spec.Requires.Env {
			if v, ok := os.LookupEnv(name); ok {
				env[name] = v
			}
		}
	}
	for k, v := range a.opts.Sandbox.Env {
		env[k] = v
	}

	network := sandbox.NetworkNone
	if a.opts.Sandbox.Network {
		network = sandbox.NetworkFull
	}
	return sandbox.Config{
		SessionID:   sessionID,
		NetworkMode: network,
		ResourceLimits: sandbox.ResourceLimits{
			MaxMemory:    int64(a.opts.Sandbox.MemoryMB) << 20,
			MaxProcesses: a.opts.Sandbox.MaxProcesses,
		},
		Env:         env,
		Image:       a.opts.Sandbox.Image,
		CancelGrace: a.opts.Runtime.CancelGrace,
	}
}

func (a *Sandboxed) bundle(sess *session.Session, specs []registry.Spec) (map[string][]byte, error) {
	binary := a.opts.Sandbox.WorkerBinary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, &errors.ConfigError{Key: "sandbox.worker_binary", Reason: "locating the ferry binary", Cause: err}
		}
		binary = exe
	}
	bin, err := os.ReadFile(binary)
	if err != nil {
		return nil, &errors.ConfigError{Key: "sandbox.worker_binary", Reason: "reading worker binary", Cause: err}
	}
	manifestJSON, err := json.Marshal(sess.Manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	specYAML, err := registry.MarshalSpecs(specs)
	if err != nil {
		return nil, fmt.Errorf("encoding driver specs: %w", err)
	}
	return map[string][]byte{
		WorkerBinaryPath:   bin,
		worker.ManifestFile: manifestJSON,
		worker.DriversFile:  specYAML,
	}, nil
}

// startWorker launches the worker with its stdio wired to a transport
// client. The worker outlives Prepare and is stopped by Cleanup.
func (a *Sandboxed) startWorker() {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	a.client = transport.NewClient(stdoutR, stdinW, transport.ClientOptions{
		HeartbeatTimeout: a.opts.Runtime.HeartbeatTimeout,
		MaxLineBytes:     a.opts.Runtime.MaxLineBytes,
		Logger:           a.logger,
	})

	procCtx, stop := context.WithCancel(context.Background())
	a.stopWorker = stop
	a.exited = make(chan error, 1)

	args := []string{"worker", "--root", a.box.Path(".")}
	if iv := a.opts.Runtime.HeartbeatInterval; iv > 0 {
		args = append(args, "--heartbeat-interval", iv.String())
	}
	if n := a.opts.Runtime.MaxLineBytes; n > 0 {
		args = append(args, "--max-line-bytes", strconv.Itoa(n))
	}
	stderr := newLineLogger(ferrylog.WithComponent(a.logger, "worker"))

	go func() {
		err := a.box.StreamExecute(procCtx, a.box.Path(WorkerBinaryPath), args, sandbox.StreamExecuteOptions{
			Stdin:  stdinR,
			Stdout: stdoutW,
			Stderr: stderr,
		})
		stderr.Flush()
		stdoutW.Close()
		stdinR.Close()
		if err != nil {
			a.logger.Debug("worker exited", ferrylog.Error(err))
		}
		a.exited <- err
	}()
}

func (a *Sandboxed) compareFingerprint(prepared transport.PrepareResult) error {
	host := a.hostReg.Fingerprint()
	a.logger.Info("driver registries compared",
		slog.String("host_fingerprint", host),
		slog.String("worker_fingerprint", prepared.Fingerprint))
	if host == prepared.Fingerprint {
		return nil
	}

	differing := a.hostReg.Diff(prepared.Listing)
	a.emit("", EventFingerprintMismatch, map[string]any{
		"host":    host,
		"worker":  prepared.Fingerprint,
		"drivers": differing,
	})
	if a.opts.Sandbox.StrictFingerprint {
		return &errors.ConfigError{
			Key:    "sandbox.strict_fingerprint",
			Reason: fmt.Sprintf("host and worker driver registries differ: %v", differing),
		}
	}
	a.logger.Warn("host and worker driver registries differ", slog.Any("drivers", differing))
	return nil
}

// forward returns the message callback that relays worker events and
// metrics to the session in stream order.
func (a *Sandboxed) forward(stepID string, sink *sessionSink) transport.MessageFunc {
	return func(m *transport.Message) {
		switch m.Type {
		case transport.TypeEvent:
			if sink != nil {
				sink.Event(m.Event, m.Fields)
				return
			}
			a.emit(stepID, m.Event, m.Fields)
		case transport.TypeMetric:
			if err := a.sess.RecordMetric(m.Metric, m.Value, m.Labels); err != nil {
				a.logger.Warn("failed to record worker metric", slog.String("metric", m.Metric), ferrylog.Error(err))
			}
		}
	}
}

func (a *Sandboxed) emit(stepID, event string, fields map[string]any) {
	if err := a.sess.Emit(stepID, event, fields); err != nil {
		a.logger.Warn("failed to record event", slog.String("event", event), ferrylog.Error(err))
	}
}

// ExecuteStep implements Adapter.
func (a *Sandboxed) ExecuteStep(ctx context.Context, req StepRequest) (*StepResult, error) {
	if a.client == nil {
		return nil, &errors.StepError{Kind: errors.KindConfig, Message: "adapter has not been prepared"}
	}
	req.phase(PhaseResolvingInputs)

	cfg, err := worker.EncodeConfig(req.Config)
	if err != nil {
		return nil, errors.ToStepError(err)
	}
	configPath := worker.ConfigPath(req.StepID)
	if err := a.box.WriteFile(configPath, cfg, 0o644); err != nil {
		return nil, errors.ToStepError(&errors.TransientError{Operation: "uploading step config", Cause: err})
	}

	logger := ferrylog.WithStepContext(a.logger, req.StepID, req.Driver)
	sink := sessionSink{sess: a.sess, req: req, logger: logger}
	raw, err := a.client.Call(ctx, transport.CommandExecStep, transport.ExecStepParams{
		StepID:     req.StepID,
		Driver:     req.Driver,
		ConfigPath: configPath,
		Inputs:     req.Inputs,
	}, a.forward(req.StepID, &sink))
	if err != nil {
		return nil, errors.ToStepError(err)
	}

	var res transport.ExecStepResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errors.ToStepError(&errors.TransportError{
			Reason:  transport.ReasonProtocol,
			Message: "decoding exec_step result",
			Cause:   err,
		})
	}

	downloads, err := a.reconcile(ctx, req.StepID, res.Outputs)
	if err != nil {
		return nil, errors.ToStepError(err)
	}
	return &StepResult{
		Outputs:   res.Outputs,
		RowsIn:    res.RowsIn,
		RowsOut:   res.RowsOut,
		Downloads: downloads,
	}, nil
}

// reconcile pulls produced artifacts into the host session directory.
func (a *Sandboxed) reconcile(ctx context.Context, stepID string, outputs map[string]artifact.Ref) ([]Download, error) {
	filter := NewDownloadFilter(a.opts.Sandbox.Download)
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var downloads []Download
	for _, key := range keys {
		ref := outputs[key]
		name := ArtifactName(ref)
		if ok, reason := filter.Allow(name, ref.Bytes); !ok {
			downloads = append(downloads, Download{Artifact: name, Bytes: ref.Bytes, Skipped: true, Reason: reason})
			a.emit(stepID, EventDownloadSkipped, map[string]any{
				"artifact": name,
				"bytes":    ref.Bytes,
				"reason":   reason,
			})
			continue
		}

		files, err := a.readArtifact(ref)
		if err != nil {
			return downloads, &errors.TransientError{Operation: "downloading " + name, Cause: err}
		}
		installed, err := a.files.Install(ctx, ref.StepID, ref.Key, files)
		if err != nil {
			return downloads, &errors.TransientError{Operation: "downloading " + name, Cause: err}
		}
		if installed.Digest != ref.Digest {
			return downloads, &errors.TransientError{
				Operation: fmt.Sprintf("downloading %s: digest %s does not match worker digest %s", name, installed.Digest, ref.Digest),
			}
		}
		downloads = append(downloads, Download{Artifact: name, Bytes: ref.Bytes})
	}
	return downloads, nil
}

func (a *Sandboxed) readArtifact(ref artifact.Ref) (map[string][]byte, error) {
	files := make(map[string][]byte, 2)
	for _, name := range []string{artifact.ManifestFile, artifact.DataFile} {
		data, err := a.box.ReadFile(path.Join(ref.Path, name))
		if err != nil {
			return nil, err
		}
		files[name] = data
	}
	return files, nil
}

// Cleanup asks the worker for its summary, stops it and destroys the
// sandbox. Each stage is bounded by the cancel grace, also when ctx is
// already cancelled.
func (a *Sandboxed) Cleanup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cleaned {
		return nil
	}
	a.cleaned = true

	grace := a.opts.Runtime.CancelGrace
	if grace <= 0 {
		grace = sandbox.DefaultCancelGrace
	}
	var errs []error

	if a.client != nil {
		if ctx.Err() != nil {
			// A cancelled run does not wait for the in-flight step.
			a.stopWorker()
		} else {
			cctx, cancel := context.WithTimeout(ctx, grace)
			raw, err := a.client.Call(cctx, transport.CommandCleanup, nil, nil)
			cancel()
			if err == nil {
				var summary transport.CleanupResult
				if jerr := json.Unmarshal(raw, &summary); jerr == nil {
					a.logger.Info("worker finished",
						slog.Int("steps_run", summary.StepsRun),
						slog.Int("steps_failed", summary.StepsFailed),
						slog.Int("artifacts", summary.Artifacts))
				}
			} else {
				a.logger.Warn("worker cleanup failed", ferrylog.Error(err))
			}
		}
		a.client.Close()

		select {
		case <-a.exited:
		case <-time.After(grace):
			a.logger.Warn("worker did not exit after stdin closed, terminating")
			a.stopWorker()
			select {
			case <-a.exited:
			case <-time.After(2 * grace):
				errs = append(errs, fmt.Errorf("worker did not exit within %s", 3*grace))
			}
		}
		a.stopWorker()
	}

	if a.box != nil {
		if err := a.box.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("sandbox cleanup: %w", errors.Join(errs...))
	}
	return nil
}

// Fingerprint implements Adapter. It is the worker's fingerprint.
func (a *Sandboxed) Fingerprint() string {
	return a.fingerprint
}

// DriverVersion implements Adapter.
func (a *Sandboxed) DriverVersion(name string) string {
	return a.listing[name]
}

// Export implements Adapter. Artifacts are read from the sandbox so
// outputs excluded from download can still be exported.
func (a *Sandboxed) Export(ctx context.Context, ref artifact.Ref) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return a.readArtifact(ref)
}

// Import implements Adapter. The snapshot is installed in the host
// session directory and written into the sandbox at the same path.
func (a *Sandboxed) Import(ctx context.Context, stepID, key string, files map[string][]byte) (artifact.Ref, error) {
	ref, err := a.files.Install(ctx, stepID, key, files)
	if err != nil {
		return artifact.Ref{}, err
	}
	for _, name := range []string{artifact.ManifestFile, artifact.DataFile} {
		if err := a.box.WriteFile(path.Join(ref.Path, name), files[name], 0o644); err != nil {
			return artifact.Ref{}, fmt.Errorf("importing %s into sandbox: %w", ref.Path, err)
		}
	}
	return ref, nil
}

// Durable implements Adapter. Worker artifacts already live at the same
// relative path in the host session directory.
func (a *Sandboxed) Durable(ref artifact.Ref) artifact.Ref {
	return ref
}

var _ Adapter = (*Sandboxed)(nil)
