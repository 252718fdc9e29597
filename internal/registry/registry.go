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

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/tombee/ferry/pkg/errors"
)

// Reason codes for drivers registered in a failed state.
const (
	ReasonMissingBinary  = "missing_binary"
	ReasonMissingEnv     = "missing_env"
	ReasonMissingPackage = "missing_package"
	ReasonInstallFailed  = "install_failed"
	ReasonUnknownImpl    = "unknown_impl"
	ReasonFactoryError   = "factory_error"
	ReasonInvalidSpec    = "invalid_spec"
)

// State is the registration state of a driver.
type State string

const (
	StateReady  State = "ready"
	StateFailed State = "failed"
)

// Entry is one registered driver.
type Entry struct {
	Spec   Spec   `json:"spec"`
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`

	driver Driver
	digest string
}

// EventDriverUnavailable is emitted for every driver that fails to load.
const EventDriverUnavailable = "driver_unavailable"

// EventSink receives registry events such as driver_unavailable.
type EventSink func(event string, fields map[string]any)

// PopulateOptions controls PopulateFromSpecs.
type PopulateOptions struct {
	// AllowInstall lets the registry install missing packages once.
	AllowInstall bool
}

// PopulateSummary reports the outcome of PopulateFromSpecs.
type PopulateSummary struct {
	Ready  []string
	Failed []Entry
}

// Registry maps driver names to drivers. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	entries   map[string]*Entry

	checker   Checker
	installer Installer
	sink      EventSink
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithChecker sets the requirement checker.
func WithChecker(c Checker) Option {
	return func(r *Registry) { r.checker = c }
}

// WithInstaller sets the package installer.
func WithInstaller(i Installer) Option {
	return func(r *Registry) { r.installer = i }
}

// WithEventSink sets where registry events go.
func WithEventSink(s EventSink) Option {
	return func(r *Registry) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates a registry over a table of builtin implementations.
func New(factories map[string]Factory, opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]Factory, len(factories)),
		entries:   make(map[string]*Entry),
		logger:    slog.Default(),
	}
	for impl, f := range factories {
		r.factories[impl] = f
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.checker == nil {
		r.checker = &SystemChecker{Installer: r.installer}
	}
	return r
}

// Register builds a driver from factory and registers it under name with
// no requirements. Registering the same name again replaces it.
func (r *Registry) Register(name string, factory Factory) error {
	spec := Spec{Name: name, Impl: name}
	digest, err := specDigest(spec)
	if err != nil {
		return fmt.Errorf("registering driver %s: %w", name, err)
	}
	d, err := factory(spec)
	if err != nil {
		return fmt.Errorf("registering driver %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = &Entry{Spec: spec, State: StateReady, driver: d, digest: digest}
	return nil
}

// PopulateFromSpecs registers every spec. Specs whose requirements cannot
// be met are registered in a failed state and reported through the event
// sink; they never stop the remaining specs from loading.
func (r *Registry) PopulateFromSpecs(ctx context.Context, specs []Spec, opts PopulateOptions) PopulateSummary {
	var summary PopulateSummary
	for _, spec := range specs {
		entry := r.load(ctx, spec, opts)

		r.mu.Lock()
		r.entries[spec.Name] = entry
		r.mu.Unlock()

		if entry.State == StateReady {
			summary.Ready = append(summary.Ready, spec.Name)
			continue
		}
		summary.Failed = append(summary.Failed, *entry)
		r.logger.Warn("driver unavailable",
			"driver", spec.Name, "reason", entry.Reason, "detail", entry.Detail)
		if r.sink != nil {
			r.sink(EventDriverUnavailable, map[string]any{
				"driver": spec.Name,
				"reason": entry.Reason,
				"detail": entry.Detail,
			})
		}
	}
	return summary
}

func (r *Registry) load(ctx context.Context, spec Spec, opts PopulateOptions) *Entry {
	failed := func(reason, detail string) *Entry {
		return &Entry{Spec: spec, State: StateFailed, Reason: reason, Detail: detail}
	}

	r.mu.RLock()
	factory, ok := r.factories[spec.Implementation()]
	r.mu.RUnlock()
	if !ok {
		return failed(ReasonUnknownImpl, fmt.Sprintf("no builtin implementation %q", spec.Implementation()))
	}
	digest, err := specDigest(spec)
	if err != nil {
		return failed(ReasonInvalidSpec, err.Error())
	}

	unmet := r.checker.Check(ctx, spec.Requires)
	if len(unmet) > 0 && opts.AllowInstall && r.installer != nil {
		if pkgs := missingPackages(unmet); len(pkgs) > 0 {
			r.logger.Info("installing driver packages", "driver", spec.Name, "packages", pkgs)
			if err := r.installer.Install(ctx, pkgs); err != nil {
				return failed(ReasonInstallFailed, err.Error())
			}
			unmet = r.checker.Check(ctx, spec.Requires)
		}
	}
	if len(unmet) > 0 {
		details := make([]string, len(unmet))
		for i, u := range unmet {
			details[i] = u.Detail
		}
		return failed(unmet[0].Reason, strings.Join(details, "; "))
	}

	d, err := factory(spec)
	if err != nil {
		return failed(ReasonFactoryError, err.Error())
	}
	return &Entry{Spec: spec, State: StateReady, driver: d, digest: digest}
}

func missingPackages(unmet []Unmet) []string {
	var pkgs []string
	for _, u := range unmet {
		if u.Reason == ReasonMissingPackage {
			pkgs = append(pkgs, u.Name)
		}
	}
	return pkgs
}

// Resolve returns the driver registered under name, with its spec
// defaults merged under each request's config.
func (r *Registry) Resolve(name string) (Driver, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &errors.NotFoundError{Resource: "driver", ID: name}
	}
	if entry.State != StateReady {
		return nil, &errors.DriverUnavailableError{Driver: name, Reason: entry.Reason, Detail: entry.Detail}
	}
	if len(entry.Spec.Defaults) == 0 {
		return entry.driver, nil
	}
	return &defaultsDriver{driver: entry.driver, defaults: entry.Spec.Defaults}, nil
}

// Config returns the effective config a step would run with.
func (r *Registry) Config(name string, stepConfig map[string]any) map[string]any {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return MergeConfig(nil, stepConfig)
	}
	return MergeConfig(entry.Spec.Defaults, stepConfig)
}

// List returns all entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

// Fingerprint hashes the specs of every ready driver. Two registries with
// the same usable drivers have the same fingerprint.
func (r *Registry) Fingerprint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name, e := range r.entries {
		if e.State == StateReady {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		fmt.Fprintf(h, "%s\x00%s\n", name, r.entries[name].digest)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Diff returns the names whose ready specs differ between r and a
// fingerprint listing produced by Listing on another registry.
func (r *Registry) Diff(other map[string]string) []string {
	mine := r.Listing()
	seen := map[string]bool{}
	var diff []string
	for name, h := range mine {
		seen[name] = true
		if other[name] != h {
			diff = append(diff, name)
		}
	}
	for name := range other {
		if !seen[name] {
			diff = append(diff, name)
		}
	}
	sort.Strings(diff)
	return diff
}

// Listing returns a per-driver hash of every ready spec.
func (r *Registry) Listing() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		if e.State == StateReady {
			out[name] = e.digest[:16]
		}
	}
	return out
}

// specDigest hashes the parts of a spec that decide how a driver behaves.
// It fails when the defaults cannot be encoded, for example a YAML .inf.
func specDigest(s Spec) (string, error) {
	data, err := json.Marshal(fingerprintSpec(s))
	if err != nil {
		return "", fmt.Errorf("encoding spec %s: %w", s.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func fingerprintSpec(s Spec) Spec {
	return Spec{
		Name:     s.Name,
		Impl:     s.Implementation(),
		Version:  s.Version,
		Defaults: s.Defaults,
		Requires: s.Requires,
	}
}

type defaultsDriver struct {
	driver   Driver
	defaults map[string]any
}

func (d *defaultsDriver) Run(ctx context.Context, req Request) (*Result, error) {
	req.Config = MergeConfig(d.defaults, req.Config)
	return d.driver.Run(ctx, req)
}
