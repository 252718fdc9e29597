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

// Package drivers holds ferry's builtin driver implementations.
package drivers

import (
	"context"
	_ "embed"
	"fmt"
	"sort"

	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
	"github.com/tombee/ferry/pkg/table"
)

//go:embed drivers.yaml
var builtinSpecs []byte

// Factories returns the closed set of builtin implementations.
func Factories() map[string]registry.Factory {
	return map[string]registry.Factory{
		"inline":           newInline,
		"csv.extract":      newCSVExtract,
		"csv.write":        newCSVWrite,
		"filter":           newFilter,
		"jq":               newJQ,
		"union":            newUnion,
		"postgres.extract": newPostgresExtract,
	}
}

// BuiltinSpecs returns the embedded builtin driver specs.
func BuiltinSpecs() []registry.Spec {
	specs, err := registry.ParseSpecs(builtinSpecs)
	if err != nil {
		panic(fmt.Sprintf("embedded drivers.yaml: %v", err))
	}
	return specs
}

// BuiltinSpecsYAML returns the embedded spec file as shipped.
func BuiltinSpecsYAML() []byte {
	return builtinSpecs
}

// NewRegistry creates a registry populated with the builtin specs and any
// extra specs.
func NewRegistry(ctx context.Context, extra []registry.Spec, popts registry.PopulateOptions, opts ...registry.Option) (*registry.Registry, registry.PopulateSummary) {
	r := registry.New(Factories(), opts...)
	specs := append(BuiltinSpecs(), extra...)
	return r, r.PopulateFromSpecs(ctx, specs, popts)
}

func single(t *table.Table) *registry.Result {
	return &registry.Result{Outputs: map[string]*table.Table{manifest.DefaultKey: t}}
}

// singleInput returns the input named by config "input", or the only input.
func singleInput(req registry.Request) (*table.Table, error) {
	if name, ok := req.Config["input"].(string); ok && name != "" {
		t, ok := req.Inputs[name]
		if !ok {
			return nil, &errors.ConfigError{Key: "input", Reason: fmt.Sprintf("step %s has no input %q (have %v)", req.StepID, name, inputNames(req))}
		}
		return t, nil
	}
	if len(req.Inputs) != 1 {
		return nil, &errors.ConfigError{
			Key:    "input",
			Reason: fmt.Sprintf("step %s needs exactly one input, got %d; set 'input' to choose one of %v", req.StepID, len(req.Inputs), inputNames(req)),
		}
	}
	for _, t := range req.Inputs {
		return t, nil
	}
	return nil, nil
}

func inputNames(req registry.Request) []string {
	names := make([]string, 0, len(req.Inputs))
	for name := range req.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func stringOpt(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func boolOpt(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

func requireString(cfg map[string]any, key string) (string, error) {
	v, ok := cfg[key].(string)
	if !ok || v == "" {
		return "", &errors.ConfigError{Key: key, Reason: fmt.Sprintf("%s is required", key)}
	}
	return v, nil
}

// columnsOpt decodes a [{name, type}] list.
func columnsOpt(cfg map[string]any, key string) ([]table.Column, error) {
	raw, ok := cfg[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, &errors.ConfigError{Key: key, Reason: "must be a list of {name, type}"}
	}
	cols := make([]table.Column, 0, len(list))
	for i, item := range list {
		switch v := item.(type) {
		case string:
			cols = append(cols, table.Column{Name: v, Type: table.TypeString})
		case map[string]any:
			name, _ := v["name"].(string)
			typ, _ := v["type"].(string)
			cols = append(cols, table.Column{Name: name, Type: table.ColumnType(typ)})
		default:
			return nil, &errors.ConfigError{Key: fmt.Sprintf("%s[%d]", key, i), Reason: "must be a name or {name, type}"}
		}
	}
	return cols, nil
}
