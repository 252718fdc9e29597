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

package validate

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/commands/shared"
	"github.com/tombee/ferry/internal/drivers"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
	"github.com/tombee/ferry/pkg/errors"
	"github.com/tombee/ferry/pkg/manifest"
)

// NewCommand creates the validate command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>",
		Short: "Validate a pipeline manifest without running it",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks that a manifest parses, that step ids are unique, that
every dependency exists and that the step graph has no cycle. It then
checks each step's driver against the local driver registry.

A driver that is registered but unavailable on this host is reported as a
warning: it may still be available inside a sandbox.

See also: ferry run, ferry drivers list`,
		Example: `  # Validate a manifest
  ferry validate pipeline.yaml

  # Validate with JSON output for parsing
  ferry validate pipeline.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0])
		},
	}
	return cmd
}

// result is the outcome of validating one manifest.
type result struct {
	manifest *manifest.Manifest
	order    []string
	errors   []shared.JSONError
	warnings []shared.JSONError
}

func runValidate(ctx context.Context, out, errOut io.Writer, path string) error {
	useJSON := shared.GetJSON()

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	specs, err := shared.LoadDriverSpecs(cfg)
	if err != nil {
		return err
	}
	reg, _ := drivers.NewRegistry(ctx, specs, registry.PopulateOptions{},
		registry.WithLogger(ferrylog.Discard()))

	res := validateFile(path, reg)

	if len(res.errors) > 0 {
		if useJSON {
			if err := shared.EmitJSONError(out, "validate", res.errors); err != nil {
				return shared.NewInvalidError("validation failed", err)
			}
			return shared.Silent(shared.ExitInvalid)
		}
		for _, e := range res.errors {
			report(errOut, path, "error", e)
		}
		return &shared.ExitError{Code: shared.ExitInvalid, Message: "validation failed"}
	}

	if useJSON {
		type pipelineInfo struct {
			Name  string   `json:"name"`
			Steps int      `json:"steps"`
			Order []string `json:"order"`
		}
		type validateResponse struct {
			shared.JSONResponse
			Pipeline pipelineInfo       `json:"pipeline"`
			Warnings []shared.JSONError `json:"warnings,omitempty"`
		}
		return shared.EmitJSON(out, validateResponse{
			JSONResponse: shared.NewJSONResponse("validate", true),
			Pipeline: pipelineInfo{
				Name:  res.manifest.Name,
				Steps: len(res.manifest.Steps),
				Order: res.order,
			},
			Warnings: res.warnings,
		})
	}

	for _, w := range res.warnings {
		report(errOut, path, "warning", w)
	}
	fmt.Fprintf(out, "%s: pipeline %s is valid (%d steps)\n", path, res.manifest.Name, len(res.manifest.Steps))
	return nil
}

// validateFile collects every problem with the manifest at path.
func validateFile(path string, reg *registry.Registry) result {
	var res result

	data, err := os.ReadFile(path)
	if err != nil {
		res.errors = append(res.errors, shared.JSONError{
			Code:       shared.ErrorCodeFileNotFound,
			Message:    fmt.Sprintf("failed to read manifest: %v", err),
			Suggestion: "Check that the file path is correct and the file exists",
		})
		return res
	}

	m, err := manifest.Parse(data)
	if err != nil {
		res.errors = append(res.errors, manifestError(err))
		return res
	}
	res.manifest = m

	order, err := m.TopologicalOrder()
	if err != nil {
		res.errors = append(res.errors, manifestError(err))
		return res
	}
	for _, s := range order {
		res.order = append(res.order, s.ID)
	}

	for _, s := range m.Steps {
		_, err := reg.Resolve(s.Driver)
		if err == nil {
			continue
		}
		var unavailable *errors.DriverUnavailableError
		if stderrors.As(err, &unavailable) {
			res.warnings = append(res.warnings, shared.JSONError{
				Code:       shared.ErrorCodeUnknownDriver,
				Message:    err.Error(),
				Suggestion: unavailable.Suggestion(),
				StepID:     s.ID,
			})
			continue
		}
		res.errors = append(res.errors, shared.JSONError{
			Code:       shared.ErrorCodeUnknownDriver,
			Message:    fmt.Sprintf("step %s uses unknown driver %q", s.ID, s.Driver),
			Suggestion: "Run 'ferry drivers list' to see registered drivers",
			StepID:     s.ID,
		})
	}
	return res
}

func manifestError(err error) shared.JSONError {
	je := shared.JSONError{Code: shared.ErrorCodeSchemaViolation, Message: err.Error()}
	var verr *errors.ValidationError
	if stderrors.As(err, &verr) {
		je.Suggestion = verr.Suggestion
		if verr.Field == "" {
			je.Code = shared.ErrorCodeInvalidManifest
		}
		if verr.Field == "steps" || strings.HasSuffix(verr.Field, ".needs") {
			je.Code = shared.ErrorCodeInvalidReference
		}
	}
	return je
}

func report(w io.Writer, path, level string, e shared.JSONError) {
	fmt.Fprintf(w, "%s: %s: %s\n", path, level, e.Message)
	if e.Suggestion != "" {
		fmt.Fprintf(w, "  Suggestion: %s\n", e.Suggestion)
	}
}
