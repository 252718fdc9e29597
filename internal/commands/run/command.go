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
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/commands/shared"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/orchestrator"
	"github.com/tombee/ferry/pkg/manifest"
)

// options holds the flags of the run command.
type options struct {
	mode      string
	sessionID string
	noCache   bool
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run <manifest>",
		Short: "Execute a pipeline manifest",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes every step of a pipeline manifest in dependency order.

Steps run in-process (--mode local) or through a worker inside a sandbox
(--mode sandboxed). A step whose upstream failed or was skipped is skipped.
Transient failures are retried with exponential backoff.

Each run writes a session directory holding artifacts, events.jsonl,
metrics.jsonl and records.json.

Exit codes:
  0   every step succeeded
  1   a step failed permanently, or the run was cancelled
  2   the manifest or configuration is invalid; nothing ran
  75  a transient or transport failure; retrying the run may succeed

See also: ferry validate, ferry drivers list`,
		Example: `  # Run a pipeline in-process
  ferry run pipeline.yaml

  # Run inside a sandbox and print the summary as JSON
  ferry run pipeline.yaml --mode sandboxed --json

  # Ignore the step cache for this run
  ferry run pipeline.yaml --no-cache`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.mode, "mode", "", "Execution mode: local or sandboxed (default from config)")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session identifier (default: generated)")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "Disable the step cache for this run")

	return cmd
}

func runPipeline(ctx context.Context, out, errOut io.Writer, path string, opts options) error {
	useJSON := shared.GetJSON()

	m, err := manifest.Load(path)
	if err != nil {
		if useJSON {
			if emitErr := shared.EmitJSONError(out, "run", []shared.JSONError{{
				Code:    shared.ErrorCodeInvalidManifest,
				Message: err.Error(),
			}}); emitErr != nil {
				return shared.NewInvalidError("invalid manifest", errors.Join(err, emitErr))
			}
			return shared.Silent(shared.ExitInvalid)
		}
		return shared.NewInvalidError("invalid manifest", err)
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if opts.mode != "" {
		cfg.Runtime.Mode = opts.mode
		if err := cfg.Validate(); err != nil {
			return shared.NewInvalidError("invalid --mode", err)
		}
	}
	logger := ferrylog.WithComponent(shared.NewLogger(cfg, errOut), "cli")

	rt, err := newRuntime(ctx, cfg, logger, opts.noCache)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := rt.Close(ctx); cerr != nil {
			logger.Warn("failed to close runtime", ferrylog.Error(cerr))
		}
	}()

	summary, err := rt.orchestrator(opts.sessionID).Run(ctx, m)
	if err != nil {
		return shared.NewInvalidError("run could not start", err)
	}

	if useJSON {
		if err := shared.EmitJSON(out, newRunResponse(summary)); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}
	} else {
		printSummary(out, summary)
	}
	return exitForSummary(summary, useJSON)
}

// exitForSummary maps a finished run to the process exit code.
func exitForSummary(s *orchestrator.Summary, quiet bool) error {
	switch s.Status {
	case orchestrator.RunSucceeded:
		return nil
	case orchestrator.RunCancelled:
		if quiet {
			return shared.Silent(shared.ExitFailed)
		}
		return shared.NewExecutionError("run cancelled", nil)
	}

	f := s.FirstFailure
	code := shared.ExitCodeForKind(f.Kind)
	if quiet {
		return shared.Silent(code)
	}
	return &shared.ExitError{
		Code:    code,
		Message: fmt.Sprintf("step %s failed (%s): %s", f.StepID, f.Kind, f.Message),
	}
}
