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
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tombee/ferry/internal/commands/shared"
	"github.com/tombee/ferry/internal/orchestrator"
)

// runResponse is the --json output of ferry run.
type runResponse struct {
	shared.JSONResponse
	*orchestrator.Summary
	Errors []shared.JSONError `json:"errors,omitempty"`
}

func newRunResponse(s *orchestrator.Summary) runResponse {
	resp := runResponse{
		JSONResponse: shared.NewJSONResponse("run", s.Status == orchestrator.RunSucceeded),
		Summary:      s,
	}
	if f := s.FirstFailure; f != nil {
		resp.Errors = append(resp.Errors, shared.JSONError{
			Code:    shared.ErrorCodeForKind(f.Kind),
			Message: f.Message,
			StepID:  f.StepID,
		})
	}
	return resp
}

// printSummary writes one line per step followed by the run result.
func printSummary(w io.Writer, s *orchestrator.Summary) {
	fmt.Fprintf(w, "Pipeline %s (session %s)\n\n", s.Pipeline, s.SessionID)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tDRIVER\tSTATUS\tROWS\tDURATION\tDETAIL")
	for _, r := range s.Records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.StepID, r.Driver, statusLabel(r), humanize.Comma(int64(r.RowsOut)), duration(r), detail(r))
	}
	tw.Flush()

	fmt.Fprintf(w, "\nRun %s in %s\n", s.Status, s.EndedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(w, "Session directory: %s\n", s.Dir)
}

func statusLabel(r orchestrator.Record) string {
	if r.Cached {
		return string(r.Status) + " (cached)"
	}
	return string(r.Status)
}

func duration(r orchestrator.Record) string {
	if r.StartedAt == nil || r.EndedAt == nil {
		return "-"
	}
	return r.EndedAt.Sub(*r.StartedAt).Round(time.Millisecond).String()
}

func detail(r orchestrator.Record) string {
	switch {
	case r.Error != nil:
		return fmt.Sprintf("%s: %s", r.Error.Kind, r.Error.Message)
	case r.SkipReason != "":
		return r.SkipReason
	case r.RetryCount > 0:
		return fmt.Sprintf("%d %s", r.RetryCount, plural(r.RetryCount, "retry", "retries"))
	}
	return ""
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
