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

package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/audit"
	"github.com/tombee/ferry/internal/commands/shared"
)

// NewCommand creates the audit command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
		Annotations: map[string]string{
			"group": "maintenance",
		},
	}
	cmd.AddCommand(newQueryCommand(), newCountsCommand())
	return cmd
}

type queryFlags struct {
	session  string
	action   string
	resource string
	result   string
	since    time.Duration
	limit    int
}

func newQueryCommand() *cobra.Command {
	var f queryFlags

	cmd := &cobra.Command{
		Use:   "query",
		Short: "List audit entries matching filters",
		Example: `  # Every retry of the last day
  ferry audit query --action step:retry --since 24h

  # What one run did, as JSON
  ferry audit query --session 3f2c9a --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.OutOrStdout(), cmd.ErrOrStderr(), f, time.Now())
		},
	}
	cmd.Flags().StringVar(&f.session, "session", "", "Only entries of this session")
	cmd.Flags().StringVar(&f.action, "action", "", "Only entries with this action (e.g. step:execute)")
	cmd.Flags().StringVar(&f.resource, "resource", "", "Only entries for this resource (step id, driver, pipeline)")
	cmd.Flags().StringVar(&f.result, "result", "", "Only entries with this result: success, failure or skipped")
	cmd.Flags().DurationVar(&f.since, "since", 0, "Only entries newer than this duration")
	cmd.Flags().IntVar(&f.limit, "limit", 100, "Maximum number of entries (0 for no limit)")
	return cmd
}

func runQuery(out, errOut io.Writer, f queryFlags, now time.Time) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	filter := audit.QueryFilter{
		SessionID: f.session,
		Action:    audit.Action(f.action),
		Resource:  f.resource,
		Result:    audit.Result(f.result),
		Limit:     f.limit,
	}
	if f.since > 0 {
		filter.Since = now.Add(-f.since)
	}

	store := audit.NewStore(cfg.Audit.Path, shared.NewLogger(cfg, errOut))
	entries, err := store.Query(filter)
	if err != nil {
		return shared.NewExecutionError("audit query failed", err)
	}

	if shared.GetJSON() {
		type queryResponse struct {
			shared.JSONResponse
			Entries []audit.Entry `json:"entries"`
		}
		return shared.EmitJSON(out, queryResponse{
			JSONResponse: shared.NewJSONResponse("audit query", true),
			Entries:      entries,
		})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tACTION\tRESOURCE\tRESULT\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.SessionID, e.Action, e.Resource, e.Result, e.Error)
	}
	return tw.Flush()
}

func newCountsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show the running count of each audited action",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCounts(cmd.OutOrStdout())
		},
	}
}

func runCounts(out io.Writer) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}

	counts := map[audit.Action]int{}
	data, err := os.ReadFile(audit.CountsPath(cfg.Audit.Path))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return shared.NewExecutionError("reading audit counts", err)
	default:
		if err := json.Unmarshal(data, &counts); err != nil {
			return shared.NewExecutionError("parsing audit counts", err)
		}
	}

	if shared.GetJSON() {
		type countsResponse struct {
			shared.JSONResponse
			Counts map[audit.Action]int `json:"counts"`
		}
		return shared.EmitJSON(out, countsResponse{
			JSONResponse: shared.NewJSONResponse("audit counts", true),
			Counts:       counts,
		})
	}

	actions := make([]string, 0, len(counts))
	for a := range counts {
		actions = append(actions, string(a))
	}
	sort.Strings(actions)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%d\n", a, counts[audit.Action(a)])
	}
	return tw.Flush()
}
