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

package drivers

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tombee/ferry/internal/commands/shared"
	builtin "github.com/tombee/ferry/internal/drivers"
	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/registry"
)

// NewCommand creates the drivers command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drivers",
		Short: "Inspect the driver registry",
		Annotations: map[string]string{
			"group": "registry",
		},
	}
	cmd.AddCommand(newListCommand())
	return cmd
}

func newListCommand() *cobra.Command {
	var specsOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered drivers and their availability",
		Long: `List loads the builtin driver specs and any spec files named in the
configuration, runs each driver's preflight check on this host, and prints
the result. Drivers that fail preflight stay registered in a failed state.

With --specs the merged spec list is printed as YAML instead; this is the
drivers.yaml uploaded into a sandbox.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), specsOnly)
		},
	}
	cmd.Flags().BoolVar(&specsOnly, "specs", false, "Print the merged driver specs as YAML")
	return cmd
}

// driverInfo is one row of the --json listing.
type driverInfo struct {
	Name        string `json:"name"`
	Impl        string `json:"impl"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	State       string `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

func runList(ctx context.Context, out io.Writer, specsOnly bool) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	extra, err := shared.LoadDriverSpecs(cfg)
	if err != nil {
		return err
	}

	if specsOnly {
		data, err := registry.MarshalSpecs(append(builtin.BuiltinSpecs(), extra...))
		if err != nil {
			return fmt.Errorf("encoding driver specs: %w", err)
		}
		_, err = out.Write(data)
		return err
	}

	reg, _ := builtin.NewRegistry(ctx, extra, registry.PopulateOptions{},
		registry.WithLogger(ferrylog.Discard()))

	entries := reg.List()
	infos := make([]driverInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, driverInfo{
			Name:        e.Spec.Name,
			Impl:        e.Spec.Implementation(),
			Version:     e.Spec.Version,
			Description: e.Spec.Description,
			State:       string(e.State),
			Reason:      e.Reason,
			Detail:      e.Detail,
		})
	}

	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Fingerprint string       `json:"fingerprint"`
			Drivers     []driverInfo `json:"drivers"`
		}
		return shared.EmitJSON(out, listResponse{
			JSONResponse: shared.NewJSONResponse("drivers list", true),
			Fingerprint:  reg.Fingerprint(),
			Drivers:      infos,
		})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tIMPL\tVERSION\tSTATE\tDETAIL")
	for _, d := range infos {
		detail := d.Description
		if d.State != string(registry.StateReady) {
			detail = d.Detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Name, d.Impl, orDash(d.Version), d.State, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nFingerprint: %s\n", reg.Fingerprint())
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
