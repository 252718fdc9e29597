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

package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	stepcache "github.com/tombee/ferry/internal/cache"
	"github.com/tombee/ferry/internal/commands/shared"
)

// NewCommand creates the cache command group
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the step-output cache",
		Annotations: map[string]string{
			"group": "maintenance",
		},
	}
	cmd.AddCommand(newPurgeCommand(), newStatsCommand())
	return cmd
}

func newPurgeCommand() *cobra.Command {
	var expiredOnly bool

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete cached step outputs",
		Long: `Purge deletes every cache entry. With --expired only entries past their
TTL are removed. Entries are deleted from the index before memory, so an
interrupted purge never leaves an entry that resurrects on the next run.`,
		Example: `  # Drop everything
  ferry cache purge

  # Drop only expired entries
  ferry cache purge --expired`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, c *stepcache.Cache) error {
				return runPurge(ctx, cmd.OutOrStdout(), c, expiredOnly)
			})
		},
	}
	cmd.Flags().BoolVar(&expiredOnly, "expired", false, "Only remove entries past their TTL")
	return cmd
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(cmd.Context(), func(ctx context.Context, c *stepcache.Cache) error {
				return runStats(ctx, cmd.OutOrStdout(), c)
			})
		},
	}
}

// withCache opens the configured cache file for the duration of fn.
func withCache(ctx context.Context, fn func(context.Context, *stepcache.Cache) error) error {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0o755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}
	c, err := stepcache.Open(ctx, stepcache.Config{Path: cfg.Cache.Path, TTL: cfg.Cache.TTL})
	if err != nil {
		return fmt.Errorf("opening cache %s: %w", cfg.Cache.Path, err)
	}
	defer c.Close()
	return fn(ctx, c)
}

func runPurge(ctx context.Context, out io.Writer, c *stepcache.Cache, expiredOnly bool) error {
	purge := c.Purge
	if expiredOnly {
		purge = c.PurgeExpired
	}
	n, err := purge(ctx)
	if err != nil {
		return shared.NewExecutionError("cache purge failed", err)
	}

	if shared.GetJSON() {
		type purgeResponse struct {
			shared.JSONResponse
			Removed int `json:"removed"`
		}
		return shared.EmitJSON(out, purgeResponse{
			JSONResponse: shared.NewJSONResponse("cache purge", true),
			Removed:      n,
		})
	}
	fmt.Fprintf(out, "Removed %d cache %s\n", n, entries(n))
	return nil
}

func runStats(ctx context.Context, out io.Writer, c *stepcache.Cache) error {
	artifacts, lookups, err := c.Stats(ctx)
	if err != nil {
		return shared.NewExecutionError("reading cache stats", err)
	}

	if shared.GetJSON() {
		type statsResponse struct {
			shared.JSONResponse
			Artifacts int `json:"artifacts"`
			Lookups   int `json:"lookups"`
		}
		return shared.EmitJSON(out, statsResponse{
			JSONResponse: shared.NewJSONResponse("cache stats", true),
			Artifacts:    artifacts,
			Lookups:      lookups,
		})
	}
	fmt.Fprintf(out, "Artifacts: %d\nLookups:   %d\n", artifacts, lookups)
	return nil
}

func entries(n int) string {
	if n == 1 {
		return "entry"
	}
	return "entries"
}
