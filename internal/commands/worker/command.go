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

// Package worker implements the hidden command a sandbox runs. It speaks
// the transport protocol on stdin and stdout and logs to stderr only.
package worker

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ferrylog "github.com/tombee/ferry/internal/log"
	"github.com/tombee/ferry/internal/transport"
	"github.com/tombee/ferry/internal/worker"
)

// NewCommand creates the worker command
func NewCommand() *cobra.Command {
	var (
		root              string
		heartbeatInterval time.Duration
		maxLineBytes      int
	)

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve pipeline steps over stdin/stdout inside a sandbox",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), root, heartbeatInterval, maxLineBytes)
		},
	}

	cmd.Flags().StringVar(&root, "root", ".", "Sandbox directory holding the bundle and artifacts")
	cmd.Flags().DurationVar(&heartbeatInterval, "heartbeat-interval", transport.DefaultHeartbeatInterval, "Interval between heartbeat frames")
	cmd.Flags().IntVar(&maxLineBytes, "max-line-bytes", transport.DefaultMaxLineBytes, "Largest accepted protocol frame")

	return cmd
}

// serve runs the worker until the host closes stdin. The sandbox has a
// minimal environment, so logging is configured from FERRY_* variables
// rather than a config file.
func serve(ctx context.Context, in io.Reader, out, errOut io.Writer, root string, heartbeat time.Duration, maxLine int) error {
	lc := ferrylog.FromEnv()
	lc.Output = errOut
	logger := ferrylog.WithComponent(ferrylog.New(lc), "worker")

	return worker.Run(ctx, worker.Options{
		Root:              root,
		In:                in,
		Out:               out,
		HeartbeatInterval: heartbeat,
		MaxLineBytes:      maxLine,
		Logger:            logger,
	})
}
