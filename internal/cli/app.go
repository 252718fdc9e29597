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

package cli

import (
	"github.com/spf13/cobra"

	auditcmd "github.com/tombee/ferry/internal/commands/audit"
	cachecmd "github.com/tombee/ferry/internal/commands/cache"
	driverscmd "github.com/tombee/ferry/internal/commands/drivers"
	"github.com/tombee/ferry/internal/commands/run"
	"github.com/tombee/ferry/internal/commands/validate"
	versioncmd "github.com/tombee/ferry/internal/commands/version"
	workercmd "github.com/tombee/ferry/internal/commands/worker"
)

// NewApp returns the root command with every ferry command attached.
func NewApp() *cobra.Command {
	rootCmd := NewRootCommand()

	// Pipeline commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())

	// Registry and maintenance
	rootCmd.AddCommand(driverscmd.NewCommand())
	rootCmd.AddCommand(cachecmd.NewCommand())
	rootCmd.AddCommand(auditcmd.NewCommand())

	// Sandbox entry point
	rootCmd.AddCommand(workercmd.NewCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())
	rootCmd.SetHelpCommand(NewHelpCommand(rootCmd))

	return rootCmd
}
