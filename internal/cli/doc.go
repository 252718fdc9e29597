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

/*
Package cli provides the root command and shared configuration for ferry's CLI.

This package creates the main Cobra command tree and handles global concerns like
version information, persistent flags, and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	ferry
	├── run           Execute a pipeline manifest
	├── validate      Validate a manifest without running it
	├── drivers list  Inspect the driver registry
	├── cache         Purge or inspect the step cache
	├── audit         Query the audit log
	├── version       Show version
	├── help          Show help
	└── worker        Sandbox entry point (hidden)

# Global Flags

	--verbose, -v    Enable debug logging
	--quiet, -q      Only log errors
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

  - 0: every step succeeded
  - 1: a step failed permanently, or the run was cancelled
  - 2: invalid manifest or configuration; nothing ran
  - 75: transient or transport failure (EX_TEMPFAIL)

Use HandleExitError for consistent error handling:

	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}
*/
package cli
