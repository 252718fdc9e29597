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
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tombee/ferry/internal/commands/shared"
)

// CommandMetadata describes one command for machine-readable help.
type CommandMetadata struct {
	Name        string         `json:"name"`
	Path        string         `json:"path"`
	Short       string         `json:"short"`
	Long        string         `json:"long,omitempty"`
	Usage       string         `json:"usage"`
	Flags       []FlagMetadata `json:"flags,omitempty"`
	Examples    string         `json:"examples,omitempty"`
	Subcommands []string       `json:"subcommands,omitempty"`
	Group       string         `json:"group,omitempty"`
	Aliases     []string       `json:"aliases,omitempty"`
}

// FlagMetadata describes one flag.
type FlagMetadata struct {
	Name      string `json:"name"`
	Shorthand string `json:"shorthand,omitempty"`
	Usage     string `json:"usage"`
	Default   string `json:"default,omitempty"`
	Required  bool   `json:"required"`
}

// HelpResponse is the --json output of the help command.
type HelpResponse struct {
	shared.JSONResponse
	Commands    []CommandMetadata `json:"commands,omitempty"`
	Command     *CommandMetadata  `json:"command,omitempty"`
	GlobalFlags []FlagMetadata    `json:"global_flags,omitempty"`
}

// NewHelpCommand replaces cobra's default help with one that can emit JSON.
func NewHelpCommand(root *cobra.Command) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "help [command]",
		Short: "Help about any command",
		Long: `Show usage for ferry or one of its commands.

With --json the command tree (or a single command) is printed as a JSON
document, including nested commands such as "cache purge".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := root
			if len(args) > 0 {
				found, _, err := root.Find(args)
				if err != nil || found == root {
					return shared.NewInvalidError(fmt.Sprintf("unknown command %q", strings.Join(args, " ")), nil)
				}
				target = found
			}

			if !jsonOutput && !shared.GetJSON() {
				return target.Help()
			}

			resp := HelpResponse{GlobalFlags: flagsOf(root.PersistentFlags())}
			if target == root {
				resp.JSONResponse = shared.NewJSONResponse("help", true)
				resp.Commands = walk(root, nil)
			} else {
				meta := describe(target)
				resp.JSONResponse = shared.NewJSONResponse("help "+target.Name(), true)
				resp.Command = &meta
			}
			return shared.EmitJSON(cmd.OutOrStdout(), resp)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	return cmd
}

// walk collects visible commands depth first, parents before children.
func walk(parent *cobra.Command, acc []CommandMetadata) []CommandMetadata {
	for _, c := range parent.Commands() {
		if c.Hidden || c.Name() == "help" {
			continue
		}
		acc = append(acc, describe(c))
		acc = walk(c, acc)
	}
	return acc
}

func describe(c *cobra.Command) CommandMetadata {
	meta := CommandMetadata{
		Name:     c.Name(),
		Path:     strings.TrimPrefix(c.CommandPath(), c.Root().Name()+" "),
		Short:    c.Short,
		Long:     c.Long,
		Usage:    c.UseLine(),
		Examples: c.Example,
		Aliases:  c.Aliases,
		Group:    c.Annotations["group"],
		Flags:    flagsOf(c.LocalNonPersistentFlags()),
	}
	for _, sub := range c.Commands() {
		if !sub.Hidden {
			meta.Subcommands = append(meta.Subcommands, sub.Name())
		}
	}
	return meta
}

func flagsOf(fs *pflag.FlagSet) []FlagMetadata {
	var out []FlagMetadata
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		ann := f.Annotations[cobra.BashCompOneRequiredFlag]
		out = append(out, FlagMetadata{
			Name:      f.Name,
			Shorthand: f.Shorthand,
			Usage:     f.Usage,
			Default:   f.DefValue,
			Required:  len(ann) > 0 && ann[0] == "true",
		})
	})
	return out
}
