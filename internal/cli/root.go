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
	"github.com/tombee/switchboard/internal/commands/shared"
)

// SetVersion records build information injected through ldflags.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command. Subcommands are added by main.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "switchboard",
		Short: "Switchboard - execute API connector operations",
		Long: `Switchboard runs operations against third-party APIs described by
declarative connector descriptors. It routes free-text queries to the
right connector, injects stored credentials, and applies rate limits,
retries, circuit breaking and response caching to every call.

Run 'switchboard serve' to start the HTTP API.
Run 'switchboard mcp' to expose connector operations as MCP tools.
Run 'switchboard connectors list' to see what is available.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/switchboard/config.yaml)")

	cmd.AddGroup(
		&cobra.Group{ID: GroupExecution, Title: "Execution:"},
		&cobra.Group{ID: GroupServe, Title: "Serving:"},
		&cobra.Group{ID: GroupManage, Title: "Management:"},
	)

	return cmd
}

// Command groups shown in help output.
const (
	GroupExecution = "execution"
	GroupServe     = "serve"
	GroupManage    = "manage"
)

func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError prints err and exits with its mapped exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
