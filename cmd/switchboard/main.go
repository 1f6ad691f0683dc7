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

package main

import (
	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/cli"
	"github.com/tombee/switchboard/internal/commands/completion"
	configcmd "github.com/tombee/switchboard/internal/commands/config"
	"github.com/tombee/switchboard/internal/commands/connectors"
	"github.com/tombee/switchboard/internal/commands/credentials"
	"github.com/tombee/switchboard/internal/commands/execute"
	"github.com/tombee/switchboard/internal/commands/mcpserver"
	"github.com/tombee/switchboard/internal/commands/serve"
	versioncmd "github.com/tombee/switchboard/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	addGroup(rootCmd, cli.GroupExecution, execute.NewCommand(), execute.NewRouteCommand())
	addGroup(rootCmd, cli.GroupServe, serve.NewCommand(), mcpserver.NewCommand())
	addGroup(rootCmd, cli.GroupManage, connectors.NewCommand(), credentials.NewCommand(), configcmd.NewConfigCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand(), completion.NewCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}

func addGroup(root *cobra.Command, group string, cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.GroupID = group
		root.AddCommand(c)
	}
}
