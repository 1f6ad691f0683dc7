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

// Package mcpserver implements the mcp command.
package mcpserver

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/commands/shared"
)

// NewCommand creates the mcp command.
func NewCommand() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve connector operations as MCP tools over stdio",
		Long: `Serve every connector operation as a Model Context Protocol tool on
standard input and output.

Tools are named <connector>__<operation>, for example gmail__send. Each
tool's input schema mirrors the operation's parameters plus an optional
identity argument. Calls without an identity use --identity, or
tools.default_identity from the config.

When registry.watch is set the tool list follows descriptor changes.

Configuration example for an MCP client:
  {
    "mcpServers": {
      "switchboard": {
        "command": "switchboard",
        "args": ["mcp", "--identity", "alice"]
      }
    }
  }

Logs are written to standard error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if identity != "" {
				cfg.Tools.DefaultIdentity = identity
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := shared.NewController(ctx, cfg, shared.ModeService, false)
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			tools := c.NewToolServer()
			c.Start(ctx)
			return tools.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&identity, "identity", "i", "", "Default identity for tool calls")
	return cmd
}
