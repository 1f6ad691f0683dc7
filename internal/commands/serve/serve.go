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

// Package serve implements the serve command.
package serve

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/commands/shared"
)

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		addr        string
		requireAuth bool
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the switchboard HTTP API until interrupted.

Endpoints:
  POST /v1/execute     Execute a connector operation
  GET  /v1/connectors  List connectors and their tool ids
  GET  /health         Liveness
  GET  /metrics        Prometheus metrics (observability.metrics.enabled)

The /api/tools/google-suite/list and /api/tools/google-suite/execute paths
are kept as aliases for older clients.

The caller's identity is read from the X-Switchboard-Identity header or the
identity field of the request body.

On SIGINT or SIGTERM the server stops accepting connections and waits up to
server.shutdown_timeout for in-flight requests.`,
		Example: `  switchboard serve
  switchboard serve --addr 0.0.0.0:8420 --watch
  SWITCHBOARD_MASTER_KEY=... switchboard serve --require-credentials`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := shared.LoadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if watch {
				if cfg.Registry.Dir == "" {
					return shared.NewInvalidInputError("--watch needs registry.dir in the config", nil)
				}
				cfg.Registry.Watch = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			c, err := shared.NewController(ctx, cfg, shared.ModeService, requireAuth)
			if err != nil {
				return err
			}
			defer c.Close(context.Background())

			c.Start(ctx)
			return c.NewAPIServer().Start(ctx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default: server.addr, 127.0.0.1:8420)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload connector descriptors when registry.dir changes")
	cmd.Flags().BoolVar(&requireAuth, "require-credentials", false, "Fail to start if the credential store cannot be opened")
	return cmd
}
