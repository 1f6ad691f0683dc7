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

package execute

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/router"
)

// NewRouteCommand creates the route command.
func NewRouteCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "route [query]",
		Short: "Show which connector and operation a request resolves to",
		Long: `Resolve a request the way execute would, without calling anything.

Useful for checking routing hints: the output names the connector, the
operation, the confidence score and any parameters taken from the query.`,
		Example: `  switchboard route "send an email to bob"
  switchboard route --tool google_calendar_create --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			return runRoute(cmd, req)
		},
	}

	flags.register(cmd, false)
	return cmd
}

type routeOutput struct {
	shared.JSONResponse
	*router.Result
}

func runRoute(cmd *cobra.Command, req engine.Request) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := shared.LoadConfig()
	if err != nil {
		return err
	}
	c, err := shared.NewController(ctx, cfg, shared.ModeOneShot, false)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	res, err := c.Engine().Route(ctx, req)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		return shared.EmitJSON(out, routeOutput{JSONResponse: shared.NewJSONResponse("route"), Result: res})
	}

	fmt.Fprintf(out, "%s %s.%s\n", shared.Bold.Render("Route:"), res.ConnectorID, res.Operation)
	fmt.Fprintf(out, "%s %.2f\n", shared.Bold.Render("Confidence:"), res.Confidence)
	if res.Fallback {
		fmt.Fprintln(out, shared.RenderWarn("no connector cleared its threshold, using the generic HTTP fallback"))
	}
	if len(res.Parameters) > 0 {
		fmt.Fprintln(out, shared.Bold.Render("Extracted parameters:"))
		for _, name := range slices.Sorted(maps.Keys(res.Parameters)) {
			fmt.Fprintf(out, "  %s = %v\n", name, res.Parameters[name])
		}
	}
	return nil
}
