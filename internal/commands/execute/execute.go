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

// Package execute implements the execute and route commands.
package execute

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/cli/format"
	"github.com/tombee/switchboard/internal/commands/completion"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/engine"
)

type requestFlags struct {
	connector  string
	operation  string
	tool       string
	identity   string
	params     []string
	paramsJSON string
}

func (f *requestFlags) register(cmd *cobra.Command, withParams bool) {
	cmd.Flags().StringVarP(&f.connector, "connector", "c", "", "Connector id")
	cmd.Flags().StringVarP(&f.operation, "operation", "o", "", "Operation name (requires --connector)")
	cmd.Flags().StringVarP(&f.tool, "tool", "t", "", "Tool id, e.g. gmail_send")
	_ = cmd.RegisterFlagCompletionFunc("connector", completion.CompleteConnectorFlag)
	_ = cmd.RegisterFlagCompletionFunc("operation", completion.CompleteOperations)
	_ = cmd.RegisterFlagCompletionFunc("tool", completion.CompleteToolIDs)
	if withParams {
		cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "Identity whose credential and rate limit apply (default: tools.default_identity)")
		cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Parameter as key=value, or key:=json for typed values (repeatable)")
		cmd.Flags().StringVar(&f.paramsJSON, "params-json", "", "Parameters as a JSON object")
	}
}

// request builds an engine request from flags and the optional query
// argument. Exactly one addressing mode must be used.
func (f *requestFlags) request(args []string) (engine.Request, error) {
	var req engine.Request
	if len(args) > 0 {
		req.Query = args[0]
	}
	req.ConnectorID = f.connector
	req.Operation = f.operation
	req.ToolID = f.tool
	req.Identity = f.identity

	modes := 0
	for _, set := range []bool{req.Query != "", req.ToolID != "", req.ConnectorID != ""} {
		if set {
			modes++
		}
	}
	switch {
	case modes == 0:
		return req, shared.NewInvalidInputError("give a query, --tool, or --connector with --operation", nil)
	case modes > 1:
		return req, shared.NewInvalidInputError("a query, --tool and --connector are mutually exclusive", nil)
	case req.Operation != "" && req.ConnectorID == "":
		return req, shared.NewInvalidInputError("--operation requires --connector", nil)
	}

	params, err := parseParams(f.params, f.paramsJSON)
	if err != nil {
		return req, err
	}
	req.Parameters = params
	return req, nil
}

// NewCommand creates the execute command.
func NewCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:     "execute [query]",
		Aliases: []string{"exec"},
		Short:   "Execute a connector operation",
		Long: `Execute one connector operation and print the response body.

The operation is chosen in one of three ways:
  - a free-text query, routed to the best matching connector
  - --tool with a flat tool id such as gmail_send
  - --connector and --operation naming it directly

Parameters are given with --param. Values are strings unless written as
key:=json, which decodes the value as JSON:
  --param q=from:bob --param maxResults:=10

Calls to authenticated connectors need an identity with a stored
credential. See 'switchboard credentials set'.`,
		Example: `  # Route a query
  switchboard execute "list my upcoming calendar events" -i alice

  # Call a tool by id
  switchboard execute --tool gmail_search -i alice -p q=from:bob -p maxResults:=5

  # Address an operation directly and print JSON
  switchboard execute -c generic_http -o request -p url=https://example.com --json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(args)
			if err != nil {
				return err
			}
			return runExecute(cmd, req)
		},
	}

	flags.register(cmd, true)
	return cmd
}

func runExecute(cmd *cobra.Command, req engine.Request) error {
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

	if req.Identity == "" {
		req.Identity = cfg.Tools.DefaultIdentity
	}

	res, err := c.Engine().Execute(ctx, req)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), newExecuteOutput(res))
	}
	return printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, format.IsTTY())
}

type metadataOutput struct {
	engine.Metadata
	ExecutionTime float64 `json:"execution_time"`
}

type executeOutput struct {
	shared.JSONResponse
	Status   int               `json:"status"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body"`
	Metadata metadataOutput    `json:"metadata"`
}

func newExecuteOutput(res *engine.Result) executeOutput {
	return executeOutput{
		JSONResponse: shared.NewJSONResponse("execute"),
		Status:       res.Status,
		Headers:      res.Headers,
		Body:         res.Body,
		Metadata: metadataOutput{
			Metadata:      res.Metadata,
			ExecutionTime: res.Metadata.ExecutionSeconds(),
		},
	}
}

// printResult writes the body to out and a one-line summary to errOut, so
// piping the body stays clean.
func printResult(out, errOut io.Writer, res *engine.Result, isTTY bool) error {
	body, err := format.Body(res.Body, isTTY)
	if err != nil {
		return err
	}
	if body != "" {
		fmt.Fprintln(out, body)
	}

	m := res.Metadata
	summary := fmt.Sprintf("%s.%s  status %d  %.0fms", m.Connector, m.Operation, res.Status, m.ExecutionSeconds()*1000)
	switch {
	case m.Cached:
		summary += "  cached"
	case m.Attempts > 1:
		summary += fmt.Sprintf("  %d attempts", m.Attempts)
	}
	if m.Fallback {
		summary += "  fallback"
	}
	fmt.Fprintln(errOut, shared.Muted.Render(summary))
	return nil
}
