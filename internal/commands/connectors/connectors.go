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

// Package connectors implements the connectors command.
package connectors

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/cli/format"
	"github.com/tombee/switchboard/internal/commands/completion"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/controller"
	"github.com/tombee/switchboard/internal/registry"
)

// NewCommand creates the connectors command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "connectors",
		Aliases: []string{"connector"},
		Short:   "List and inspect connectors",
		Long: `List and inspect the connectors in the registry.

The registry holds the built-in connectors plus any descriptors found in
registry.dir (see --config).`,
	}

	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newShowCommand())
	return cmd
}

func loadRegistry() (*registry.Registry, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	reg, _, err := controller.LoadRegistry(cfg, shared.Logger(cfg, shared.ModeOneShot))
	return reg, err
}

func newListCommand() *cobra.Command {
	var (
		auth   string
		prefix string
		where  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered connectors",
		Example: `  switchboard connectors list
  switchboard connectors list --auth oauth2
  switchboard connectors list --prefix google_ --json
  switchboard connectors list --where 'auth == "oauth2" && len(operations) > 3'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}

			var filters []registry.Filter
			if auth != "" {
				filters = append(filters, registry.ByAuth(connector.AuthKind(auth)))
			}
			if prefix != "" {
				filters = append(filters, registry.ByPrefix(prefix))
			}
			if where != "" {
				f, err := registry.Where(where)
				if err != nil {
					return err
				}
				filters = append(filters, f)
			}
			return runList(cmd, slices.Collect(reg.List(filters...)))
		},
	}

	cmd.Flags().StringVar(&auth, "auth", "", "Only connectors with this auth type (none, oauth2, apiKey, bearer, basic)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Only connectors whose id starts with prefix")
	cmd.Flags().StringVar(&where, "where", "", "Only connectors matching an expression over id, name, version, auth, operations, tools, cacheable, rate_limited, routable")
	_ = cmd.RegisterFlagCompletionFunc("auth", completion.CompleteAuthKinds)
	return cmd
}

type connectorSummary struct {
	ID         string   `json:"id"`
	Name       string   `json:"name,omitempty"`
	Version    string   `json:"version"`
	AuthType   string   `json:"auth_type"`
	Operations []string `json:"operations"`
}

func summarize(d *connector.Descriptor) connectorSummary {
	s := connectorSummary{
		ID:       d.ID,
		Name:     d.Name,
		Version:  d.VersionLabel(),
		AuthType: string(d.Auth.Kind()),
	}
	for _, op := range d.Operations {
		s.Operations = append(s.Operations, op.Name)
	}
	return s
}

func runList(cmd *cobra.Command, ds []*connector.Descriptor) error {
	out := cmd.OutOrStdout()

	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Connectors []connectorSummary `json:"connectors"`
		}
		resp := listResponse{JSONResponse: shared.NewJSONResponse("connectors list"), Connectors: []connectorSummary{}}
		for _, d := range ds {
			resp.Connectors = append(resp.Connectors, summarize(d))
		}
		return shared.EmitJSON(out, resp)
	}

	if len(ds) == 0 {
		fmt.Fprintln(out, "No connectors match.")
		return nil
	}

	rows := make([][]string, 0, len(ds))
	for _, d := range ds {
		s := summarize(d)
		rows = append(rows, []string{s.ID, s.Name, s.AuthType, s.Version, strings.Join(s.Operations, ", ")})
	}
	fmt.Fprint(out, shared.RenderTable([]string{"ID", "NAME", "AUTH", "VERSION", "OPERATIONS"}, rows))
	return nil
}

func newShowCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <connector-id>",
		Short: "Show a connector's operations and policies",
		Example: `  switchboard connectors show google_calendar
  switchboard connectors show gmail --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := loadRegistry()
			if err != nil {
				return err
			}
			d, err := reg.Lookup(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if shared.GetJSON() {
				type showResponse struct {
					shared.JSONResponse
					Connector *connector.Descriptor `json:"connector"`
				}
				return shared.EmitJSON(out, showResponse{
					JSONResponse: shared.NewJSONResponse("connectors show"),
					Connector:    d,
				})
			}

			rendered, err := format.Markdown(describe(d), format.IsTTY())
			if err != nil {
				return err
			}
			fmt.Fprint(out, rendered)
			return nil
		},
	}
	cmd.ValidArgsFunction = completion.CompleteConnectorIDs
	return cmd
}

// describe renders d as markdown.
func describe(d *connector.Descriptor) string {
	var b strings.Builder

	title := d.Name
	if title == "" {
		title = d.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", title)
	if d.Description != "" {
		fmt.Fprintf(&b, "%s\n\n", d.Description)
	}

	fmt.Fprintf(&b, "- **ID:** `%s`\n", d.ID)
	fmt.Fprintf(&b, "- **Version:** %s\n", d.VersionLabel())
	if d.BaseURL != "" {
		fmt.Fprintf(&b, "- **Base URL:** %s\n", d.BaseURL)
	}
	fmt.Fprintf(&b, "- **Auth:** %s\n", describeAuth(d.Auth))
	b.WriteString("\n## Policy\n\n")
	describePolicy(&b, d.Policy)

	b.WriteString("\n## Operations\n")
	for _, op := range d.Operations {
		fmt.Fprintf(&b, "\n### %s\n\n", op.Name)
		fmt.Fprintf(&b, "`%s %s`", op.Method, op.Path)
		if op.Tool != "" {
			fmt.Fprintf(&b, " (tool `%s`)", op.Tool)
		}
		b.WriteString("\n\n")
		if op.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", op.Description)
		}
		if len(op.Parameters) == 0 {
			continue
		}
		b.WriteString("| Parameter | Type | In | Required | Description |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, p := range op.Parameters {
			required := ""
			if p.Required {
				required = "yes"
			}
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", p.Name, p.Type, p.Location, required, p.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func describeAuth(auth connector.AuthSpec) string {
	switch a := auth.(type) {
	case connector.OAuth2Auth:
		if len(a.Scopes) > 0 {
			return fmt.Sprintf("OAuth2 (scopes: %s)", strings.Join(a.Scopes, ", "))
		}
		return "OAuth2"
	case connector.APIKeyAuth:
		if a.QueryParam != "" {
			return fmt.Sprintf("API key in query parameter `%s`", a.QueryParam)
		}
		return fmt.Sprintf("API key in header `%s`", a.Header)
	case connector.BearerAuth:
		return "Bearer token"
	case connector.BasicAuth:
		return "HTTP basic"
	case nil:
		return "unknown"
	default:
		return "None"
	}
}

func describePolicy(b *strings.Builder, p connector.Policy) {
	if p.RateLimit != nil {
		fmt.Fprintf(b, "- **Rate limit:** %d per %s per identity\n", p.RateLimit.Limit, p.RateLimit.Window.Std())
	} else {
		b.WriteString("- **Rate limit:** none\n")
	}
	fmt.Fprintf(b, "- **Retries:** up to %d attempts, %s backoff from %s to %s\n",
		p.Retry.MaxAttempts, p.Retry.Backoff, p.Retry.InitialDelay.Std(), p.Retry.MaxDelay.Std())
	fmt.Fprintf(b, "- **Circuit breaker:** opens after %d failures, retries after %s\n",
		p.CircuitBreaker.FailureThreshold, p.CircuitBreaker.ResetTimeout.Std())
	if p.Cache.Enabled {
		fmt.Fprintf(b, "- **Cache:** %s TTL\n", p.Cache.TTL.Std())
	} else {
		b.WriteString("- **Cache:** off\n")
	}
	fmt.Fprintf(b, "- **Timeout:** %s\n", p.Timeout.Std())
}
