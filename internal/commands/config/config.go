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

// Package config implements the config command.
package config

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/credentials"
)

// NewConfigCommand creates the config command with subcommands
func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and check configuration",
		Long: `View and check switchboard configuration.

The file is --config when given, otherwise config.yaml under
$XDG_CONFIG_HOME/switchboard when it exists. Environment variables such as
SWITCHBOARD_ADDR and LOG_LEVEL override the file.`,
	}

	cmd.AddCommand(newShowCommand())
	cmd.AddCommand(newPathCommand())
	cmd.AddCommand(NewValidateCommand())

	// Bare "config" behaves like "config show".
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runShow(cmd)
	}
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display the effective configuration",
		Long: `Display the effective configuration after defaults and environment
overrides are applied.

API keys, OAuth2 client secrets, Redis passwords and tracing headers are
masked.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd)
		},
	}
}

func newPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Show the config file location",
		Args:  cobra.NoArgs,
		RunE:  runPath,
	}
}

func runShow(cmd *cobra.Command) error {
	path := config.ResolvePath(shared.GetConfigPath())
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	masked := maskSensitiveConfig(cfg)

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		// Round trip through YAML so keys match the file format.
		raw, err := yaml.Marshal(masked)
		if err != nil {
			return err
		}
		var tree map[string]any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return err
		}
		type showResponse struct {
			shared.JSONResponse
			Path   string         `json:"path,omitempty"`
			Config map[string]any `json:"config"`
		}
		return shared.EmitJSON(out, showResponse{
			JSONResponse: shared.NewJSONResponse("config show"),
			Path:         path,
			Config:       tree,
		})
	}
	return outputConfigYAML(out, path, masked)
}

func runPath(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(shared.GetConfigPath())
	exists := path != ""
	if !exists {
		p, err := config.ConfigPath()
		if err != nil {
			return fmt.Errorf("failed to determine config path: %w", err)
		}
		path = p
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type pathResponse struct {
			shared.JSONResponse
			Path   string `json:"path"`
			Exists bool   `json:"exists"`
		}
		return shared.EmitJSON(out, pathResponse{
			JSONResponse: shared.NewJSONResponse("config path"),
			Path:         path,
			Exists:       exists,
		})
	}

	fmt.Fprintln(out, path)
	if !exists {
		fmt.Fprintln(cmd.ErrOrStderr(), shared.Muted.Render("(not found; built-in defaults apply)"))
	}
	return nil
}

// maskSensitiveConfig returns a copy of cfg with secrets masked. Maps are
// copied so cfg is left untouched.
func maskSensitiveConfig(cfg *config.Config) *config.Config {
	masked := *cfg

	masked.Router.Embedding.APIKey = maskAPIKey(cfg.Router.Embedding.APIKey)
	masked.Cache.RedisURL = maskURL(cfg.Cache.RedisURL)
	masked.RateLimit.RedisURL = maskURL(cfg.RateLimit.RedisURL)

	if len(cfg.Credentials.OAuthClients) > 0 {
		clients := make(map[string]credentials.OAuthClient, len(cfg.Credentials.OAuthClients))
		for id, c := range cfg.Credentials.OAuthClients {
			c.ClientSecret = maskAPIKey(c.ClientSecret)
			clients[id] = c
		}
		masked.Credentials.OAuthClients = clients
	}

	if len(cfg.Observability.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Observability.Tracing.Headers))
		for k, v := range cfg.Observability.Tracing.Headers {
			headers[k] = maskAPIKey(v)
		}
		masked.Observability.Tracing.Headers = headers
	}

	return &masked
}

// maskAPIKey keeps the first and last four characters of long keys.
func maskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// maskURL hides the password in a redis:// style URL.
func maskURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "****"
	}
	return u.Redacted()
}

func outputConfigYAML(w io.Writer, path string, cfg *config.Config) error {
	if path == "" {
		path = "(none, built-in defaults)"
	}
	fmt.Fprintf(w, "# Configuration: %s\n", path)

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return encoder.Close()
}
