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

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/controller"
	"github.com/tombee/switchboard/internal/credentials"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// ValidationResult represents the result of config validation.
type ValidationResult struct {
	Path       string   `json:"path,omitempty"`
	Valid      bool     `json:"valid"`
	Connectors int      `json:"connectors"`
	Errors     []string `json:"errors,omitempty"`
	Warnings   []string `json:"warnings,omitempty"`
}

// NewValidateCommand creates the 'config validate' subcommand.
func NewValidateCommand() *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and connector descriptors",
		Long: `Validate the configuration file and the connector registry it names.

Checks performed:
  - YAML syntax, unknown keys and setting values
  - every descriptor in registry.dir parses and ids are unique
  - risky settings such as execution.allow_private (warnings)

With --strict, warnings are treated as errors.`,
		Example: `  switchboard config validate
  switchboard config validate --strict --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result := validate(config.ResolvePath(shared.GetConfigPath()))
			return outputValidationResult(cmd.OutOrStdout(), result, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as errors")
	return cmd
}

func validate(path string) ValidationResult {
	result := ValidationResult{Path: path}
	if path == "" {
		result.Warnings = append(result.Warnings, "no config file found; built-in defaults apply")
	}

	cfg, err := config.Load(path)
	if err != nil {
		result.Errors = configErrors(err)
		return result
	}

	reg, _, err := controller.LoadRegistry(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Connectors = reg.Snapshot().Len()
	if result.Connectors == 0 {
		result.Warnings = append(result.Warnings, "no connectors registered; set registry.dir or registry.builtins")
	}

	result.Warnings = append(result.Warnings, warnings(cfg)...)
	result.Valid = true
	return result
}

// configErrors splits an aggregated validation error into one line per
// setting. Load failures with a cause are reported whole.
func configErrors(err error) []string {
	var ce *sberrors.ConfigError
	if !errors.As(err, &ce) || ce.Cause != nil {
		return []string{err.Error()}
	}
	return strings.Split(ce.Reason, "; ")
}

func warnings(cfg *config.Config) []string {
	var out []string
	if cfg.Execution.AllowPrivate {
		out = append(out, "execution.allow_private lets generic_http reach private and loopback addresses")
	}
	if host, _, err := net.SplitHostPort(cfg.Server.Addr); err == nil {
		ip := net.ParseIP(host)
		if host == "" || (ip != nil && !ip.IsLoopback()) {
			out = append(out, fmt.Sprintf("server.addr %s accepts connections beyond loopback", cfg.Server.Addr))
		}
	}
	if cfg.Credentials.MasterKey.Source == credentials.SourceEnv && os.Getenv(credentials.MasterKeyEnv) == "" {
		out = append(out, credentials.MasterKeyEnv+" is not set; credentialed connectors will fail")
	}
	return out
}

func outputValidationResult(w io.Writer, result ValidationResult, strict bool) error {
	failed := !result.Valid || (strict && len(result.Warnings) > 0)

	if shared.GetJSON() {
		type validateResponse struct {
			shared.JSONResponse
			ValidationResult
		}
		resp := validateResponse{JSONResponse: shared.NewJSONResponse("config validate"), ValidationResult: result}
		resp.Success = !failed
		if err := shared.EmitJSON(w, resp); err != nil {
			return err
		}
	} else {
		if result.Valid {
			fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Configuration is valid (%d connectors)", result.Connectors)))
		} else {
			fmt.Fprintln(w, shared.RenderError("Configuration validation failed"))
		}

		if len(result.Errors) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, shared.Header.Render("Errors:"))
			for _, e := range result.Errors {
				fmt.Fprintf(w, "  %s %s\n", shared.StatusError.Render(shared.SymbolError), e)
			}
		}
		if len(result.Warnings) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, shared.Header.Render("Warnings:"))
			for _, warn := range result.Warnings {
				fmt.Fprintf(w, "  %s %s\n", shared.StatusWarn.Render(shared.SymbolWarn), warn)
			}
		}
		if result.Valid && strict && len(result.Warnings) > 0 {
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Validation failed (strict mode: warnings treated as errors)")
		}
	}

	if failed {
		return &shared.ExitError{Code: shared.ExitConfig, Message: "configuration is invalid", Reported: true}
	}
	return nil
}
