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

// Package credentials implements the credentials command.
package credentials

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/cli/prompt"
	"github.com/tombee/switchboard/internal/commands/completion"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/controller"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/registry"
)

// deps are swapped out in tests.
type deps struct {
	prompter func() prompt.Prompter
	piped    func(io.Reader) bool
	now      func() time.Time
}

func defaultDeps() deps {
	return deps{
		prompter: func() prompt.Prompter { return prompt.NewTerminal(!shared.IsNonInteractive()) },
		piped:    piped,
		now:      time.Now,
	}
}

// NewCommand creates the credentials command group.
func NewCommand() *cobra.Command {
	return newCommand(defaultDeps())
}

func newCommand(d deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage stored connector credentials",
		Long: `Manage the credentials switchboard presents to connectors.

Credentials are stored per identity and connector in an encrypted SQLite
database (credentials.path). Secrets are sealed with a key derived from the
master key, which is read from SWITCHBOARD_MASTER_KEY, the system keychain
or a key file (credentials.master_key).

Secret values are never printed.`,
	}

	cmd.AddCommand(newSetCommand(d))
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newRevokeCommand(d))
	return cmd
}

// session is an open credential store plus the registry it validates
// connector ids against.
type session struct {
	store  *credentials.Store
	reg    *registry.Registry
	closer io.Closer
}

func (s *session) Close() error { return s.closer.Close() }

func openSession(ctx context.Context) (*session, error) {
	cfg, err := shared.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := shared.Logger(cfg, shared.ModeOneShot)

	reg, _, err := controller.LoadRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}
	store, closer, err := controller.OpenCredentials(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &session{store: store, reg: reg, closer: closer}, nil
}

type setFlags struct {
	identity  string
	kind      string
	username  string
	refresh   bool
	expiresIn time.Duration
	scopes    []string
}

func newSetCommand(d deps) *cobra.Command {
	var flags setFlags

	cmd := &cobra.Command{
		Use:   "set <connector-id>",
		Short: "Store a credential for an identity",
		Long: `Store or replace the credential an identity uses for a connector.

The secret is read from standard input when it is piped, otherwise from a
hidden prompt. With --refresh a second value, the OAuth2 refresh token, is
read as the next line of input or from a second prompt.

The credential kind defaults to the connector's auth type. Bearer tokens
that are JWTs get their expiry from the token's exp claim unless
--expires-in is given.`,
		Example: `  switchboard credentials set slack -i alice
  echo "$GITHUB_TOKEN" | switchboard credentials set github -i alice
  printf '%s\n%s\n' "$ACCESS" "$REFRESH" | switchboard credentials set gmail -i alice --refresh --expires-in 1h
  switchboard credentials set jira -i alice --username alice@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd, d, args[0], flags)
		},
	}

	cmd.Flags().StringVarP(&flags.identity, "identity", "i", "", "Identity that owns the credential (required)")
	cmd.Flags().StringVar(&flags.kind, "kind", "", "Credential kind (oauth2, apiKey, bearer, basic; default: the connector's auth type)")
	cmd.Flags().StringVar(&flags.username, "username", "", "Username for basic auth")
	cmd.Flags().BoolVar(&flags.refresh, "refresh", false, "Also read an OAuth2 refresh token")
	cmd.Flags().DurationVar(&flags.expiresIn, "expires-in", 0, "Access token lifetime, e.g. 1h")
	cmd.Flags().StringSliceVar(&flags.scopes, "scopes", nil, "Granted OAuth2 scopes")
	_ = cmd.RegisterFlagCompletionFunc("kind", completion.CompleteAuthKinds)
	_ = cmd.MarkFlagRequired("identity")
	cmd.ValidArgsFunction = completion.CompleteConnectorIDs
	return cmd
}

func runSet(cmd *cobra.Command, d deps, connectorID string, flags setFlags) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	desc, err := s.reg.Lookup(connectorID)
	if err != nil {
		return err
	}
	kind := desc.Auth.Kind()
	if kind == connector.AuthNone {
		return shared.NewInvalidInputError(fmt.Sprintf("connector %s does not use credentials", connectorID), nil)
	}
	if flags.kind != "" {
		kind = connector.AuthKind(flags.kind)
	}
	if kind == connector.AuthBasic && flags.username == "" {
		return shared.NewInvalidInputError("basic auth needs --username", nil)
	}
	if flags.expiresIn < 0 {
		return shared.NewInvalidInputError("--expires-in must not be negative", nil)
	}

	access, refresh, err := readSecrets(ctx, d, cmd.InOrStdin(), connectorID, flags.refresh)
	if err != nil {
		return err
	}

	cred := credentials.Credential{
		UserID:        flags.identity,
		ConnectorID:   connectorID,
		Kind:          kind,
		Username:      flags.username,
		AccessSecret:  access,
		RefreshSecret: refresh,
		Scopes:        flags.scopes,
	}
	if flags.expiresIn > 0 {
		exp := d.now().Add(flags.expiresIn)
		cred.ExpiresAt = &exp
	}
	if err := s.store.Put(ctx, cred); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		type setResponse struct {
			shared.JSONResponse
			Identity  string `json:"identity"`
			Connector string `json:"connector"`
			Kind      string `json:"kind"`
		}
		return shared.EmitJSON(out, setResponse{
			JSONResponse: shared.NewJSONResponse("credentials set"),
			Identity:     flags.identity,
			Connector:    connectorID,
			Kind:         string(kind),
		})
	}
	fmt.Fprintln(out, shared.RenderOK(fmt.Sprintf("Stored %s credential for %s on %s", kind, flags.identity, connectorID)))
	return nil
}

// readSecrets reads the access secret, and the refresh token when asked,
// from piped input or interactive prompts.
func readSecrets(ctx context.Context, d deps, in io.Reader, connectorID string, withRefresh bool) (string, string, error) {
	if d.piped(in) {
		sc := bufio.NewScanner(in)
		var lines []string
		for sc.Scan() {
			if line := strings.TrimSpace(sc.Text()); line != "" {
				lines = append(lines, line)
			}
		}
		if err := sc.Err(); err != nil {
			return "", "", fmt.Errorf("reading secret from stdin: %w", err)
		}
		if len(lines) == 0 {
			return "", "", shared.NewInvalidInputError("no secret on standard input", nil)
		}
		if withRefresh {
			if len(lines) < 2 {
				return "", "", shared.NewInvalidInputError("--refresh expects the refresh token on the second line", nil)
			}
			return lines[0], lines[1], nil
		}
		return lines[0], "", nil
	}

	p := d.prompter()
	access, err := p.Secret(ctx, fmt.Sprintf("Secret for %s", connectorID), "Input is hidden.")
	if err != nil {
		return "", "", promptError(err)
	}
	if !withRefresh {
		return access, "", nil
	}
	refresh, err := p.Secret(ctx, fmt.Sprintf("Refresh token for %s", connectorID), "Input is hidden.")
	if err != nil {
		return "", "", promptError(err)
	}
	return access, refresh, nil
}

// piped reports whether in is something other than a terminal.
func piped(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeCharDevice == 0
}

func promptError(err error) error {
	if errors.Is(err, prompt.ErrNonInteractive) {
		return shared.NewInvalidInputError("no terminal for a prompt; pipe the secret on standard input", err)
	}
	return err
}

func newListCommand() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long: `List stored credentials without their secrets.

Status is one of active, expired, error (the last refresh failed and the
identity must re-authorize) or revoked.`,
		Example: `  switchboard credentials list
  switchboard credentials list -i alice --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			creds, err := s.store.List(ctx, identity)
			if err != nil {
				return err
			}
			return printList(cmd.OutOrStdout(), creds, time.Now())
		},
	}

	cmd.Flags().StringVarP(&identity, "identity", "i", "", "Only this identity's credentials")
	return cmd
}

func printList(out io.Writer, creds []credentials.Credential, now time.Time) error {
	if shared.GetJSON() {
		type listResponse struct {
			shared.JSONResponse
			Credentials []credentials.Credential `json:"credentials"`
		}
		resp := listResponse{JSONResponse: shared.NewJSONResponse("credentials list"), Credentials: creds}
		if resp.Credentials == nil {
			resp.Credentials = []credentials.Credential{}
		}
		return shared.EmitJSON(out, resp)
	}

	if len(creds) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	rows := make([][]string, 0, len(creds))
	for _, c := range creds {
		status := string(c.Status)
		if c.Status == credentials.StatusActive && c.Expired(now) {
			status = string(credentials.StatusExpired)
		}
		expires := "never"
		if c.ExpiresAt != nil {
			expires = c.ExpiresAt.Local().Format(time.RFC3339)
		}
		rows = append(rows, []string{
			c.UserID,
			c.ConnectorID,
			string(c.Kind),
			shared.RenderStatus(status),
			expires,
			c.UpdatedAt.Local().Format(time.RFC3339),
		})
	}
	fmt.Fprint(out, shared.RenderTable([]string{"IDENTITY", "CONNECTOR", "KIND", "STATUS", "EXPIRES", "UPDATED"}, rows))
	return nil
}

func newRevokeCommand(d deps) *cobra.Command {
	var (
		identity string
		yes      bool
	)

	cmd := &cobra.Command{
		Use:   "revoke <connector-id>",
		Short: "Revoke an identity's credential",
		Long: `Revoke the credential an identity uses for a connector.

The secrets are erased and the record is kept with status revoked, so
later calls fail with an authentication error until a new credential is
set. Revoking a missing credential succeeds.

Asks for confirmation unless --yes is given.`,
		Example: `  switchboard credentials revoke slack -i alice
  switchboard credentials revoke gmail -i alice --yes`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			connectorID := args[0]

			if !yes {
				ok, err := d.prompter().Confirm(ctx, fmt.Sprintf("Revoke %s's credential for %s?", identity, connectorID), false)
				if errors.Is(err, prompt.ErrNonInteractive) {
					return shared.NewInvalidInputError("confirmation needed; pass --yes", err)
				}
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
					return nil
				}
			}

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.store.Revoke(ctx, identity, connectorID); err != nil {
				return err
			}

			if shared.GetJSON() {
				return shared.EmitJSON(cmd.OutOrStdout(), shared.NewJSONResponse("credentials revoke"))
			}
			fmt.Fprintln(cmd.OutOrStdout(), shared.RenderOK(fmt.Sprintf("Revoked %s's credential for %s", identity, connectorID)))
			return nil
		},
	}

	cmd.Flags().StringVarP(&identity, "identity", "i", "", "Identity that owns the credential (required)")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	_ = cmd.MarkFlagRequired("identity")
	cmd.ValidArgsFunction = completion.CompleteConnectorIDs
	return cmd
}
