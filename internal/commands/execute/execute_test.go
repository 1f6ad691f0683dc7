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
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/cli"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/credentials"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	t.Setenv(credentials.MasterKeyEnv, "")
	dir := t.TempDir()
	cfg := `log:
  level: error
credentials:
  path: ` + filepath.Join(dir, "credentials.db") + `
execution:
  allow_private: true
observability:
  metrics:
    enabled: false
`
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	root.AddCommand(cmd)
	t.Cleanup(func() { shared.SetFlagsForTest(false, false, false, "") })

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestParseParams(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", want: nil},
		{name: "string", pairs: []string{"to=bob@example.com"}, want: map[string]any{"to": "bob@example.com"}},
		{name: "value with equals", pairs: []string{"q=a=b"}, want: map[string]any{"q": "a=b"}},
		{name: "typed number", pairs: []string{"max:=10"}, want: map[string]any{"max": json.Number("10")}},
		{name: "typed bool", pairs: []string{"draft:=true"}, want: map[string]any{"draft": true}},
		{name: "typed object", pairs: []string{`body:={"a":"b"}`}, want: map[string]any{"body": map[string]any{"a": "b"}}},
		{
			name:  "flags override json",
			raw:   `{"to":"carol","cc":"dan"}`,
			pairs: []string{"to=bob"},
			want:  map[string]any{"to": "bob", "cc": "dan"},
		},
		{name: "missing equals", pairs: []string{"to"}, wantErr: true},
		{name: "empty key", pairs: []string{"=x"}, wantErr: true},
		{name: "bad typed value", pairs: []string{"n:={"}, wantErr: true},
		{name: "json not object", raw: `[1]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseParams(tt.pairs, tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequestFlags(t *testing.T) {
	tests := []struct {
		name    string
		flags   requestFlags
		args    []string
		wantErr bool
	}{
		{name: "query", args: []string{"send an email"}},
		{name: "tool", flags: requestFlags{tool: "gmail_send"}},
		{name: "direct", flags: requestFlags{connector: "gmail", operation: "send"}},
		{name: "connector only", flags: requestFlags{connector: "gmail"}},
		{name: "nothing", wantErr: true},
		{name: "query and tool", flags: requestFlags{tool: "gmail_send"}, args: []string{"hi"}, wantErr: true},
		{name: "tool and connector", flags: requestFlags{tool: "gmail_send", connector: "gmail"}, wantErr: true},
		{name: "operation without connector", flags: requestFlags{operation: "send"}, args: []string{"hi"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.flags.request(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestExecute_JSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"pong":true}`)
	}))
	defer upstream.Close()

	out, err := run(t, NewCommand(),
		"execute", "--config", writeConfig(t), "--json",
		"-c", "generic_http", "-o", "request", "-p", "url="+upstream.URL+"/ping")
	require.NoError(t, err)

	var resp struct {
		Version  string         `json:"@version"`
		Success  bool           `json:"success"`
		Status   int            `json:"status"`
		Body     map[string]any `json:"body"`
		Metadata struct {
			Connector     string  `json:"connector"`
			Operation     string  `json:"operation"`
			Attempts      int     `json:"attempts"`
			ExecutionTime float64 `json:"execution_time"`
		} `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, shared.JSONVersion, resp.Version)
	assert.True(t, resp.Success)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, map[string]any{"pong": true}, resp.Body)
	assert.Equal(t, "generic_http", resp.Metadata.Connector)
	assert.Equal(t, "request", resp.Metadata.Operation)
	assert.Equal(t, 1, resp.Metadata.Attempts)
	assert.GreaterOrEqual(t, resp.Metadata.ExecutionTime, 0.0)
}

func TestExecute_PlainBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	out, err := run(t, NewCommand(),
		"execute", "--config", writeConfig(t),
		"--connector", "generic_http", "--operation", "request", "--param", "url="+upstream.URL)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestExecute_NoCredentialStore(t *testing.T) {
	_, err := run(t, NewCommand(),
		"execute", "--config", writeConfig(t), "--tool", "gmail_send", "-i", "alice", "-p", "raw=aGVsbG8")
	require.Error(t, err)
	assert.Equal(t, sberrors.TypeAuthentication, sberrors.TypeOf(err))
	assert.Equal(t, shared.ExitAuth, shared.ExitCode(err))
}

func TestExecute_UnknownTool(t *testing.T) {
	_, err := run(t, NewCommand(), "execute", "--config", writeConfig(t), "--tool", "nope_nothing")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestExecute_InvalidFlags(t *testing.T) {
	_, err := run(t, NewCommand(), "execute", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
}

func TestRoute(t *testing.T) {
	out, err := run(t, NewRouteCommand(), "route", "--config", writeConfig(t), "--json", "--tool", "gmail_send")
	require.NoError(t, err)

	var resp struct {
		Success     bool    `json:"success"`
		ConnectorID string  `json:"connector_id"`
		Operation   string  `json:"operation"`
		Confidence  float64 `json:"confidence"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.True(t, resp.Success)
	assert.Equal(t, "gmail", resp.ConnectorID)
	assert.Equal(t, "send", resp.Operation)
	assert.Equal(t, 1.0, resp.Confidence)
}

func TestRoute_Text(t *testing.T) {
	out, err := run(t, NewRouteCommand(), "route", "--config", writeConfig(t), "-c", "slack", "-o", "post_message")
	require.NoError(t, err)
	assert.Contains(t, out, "slack.post_message")
	assert.Contains(t, out, "1.00")
}
