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

package connectors

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/cli"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/connector"
)

const widgetsYAML = `id: widgets
name: Widgets
description: Widget inventory.
version: "2.1.0"
baseURL: https://widgets.example.com/api
authType: apiKey
auth:
  header: X-Widget-Key
policy:
  rateLimit: {limit: 5, window: 1m}
  cache: {enabled: true, ttl: 30s}
operations:
  - name: list
    tool: widgets_list
    method: GET
    path: /widgets
    description: List widgets.
    cacheable: true
    parameters:
      - {name: color, location: query, type: string, description: Filter by color}
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	connectorsDir := filepath.Join(dir, "connectors")
	require.NoError(t, os.MkdirAll(connectorsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(connectorsDir, "widgets.yaml"), []byte(widgetsYAML), 0o600))

	cfg := "log:\n  level: error\nregistry:\n  dir: " + connectorsDir + "\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := cli.NewRootCommand()
	root.AddCommand(NewCommand())
	t.Cleanup(func() { shared.SetFlagsForTest(false, false, false, "") })

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestList_JSON(t *testing.T) {
	out, err := run(t, "connectors", "list", "--config", writeConfig(t), "--json")
	require.NoError(t, err)

	var resp struct {
		Success    bool `json:"success"`
		Connectors []struct {
			ID         string   `json:"id"`
			AuthType   string   `json:"auth_type"`
			Version    string   `json:"version"`
			Operations []string `json:"operations"`
		} `json:"connectors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.True(t, resp.Success)

	ids := make(map[string]bool)
	for _, c := range resp.Connectors {
		ids[c.ID] = true
		if c.ID == "widgets" {
			assert.Equal(t, "apiKey", c.AuthType)
			assert.Equal(t, "2.1.0", c.Version)
			assert.Equal(t, []string{"list"}, c.Operations)
		}
	}
	assert.True(t, ids["widgets"])
	assert.True(t, ids["gmail"])
	assert.True(t, ids[connector.GenericHTTPID])
}

func TestList_Where(t *testing.T) {
	out, err := run(t, "connectors", "list", "--config", writeConfig(t), "--json",
		"--where", `auth == "apiKey" && "list" in operations`)
	require.NoError(t, err)

	var resp struct {
		Connectors []struct {
			ID string `json:"id"`
		} `json:"connectors"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Len(t, resp.Connectors, 1)
	assert.Equal(t, "widgets", resp.Connectors[0].ID)

	_, err = run(t, "connectors", "list", "--config", writeConfig(t), "--where", "auth ==")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalidInput, shared.ExitCode(err))
}

func TestList_Filters(t *testing.T) {
	out, err := run(t, "connectors", "list", "--config", writeConfig(t), "--json", "--prefix", "wid")
	require.NoError(t, err)
	assert.Contains(t, out, `"widgets"`)
	assert.NotContains(t, out, `"gmail"`)

	out, err = run(t, "connectors", "list", "--config", writeConfig(t), "--auth", "apiKey")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "widgets")
	assert.NotContains(t, out, "gmail")

	out, err = run(t, "connectors", "list", "--config", writeConfig(t), "--prefix", "zzz")
	require.NoError(t, err)
	assert.Equal(t, "No connectors match.\n", out)
}

func TestShow(t *testing.T) {
	out, err := run(t, "connectors", "show", "widgets", "--config", writeConfig(t))
	require.NoError(t, err)

	assert.Contains(t, out, "# Widgets")
	assert.Contains(t, out, "Widget inventory.")
	assert.Contains(t, out, "API key in header `X-Widget-Key`")
	assert.Contains(t, out, "5 per 1m0s per identity")
	assert.Contains(t, out, "30s TTL")
	assert.Contains(t, out, "`GET /widgets` (tool `widgets_list`)")
	assert.Contains(t, out, "| color | string | query |  | Filter by color |")
}

func TestShow_JSON(t *testing.T) {
	out, err := run(t, "connectors", "show", "widgets", "--config", writeConfig(t), "--json")
	require.NoError(t, err)

	var resp struct {
		Connector struct {
			ID      string `json:"id"`
			BaseURL string `json:"baseURL"`
		} `json:"connector"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "widgets", resp.Connector.ID)
	assert.Equal(t, "https://widgets.example.com/api", resp.Connector.BaseURL)
}

func TestShow_NotFound(t *testing.T) {
	_, err := run(t, "connectors", "show", "nope", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}
