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

package mcpserver

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/cli"
	"github.com/tombee/switchboard/internal/commands/shared"
	"github.com/tombee/switchboard/internal/credentials"
)

func TestMCP_ListsTools(t *testing.T) {
	t.Setenv(credentials.MasterKeyEnv, "")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := "log:\n  level: error\ncredentials:\n  path: " + filepath.Join(dir, "credentials.db") + "\nobservability:\n  metrics:\n    enabled: false\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	stdin := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","capabilities":{},"clientInfo":{"name":"test","version":"1"}}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	}, "\n") + "\n"

	root := cli.NewRootCommand()
	root.AddCommand(NewCommand())
	t.Cleanup(func() { shared.SetFlagsForTest(false, false, false, "") })

	var out bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"mcp", "--config", cfgPath, "--identity", "alice"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"id":2`)
	assert.Contains(t, out.String(), "gmail__send")
	assert.Contains(t, out.String(), "generic_http__request")
}
