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

package completion

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/cli"
	"github.com/tombee/switchboard/internal/commands/shared"
)

func useConfig(t *testing.T, body string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	shared.SetFlagsForTest(false, false, false, path)
	t.Cleanup(func() { shared.SetFlagsForTest(false, false, false, "") })
}

func names(completions []string) []string {
	out := make([]string, 0, len(completions))
	for _, c := range completions {
		out = append(out, strings.SplitN(c, "\t", 2)[0])
	}
	return out
}

func TestCompleteConnectorIDs(t *testing.T) {
	useConfig(t, "log:\n  level: error\n")

	completions, directive := CompleteConnectorIDs(nil, nil, "g")
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)
	got := names(completions)
	assert.Contains(t, got, "gmail")
	assert.Contains(t, got, "github")
	assert.NotContains(t, got, "slack")

	completions, _ = CompleteConnectorIDs(nil, []string{"gmail"}, "")
	assert.Empty(t, completions, "only the first argument is a connector")
}

func TestCompleteOperations(t *testing.T) {
	useConfig(t, "log:\n  level: error\n")

	cmd := &cobra.Command{Use: "execute"}
	cmd.Flags().String("connector", "", "")

	completions, _ := CompleteOperations(cmd, nil, "")
	assert.Empty(t, completions, "no connector selected yet")

	require.NoError(t, cmd.Flags().Set("connector", "slack"))
	completions, _ = CompleteOperations(cmd, nil, "")
	assert.ElementsMatch(t, []string{"post_message", "list_channels"}, names(completions))

	completions, _ = CompleteOperations(cmd, nil, "post")
	assert.Equal(t, []string{"post_message"}, names(completions))
}

func TestCompleteToolIDs(t *testing.T) {
	useConfig(t, "log:\n  level: error\n")

	completions, _ := CompleteToolIDs(nil, nil, "gmail_s")
	assert.Contains(t, completions, "gmail_send\tgmail.send")
	for _, c := range completions {
		assert.True(t, strings.HasPrefix(c, "gmail_s"), c)
	}
}

func TestCompleters_BadConfigIsSilent(t *testing.T) {
	useConfig(t, "log: [unterminated\n")

	completions, directive := CompleteConnectorIDs(nil, nil, "")
	assert.NotNil(t, completions)
	assert.Empty(t, completions)
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)
}

func TestCompleteAuthKinds(t *testing.T) {
	completions, directive := CompleteAuthKinds(nil, nil, "")
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)
	assert.Equal(t, []string{"none", "oauth2", "apiKey", "bearer", "basic"}, names(completions))
}

func TestSafeCompletionWrapper_RecoversPanic(t *testing.T) {
	completions, directive := SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		panic("boom")
	})
	assert.Equal(t, []string{}, completions)
	assert.Equal(t, cobra.ShellCompDirectiveNoFileComp, directive)
}

func TestCompletionCommand(t *testing.T) {
	for _, shell := range []string{"bash", "zsh", "fish", "powershell"} {
		t.Run(shell, func(t *testing.T) {
			root := cli.NewRootCommand()
			root.AddCommand(NewCommand())

			var out bytes.Buffer
			root.SetOut(&out)
			root.SetArgs([]string{"completion", shell})
			require.NoError(t, root.Execute())
			assert.Contains(t, out.String(), "switchboard")
		})
	}
}

func TestCompletionCommand_RejectsUnknownShell(t *testing.T) {
	root := cli.NewRootCommand()
	root.AddCommand(NewCommand())
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"completion", "tcsh"})
	assert.Error(t, root.Execute())
}
