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
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/switchboard/internal/registry"
)

// CompleteConnectorIDs completes the first positional argument with the
// registered connector ids.
func CompleteConnectorIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return []string{}, cobra.ShellCompDirectiveNoFileComp
	}
	return CompleteConnectorFlag(cmd, args, toComplete)
}

// CompleteConnectorFlag completes a --connector value.
func CompleteConnectorFlag(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		snap, err := loadSnapshot()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for d := range snap.List(registry.ByPrefix(toComplete)) {
			out = append(out, d.ID+"\t"+d.Name)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteOperations completes --operation from the connector named by
// the --connector flag. Nothing is offered until --connector is set.
func CompleteOperations(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		f := cmd.Flag("connector")
		if f == nil || f.Value.String() == "" {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		snap, err := loadSnapshot()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		d, err := snap.Lookup(f.Value.String())
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, op := range d.Operations {
			if strings.HasPrefix(op.Name, toComplete) {
				out = append(out, op.Name+"\t"+op.Description)
			}
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}

// CompleteToolIDs completes --tool with the flat tool ids.
func CompleteToolIDs(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		snap, err := loadSnapshot()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, id := range snap.Tools() {
			if !strings.HasPrefix(id, toComplete) {
				continue
			}
			ref, err := snap.ResolveTool(id)
			if err != nil {
				continue
			}
			out = append(out, id+"\t"+ref.ConnectorID+"."+ref.Operation)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})
}
