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
	"github.com/spf13/cobra"
)

// CompleteAuthKinds provides completion for --auth and --kind flag values.
func CompleteAuthKinds(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	return SafeCompletionWrapper(func() ([]string, cobra.ShellCompDirective) {
		kinds := []string{
			"none\tNo authentication",
			"oauth2\tOAuth2 access and refresh tokens",
			"apiKey\tStatic API key",
			"bearer\tBearer token",
			"basic\tUsername and password",
		}
		return kinds, cobra.ShellCompDirectiveNoFileComp
	})
}
