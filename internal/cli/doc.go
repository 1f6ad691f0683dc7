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

/*
Package cli provides the root command and help for the switchboard CLI.

Individual commands live in the internal/commands subpackages; main wires
them onto the root:

	switchboard
	├── execute       Execute a connector operation
	├── route         Show which connector a query routes to
	├── serve         Run the HTTP API
	├── mcp           Serve connector operations as MCP tools over stdio
	├── connectors    List and inspect connectors
	├── credentials   Store, list and revoke credentials
	├── version       Show version
	└── help          Show help (supports --json)

# Global Flags

	--verbose, -v    Enable verbose output
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file

# Exit Codes

HandleExitError maps engine error categories to exit codes:

  - 0: success
  - 1: general failure
  - 2: invalid input or duplicate
  - 3: not found
  - 4: authentication
  - 5: rate limited, circuit open or timed out
  - 78: configuration error
*/
package cli
