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

package tools

import (
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/tombee/switchboard/internal/connector"
)

// Separator joins connector and operation in tool names.
const Separator = "__"

// IdentityArg is the tool argument naming the caller's identity.
const IdentityArg = "identity"

// Name returns the tool name for an operation.
func Name(connectorID, operation string) string {
	return connectorID + Separator + operation
}

// SplitName reverses Name.
func SplitName(name string) (connectorID, operation string, ok bool) {
	return strings.Cut(name, Separator)
}

// Definition builds the MCP tool for one operation.
func Definition(d *connector.Descriptor, op *connector.OperationSpec) mcp.Tool {
	desc := op.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s on %s", op.Method, op.Name, displayName(d))
	}
	if op.Tool != "" {
		desc += fmt.Sprintf(" (alias %s)", op.Tool)
	}

	tool := mcp.Tool{
		Name:        Name(d.ID, op.Name),
		Description: desc,
		InputSchema: inputSchema(d, op),
	}
	tool.Annotations.Title = displayName(d) + ": " + op.Name
	readOnly := !op.IsMutating()
	tool.Annotations.ReadOnlyHint = &readOnly
	destructive := op.Method == "DELETE"
	tool.Annotations.DestructiveHint = &destructive
	return tool
}

func inputSchema(d *connector.Descriptor, op *connector.OperationSpec) mcp.ToolInputSchema {
	props := make(map[string]any, len(op.Parameters)+1)
	var required []string
	for _, p := range op.Parameters {
		prop := map[string]any{"type": jsonType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[p.Name] = prop
		if p.Required && p.Default == nil {
			required = append(required, p.Name)
		}
	}

	identity := map[string]any{
		"type":        "string",
		"description": "Identity whose stored credential authorizes the call",
	}
	props[IdentityArg] = identity
	if d.Auth.Kind() != connector.AuthNone {
		required = append(required, IdentityArg)
	}

	return mcp.ToolInputSchema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

func jsonType(t connector.ParamType) string {
	switch t {
	case connector.TypeInteger:
		return "integer"
	case connector.TypeNumber:
		return "number"
	case connector.TypeBoolean:
		return "boolean"
	case connector.TypeObject:
		return "object"
	case connector.TypeArray:
		return "array"
	default:
		return "string"
	}
}

func displayName(d *connector.Descriptor) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}
