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

// Package tools exposes every connector operation as an MCP tool named
// <connector>__<operation>. Tool calls run through the execution engine,
// so they get the same routing, credentials and resilience policies as
// API requests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/registry"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Executor runs a request. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Config configures the tool server.
type Config struct {
	// Name is the server name reported to clients (default "switchboard").
	Name    string
	Version string

	// DefaultIdentity is used when a call omits the identity argument.
	// When set, identity is optional in every tool schema.
	DefaultIdentity string

	Logger *slog.Logger
}

// Server is an MCP server whose tools mirror the connector registry.
type Server struct {
	mcp      *server.MCPServer
	exec     Executor
	identity string
	logger   *slog.Logger
}

// NewServer builds a server with one tool per operation in snap.
func NewServer(snap *registry.Snapshot, exec Executor, cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "switchboard"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Server{
		mcp:      server.NewMCPServer(cfg.Name, cfg.Version, server.WithToolCapabilities(true)),
		exec:     exec,
		identity: cfg.DefaultIdentity,
		logger:   log.WithComponent(cfg.Logger, "tools"),
	}
	s.Sync(snap)
	return s
}

// Sync replaces the tool set with the operations in snap. It is safe to
// call while serving; clients are told the list changed.
func (s *Server) Sync(snap *registry.Snapshot) {
	var set []server.ServerTool
	for d := range snap.List() {
		for i := range d.Operations {
			op := &d.Operations[i]
			tool := Definition(d, op)
			if s.identity != "" {
				tool.InputSchema.Required = slices.DeleteFunc(tool.InputSchema.Required, func(n string) bool {
					return n == IdentityArg
				})
			}
			set = append(set, server.ServerTool{
				Tool:    tool,
				Handler: s.handler(d.ID, op.Name),
			})
		}
	}
	s.mcp.SetTools(set...)
	s.logger.Debug("tool set synced", slog.Int("tools", len(set)))
}

// ToolNames lists the registered tool names in sorted order.
func (s *Server) ToolNames() []string {
	tools := s.mcp.ListTools()
	names := make([]string, 0, len(tools))
	for name := range tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MCPServer returns the underlying server for transports other than stdio.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Serve speaks MCP over in and out until ctx is cancelled or in closes.
// Logs must not go to out.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("serving tools over stdio", slog.Int("tools", len(s.mcp.ListTools())))
	if err := server.NewStdioServer(s.mcp).Listen(ctx, in, out); err != nil && ctx.Err() == nil {
		return fmt.Errorf("mcp server: %w", err)
	}
	return nil
}

func (s *Server) handler(connectorID, operation string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		params := make(map[string]any, len(args))
		identity := s.identity
		for k, v := range args {
			if k == IdentityArg {
				if id, ok := v.(string); ok && id != "" {
					identity = id
				}
				continue
			}
			params[k] = v
		}

		res, err := s.exec.Execute(ctx, engine.Request{
			ConnectorID: connectorID,
			Operation:   operation,
			Parameters:  params,
			Identity:    identity,
		})
		if err != nil {
			s.logger.Warn("tool call failed",
				slog.String(log.ConnectorKey, connectorID),
				slog.String(log.OperationKey, operation),
				log.Error(err))
			return ErrorResult(err), nil
		}
		return TextResult(res.Body)
	}
}

// ErrorResult renders err as a tool error. The text starts with the error
// type so clients can branch on it.
func ErrorResult(err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %s", sberrors.TypeOf(err), sberrors.PublicMessage(err))
	if after, ok := sberrors.RetryAfter(err); ok && after > 0 {
		msg += fmt.Sprintf(" (retry after %s)", after.Round(time.Millisecond))
	}
	return mcp.NewToolResultError(msg)
}

// TextResult renders a response body. Strings pass through, anything else
// is encoded as indented JSON.
func TextResult(body any) (*mcp.CallToolResult, error) {
	switch v := body.(type) {
	case nil:
		return mcp.NewToolResultText(""), nil
	case string:
		return mcp.NewToolResultText(v), nil
	}
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
