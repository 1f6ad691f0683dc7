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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/registry"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// IdentityHeader supplies the identity when the request body has none.
const IdentityHeader = "X-Switchboard-Identity"

// statusClientClosed is logged when the caller went away mid-request.
const statusClientClosed = 499

type healthResponse struct {
	Status    string `json:"status"`
	Service   string `json:"service"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Service:   ServiceName,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   s.cfg.Version,
	})
}

type operationSummary struct {
	Name      string `json:"name"`
	Method    string `json:"method"`
	Tool      string `json:"tool,omitempty"`
	Cacheable bool   `json:"cacheable,omitempty"`
}

type connectorSummary struct {
	ID          string             `json:"id"`
	Name        string             `json:"name,omitempty"`
	Description string             `json:"description,omitempty"`
	Version     string             `json:"version,omitempty"`
	AuthType    string             `json:"auth_type"`
	Operations  []operationSummary `json:"operations"`
}

type connectorsResponse struct {
	Connectors []connectorSummary `json:"connectors"`

	// Tools, Mappings and Total describe the flat tool id catalog.
	// Mappings values are "<connector>.<operation>".
	Tools    []string          `json:"tools"`
	Mappings map[string]string `json:"mappings"`
	Total    int               `json:"total"`
}

func (s *Server) handleConnectors(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	where, err := registry.Where(r.URL.Query().Get("where"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := connectorsResponse{
		Connectors: []connectorSummary{},
		Tools:      snap.Tools(),
		Mappings:   map[string]string{},
	}
	for d := range snap.List(where) {
		sum := connectorSummary{
			ID:          d.ID,
			Name:        d.Name,
			Description: d.Description,
			Version:     d.Version,
			AuthType:    string(d.Auth.Kind()),
		}
		for _, op := range d.Operations {
			sum.Operations = append(sum.Operations, operationSummary{
				Name:      op.Name,
				Method:    op.Method,
				Tool:      op.Tool,
				Cacheable: op.Cacheable,
			})
		}
		resp.Connectors = append(resp.Connectors, sum)
	}
	for _, tool := range resp.Tools {
		if ref, err := snap.ResolveTool(tool); err == nil {
			resp.Mappings[tool] = ref.ConnectorID + "." + ref.Operation
		}
	}
	resp.Total = len(resp.Tools)

	writeJSON(w, http.StatusOK, resp)
}

type executeRequest struct {
	ConnectorID string `json:"connectorId,omitempty"`
	Operation   string `json:"operation,omitempty"`
	Query       string `json:"query,omitempty"`

	// UserQuery is the legacy name for Query.
	UserQuery string `json:"userQuery,omitempty"`

	ToolID   string         `json:"toolId,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
	Identity string         `json:"identity,omitempty"`
}

type executeMetadata struct {
	RequestID            string  `json:"request_id"`
	Connector            string  `json:"connector"`
	Operation            string  `json:"operation"`
	ToolID               string  `json:"tool_id,omitempty"`
	Confidence           float64 `json:"confidence"`
	Fallback             bool    `json:"fallback,omitempty"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
	Timestamp            string  `json:"timestamp"`
	Cached               bool    `json:"cached"`
	Attempts             int     `json:"attempts"`
	UpstreamStatus       int     `json:"upstream_status"`
}

type executeResponse struct {
	Success   bool   `json:"success"`
	Output    any    `json:"output"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`

	// RetryAfter is in seconds.
	RetryAfter *float64 `json:"retry_after,omitempty"`

	Metadata *executeMetadata `json:"metadata,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)

	var body executeRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, r, &sberrors.ValidationError{
			Field:   "body",
			Message: "request body must be a JSON object",
			Hint:    err.Error(),
		})
		return
	}

	req := engine.Request{
		ConnectorID: body.ConnectorID,
		Operation:   body.Operation,
		Query:       body.Query,
		ToolID:      body.ToolID,
		Parameters:  normalizeNumbers(body.Params),
		Identity:    body.Identity,
	}
	if req.Query == "" {
		req.Query = body.UserQuery
	}
	if req.Identity == "" {
		req.Identity = r.Header.Get(IdentityHeader)
	}
	// The legacy API sends toolId together with a userQuery it generated
	// from params. The tool id is authoritative.
	if req.ToolID != "" && req.ConnectorID == "" {
		req.Query = ""
	}

	res, err := s.exec.Execute(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	m := res.Metadata
	writeJSON(w, http.StatusOK, executeResponse{
		Success: true,
		Output:  res.Body,
		Metadata: &executeMetadata{
			RequestID:            m.RequestID,
			Connector:            m.Connector,
			Operation:            m.Operation,
			ToolID:               m.ToolID,
			Confidence:           m.Confidence,
			Fallback:             m.Fallback,
			ExecutionTimeSeconds: m.ExecutionSeconds(),
			Timestamp:            m.Timestamp.Format(time.RFC3339Nano),
			Cached:               m.Cached,
			Attempts:             m.Attempts,
			UpstreamStatus:       res.Status,
		},
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	resp := executeResponse{
		Success:   false,
		Error:     sberrors.PublicMessage(err),
		ErrorType: sberrors.TypeOf(err),
	}
	if after, ok := sberrors.RetryAfter(err); ok && after > 0 {
		secs := after.Seconds()
		resp.RetryAfter = &secs
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(secs))))
	}

	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	s.logger.Log(r.Context(), level, "execute failed",
		slog.String(log.RequestIDKey, log.RequestIDFromContext(r.Context())),
		slog.Int(log.StatusKey, status),
		log.Error(err))

	writeJSON(w, status, resp)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosed
	case errors.Is(err, context.DeadlineExceeded) && sberrors.TypeOf(err) == "internal":
		return http.StatusGatewayTimeout
	}
	return sberrors.HTTPStatus(err)
}

// normalizeNumbers turns json.Number values into int64 when integral and
// float64 otherwise, so parameter validation sees ordinary Go numbers.
func normalizeNumbers(params map[string]any) map[string]any {
	for k, v := range params {
		params[k] = normalizeValue(v)
	}
	return params
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return normalizeNumbers(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
