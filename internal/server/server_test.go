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
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/transport"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

type stubExecutor struct {
	got engine.Request
	res *engine.Result
	err error
}

func (s *stubExecutor) Execute(_ context.Context, req engine.Request) (*engine.Result, error) {
	s.got = req
	return s.res, s.err
}

func builtinRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.Replace(connector.MustBuiltins()))
	return reg
}

func post(t *testing.T, h http.Handler, path, body string, header ...string) (*httptest.ResponseRecorder, executeResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp executeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHealth(t *testing.T) {
	s := New(Config{Version: "1.2.3"}, builtinRegistry(t), &stubExecutor{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, "1.2.3", body.Version)
	_, err := time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestConnectors(t *testing.T) {
	s := New(Config{}, builtinRegistry(t), &stubExecutor{})

	for _, path := range []string{"/v1/connectors", "/api/tools/google-suite/list"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			require.Equal(t, http.StatusOK, rec.Code)

			var body connectorsResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, len(body.Tools), body.Total)
			assert.Contains(t, body.Tools, "google_calendar_create")
			assert.Equal(t, "google_calendar.create", body.Mappings["google_calendar_create"])
			assert.Equal(t, "gmail.send", body.Mappings["gmail_send"])

			var ids []string
			for _, c := range body.Connectors {
				ids = append(ids, c.ID)
			}
			assert.Contains(t, ids, connector.GenericHTTPID)
			assert.Contains(t, ids, "slack")
		})
	}
}

func TestConnectors_Where(t *testing.T) {
	s := New(Config{}, builtinRegistry(t), &stubExecutor{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/connectors?where="+url.QueryEscape(`auth == "oauth2" && id startsWith "google_"`), nil)
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body connectorsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Connectors)
	for _, c := range body.Connectors {
		assert.Equal(t, "oauth2", c.AuthType)
		assert.True(t, strings.HasPrefix(c.ID, "google_"), c.ID)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/connectors?where="+url.QueryEscape("len(operations) >"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecute_Success(t *testing.T) {
	exec := &stubExecutor{res: &engine.Result{
		Status: 201,
		Body:   map[string]any{"id": "evt_1"},
		Metadata: engine.Metadata{
			RequestID:     "req-1",
			Connector:     "google_calendar",
			Operation:     "create",
			ToolID:        "google_calendar_create",
			Confidence:    1,
			Attempts:      2,
			ExecutionTime: 1500 * time.Millisecond,
			Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}}
	s := New(Config{}, builtinRegistry(t), exec)

	rec, resp := post(t, s.Handler(), "/v1/execute",
		`{"toolId":"google_calendar_create","params":{"summary":"Standup","attendees":2}}`,
		IdentityHeader, "alice")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
	assert.Equal(t, map[string]any{"id": "evt_1"}, resp.Output)
	require.NotNil(t, resp.Metadata)
	assert.Equal(t, "google_calendar", resp.Metadata.Connector)
	assert.Equal(t, "google_calendar_create", resp.Metadata.ToolID)
	assert.Equal(t, 1.5, resp.Metadata.ExecutionTimeSeconds)
	assert.Equal(t, 2, resp.Metadata.Attempts)
	assert.Equal(t, 201, resp.Metadata.UpstreamStatus)

	assert.Equal(t, "alice", exec.got.Identity)
	assert.Equal(t, "google_calendar_create", exec.got.ToolID)
	assert.Equal(t, int64(2), exec.got.Parameters["attendees"])
}

func TestExecute_LegacyRequest(t *testing.T) {
	exec := &stubExecutor{res: &engine.Result{Status: 200, Body: "ok"}}
	s := New(Config{}, builtinRegistry(t), exec)

	rec, _ := post(t, s.Handler(), "/api/tools/google-suite/execute",
		`{"toolId":"gmail_send","userQuery":"send an email to bob","params":{"to":"bob@example.com"},"identity":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gmail_send", exec.got.ToolID)
	assert.Empty(t, exec.got.Query, "tool id wins over the generated query")

	_, _ = post(t, s.Handler(), "/v1/execute", `{"userQuery":"list my calendar events"}`)
	assert.Equal(t, "list my calendar events", exec.got.Query)
}

func TestExecute_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantAfter  string
	}{
		{"validation", &sberrors.ValidationError{Field: "to", Message: "is required"}, http.StatusBadRequest, "validation", ""},
		{"not found", &sberrors.NotFoundError{Resource: "tool", ID: "nope"}, http.StatusNotFound, "not_found", ""},
		{"auth", &sberrors.AuthenticationError{ConnectorID: "gmail", UserID: "alice", Reason: "credential revoked"}, http.StatusUnauthorized, "authentication", ""},
		{"rate limited", &sberrors.RateLimitError{ConnectorID: "gmail", RetryAfter: 2500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited", "3"},
		{"circuit open", &sberrors.CircuitOpenError{ConnectorID: "gmail", RetryAfter: 30 * time.Second}, http.StatusServiceUnavailable, "circuit_open", "30"},
		{"upstream", &sberrors.UpstreamError{ConnectorID: "gmail", StatusCode: 500}, http.StatusBadGateway, "upstream", ""},
		{"timeout", &sberrors.TimeoutError{Operation: "gmail.send", Duration: time.Second}, http.StatusGatewayTimeout, "timeout", ""},
		{"internal", io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, builtinRegistry(t), &stubExecutor{err: tt.err})
			rec, resp := post(t, s.Handler(), "/v1/execute", `{"connectorId":"gmail","operation":"send"}`)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.wantType, resp.ErrorType)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantAfter, rec.Header().Get("Retry-After"))
			if tt.wantAfter != "" {
				require.NotNil(t, resp.RetryAfter)
			}
		})
	}

	t.Run("internal detail hidden", func(t *testing.T) {
		s := New(Config{}, builtinRegistry(t), &stubExecutor{err: io.ErrUnexpectedEOF})
		_, resp := post(t, s.Handler(), "/v1/execute", `{"query":"x"}`)
		assert.Equal(t, "internal error", resp.Error)
	})
}

func TestExecute_BadBody(t *testing.T) {
	s := New(Config{MaxRequestBytes: 16}, builtinRegistry(t), &stubExecutor{})

	rec, resp := post(t, s.Handler(), "/v1/execute", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", resp.ErrorType)

	rec, _ = post(t, s.Handler(), "/v1/execute", `{"query":"this body is longer than sixteen bytes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInboundRateLimit(t *testing.T) {
	exec := &stubExecutor{res: &engine.Result{Status: 200}}
	s := New(Config{RequestsPerSecond: 0.001, Burst: 1}, builtinRegistry(t), exec)
	h := s.Handler()

	rec, _ := post(t, h, "/v1/execute", `{"query":"a"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := post(t, h, "/v1/execute", `{"query":"a"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", resp.ErrorType)

	health := httptest.NewRecorder()
	h.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code, "health checks bypass the limiter")
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New(false)
	m.RateLimitDenied("gmail")
	s := New(Config{Metrics: m.Handler()}, builtinRegistry(t), &stubExecutor{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "switchboard_ratelimit_denied_total")

	without := New(Config{}, builtinRegistry(t), &stubExecutor{})
	rec = httptest.NewRecorder()
	without.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestEndToEnd drives the real engine through the API against a fake
// upstream reached via the generic HTTP connector.
func TestEndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"pong":true}`)
	}))
	defer upstream.Close()

	reg := builtinRegistry(t)
	eng := engine.New(reg, nil, nil, engine.WithHostPolicy(&transport.HostPolicy{AllowPrivate: true}))
	s := New(Config{}, reg, eng)

	body := `{"connectorId":"generic_http","operation":"request","params":{"url":"` + upstream.URL + `/ping"}}`
	rec, resp := post(t, s.Handler(), "/v1/execute", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]any{"pong": true}, resp.Output)
	assert.Equal(t, connector.GenericHTTPID, resp.Metadata.Connector)
	assert.Equal(t, 1, resp.Metadata.Attempts)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.Metadata.RequestID)
}

func TestStartAndShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0", ShutdownTimeout: time.Second}, builtinRegistry(t), &stubExecutor{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
