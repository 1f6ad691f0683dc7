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

package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/jq"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

func testRetryPolicy() connector.RetryPolicy {
	return connector.RetryPolicy{
		MaxAttempts:       3,
		Backoff:           "exponential",
		InitialDelay:      connector.Duration(200 * time.Millisecond),
		MaxDelay:          connector.Duration(10 * time.Second),
		RetryableStatuses: connector.DefaultRetryableStatuses,
	}
}

func newCall(t *testing.T, serverURL, opName string, params map[string]any) *Call {
	t.Helper()
	d := widgetDescriptor(serverURL)
	o := op(t, d, opName)
	req, err := Build(d, o, params)
	require.NoError(t, err)
	return &Call{
		ConnectorID: d.ID,
		Operation:   o.Name,
		Request:     req,
		Auth:        connector.BearerAuth{},
		Credential:  &credentials.Credential{AccessSecret: "tok"},
		Timeout:     time.Second,
		Retry:       testRetryPolicy(),
	}
}

func TestAttempt_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/widgets", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"name":"gear"}`, string(body))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"w1","name":"gear"}`)
	}))
	defer srv.Close()

	resp, err := NewCaller(srv.Client()).Attempt(context.Background(), newCall(t, srv.URL, "create_widget", map[string]any{"name": "gear"}))
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Equal(t, map[string]any{"id": "w1", "name": "gear"}, resp.Body)
}

func TestAttempt_TextBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "pong")
	}))
	defer srv.Close()

	resp, err := NewCaller(nil).Attempt(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Body)
}

func TestAttempt_BodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "0123456789abcdef")
	}))
	defer srv.Close()

	_, err := NewCaller(nil, WithMaxBodySize(8)).Attempt(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, ue.Message, "exceeds 8 bytes")
}

func TestAttempt_StatusClassification(t *testing.T) {
	tests := []struct {
		status     int
		retryable  bool
		retryAfter string
		wantAfter  time.Duration
	}{
		{http.StatusBadRequest, false, "", 0},
		{http.StatusNotFound, false, "", 0},
		{http.StatusTooManyRequests, true, "2", 2 * time.Second},
		{http.StatusServiceUnavailable, true, "", 0},
		{http.StatusNotImplemented, false, "", 0},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Request-Id", "req-9")
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":"nope"}`)
			}))
			defer srv.Close()

			_, err := NewCaller(nil).Attempt(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
			var ue *sberrors.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, tt.status, ue.StatusCode)
			assert.Equal(t, tt.retryable, ue.Retryable)
			assert.Equal(t, "req-9", ue.RequestID)
			assert.Equal(t, tt.wantAfter, ue.RetryAfter)
			assert.Contains(t, ue.Message, "nope")
		})
	}
}

func TestAttempt_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	call := newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"})
	call.Timeout = 50 * time.Millisecond

	_, err := NewCaller(nil).Attempt(context.Background(), call)
	var te *sberrors.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, sberrors.IsRetryable(err))
	assert.Equal(t, "acme.get_widget", te.Operation)
}

func TestAttempt_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := NewCaller(nil).Attempt(ctx, newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestAttempt_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	call := newCall(t, addr, "get_widget", map[string]any{"id": "1"})
	call.Auth = connector.APIKeyAuth{QueryParam: "key"}
	call.Credential = &credentials.Credential{AccessSecret: "do-not-leak"}

	_, err := NewCaller(nil).Attempt(context.Background(), call)
	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable)
	assert.Zero(t, ue.StatusCode)
	assert.NotContains(t, err.Error(), "do-not-leak")
}

func TestAttempt_MissingCredential(t *testing.T) {
	call := newCall(t, "https://api.acme.test", "get_widget", map[string]any{"id": "1"})
	call.Credential = nil
	_, err := NewCaller(nil).Attempt(context.Background(), call)
	var ae *sberrors.AuthenticationError
	require.ErrorAs(t, err, &ae)
}

func TestTransform(t *testing.T) {
	exec := jq.NewExecutor(0, 0)
	call := &Call{ConnectorID: "acme", Operation: "list"}

	resp := &Response{Status: 200, Body: map[string]any{"items": []any{
		map[string]any{"id": "1", "noise": true},
	}}}
	require.NoError(t, Transform(context.Background(), exec, call, "[.items[] | {id}]", resp))
	assert.Equal(t, []any{map[string]any{"id": "1"}}, resp.Body)

	bad := &Response{Status: 200, Body: "text"}
	err := Transform(context.Background(), exec, call, ".items[]", bad)
	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable)
	assert.Equal(t, "text", bad.Body)

	untouched := &Response{Body: "x"}
	require.NoError(t, Transform(context.Background(), exec, call, "", untouched))
	assert.Equal(t, "x", untouched.Body)
}
