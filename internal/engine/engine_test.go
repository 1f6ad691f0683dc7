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

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/breaker"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/transport"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const acmeYAML = `
id: acme
version: "1"
baseURL: %s
authType: bearer
policy:
  rateLimit: {limit: %d, window: 1m}
  retry: {maxAttempts: 3, initialDelay: 10ms, maxDelay: 50ms}
  circuitBreaker: {failureThreshold: 2, successThreshold: 1, resetTimeout: 1m}
  cache: {enabled: true, ttl: 1m}
  timeout: 2s
routingHints:
  utterances: [list acme widgets, show my acme widgets]
  defaultOperation: list_widgets
operations:
  - name: list_widgets
    tool: acme_list_widgets
    method: GET
    path: /widgets
    cacheable: true
    utterances: [list acme widgets]
    transform: '[.items[]? | {id}]'
    parameters:
      - {name: color, location: query, type: string}
  - name: create_widget
    method: POST
    path: /widgets
    utterances: [create an acme widget]
    parameters:
      - {name: name, location: body, type: string, required: true}
`

type fakeCreds struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCreds) Get(_ context.Context, userID, connectorID string) (*credentials.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return &credentials.Credential{UserID: userID, ConnectorID: connectorID, AccessSecret: "tok-" + userID}, nil
}

func (f *fakeCreds) Refresh(ctx context.Context, userID, connectorID string) (*credentials.Credential, error) {
	return f.Get(ctx, userID, connectorID)
}

func (f *fakeCreds) Revoke(context.Context, string, string) error { return nil }

// upstream is a fake API that serves status, counting calls.
type upstream struct {
	*httptest.Server
	calls  atomic.Int32
	status atomic.Int32
	auth   atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	u := &upstream{}
	u.status.Store(http.StatusOK)
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(u.status.Load()))
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			_, _ = w.Write(body)
			return
		}
		_, _ = io.WriteString(w, `{"items":[{"id":"w1","color":"red"},{"id":"w2","color":"blue"}]}`)
	}))
	t.Cleanup(u.Close)
	return u
}

func noSleep() *transport.Retrier {
	r := transport.NewRetrier(transport.NewCaller(nil))
	r.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return r
}

func newTestEngine(t *testing.T, baseURL string, limit int, opts ...Option) (*Engine, *fakeCreds) {
	t.Helper()
	d, err := connector.Parse([]byte(fmt.Sprintf(acmeYAML, baseURL, limit)), connector.FormatYAML)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(d))
	for _, b := range connector.MustBuiltins() {
		if b.ID == connector.GenericHTTPID {
			require.NoError(t, reg.Register(b))
		}
	}

	creds := &fakeCreds{}
	opts = append([]Option{
		WithRetrier(noSleep()),
		WithHostPolicy(&transport.HostPolicy{AllowPrivate: true}),
	}, opts...)
	return New(reg, nil, creds, opts...), creds
}

func TestExecute_Structured(t *testing.T) {
	up := newUpstream(t)
	e, creds := newTestEngine(t, up.URL, 100)

	res, err := e.Execute(context.Background(), Request{
		ConnectorID: "acme",
		Operation:   "list_widgets",
		Identity:    "alice",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, []any{map[string]any{"id": "w1"}, map[string]any{"id": "w2"}}, res.Body)
	assert.Equal(t, "Bearer tok-alice", up.auth.Load())
	assert.EqualValues(t, 1, creds.calls.Load())

	m := res.Metadata
	assert.Equal(t, "acme", m.Connector)
	assert.Equal(t, "list_widgets", m.Operation)
	assert.Equal(t, "acme_list_widgets", m.ToolID)
	assert.Equal(t, 1.0, m.Confidence)
	assert.Equal(t, 1, m.Attempts)
	assert.False(t, m.Cached)
	assert.NotEmpty(t, m.RequestID)
	assert.False(t, m.Timestamp.IsZero())
}

func TestExecute_ToolID(t *testing.T) {
	up := newUpstream(t)
	e, _ := newTestEngine(t, up.URL, 100)

	res, err := e.Execute(context.Background(), Request{ToolID: "acme_list_widgets", Identity: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "list_widgets", res.Metadata.Operation)
	assert.Equal(t, "acme_list_widgets", res.Metadata.ToolID)

	_, err = e.Execute(context.Background(), Request{ToolID: "acme_unknown", Identity: "alice"})
	var nf *sberrors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestExecute_CacheRoundTrip(t *testing.T) {
	up := newUpstream(t)
	e, _ := newTestEngine(t, up.URL, 100)
	ctx := context.Background()
	req := Request{ConnectorID: "acme", Operation: "list_widgets", Identity: "alice", Parameters: map[string]any{"color": "red"}}

	first, err := e.Execute(ctx, req)
	require.NoError(t, err)
	second, err := e.Execute(ctx, req)
	require.NoError(t, err)

	assert.EqualValues(t, 1, up.calls.Load(), "second call must be served from cache")
	assert.True(t, second.Metadata.Cached)
	assert.Zero(t, second.Metadata.Attempts)
	assert.Equal(t, first.Body, second.Body)

	t.Run("other identity misses", func(t *testing.T) {
		bob := req
		bob.Identity = "bob"
		res, err := e.Execute(ctx, bob)
		require.NoError(t, err)
		assert.False(t, res.Metadata.Cached)
		assert.EqualValues(t, 2, up.calls.Load())
	})

	t.Run("mutation invalidates", func(t *testing.T) {
		_, err := e.Execute(ctx, Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice", Parameters: map[string]any{"name": "gear"}})
		require.NoError(t, err)
		before := up.calls.Load()

		res, err := e.Execute(ctx, req)
		require.NoError(t, err)
		assert.False(t, res.Metadata.Cached)
		assert.Equal(t, before+1, up.calls.Load())
	})
}

func TestExecute_RetriesThenFailsOnce(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusServiceUnavailable)
	e, _ := newTestEngine(t, up.URL, 100)

	_, err := e.Execute(context.Background(), Request{ConnectorID: "acme", Operation: "list_widgets", Identity: "alice"})

	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, http.StatusServiceUnavailable, ue.StatusCode)
	assert.True(t, ue.Retryable)
	assert.EqualValues(t, 3, up.calls.Load())

	st := e.Breakers().Status("acme")
	assert.Equal(t, 1, st.ConsecutiveFailures, "one logical request records one failure")
	assert.Equal(t, breaker.Closed, st.State)
}

func TestExecute_BreakerOpens(t *testing.T) {
	up := newUpstream(t)
	up.status.Store(http.StatusBadGateway)
	e, _ := newTestEngine(t, up.URL, 100)
	ctx := context.Background()
	req := Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice", Parameters: map[string]any{"name": "x"}}

	for i := 0; i < 2; i++ {
		_, err := e.Execute(ctx, req)
		require.Error(t, err)
	}
	calls := up.calls.Load()

	_, err := e.Execute(ctx, req)
	var co *sberrors.CircuitOpenError
	require.ErrorAs(t, err, &co)
	assert.Positive(t, co.RetryAfter)
	assert.Equal(t, calls, up.calls.Load(), "open breaker must not call upstream")
}

func TestExecute_ValidationHappensFirst(t *testing.T) {
	up := newUpstream(t)
	e, creds := newTestEngine(t, up.URL, 1)
	ctx := context.Background()

	_, err := e.Execute(ctx, Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice"})
	var ve *sberrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "name", ve.Field)

	assert.Zero(t, creds.calls.Load(), "credentials must not be fetched")
	assert.Zero(t, up.calls.Load())
	st := e.Breakers().Status("acme")
	assert.Equal(t, breaker.Closed, st.State)
	assert.Zero(t, st.ConsecutiveFailures)

	// The single rate-limit slot is still free.
	_, err = e.Execute(ctx, Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice", Parameters: map[string]any{"name": "ok"}})
	require.NoError(t, err)
}

func TestExecute_RateLimited(t *testing.T) {
	up := newUpstream(t)
	e, _ := newTestEngine(t, up.URL, 1)
	ctx := context.Background()
	req := Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice", Parameters: map[string]any{"name": "a"}}

	_, err := e.Execute(ctx, req)
	require.NoError(t, err)

	_, err = e.Execute(ctx, req)
	var rl *sberrors.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Positive(t, rl.RetryAfter)
	assert.EqualValues(t, 1, up.calls.Load())

	other := req
	other.Identity = "bob"
	_, err = e.Execute(ctx, other)
	assert.NoError(t, err, "windows are per identity")
}

func TestExecute_AuthFailures(t *testing.T) {
	up := newUpstream(t)
	e, creds := newTestEngine(t, up.URL, 100)
	creds.err = &sberrors.AuthenticationError{ConnectorID: "acme", UserID: "alice", Reason: "credential revoked"}

	_, err := e.Execute(context.Background(), Request{ConnectorID: "acme", Operation: "list_widgets", Identity: "alice"})
	var ae *sberrors.AuthenticationError
	require.ErrorAs(t, err, &ae)
	assert.Zero(t, up.calls.Load())

	_, err = e.Execute(context.Background(), Request{ConnectorID: "acme", Operation: "list_widgets"})
	var ve *sberrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "identity", ve.Field)
}

func TestExecute_CancelledDoesNotTripBreaker(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	e, _ := newTestEngine(t, srv.URL, 100)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	_, err := e.Execute(ctx, Request{ConnectorID: "acme", Operation: "create_widget", Identity: "alice", Parameters: map[string]any{"name": "a"}})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	st := e.Breakers().Status("acme")
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, breaker.Closed, st.State)
}

func TestExecute_FallbackToGenericHTTP(t *testing.T) {
	var hit atomic.Int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Add(1)
		_, _ = io.WriteString(w, "pong")
	}))
	defer hook.Close()

	e, creds := newTestEngine(t, "https://acme.invalid", 100)
	res, err := e.Execute(context.Background(), Request{Query: "ping the webhook at " + hook.URL + "/hook"})
	require.NoError(t, err)

	assert.Equal(t, connector.GenericHTTPID, res.Metadata.Connector)
	assert.True(t, res.Metadata.Fallback)
	assert.Less(t, res.Metadata.Confidence, 0.7)
	assert.Equal(t, "pong", res.Body)
	assert.EqualValues(t, 1, hit.Load())
	assert.Zero(t, creds.calls.Load(), "generic http needs no credential")
}

func TestExecute_GenericHTTPHostPolicy(t *testing.T) {
	e, _ := newTestEngine(t, "https://acme.invalid", 100, WithHostPolicy(&transport.HostPolicy{}))
	_, err := e.Execute(context.Background(), Request{
		ConnectorID: connector.GenericHTTPID,
		Operation:   connector.GenericHTTPOperation,
		Parameters:  map[string]any{"url": "http://169.254.169.254/latest/meta-data"},
	})
	var ve *sberrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "url", ve.Field)
}

func TestExecute_Metrics(t *testing.T) {
	up := newUpstream(t)
	m := metrics.New(false)
	e, _ := newTestEngine(t, up.URL, 100, WithMetrics(m))
	ctx := context.Background()
	req := Request{ConnectorID: "acme", Operation: "list_widgets", Identity: "alice"}

	_, err := e.Execute(ctx, req)
	require.NoError(t, err)
	_, err = e.Execute(ctx, req)
	require.NoError(t, err)
	_, _ = e.Execute(ctx, Request{ConnectorID: "acme", Operation: "nope", Identity: "alice"})

	reg := m.Registry()
	n, err := testutil.GatherAndCount(reg, "switchboard_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "success, cached and not_found series")

	n, err = testutil.GatherAndCount(reg, "switchboard_upstream_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExecute_RequestShape(t *testing.T) {
	up := newUpstream(t)
	e, _ := newTestEngine(t, up.URL, 100)

	_, err := e.Execute(context.Background(), Request{Query: "list acme widgets", ConnectorID: "acme", Operation: "list_widgets"})
	var ve *sberrors.ValidationError
	require.ErrorAs(t, err, &ve)

	_, err = e.Execute(context.Background(), Request{})
	require.ErrorAs(t, err, &ve)
}

func TestRoute(t *testing.T) {
	e, _ := newTestEngine(t, "https://acme.invalid", 100)
	r, err := e.Route(context.Background(), Request{Query: "list acme widgets"})
	require.NoError(t, err)
	assert.Equal(t, "acme", r.ConnectorID)
	assert.Equal(t, "list_widgets", r.Operation)
	assert.GreaterOrEqual(t, r.Confidence, 0.7)
}
