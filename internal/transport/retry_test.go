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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/switchboard/internal/connector"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// statusSequence serves the given statuses in order, repeating the last.
func statusSequence(statuses ...int) (*httptest.Server, *int32) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(statuses) {
			n = len(statuses) - 1
		}
		if statuses[n] == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "60")
		}
		w.WriteHeader(statuses[n])
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	return srv, &calls
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newTestRetrier() (*Retrier, *sleepRecorder) {
	rec := &sleepRecorder{}
	r := NewRetrier(NewCaller(nil))
	r.Sleep = rec.sleep
	return r, rec
}

func TestRetrier_ExhaustsOnRepeated503(t *testing.T) {
	srv, calls := statusSequence(503)
	defer srv.Close()

	r, rec := newTestRetrier()
	var observed []int
	r.OnRetry = func(attempt int, _ time.Duration, _ error) { observed = append(observed, attempt) }

	_, attempts, err := r.Do(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))

	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 503, ue.StatusCode)
	assert.True(t, ue.Retryable)
	assert.Equal(t, 3, attempts)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{200 * time.Millisecond, 400 * time.Millisecond}, rec.delays)
	assert.Equal(t, []int{1, 2}, observed)
}

func TestRetrier_RecoversAfterTransientFailure(t *testing.T) {
	srv, calls := statusSequence(502, 200)
	defer srv.Close()

	r, _ := newTestRetrier()
	resp, attempts, err := r.Do(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, attempts)
	assert.EqualValues(t, 2, atomic.LoadInt32(calls))
}

func TestRetrier_DoesNotRetryClientErrors(t *testing.T) {
	srv, calls := statusSequence(400)
	defer srv.Close()

	r, rec := newTestRetrier()
	_, attempts, err := r.Do(context.Background(), newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))

	var ue *sberrors.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable)
	assert.Equal(t, 1, attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	assert.Empty(t, rec.delays)
}

func TestRetrier_RetryAfterIsCapped(t *testing.T) {
	srv, _ := statusSequence(429, 200)
	defer srv.Close()

	r, rec := newTestRetrier()
	call := newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"})
	call.Retry.MaxDelay = connector.Duration(5 * time.Second)

	_, _, err := r.Do(context.Background(), call)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, rec.delays)
}

func TestRetrier_SingleAttemptPolicy(t *testing.T) {
	srv, calls := statusSequence(503)
	defer srv.Close()

	r, _ := newTestRetrier()
	call := newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"})
	call.Retry.MaxAttempts = 1

	_, attempts, err := r.Do(context.Background(), call)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}

func TestRetrier_StopsWhenCancelledDuringBackoff(t *testing.T) {
	srv, calls := statusSequence(503)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(NewCaller(nil))
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return Sleep(ctx, d)
	}

	_, _, err := r.Do(ctx, newCall(t, srv.URL, "get_widget", map[string]any{"id": "1"}))
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, atomic.LoadInt32(calls))
}
