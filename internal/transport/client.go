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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/pkg/httpclient"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// DefaultMaxBodySize caps how much of an upstream response is read.
const DefaultMaxBodySize = 10 << 20

// Response is the normalized result of an upstream call.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`

	// Body is the decoded JSON value, the raw text when the body is not
	// JSON, or nil when it is empty.
	Body any `json:"body"`
}

// Call is one logical upstream request.
type Call struct {
	ConnectorID string
	Operation   string

	Request    *Request
	Auth       connector.AuthSpec
	Credential *credentials.Credential

	// Timeout bounds each attempt.
	Timeout time.Duration

	// Retry decides which statuses are retryable.
	Retry connector.RetryPolicy

	// Observe, when set, is called after every attempt with its duration
	// and error (nil on success).
	Observe func(attempt int, d time.Duration, err error)
}

// Caller performs single HTTP attempts.
type Caller struct {
	client         *http.Client
	maxBodySize    int64
	defaultTimeout time.Duration
}

// CallerOption configures a Caller.
type CallerOption func(*Caller)

// WithMaxBodySize caps how much of a response body is read.
func WithMaxBodySize(n int64) CallerOption {
	return func(c *Caller) {
		if n > 0 {
			c.maxBodySize = n
		}
	}
}

// WithDefaultTimeout sets the attempt timeout for calls that carry none.
func WithDefaultTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

// NewCaller wraps client. A nil client uses http.DefaultClient.
func NewCaller(client *http.Client, opts ...CallerOption) *Caller {
	if client == nil {
		client = http.DefaultClient
	}
	c := &Caller{client: client, maxBodySize: DefaultMaxBodySize, defaultTimeout: connector.DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempt sends c once and classifies the outcome:
//   - 2xx and 3xx return a normalized Response
//   - 4xx and 5xx return *errors.UpstreamError, retryable when the status is
//     in the policy's retryable list
//   - a per-attempt timeout returns *errors.TimeoutError
//   - other transport failures return a retryable *errors.UpstreamError
//   - cancellation of ctx itself returns ctx.Err()
func (c *Caller) Attempt(ctx context.Context, call *Call) (*Response, error) {
	timeout := call.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := call.Request.render(attemptCtx)
	if err != nil {
		return nil, err
	}
	if err := Sign(req, call.ConnectorID, call.Auth, call.Credential); err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, call, timeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, call, timeout, err)
	}
	if int64(len(data)) > c.maxBodySize {
		return nil, &sberrors.UpstreamError{
			ConnectorID: call.ConnectorID,
			Operation:   call.Operation,
			StatusCode:  resp.StatusCode,
			Message:     fmt.Sprintf("response body exceeds %d bytes", c.maxBodySize),
		}
	}

	if resp.StatusCode >= 400 {
		return nil, &sberrors.UpstreamError{
			ConnectorID: call.ConnectorID,
			Operation:   call.Operation,
			StatusCode:  resp.StatusCode,
			Message:     statusMessage(resp.StatusCode, data),
			Retryable:   call.Retry.RetriesStatus(resp.StatusCode),
			RequestID:   requestID(resp.Header),
			RetryAfter:  httpclient.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}

	return &Response{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Body:    decodeBody(data),
	}, nil
}

func (c *Caller) classify(parent, attemptCtx context.Context, call *Call, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &sberrors.TimeoutError{
			Operation: call.ConnectorID + "." + call.Operation,
			Duration:  timeout,
			Cause:     err,
		}
	}
	// url.Error repeats the URL, which may carry an API key.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return &sberrors.UpstreamError{
		ConnectorID: call.ConnectorID,
		Operation:   call.Operation,
		Message:     err.Error(),
		Retryable:   true,
		Cause:       err,
	}
}

// render builds a fresh *http.Request for one attempt.
func (r *Request) render(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	u := *r.URL
	req, err := http.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, &sberrors.ValidationError{Field: "url", Message: err.Error()}
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

func decodeBody(data []byte) any {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if k == "Set-Cookie" {
			continue
		}
		out[k] = strings.Join(vs, ", ")
	}
	return out
}

func requestID(h http.Header) string {
	for _, k := range []string{"X-Request-Id", "X-Github-Request-Id", "X-Goog-Request-Id"} {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// statusMessage summarizes an error response without echoing large bodies.
func statusMessage(status int, body []byte) string {
	msg := http.StatusText(status)
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200] + "..."
	}
	if snippet != "" {
		msg += ": " + snippet
	}
	return msg
}
