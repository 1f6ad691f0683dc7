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

package httpclient

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/switchboard/internal/log"
)

// loggingTransport sets the User-Agent, forwards the request id and logs
// each round trip with a sanitized URL. Headers are never logged.
type loggingTransport struct {
	base      http.RoundTripper
	userAgent string
	logger    *slog.Logger
}

func newLoggingTransport(base http.RoundTripper, userAgent string, logger *slog.Logger) *loggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &loggingTransport{base: base, userAgent: userAgent, logger: log.OrDefault(logger)}
}

// RoundTrip implements http.RoundTripper.
func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" && t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if id := log.RequestIDFromContext(req.Context()); id != "" && req.Header.Get(log.RequestIDHeader) == "" {
		req.Header.Set(log.RequestIDHeader, id)
	}

	resp, err := t.base.RoundTrip(req)
	elapsed := time.Since(start).Milliseconds()
	logURL := SanitizeURL(req.URL)

	if err != nil {
		t.logger.Warn("http request failed",
			slog.String("method", req.Method),
			slog.String("url", logURL),
			slog.Int64(log.DurationKey, elapsed),
			log.Error(err))
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 400 {
		level = slog.LevelWarn
	}
	t.logger.Log(req.Context(), level, "http request",
		slog.String("method", req.Method),
		slog.String("url", logURL),
		slog.Int(log.StatusKey, resp.StatusCode),
		slog.Int64(log.DurationKey, elapsed))
	return resp, nil
}
