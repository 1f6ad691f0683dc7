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

// Package server implements the switchboard HTTP API:
//
//	GET  /health         liveness and version
//	GET  /v1/connectors  connector summaries and the tool id catalog
//	POST /v1/execute     run one request through the engine
//	GET  /metrics        Prometheus metrics, when enabled
//
// The legacy tool-wrapper paths /api/tools/google-suite/list and
// /api/tools/google-suite/execute are served by the same handlers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/tombee/switchboard/internal/engine"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/tracing"
)

// ServiceName is reported by /health.
const ServiceName = "switchboard"

// Executor runs requests. *engine.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// Config configures the API server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	// RequestsPerSecond limits inbound requests across all clients.
	// Zero disables the limit.
	RequestsPerSecond float64
	Burst             int

	// MaxRequestBytes caps request bodies. Zero means 1 MiB.
	MaxRequestBytes int64

	Version string

	// Metrics serves /metrics when set.
	Metrics http.Handler

	// Tracer opens a server span per request. Nil disables tracing.
	Tracer trace.Tracer

	Logger *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	exec    Executor
	logger  *slog.Logger
	limiter *rate.Limiter
	server  *http.Server

	mu sync.RWMutex
	ln net.Listener
}

// New builds a server. The registry is read on every /v1/connectors
// request so hot reloads show up immediately.
func New(cfg Config, reg *registry.Registry, exec Executor) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}

	s := &Server{
		cfg:    cfg,
		reg:    reg,
		exec:   exec,
		logger: log.WithComponent(cfg.Logger, "api"),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the routed handler with logging, tracing and inbound
// rate limiting applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/connectors", s.handleConnectors)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
	mux.HandleFunc("GET /api/tools/google-suite/list", s.handleConnectors)
	mux.HandleFunc("POST /api/tools/google-suite/execute", s.handleExecute)
	if s.cfg.Metrics != nil {
		mux.Handle("GET /metrics", s.cfg.Metrics)
	}

	var h http.Handler = mux
	h = s.limit(h)
	h = tracing.HTTPMiddleware(s.cfg.Tracer, h)
	h = log.HTTPMiddleware(s.logger, h)
	return h
}

// limit rejects requests beyond the configured inbound rate. Health checks
// and metrics scrapes are never limited.
func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeJSON(w, http.StatusTooManyRequests, executeResponse{
				Success:   false,
				Error:     "too many requests",
				ErrorType: "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start listens and serves until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.logger.Info("api server starting", slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("api server shutting down")
	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown error", log.Error(err))
		return err
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}
