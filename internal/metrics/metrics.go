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

// Package metrics holds the Prometheus collectors for the execution engine.
//
// Collectors live on their own registry rather than the global default so
// several engines (and tests) can coexist in one process. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "switchboard"

// Request outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeCached      = "cached"
	OutcomeValidation  = "validation_error"
	OutcomeNotFound    = "not_found"
	OutcomeAuth        = "auth_error"
	OutcomeRateLimited = "rate_limited"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeUpstream    = "upstream_error"
	OutcomeTimeout     = "timeout"
	OutcomeCancelled   = "cancelled"
	OutcomeInternal    = "internal_error"
)

// Metrics is the engine's set of collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests          *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	attempts          *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	rateLimitDenied   *prometheus.CounterVec
	cacheEvents       *prometheus.CounterVec
	credentialRefresh *prometheus.CounterVec
	routing           *prometheus.CounterVec
}

// New creates collectors on a fresh registry. Go runtime and process
// collectors are included when withRuntime is set.
func New(withRuntime bool) *Metrics {
	reg := prometheus.NewRegistry()
	if withRuntime {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Execution requests by connector, operation and outcome",
		}, []string{"connector", "operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end execution latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"connector", "operation"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "HTTP attempts against upstream APIs by result",
		}, []string{"connector", "result"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per connector (0 closed, 1 open, 2 half-open)",
		}, []string{"connector"}),
		rateLimitDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Requests denied by the rate limiter",
		}, []string{"connector"}),
		cacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Response cache events (hit, miss, store, expire, invalidate)",
		}, []string{"event"}),
		credentialRefresh: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_refresh_total",
			Help:      "Credential refreshes by result",
		}, []string{"result"}),
		routing: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by chosen connector and kind (structured, classified, fallback)",
		}, []string{"connector", "kind"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished Execute call.
func (m *Metrics) ObserveRequest(connectorID, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(connectorID, operation, outcome).Inc()
	m.duration.WithLabelValues(connectorID, operation).Observe(d.Seconds())
}

// ObserveAttempt records one upstream HTTP attempt. result is "ok" or an
// error class.
func (m *Metrics) ObserveAttempt(connectorID, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(connectorID, result).Inc()
}

// SetBreakerState publishes a breaker transition. state follows the
// breaker package's numbering.
func (m *Metrics) SetBreakerState(connectorID string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(connectorID).Set(float64(state))
}

// RateLimitDenied counts a limiter rejection.
func (m *Metrics) RateLimitDenied(connectorID string) {
	if m == nil {
		return
	}
	m.rateLimitDenied.WithLabelValues(connectorID).Inc()
}

// CacheEvent matches cache.Observer.
func (m *Metrics) CacheEvent(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvents.WithLabelValues(event).Add(float64(n))
}

// CredentialRefresh matches the credential store's refresh observer.
func (m *Metrics) CredentialRefresh(result string) {
	if m == nil {
		return
	}
	m.credentialRefresh.WithLabelValues(result).Inc()
}

// RoutingDecision counts a routing result.
func (m *Metrics) RoutingDecision(connectorID, kind string) {
	if m == nil {
		return
	}
	m.routing.WithLabelValues(connectorID, kind).Inc()
}
