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

// Package engine coordinates a connector call end to end.
//
// Execute runs the same steps for every request, in this order:
//
//  1. route free text or a tool id to a connector operation
//  2. resolve the operation in the registry snapshot
//  3. apply defaults and validate parameters, build the HTTP request
//  4. fetch the caller's credential (skipped for unauthenticated connectors)
//  5. ask the connector's circuit breaker for admission
//  6. record the call against the rate-limit window
//  7. serve cacheable operations from the response cache
//  8. call upstream with a per-attempt timeout
//  9. retry retryable failures with exponential backoff
//  10. record exactly one breaker outcome
//  11. transform, cache and return the normalized response
//
// A failure at any step returns a typed error from pkg/errors and skips the
// steps after it, so a request with bad parameters never costs a credential
// lookup, a rate-limit slot or a breaker trial.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/tombee/switchboard/internal/breaker"
	"github.com/tombee/switchboard/internal/cache"
	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/credentials"
	"github.com/tombee/switchboard/internal/jq"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/metrics"
	"github.com/tombee/switchboard/internal/ratelimit"
	"github.com/tombee/switchboard/internal/registry"
	"github.com/tombee/switchboard/internal/router"
	"github.com/tombee/switchboard/internal/tracing"
	"github.com/tombee/switchboard/internal/transport"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

// Engine executes connector operations.
type Engine struct {
	reg      *registry.Registry
	router   *router.Router
	creds    credentials.Provider
	breakers *breaker.Set
	limiter  ratelimit.Limiter
	cache    cache.Cache
	retrier  *transport.Retrier
	guard    *transport.HostPolicy
	jq       *jq.Executor

	metrics     *metrics.Metrics
	instruments *tracing.Instruments
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithBreakers shares a breaker set, e.g. with a status endpoint.
func WithBreakers(s *breaker.Set) Option { return func(e *Engine) { e.breakers = s } }

// WithLimiter replaces the in-process sliding-window limiter.
func WithLimiter(l ratelimit.Limiter) Option { return func(e *Engine) { e.limiter = l } }

// WithCache replaces the in-process response cache.
func WithCache(c cache.Cache) Option { return func(e *Engine) { e.cache = c } }

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.retrier = transport.NewRetrier(transport.NewCaller(c)) }
}

// WithRetrier replaces the retrier, typically to inject sleeps in tests.
func WithRetrier(r *transport.Retrier) Option { return func(e *Engine) { e.retrier = r } }

// WithHostPolicy sets the policy checked before generic HTTP calls.
func WithHostPolicy(p *transport.HostPolicy) Option { return func(e *Engine) { e.guard = p } }

// WithJQ sets the executor used for response transforms.
func WithJQ(x *jq.Executor) Option { return func(e *Engine) { e.jq = x } }

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracing records a span per request and OTel attempt instruments.
func WithTracing(tracer trace.Tracer, inst *tracing.Instruments) Option {
	return func(e *Engine) {
		e.tracer = tracer
		e.instruments = inst
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithClock replaces time.Now for metadata timestamps.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an engine. creds may be nil when only unauthenticated
// connectors are used.
func New(reg *registry.Registry, rt *router.Router, creds credentials.Provider, opts ...Option) *Engine {
	e := &Engine{
		reg:    reg,
		router: rt,
		creds:  creds,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.router == nil {
		e.router = router.New(reg, nil, router.WithLogger(e.logger))
	}
	if e.breakers == nil {
		e.breakers = breaker.NewSet(breaker.WithLogger(e.logger))
	}
	if e.limiter == nil {
		e.limiter = ratelimit.NewSlidingWindow(nil)
	}
	if e.cache == nil {
		e.cache = cache.NewMemory(cache.WithMemoryObserver(e.metrics.CacheEvent))
	}
	if e.retrier == nil {
		e.retrier = transport.NewRetrier(transport.NewCaller(nil))
	}
	if e.guard == nil {
		e.guard = &transport.HostPolicy{}
	}
	if e.jq == nil {
		e.jq = jq.NewExecutor(0, 0)
	}
	if e.tracer == nil {
		e.tracer = noop.NewTracerProvider().Tracer(tracing.InstrumentationName)
	}
	e.logger = log.WithComponent(e.logger, "engine")
	return e
}

// Registry returns the registry the engine resolves against.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Breakers returns the engine's breaker set.
func (e *Engine) Breakers() *breaker.Set { return e.breakers }

// Route classifies a request without executing it.
func (e *Engine) Route(ctx context.Context, req Request) (*router.Result, error) {
	return e.router.Route(ctx, req.routeInput())
}

// Execute runs req. On failure the error is one of the pkg/errors types,
// or ctx.Err() when the caller gave up.
func (e *Engine) Execute(ctx context.Context, req Request) (res *Result, err error) {
	start := time.Now()

	requestID := log.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
		ctx = log.ContextWithRequestID(ctx, requestID)
	}

	ctx, span := e.tracer.Start(ctx, "switchboard.execute", trace.WithAttributes(
		attribute.String("switchboard.request_id", requestID),
		attribute.String("switchboard.identity", req.Identity),
	))
	defer span.End()

	var connectorID, operation string
	defer func() {
		outcome := outcomeOf(res, err)
		e.metrics.ObserveRequest(connectorID, operation, outcome, time.Since(start))
		span.SetAttributes(
			attribute.String("switchboard.connector", connectorID),
			attribute.String("switchboard.operation", operation),
			attribute.String("switchboard.outcome", outcome),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, sberrors.TypeOf(err))
		}
	}()

	snap := e.reg.Snapshot()

	// 1. Route.
	route, err := e.router.RouteSnapshot(ctx, snap, req.routeInput())
	if err != nil {
		return nil, err
	}
	e.metrics.RoutingDecision(route.ConnectorID, routeKind(req, route))

	// 2. Resolve.
	d, op, err := snap.Operation(route.ConnectorID, route.Operation)
	if err != nil {
		return nil, err
	}
	connectorID, operation = d.ID, op.Name
	logger := log.WithCall(e.logger, requestID, d.ID, op.Name)

	// 3. Validate and build.
	params := mergeParams(route.Parameters, req.Parameters)
	params = connector.WithDefaults(op, params)
	if err := connector.ValidateParams(op, params); err != nil {
		return nil, err
	}
	built, err := transport.Build(d, op, params)
	if err != nil {
		return nil, err
	}
	if d.ID == connector.GenericHTTPID {
		if err := e.guard.Check(ctx, built.URL); err != nil {
			return nil, err
		}
	}

	// 4. Credentials.
	var cred *credentials.Credential
	if d.Auth.Kind() != connector.AuthNone {
		if req.Identity == "" {
			return nil, &sberrors.ValidationError{
				Field:   "identity",
				Message: fmt.Sprintf("connector %s requires an identity", d.ID),
			}
		}
		if e.creds == nil {
			return nil, &sberrors.AuthenticationError{ConnectorID: d.ID, UserID: req.Identity, Reason: "no credential store configured"}
		}
		cred, err = e.creds.Get(ctx, req.Identity, d.ID)
		if err != nil {
			return nil, err
		}
	}

	// 5. Breaker.
	ticket, err := e.breakers.Allow(d.ID, d.Policy.CircuitBreaker)
	if err != nil {
		return nil, err
	}
	outcome := breaker.Ignore
	defer func() { ticket.Done(outcome) }()

	// 6. Rate limit.
	if rl := d.Policy.RateLimit; rl != nil {
		decision, err := e.limiter.CheckAndRecord(ctx, d.ID, req.Identity, *rl)
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			e.metrics.RateLimitDenied(d.ID)
			return nil, &sberrors.RateLimitError{ConnectorID: d.ID, Identity: req.Identity, RetryAfter: decision.RetryAfter}
		}
	}

	meta := Metadata{
		RequestID:  requestID,
		Connector:  d.ID,
		Operation:  op.Name,
		ToolID:     toolID(req, op),
		Confidence: route.Confidence,
		Fallback:   route.Fallback,
	}

	// 7. Cache.
	target := connector.Target{Descriptor: d, Op: op}
	ttl, cacheable := target.CacheTTL()
	var cacheKey string
	if cacheable {
		cacheKey = target.CacheKey(cacheScope(d, req.Identity) + connector.CanonicalParams(params))
		if resp, ok := e.lookup(ctx, logger, cacheKey); ok {
			meta.Cached = true
			span.AddEvent("cache_hit")
			return e.result(resp, meta, start), nil
		}
	}

	// 8 and 9. Call with retries.
	call := &transport.Call{
		ConnectorID: d.ID,
		Operation:   op.Name,
		Request:     built,
		Auth:        d.Auth,
		Credential:  cred,
		Timeout:     d.Policy.Timeout.Std(),
		Retry:       target.RetryPolicy(),
		Observe: func(attempt int, elapsed time.Duration, err error) {
			result := attemptResult(err)
			e.metrics.ObserveAttempt(d.ID, result)
			e.instruments.RecordAttempt(ctx, d.ID, result, elapsed)
			span.AddEvent("attempt", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.String("result", result),
			))
			if err != nil {
				logger.Debug("upstream attempt failed",
					slog.Int(log.AttemptKey, attempt),
					slog.Int64(log.DurationKey, elapsed.Milliseconds()),
					log.Error(err))
			}
		},
	}
	resp, attempts, err := e.retrier.Do(ctx, call)

	// 10. One breaker outcome for the whole request.
	outcome = breakerOutcome(ctx, err)
	if err != nil {
		logger.Warn("upstream call failed", slog.Int(log.AttemptKey, attempts), log.Error(err))
		return nil, err
	}
	meta.Attempts = attempts

	// 11. Transform, cache, respond.
	if err := transport.Transform(ctx, e.jq, call, op.Transform, resp); err != nil {
		return nil, err
	}
	if cacheable {
		e.store(ctx, logger, cacheKey, resp, ttl)
	}
	for _, prefix := range target.Evicts() {
		if n, err := e.cache.Invalidate(ctx, prefix); err != nil {
			logger.Warn("cache invalidation failed", slog.String("prefix", prefix), log.Error(err))
		} else if n > 0 {
			logger.Debug("cache invalidated", slog.String("prefix", prefix), slog.Int("entries", n))
		}
	}

	logger.Info("connector call completed",
		slog.Int(log.StatusKey, resp.Status),
		slog.Int(log.AttemptKey, attempts),
		slog.Int64(log.DurationKey, time.Since(start).Milliseconds()))
	return e.result(resp, meta, start), nil
}

func (e *Engine) result(resp *transport.Response, meta Metadata, start time.Time) *Result {
	meta.ExecutionTime = time.Since(start)
	meta.Timestamp = e.now().UTC()
	return &Result{
		Status:   resp.Status,
		Headers:  resp.Headers,
		Body:     resp.Body,
		Metadata: meta,
	}
}

// lookup treats cache errors as misses.
func (e *Engine) lookup(ctx context.Context, logger *slog.Logger, key string) (*transport.Response, bool) {
	entry, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		logger.Warn("cache read failed", log.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var resp transport.Response
	if err := json.Unmarshal(entry.Value, &resp); err != nil {
		logger.Warn("discarding undecodable cache entry", log.Error(err))
		return nil, false
	}
	return &resp, true
}

func (e *Engine) store(ctx context.Context, logger *slog.Logger, key string, resp *transport.Response, ttl time.Duration) {
	data, err := json.Marshal(resp)
	if err != nil {
		logger.Warn("response not cacheable", log.Error(err))
		return
	}
	if err := e.cache.Put(ctx, key, data, ttl); err != nil {
		logger.Warn("cache write failed", log.Error(err))
	}
}

// cacheScope keeps one identity's cached responses from being served to
// another.
func cacheScope(d *connector.Descriptor, identity string) string {
	if d.Auth.Kind() == connector.AuthNone {
		return ""
	}
	return identity + "\x00"
}

// mergeParams layers caller parameters over routed ones.
func mergeParams(routed, given map[string]any) map[string]any {
	out := make(map[string]any, len(routed)+len(given))
	for k, v := range routed {
		out[k] = v
	}
	for k, v := range given {
		out[k] = v
	}
	return out
}

func toolID(req Request, op *connector.OperationSpec) string {
	if req.ToolID != "" {
		return req.ToolID
	}
	return op.Tool
}

func routeKind(req Request, r *router.Result) string {
	switch {
	case r.Fallback:
		return "fallback"
	case req.Query != "":
		return "classified"
	case req.ToolID != "":
		return "tool"
	default:
		return "structured"
	}
}

// breakerOutcome maps the result of the upstream call to a breaker outcome.
// Cancellation and local failures say nothing about the upstream's health.
// A non-retryable 4xx shows the upstream is answering.
func breakerOutcome(ctx context.Context, err error) breaker.Outcome {
	if err == nil {
		return breaker.Success
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return breaker.Ignore
	}
	var te *sberrors.TimeoutError
	if errors.As(err, &te) {
		return breaker.Failure
	}
	var ue *sberrors.UpstreamError
	if errors.As(err, &ue) {
		if ue.StatusCode == 0 || ue.StatusCode >= 500 || ue.Retryable {
			return breaker.Failure
		}
		return breaker.Success
	}
	return breaker.Ignore
}

func attemptResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return sberrors.TypeOf(err)
}

func outcomeOf(res *Result, err error) string {
	if err == nil {
		if res != nil && res.Metadata.Cached {
			return metrics.OutcomeCached
		}
		return metrics.OutcomeSuccess
	}
	switch sberrors.TypeOf(err) {
	case sberrors.TypeValidation:
		return metrics.OutcomeValidation
	case sberrors.TypeNotFound:
		return metrics.OutcomeNotFound
	case sberrors.TypeAuthentication:
		return metrics.OutcomeAuth
	case sberrors.TypeRateLimited:
		return metrics.OutcomeRateLimited
	case sberrors.TypeCircuitOpen:
		return metrics.OutcomeCircuitOpen
	case sberrors.TypeUpstream:
		return metrics.OutcomeUpstream
	case sberrors.TypeTimeout:
		return metrics.OutcomeTimeout
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeCancelled
	}
	return metrics.OutcomeInternal
}
