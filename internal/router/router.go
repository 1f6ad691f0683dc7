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

// Package router resolves a request to a connector operation.
//
// Structured requests and tool ids resolve directly with confidence 1.
// Free text is scored against every routable connector's utterances with a
// pluggable Scorer; the best connector wins if it clears its confidence
// threshold, otherwise the request falls back to the generic HTTP
// connector with the original text as its only parameter.
//
// For a fixed registry snapshot and a deterministic Scorer, routing the
// same text always gives the same result. Connectors are visited in id
// order and a later connector must beat the current best by more than
// Epsilon to replace it, so near-ties go to the smaller id.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tombee/switchboard/internal/connector"
	"github.com/tombee/switchboard/internal/log"
	"github.com/tombee/switchboard/internal/registry"
	sberrors "github.com/tombee/switchboard/pkg/errors"
)

const (
	// DefaultThreshold is the minimum confidence for a specific connector.
	DefaultThreshold = 0.7
	// DefaultEpsilon is the score difference treated as a tie.
	DefaultEpsilon = 0.01
)

// Scorer rates how well a query matches a set of utterances, in [0, 1].
type Scorer interface {
	Score(ctx context.Context, query string, utterances []string) (float64, error)
}

// Input is what to route. Set exactly one of Query, ToolID or the
// ConnectorID/Operation pair.
type Input struct {
	ConnectorID string
	Operation   string
	Query       string
	ToolID      string
}

// Result is a routing decision.
type Result struct {
	ConnectorID string         `json:"connector_id"`
	Operation   string         `json:"operation"`
	Confidence  float64        `json:"confidence"`
	Parameters  map[string]any `json:"extracted_parameters,omitempty"`

	// Fallback is set when no connector cleared its threshold.
	Fallback bool `json:"fallback,omitempty"`
}

// Router routes requests against a registry.
type Router struct {
	reg       *registry.Registry
	scorer    Scorer
	threshold float64
	epsilon   float64
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithThreshold overrides DefaultThreshold.
func WithThreshold(t float64) Option { return func(r *Router) { r.threshold = t } }

// WithEpsilon overrides DefaultEpsilon.
func WithEpsilon(e float64) Option { return func(r *Router) { r.epsilon = e } }

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option { return func(r *Router) { r.logger = l } }

// New creates a router. A nil scorer uses KeywordScorer.
func New(reg *registry.Registry, scorer Scorer, opts ...Option) *Router {
	if scorer == nil {
		scorer = KeywordScorer{}
	}
	r := &Router{reg: reg, scorer: scorer, threshold: DefaultThreshold, epsilon: DefaultEpsilon}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = log.WithComponent(r.logger, "router")
	return r
}

// Route resolves in against the current registry snapshot.
func (r *Router) Route(ctx context.Context, in Input) (*Result, error) {
	return r.RouteSnapshot(ctx, r.reg.Snapshot(), in)
}

// RouteSnapshot resolves in against snap.
func (r *Router) RouteSnapshot(ctx context.Context, snap *registry.Snapshot, in Input) (*Result, error) {
	structured := in.ConnectorID != "" || in.Operation != ""
	set := 0
	for _, b := range []bool{structured, in.Query != "", in.ToolID != ""} {
		if b {
			set++
		}
	}
	if set != 1 {
		return nil, &sberrors.ValidationError{
			Field:   "request",
			Message: "exactly one of connector+operation, query or tool id is required",
		}
	}

	switch {
	case structured:
		if in.ConnectorID == "" || in.Operation == "" {
			return nil, &sberrors.ValidationError{Field: "request", Message: "connector and operation must be given together"}
		}
		if _, _, err := snap.Operation(in.ConnectorID, in.Operation); err != nil {
			return nil, err
		}
		return &Result{ConnectorID: in.ConnectorID, Operation: in.Operation, Confidence: 1}, nil
	case in.ToolID != "":
		ref, err := snap.ResolveTool(in.ToolID)
		if err != nil {
			return nil, err
		}
		return &Result{ConnectorID: ref.ConnectorID, Operation: ref.Operation, Confidence: 1}, nil
	}

	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, &sberrors.ValidationError{Field: "query", Message: "query must not be blank"}
	}
	return r.classify(ctx, snap, query)
}

func (r *Router) classify(ctx context.Context, snap *registry.Snapshot, query string) (*Result, error) {
	var (
		best      *connector.Descriptor
		bestScore float64
	)
	for d := range snap.List(registry.Routable()) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, err := r.scorer.Score(ctx, query, d.RoutingHints.Utterances)
		if err != nil {
			return r.scoringFailed(ctx, query, d.ID, err)
		}
		if best == nil || score > bestScore+r.epsilon {
			best, bestScore = d, score
		}
	}

	if best == nil || bestScore < best.Threshold(r.threshold) {
		r.logger.Debug("routed to generic fallback", slog.Float64("best_score", bestScore))
		return fallback(query, bestScore), nil
	}

	op, err := r.pickOperation(ctx, best, query)
	if err != nil {
		return r.scoringFailed(ctx, query, best.ID, err)
	}

	params := map[string]any{}
	for _, p := range op.Parameters {
		if p.FromQuery {
			params[p.Name] = query
		}
	}

	r.logger.Debug("routed query",
		slog.String(log.ConnectorKey, best.ID),
		slog.String(log.OperationKey, op.Name),
		slog.Float64("confidence", bestScore))
	return &Result{
		ConnectorID: best.ID,
		Operation:   op.Name,
		Confidence:  bestScore,
		Parameters:  params,
	}, nil
}

func fallback(query string, confidence float64) *Result {
	return &Result{
		ConnectorID: connector.GenericHTTPID,
		Operation:   connector.GenericHTTPOperation,
		Confidence:  confidence,
		Parameters:  map[string]any{"query": query},
		Fallback:    true,
	}
}

// scoringFailed routes to the generic fallback when a scorer errors.
// Cancellation still surfaces to the caller.
func (r *Router) scoringFailed(ctx context.Context, query, connectorID string, err error) (*Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	r.logger.Warn("scorer failed, routing to generic fallback",
		slog.String(log.ConnectorKey, connectorID),
		log.Error(err))
	return fallback(query, 0), nil
}

// pickOperation scores the connector's operations the same way; the first
// operation with the highest positive score wins. Without a match it falls
// back to the default operation, then to the first one declared.
func (r *Router) pickOperation(ctx context.Context, d *connector.Descriptor, query string) (*connector.OperationSpec, error) {
	var (
		best      *connector.OperationSpec
		bestScore float64
	)
	for i := range d.Operations {
		op := &d.Operations[i]
		if len(op.Utterances) == 0 {
			continue
		}
		score, err := r.scorer.Score(ctx, query, op.Utterances)
		if err != nil {
			return nil, sberrors.Wrapf(err, "scoring %s.%s", d.ID, op.Name)
		}
		if score > bestScore+r.epsilon {
			best, bestScore = op, score
		}
	}
	if best != nil {
		return best, nil
	}
	if def := d.RoutingHints.DefaultOperation; def != "" {
		if op, ok := d.Operation(def); ok {
			return op, nil
		}
	}
	return &d.Operations[0], nil
}
