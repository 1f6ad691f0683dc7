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

// Package tracing sets up OpenTelemetry for the engine: a tracer provider
// with the configured span exporter, W3C propagation, and a meter provider
// whose instruments are exported through the engine's Prometheus registry.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the engine's tracers and meters.
const InstrumentationName = "github.com/tombee/switchboard"

// Provider owns the tracer and meter providers.
type Provider struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider
}

// Setup builds a Provider from cfg and installs it as the global tracer
// provider and propagator. When reg is non-nil OTel instruments are
// exported through it. Extra options (e.g. a span recorder in tests) are
// appended to the tracer provider.
func Setup(ctx context.Context, cfg Config, reg prometheus.Registerer, opts ...sdktrace.TracerProviderOption) (*Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Empty schema URL avoids conflicts when merging with the default resource.
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("",
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	}
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if exp != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)))
	}
	tp := sdktrace.NewTracerProvider(append(tpOpts, opts...)...)

	p := &Provider{tp: tp}
	if reg != nil {
		promExp, err := otelprom.New(
			otelprom.WithRegisterer(reg),
			otelprom.WithoutTargetInfo(),
			otelprom.WithoutScopeInfo(),
		)
		if err != nil {
			_ = tp.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		p.mp = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(promExp))
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return p, nil
}

// Tracer returns the engine tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tp.Tracer(InstrumentationName)
}

// Meter returns the engine meter, a no-op one without a registry.
func (p *Provider) Meter() metric.Meter {
	if p.mp == nil {
		return noop.NewMeterProvider().Meter(InstrumentationName)
	}
	return p.mp.Meter(InstrumentationName)
}

// Shutdown flushes pending spans and stops both providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	err := p.tp.Shutdown(ctx)
	if p.mp != nil {
		err = errors.Join(err, p.mp.Shutdown(ctx))
	}
	return err
}

// Instruments are the OTel instruments recorded by the engine.
type Instruments struct {
	attemptDuration metric.Float64Histogram
}

// NewInstruments creates the engine instruments on m.
func NewInstruments(m metric.Meter) (*Instruments, error) {
	h, err := m.Float64Histogram("switchboard.upstream.attempt.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of single upstream HTTP attempts"),
	)
	if err != nil {
		return nil, err
	}
	return &Instruments{attemptDuration: h}, nil
}

// RecordAttempt records one upstream attempt. Safe on a nil receiver.
func (i *Instruments) RecordAttempt(ctx context.Context, connectorID, result string, d time.Duration) {
	if i == nil {
		return
	}
	i.attemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("connector", connectorID),
		attribute.String("result", result),
	))
}
