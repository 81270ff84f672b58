// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel exports delivery spans and statistics over OTLP gRPC.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/netsim/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	apimetric "go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	apitrace "go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "netsim"

// Options selects what is exported and where.
type Options struct {
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	InstanceID     string
	Traces         bool
	Metrics        bool
	SampleRate     float64
	ExportInterval time.Duration
}

// OptionsFrom maps the server section of the process configuration.
func OptionsFrom(cfg config.ServerConfig, instanceID string) Options {
	return Options{
		Endpoint:       cfg.MetricsAddr,
		ServiceName:    cfg.OtelServiceName,
		ServiceVersion: cfg.OtelServiceVersion,
		InstanceID:     instanceID,
		Traces:         cfg.OtelTracesEnabled,
		Metrics:        cfg.OtelMetricsEnabled,
		SampleRate:     cfg.OtelTraceSampleRate,
	}
}

// Provider owns the tracer and meter providers. Disabled signals are served
// by no-op providers so callers never need to check.
type Provider struct {
	tracers  apitrace.TracerProvider
	meters   apimetric.MeterProvider
	shutdown []func(context.Context) error
}

// Setup builds the providers selected by opts and registers them globally.
func Setup(ctx context.Context, opts Options) (*Provider, error) {
	if opts.ExportInterval <= 0 {
		opts.ExportInterval = 10 * time.Second
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(opts.ServiceName),
			semconv.ServiceVersionKey.String(opts.ServiceVersion),
			semconv.ServiceInstanceIDKey.String(opts.InstanceID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Provider{
		tracers: tracenoop.NewTracerProvider(),
		meters:  metricnoop.NewMeterProvider(),
	}

	if opts.Traces {
		tp, err := newTracerProvider(ctx, opts, res)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		p.tracers = tp
		p.shutdown = append(p.shutdown, tp.Shutdown)
	}

	if opts.Metrics {
		mp, err := newMeterProvider(ctx, opts, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		p.meters = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	otel.SetTracerProvider(p.tracers)
	otel.SetMeterProvider(p.meters)
	return p, nil
}

// Tracer returns the tracer used for delivery spans.
func (p *Provider) Tracer() apitrace.Tracer {
	return p.tracers.Tracer(instrumentationName)
}

// MeterProvider returns the provider NewMetrics creates instruments from.
func (p *Provider) MeterProvider() apimetric.MeterProvider {
	return p.meters
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, opts Options, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	return trace.NewTracerProvider(
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(opts.SampleRate))),
		trace.WithBatcher(exporter,
			trace.WithMaxExportBatchSize(512),
			trace.WithBatchTimeout(5*time.Second),
		),
	), nil
}

func newMeterProvider(ctx context.Context, opts Options, res *resource.Resource) (*metric.MeterProvider, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(opts.Endpoint),
		otlpmetricgrpc.WithInsecure(),
		otlpmetricgrpc.WithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(opts.ExportInterval))),
	), nil
}
