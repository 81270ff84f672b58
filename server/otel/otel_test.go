// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/netsim/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsFrom(t *testing.T) {
	cfg := config.Default().Server
	cfg.MetricsAddr = "collector:4317"
	cfg.OtelTracesEnabled = true
	cfg.OtelTraceSampleRate = 0.25

	opts := OptionsFrom(cfg, "sim-1")
	assert.Equal(t, "collector:4317", opts.Endpoint)
	assert.Equal(t, "sim-1", opts.InstanceID)
	assert.True(t, opts.Traces)
	assert.InDelta(t, 0.25, opts.SampleRate, 1e-9)
}

func TestSetupDisabledUsesNoop(t *testing.T) {
	p, err := Setup(context.Background(), Options{ServiceName: "netsim"})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "netsim.deliver")
	assert.False(t, span.SpanContext().IsValid())
	span.End()

	m, err := NewMetrics(p.MeterProvider())
	require.NoError(t, err)
	m.RecordSent("Direct")
	m.RecordDelivered("Direct", time.Millisecond)

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupTracesRecordSpans(t *testing.T) {
	p, err := Setup(context.Background(), Options{
		Endpoint:    "127.0.0.1:1",
		ServiceName: "netsim",
		Traces:      true,
		SampleRate:  1,
	})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "netsim.deliver")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// The span is dropped without a collector; only the shutdown path matters here.
	_ = p.Shutdown(ctx)
	assert.NoError(t, p.Shutdown(context.Background()))
}
