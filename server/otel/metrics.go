// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments mirroring the delivery statistics.
// It implements metrics.Exporter.
type Metrics struct {
	meter metric.Meter

	sent      metric.Int64Counter
	delivered metric.Int64Counter
	lost      metric.Int64Counter
	failed    metric.Int64Counter

	latency metric.Float64Histogram
}

// NewMetrics creates the instruments from mp, or from the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter("netsim"),
	}

	var err error

	m.sent, err = m.meter.Int64Counter(
		"netsim.messages.sent",
		metric.WithDescription("Messages accepted for delivery"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sent counter: %w", err)
	}

	m.delivered, err = m.meter.Int64Counter(
		"netsim.deliveries",
		metric.WithDescription("Destinations that acknowledged a message"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create delivered counter: %w", err)
	}

	m.lost, err = m.meter.Int64Counter(
		"netsim.attempts.lost",
		metric.WithDescription("Delivery attempts lost in transit or unacknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create lost counter: %w", err)
	}

	m.failed, err = m.meter.Int64Counter(
		"netsim.deliveries.failed",
		metric.WithDescription("Destinations that exhausted their retries or could not be routed"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create failed counter: %w", err)
	}

	m.latency, err = m.meter.Float64Histogram(
		"netsim.delivery.latency",
		metric.WithDescription("Simulated transit latency of acknowledged attempts"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	return m, nil
}

func (m *Metrics) RecordSent(method string) {
	m.sent.Add(context.Background(), 1, methodAttr(method))
}

func (m *Metrics) RecordDelivered(method string, latency time.Duration) {
	ctx := context.Background()
	m.delivered.Add(ctx, 1, methodAttr(method))
	m.latency.Record(ctx, float64(latency)/float64(time.Millisecond), methodAttr(method))
}

func (m *Metrics) RecordLost(method string) {
	m.lost.Add(context.Background(), 1, methodAttr(method))
}

func (m *Metrics) RecordFailed(method string) {
	m.failed.Add(context.Background(), 1, methodAttr(method))
}

func methodAttr(method string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("method", method))
}
