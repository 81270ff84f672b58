// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusExporter exposes delivery statistics as Prometheus collectors.
type PrometheusExporter struct {
	sent      *prometheus.CounterVec
	delivered *prometheus.CounterVec
	lost      *prometheus.CounterVec
	failed    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

// NewPrometheusExporter registers the delivery collectors with reg.
func NewPrometheusExporter(reg prometheus.Registerer) *PrometheusExporter {
	f := promauto.With(reg)
	return &PrometheusExporter{
		sent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netsim_messages_sent_total",
				Help: "Total number of accepted send requests",
			},
			[]string{"method"},
		),
		delivered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netsim_deliveries_total",
				Help: "Total number of acknowledged deliveries, one per destination",
			},
			[]string{"method"},
		),
		lost: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netsim_attempts_lost_total",
				Help: "Total number of delivery attempts that were lost or timed out",
			},
			[]string{"method"},
		),
		failed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "netsim_deliveries_failed_total",
				Help: "Total number of deliveries that reached a failed terminal state",
			},
			[]string{"method"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "netsim_delivery_latency_seconds",
				Help:    "Simulated transit latency of delivered attempts in seconds",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"method"},
		),
	}
}

func (p *PrometheusExporter) RecordSent(method string) {
	p.sent.WithLabelValues(method).Inc()
}

func (p *PrometheusExporter) RecordDelivered(method string, latency time.Duration) {
	p.delivered.WithLabelValues(method).Inc()
	p.latency.WithLabelValues(method).Observe(latency.Seconds())
}

func (p *PrometheusExporter) RecordLost(method string) {
	p.lost.WithLabelValues(method).Inc()
}

func (p *PrometheusExporter) RecordFailed(method string) {
	p.failed.WithLabelValues(method).Inc()
}
