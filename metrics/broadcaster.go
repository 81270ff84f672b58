// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/netsim/protocol"
)

// DefaultInterval is the metrics_update push period.
const DefaultInterval = 500 * time.Millisecond

// Sink fans an event out to every connected client.
type Sink interface {
	Broadcast(event string, data any)
}

// Broadcaster periodically pushes aggregator snapshots to a sink.
type Broadcaster struct {
	agg      *Aggregator
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

func NewBroadcaster(agg *Aggregator, sink Sink, interval time.Duration, logger *slog.Logger) *Broadcaster {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		agg:      agg,
		sink:     sink,
		interval: interval,
		logger:   logger,
	}
}

// Run pushes a metrics_update every interval until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Debug("metrics_broadcaster_started", slog.Duration("interval", b.interval))
	for {
		select {
		case <-ticker.C:
			b.sink.Broadcast(protocol.EventMetricsUpdate, b.agg.Snapshot().Payload())
		case <-ctx.Done():
			b.logger.Debug("metrics_broadcaster_stopped")
			return
		}
	}
}
