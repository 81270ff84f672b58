// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/absmach/netsim/config"
	"github.com/absmach/netsim/engine"
	"github.com/absmach/netsim/events"
	"github.com/absmach/netsim/topics"
	"github.com/sony/gobreaker"
)

var _ Notifier = (*GenericNotifier)(nil)

// ErrClosed is returned by Notify after Close.
var ErrClosed = errors.New("webhook notifier closed")

// GenericNotifier implements webhook notifications with a worker pool and a
// circuit breaker per endpoint.
type GenericNotifier struct {
	cfg            config.WebhookConfig
	instanceID     string
	endpoints      []endpointConfig
	eventQueue     chan eventJob
	breakers       map[string]*gobreaker.CircuitBreaker
	sender         Sender
	logger         *slog.Logger
	wg             sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
	includeContent bool
}

type endpointConfig struct {
	name         string
	url          string
	eventFilters map[string]bool
	topicFilters []string
	headers      map[string]string
	timeout      time.Duration
	retryConfig  config.RetryConfig
}

type eventJob struct {
	req      Request
	endpoint endpointConfig
	attempt  int
}

// NewNotifier creates a webhook notifier and starts its workers.
func NewNotifier(cfg config.WebhookConfig, instanceID string, sender Sender, logger *slog.Logger) (*GenericNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, fmt.Errorf("sender cannot be nil")
	}

	endpoints := make([]endpointConfig, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		eventFilters := make(map[string]bool, len(ep.Events))
		for _, eventType := range ep.Events {
			eventFilters[eventType] = true
		}
		for _, f := range ep.TopicFilters {
			if err := topics.ValidateFilter(f); err != nil {
				return nil, fmt.Errorf("endpoint %s: %w: %q", ep.Name, err, f)
			}
		}

		timeout := cfg.Defaults.Timeout
		if ep.Timeout > 0 {
			timeout = ep.Timeout
		}
		retryConfig := cfg.Defaults.Retry
		if ep.Retry != nil {
			retryConfig = *ep.Retry
		}

		endpoints = append(endpoints, endpointConfig{
			name:         ep.Name,
			url:          ep.URL,
			eventFilters: eventFilters,
			topicFilters: ep.TopicFilters,
			headers:      ep.Headers,
			timeout:      timeout,
			retryConfig:  retryConfig,
		})
	}

	threshold := uint32(cfg.Defaults.CircuitBreaker.FailureThreshold)
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(endpoints))
	for _, ep := range endpoints {
		breakers[ep.name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        ep.name,
			MaxRequests: 1,
			Timeout:     cfg.Defaults.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			// A rejected event still proves the endpoint is up.
			IsSuccessful: func(err error) bool {
				return err == nil || permanent(err)
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn("webhook_circuit_breaker_state_changed",
					slog.String("endpoint", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	queueSize := cfg.QueueSize
	if queueSize < 1 {
		queueSize = 1
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &GenericNotifier{
		cfg:            cfg,
		instanceID:     instanceID,
		endpoints:      endpoints,
		eventQueue:     make(chan eventJob, queueSize),
		breakers:       breakers,
		sender:         sender,
		logger:         logger,
		ctx:            ctx,
		cancel:         cancel,
		includeContent: cfg.IncludeContent,
	}

	for i := 0; i < workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("webhook_notifier_started",
		slog.Int("workers", workers),
		slog.Int("queue_size", queueSize),
		slog.Int("endpoints", len(endpoints)))

	return n, nil
}

// Notify queues ev for every matching endpoint. When the queue is full the
// configured drop policy decides which event is discarded.
func (n *GenericNotifier) Notify(ctx context.Context, ev events.Event) error {
	if n.ctx.Err() != nil {
		return ErrClosed
	}

	var (
		env  *events.Envelope
		body []byte
	)
	for _, endpoint := range n.endpoints {
		if !shouldNotify(endpoint, ev) {
			continue
		}
		if env == nil {
			env = ev.Wrap(n.instanceID)
			var err error
			if body, err = json.Marshal(env); err != nil {
				return fmt.Errorf("failed to marshal %s event: %w", ev.Type(), err)
			}
		}
		n.enqueue(eventJob{
			req: Request{
				URL:       endpoint.url,
				Headers:   endpoint.headers,
				EventType: env.EventType,
				EventID:   env.EventID,
				Body:      body,
			},
			endpoint: endpoint,
		})
	}
	return nil
}

// OnResult forwards terminal delivery results. It makes the notifier an
// engine observer.
func (n *GenericNotifier) OnResult(r engine.Result) {
	_ = n.Notify(context.Background(), events.FromResult(r, n.includeContent))
}

func (n *GenericNotifier) enqueue(job eventJob) {
	select {
	case n.eventQueue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == "oldest" {
		select {
		case <-n.eventQueue:
		default:
		}
		select {
		case n.eventQueue <- job:
			return
		default:
		}
	}

	n.logger.Error("webhook_queue_full",
		slog.String("event_type", job.req.EventType),
		slog.String("endpoint", job.endpoint.name))
}

func shouldNotify(endpoint endpointConfig, ev events.Event) bool {
	if len(endpoint.eventFilters) > 0 && !endpoint.eventFilters[ev.Type()] {
		return false
	}

	// Topic filters only constrain events that carry a destination.
	if ev.Topic() == "" || len(endpoint.topicFilters) == 0 {
		return true
	}
	for _, filter := range endpoint.topicFilters {
		if topics.Match(filter, ev.Topic()) {
			return true
		}
	}
	return false
}

func (n *GenericNotifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case job := <-n.eventQueue:
			n.processJob(job)
		}
	}
}

// processJob posts one event and, unless the endpoint rejected it outright,
// schedules a retry with exponential backoff on failure.
func (n *GenericNotifier) processJob(job eventJob) {
	breaker := n.breakers[job.endpoint.name]

	_, err := breaker.Execute(func() (interface{}, error) {
		return nil, n.send(job)
	})
	if err == nil {
		return
	}

	if permanent(err) {
		n.logger.Warn("webhook_event_rejected",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.req.EventType),
			slog.String("event_id", job.req.EventID),
			slog.String("error", err.Error()))
		return
	}

	if job.attempt >= job.endpoint.retryConfig.MaxAttempts-1 {
		n.logger.Error("webhook_delivery_failed",
			slog.String("endpoint", job.endpoint.name),
			slog.String("event_type", job.req.EventType),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := retryDelay(job.attempt, job.endpoint.retryConfig)

	n.logger.Debug("webhook_delivery_retry",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.req.EventType),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.ctx.Err() != nil {
			return
		}
		select {
		case n.eventQueue <- job:
		default:
			n.logger.Error("webhook_requeue_failed",
				slog.String("endpoint", job.endpoint.name),
				slog.String("event_type", job.req.EventType))
		}
	})
}

func (n *GenericNotifier) send(job eventJob) error {
	ctx, cancel := context.WithTimeout(n.ctx, job.endpoint.timeout)
	defer cancel()

	if err := n.sender.Send(ctx, job.req); err != nil {
		return err
	}

	n.logger.Debug("webhook_delivered",
		slog.String("endpoint", job.endpoint.name),
		slog.String("event_type", job.req.EventType))
	return nil
}

func retryDelay(attempt int, cfg config.RetryConfig) time.Duration {
	delay := float64(cfg.InitialInterval) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxInterval > 0 && delay > float64(cfg.MaxInterval) {
		delay = float64(cfg.MaxInterval)
	}
	return time.Duration(delay)
}

// Close stops the workers, waiting at most the configured shutdown timeout.
func (n *GenericNotifier) Close() error {
	if n.ctx.Err() != nil {
		return nil
	}
	n.cancel()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	timeout := n.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	select {
	case <-done:
		n.logger.Info("webhook_notifier_stopped")
	case <-time.After(timeout):
		n.logger.Warn("webhook_notifier_shutdown_timeout",
			slog.Int("queue_depth", len(n.eventQueue)))
	}
	return nil
}
