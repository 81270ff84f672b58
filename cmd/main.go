// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/absmach/netsim/config"
	"github.com/absmach/netsim/engine"
	"github.com/absmach/netsim/gateway"
	"github.com/absmach/netsim/metrics"
	"github.com/absmach/netsim/outcome"
	"github.com/absmach/netsim/ratelimit"
	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/server/api"
	"github.com/absmach/netsim/server/health"
	"github.com/absmach/netsim/server/otel"
	"github.com/absmach/netsim/server/tcp"
	"github.com/absmach/netsim/server/websocket"
	"github.com/absmach/netsim/simconfig"
	"github.com/absmach/netsim/storage"
	"github.com/absmach/netsim/storage/badger"
	"github.com/absmach/netsim/storage/memory"
	"github.com/absmach/netsim/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	network := cfg.Simulation.Network()
	slog.Info("Starting network simulator", "version", "0.1.0", "node_id", cfg.Engine.NodeID)
	slog.Info("Configuration loaded",
		"ws_listener", cfg.Server.WSAddr+cfg.Server.WSPath,
		"api_enabled", cfg.Server.APIEnabled,
		"tcp_enabled", cfg.Server.TCPEnabled,
		"health_enabled", cfg.Server.HealthEnabled,
		"loss_rate", network.LossRate,
		"latency_min", network.LatencyMin,
		"latency_max", network.LatencyMax,
		"max_retries", network.MaxRetries,
		"ack_timeout", network.AckTimeout,
		"log_level", cfg.Log.Level)

	var journal storage.Store
	switch cfg.Storage.Type {
	case "memory":
		mem, err := memory.New(cfg.Storage.HistorySize)
		if err != nil {
			slog.Error("Failed to initialize in-memory journal", "error", err)
			os.Exit(1)
		}
		journal = mem
		slog.Info("Using in-memory journal", "size", cfg.Storage.HistorySize)
	case "badger":
		compression, err := badger.ParseCompression(cfg.Storage.Compression)
		if err != nil {
			slog.Error("Invalid journal compression", "error", err)
			os.Exit(1)
		}
		badgerStore, err := badger.New(badger.Config{
			Dir:         cfg.Storage.BadgerDir,
			Compression: compression,
			Retention:   cfg.Storage.Retention,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB journal", "error", err)
			os.Exit(1)
		}
		journal = badgerStore
		slog.Info("Using BadgerDB journal",
			"dir", cfg.Storage.BadgerDir,
			"compression", compression.String(),
			"retention", cfg.Storage.Retention)
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer journal.Close()

	configs, err := simconfig.NewStore(network)
	if err != nil {
		slog.Error("Invalid simulation configuration", "error", err)
		os.Exit(1)
	}

	methods := make([]string, 0, len(engine.Methods))
	for _, m := range engine.Methods {
		methods = append(methods, string(m))
	}
	stats := metrics.NewAggregator(methods...)

	var promRegistry *prometheus.Registry
	if cfg.Server.PrometheusEnabled {
		promRegistry = prometheus.NewRegistry()
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		stats.AddExporter(metrics.NewPrometheusExporter(promRegistry))
		slog.Info("Prometheus metrics enabled", "path", cfg.Server.HealthAddr+"/metrics")
	}

	var telemetry *otel.Provider
	if cfg.Server.MetricsEnabled {
		telemetry, err = otel.Setup(context.Background(), otel.OptionsFrom(cfg.Server, cfg.Engine.NodeID))
		if err != nil {
			slog.Error("Failed to initialize OpenTelemetry", "error", err)
			os.Exit(1)
		}
		slog.Info("OpenTelemetry initialized", "endpoint", cfg.Server.MetricsAddr)

		if cfg.Server.OtelMetricsEnabled {
			m, err := otel.NewMetrics(telemetry.MeterProvider())
			if err != nil {
				slog.Error("Failed to create metrics", "error", err)
				os.Exit(1)
			}
			stats.AddExporter(m)
			slog.Info("OTel metrics enabled")
		}
		if cfg.Server.OtelTracesEnabled {
			slog.Info("Delivery tracing enabled", "sample_rate", cfg.Server.OtelTraceSampleRate)
		}
	} else {
		slog.Info("OpenTelemetry disabled")
	}

	seed := cfg.Engine.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	reg := registry.New(logger)
	eng := engine.New(reg, configs, outcome.NewRandom(seed), stats, logger)
	if telemetry != nil {
		eng.SetTracer(telemetry.Tracer())
	}
	eng.AddObserver(storage.NewJournal(journal, logger))

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	gw := gateway.New(reg, eng, configs, logger)
	gw.SetRateLimiter(limiter)
	gw.SetDefaultTopics(cfg.Engine.DefaultTopics)

	var webhooks *webhook.GenericNotifier
	if cfg.Webhook.Enabled {
		wh, err := webhook.NewNotifier(cfg.Webhook, cfg.Engine.NodeID, webhook.NewHTTPSender(nil), logger)
		if err != nil {
			slog.Error("Failed to initialize webhooks", "error", err)
			os.Exit(1)
		}
		webhooks = wh
		gw.SetNotifier(wh)
		eng.AddObserver(wh)
		slog.Info("Webhooks enabled",
			"type", "http",
			"endpoints", len(cfg.Webhook.Endpoints),
			"workers", cfg.Webhook.Workers,
			"queue_size", cfg.Webhook.QueueSize)
	} else {
		slog.Info("Webhooks disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	serverErr := make(chan error, 5)

	broadcaster := metrics.NewBroadcaster(stats, gw, cfg.Engine.MetricsInterval, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		broadcaster.Run(ctx)
	}()

	wsServer := websocket.New(websocket.Config{
		Address:         cfg.Server.WSAddr,
		Path:            cfg.Server.WSPath,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		PingInterval:    cfg.Server.PingInterval,
		SendBuffer:      cfg.Server.SendBuffer,
	}, gw, limiter, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	if cfg.Server.TCPEnabled {
		tcpCfg := tcp.Config{
			Address:         cfg.Server.TCPAddr,
			Logger:          logger,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			MaxConnections:  cfg.Server.MaxConnections,
		}
		if cfg.Server.TLSCertFile != "" {
			tlsCfg, err := tcp.LoadTLSConfig(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
			if err != nil {
				slog.Error("Failed to load TLS configuration", "error", err)
				os.Exit(1)
			}
			tcpCfg.TLSConfig = tlsCfg
		}
		tcpServer := tcp.New(tcpCfg, gw, limiter)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tcpServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.HealthEnabled {
		healthCfg := health.Config{
			Address:         cfg.Server.HealthAddr,
			InstanceID:      cfg.Engine.NodeID,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}
		var gatherer prometheus.Gatherer
		if promRegistry != nil {
			gatherer = promRegistry
		}
		healthServer := health.New(healthCfg, eng, reg, gatherer, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	if cfg.Server.APIEnabled {
		apiServer := api.New(api.Config{
			Address:         cfg.Server.APIAddr,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
			TLSCertFile:     cfg.Server.TLSCertFile,
			TLSKeyFile:      cfg.Server.TLSKeyFile,
		}, api.Deps{
			Registry: reg,
			Configs:  configs,
			Metrics:  stats,
			Gateway:  gw,
			Journal:  journal,
		}, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Listen(ctx); err != nil {
				serverErr <- err
			}
		}()
	}

	slog.Info("Network simulator started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	// Listeners stop first so no new messages arrive while the engine drains.
	cancel()
	wg.Wait()

	if err := eng.Close(); err != nil {
		slog.Error("Error during shutdown", "error", err)
	}

	if webhooks != nil {
		if err := webhooks.Close(); err != nil {
			slog.Error("Failed to close webhooks", "error", err)
		}
	}

	if telemetry != nil {
		otelShutdownCtx, otelCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer otelCancel()
		if err := telemetry.Shutdown(otelShutdownCtx); err != nil {
			slog.Error("Failed to shutdown OpenTelemetry", "error", err)
		} else {
			slog.Info("OpenTelemetry shutdown complete")
		}
	}

	slog.Info("Network simulator stopped")
}
