// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/netsim/gateway"
	"github.com/absmach/netsim/metrics"
	"github.com/absmach/netsim/protocol"
	"github.com/absmach/netsim/registry"
	"github.com/absmach/netsim/simconfig"
	"github.com/absmach/netsim/storage"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodySize      = 64 << 10
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSCertFile     string
	TLSKeyFile      string
}

// Deps are the components the API reads and updates.
type Deps struct {
	Registry *registry.Registry
	Configs  *simconfig.Store
	Metrics  *metrics.Aggregator
	Gateway  *gateway.Gateway
	Journal  storage.Store
}

// Server provides the HTTP JSON API for inspecting and configuring the
// simulator.
type Server struct {
	config     Config
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new API server.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: config,
		deps:   deps,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/config", s.getConfig)
	mux.HandleFunc("PUT /api/config", s.updateConfig)
	mux.HandleFunc("GET /api/metrics", s.getMetrics)
	mux.HandleFunc("GET /api/nodes", s.listNodes)
	mux.HandleFunc("GET /api/nodes/{id}", s.getNode)
	mux.HandleFunc("GET /api/messages", s.listMessages)
	mux.HandleFunc("GET /api/messages/{id}", s.getMessage)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	h2s := &http2.Server{}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      h2c.NewHandler(mux, h2s),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		var err error
		if s.config.TLSCertFile != "" && s.config.TLSKeyFile != "" {
			s.logger.Info("api_server_starting",
				slog.String("addr", s.config.Address),
				slog.Bool("tls", true))
			err = s.httpServer.ListenAndServeTLS(s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			s.logger.Info("api_server_starting",
				slog.String("addr", s.config.Address),
				slog.Bool("tls", false))
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("api_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.ConfigFrom(s.deps.Configs.Get()))
}

// updateConfig applies a partial update. Connected nodes are notified by
// the gateway's config listener.
func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req protocol.UpdateConfig
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cfg, err := s.deps.Configs.Update(req.Patch())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ConfigFrom(cfg))
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot().Payload())
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.Nodes())
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Gateway.Status(r.PathValue("id"))
	if !st.Online && st.Pending == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("node %q not found", st.Node))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = min(n, maxListLimit)
	}

	records, err := s.deps.Journal.List(limit)
	if err != nil {
		s.logger.Error("journal_list_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Journal.Get(r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rec)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		s.logger.Error("journal_get_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, protocol.Error{Error: err.Error()})
}
