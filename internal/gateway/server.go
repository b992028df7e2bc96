// Package gateway exposes the HTTP surface: the chat-completions endpoint in
// streaming and non-streaming form, the merged model list, health, and
// metrics. It owns request validation and the store call sequence of a turn;
// the engine owns everything after that.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/engine"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/internal/tools"
)

// Server wires the gateway surfaces over the engine.
type Server struct {
	cfg          *config.Config
	logger       *observability.Logger
	metrics      *observability.Metrics
	providers    *providers.Registry
	tools        *tools.Registry
	store        store.Store
	orchestrator *engine.Orchestrator

	httpServer *http.Server
}

// NewServer assembles the gateway from its collaborators.
func NewServer(
	cfg *config.Config,
	logger *observability.Logger,
	metrics *observability.Metrics,
	reg *providers.Registry,
	toolReg *tools.Registry,
	st store.Store,
	orch *engine.Orchestrator,
) *Server {
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		providers:    reg,
		tools:        toolReg,
		store:        st,
		orchestrator: orch,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeoutMs) * time.Millisecond,
	}
	return s
}

// Routes builds the handler chain.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	var h http.Handler = mux
	h = s.metricsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	if s.logger != nil {
		s.logger.Info(context.Background(), "gateway listening", "addr", s.httpServer.Addr)
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	timeout := time.Duration(s.cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
