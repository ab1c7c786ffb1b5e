// Package server exposes a Relay over a local HTTP API so processes that
// cannot embed the library can still record events and request engagements.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/eventrelay/internal/runtime"
)

const requestTimeout = 2 * time.Minute

type Server struct {
	Router *chi.Mux
	Addr   string

	relay  *runtime.Relay
	logger *slog.Logger
	http   *http.Server
}

// New builds the agent router around relay.
func New(addr string, relay *runtime.Relay, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Router: chi.NewRouter(),
		Addr:   addr,
		relay:  relay,
		logger: logger,
	}

	r := s.Router
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(requestTimeout))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "eventrelay-agent")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(relay.Gatherer(), promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvents)
		r.Post("/engage/{decisionPoint}", s.handleEngage)
		r.Post("/flush", s.handleFlush)
		r.Get("/status", s.handleStatus)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting agent server", slog.String("addr", s.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
