// Package server provides the exporter's HTTP surface: the /metrics scrape
// endpoint plus the request middleware around it.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/i2plabs/i2pcontrol-exporter/internal/config"
	"github.com/i2plabs/i2pcontrol-exporter/internal/metrics"
)

// Server is the exporter's HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
}

// New creates a Server that scrapes fetcher on every GET /metrics.
func New(cfg *config.Config, fetcher RouterFetcher, logger *zap.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: logger,
		mux:    mux,
	}

	mux.Handle("GET /metrics", &scrapeHandler{
		fetcher:    fetcher,
		renderer:   metrics.NewRenderer(logger.Named("render")),
		maxTimeout: cfg.MaxScrapeTimeout,
		logger:     logger.Named("scrape"),
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	// Middleware chain: outermost listed first.
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, []string{"/metrics"}),
	)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// A scrape may legitimately run for the whole configured budget, so
		// the write timeout has to outlive the largest one.
		WriteTimeout: cfg.MaxScrapeTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
