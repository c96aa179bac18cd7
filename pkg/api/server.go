// Package api serves a small authenticated admin HTTP API over a context
// store: health, stats, tail, filtered reads and index rebuilds, plus
// Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	statsRefreshInterval   = 30 * time.Second
)

// NewRouter builds the admin routes. /metrics is served from gatherer
// without authentication; everything under /api/v1 requires the API key.
func NewRouter(server *Server, gatherer prometheus.Gatherer) http.Handler {
	metrics := server.metrics
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(server.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   server.config.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", apiKeyHeader},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Prometheus metrics endpoint (unprotected for scraping)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(metrics.InstrumentAuthMiddleware(apiKeyMiddleware(server.config.APIKey)))

		r.Get("/health", metrics.InstrumentHandler("GET", "/api/v1/health", server.handleHealth))
		r.Get("/categories", metrics.InstrumentHandler("GET", "/api/v1/categories", server.handleCategories))

		r.Get("/stats", metrics.InstrumentHandler("GET", "/api/v1/stats", server.handleStats))
		r.Get("/stats/{category}", metrics.InstrumentHandler("GET", "/api/v1/stats/{category}", server.handleCategoryStats))

		r.Get("/tail/{category}", metrics.InstrumentHandler("GET", "/api/v1/tail/{category}", server.handleTail))
		r.Get("/entries/{category}", metrics.InstrumentHandler("GET", "/api/v1/entries/{category}", server.handleEntries))

		r.Post("/rebuild", metrics.InstrumentHandler("POST", "/api/v1/rebuild", server.handleRebuild))
	})

	return r
}

// Serve listens on the configured address and serves handler until ctx is
// cancelled, then shuts down gracefully
func Serve(ctx context.Context, server *Server, handler http.Handler) error {
	config := server.config
	addr := net.JoinHostPort(config.Bind, strconv.Itoa(config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go server.startMetricsUpdater(ctx, statsRefreshInterval)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("starting admin API", "addr", addr, "metrics", fmt.Sprintf("http://%s/metrics", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := config.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
	defer stop()
	server.logger.Info("shutting down admin API")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// StartServer serves the admin API for s until ctx is cancelled, registering
// its metrics on reg. reg is also what /metrics exposes, so store metrics
// registered on it are scraped too.
func StartServer(ctx context.Context, s ContextStore, config ServerConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	if config.APIKey == "" {
		return errors.New("admin API key is required")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	server := NewServer(s, config, NewMetrics(reg), logger)
	return Serve(ctx, server, NewRouter(server, reg))
}
