// Package api provides factory implementations for dependency injection
package api

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultServerFactory is the default implementation of ServerFactory
type DefaultServerFactory struct {
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewServerFactory creates a new server factory. Servers it creates register
// their metrics on registry and expose it on /metrics.
func NewServerFactory(registry *prometheus.Registry, logger *slog.Logger) ServerFactory {
	return &DefaultServerFactory{registry: registry, logger: logger}
}

// CreateServerStarter creates a server starter
func (f *DefaultServerFactory) CreateServerStarter() ServerStarter {
	return &DefaultServerStarter{registry: f.registry, logger: f.logger}
}

// DefaultServerStarter is the default implementation of ServerStarter
type DefaultServerStarter struct {
	registry *prometheus.Registry
	logger   *slog.Logger
}

// Start serves the admin API until ctx is cancelled
func (s *DefaultServerStarter) Start(ctx context.Context, cs ContextStore, config ServerConfig) error {
	return StartServer(ctx, cs, config, s.registry, s.logger)
}
