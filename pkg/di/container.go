// Package di provides dependency injection container
package di

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ssargent/ctxstore/pkg/api" //nolint:depguard
	"github.com/ssargent/ctxstore/pkg/config"
	"github.com/ssargent/ctxstore/pkg/store"
)

// StoreOpener opens the store described by cfg
type StoreOpener func(cfg *config.Config, opts ...store.Option) (*store.Store, error)

// Container holds all the dependencies for the application
type Container struct {
	config        *config.Config
	logger        *slog.Logger
	registry      *prometheus.Registry
	storeMetrics  *store.Metrics
	serverFactory api.ServerFactory
	storeOpener   StoreOpener
}

// NewContainer creates a new dependency injection container with default
// configuration, logging to stderr
func NewContainer() *Container {
	c := &Container{storeOpener: OpenStore}
	c.Configure(config.DefaultConfig(), os.Stderr)
	return c
}

// Configure rebuilds the logger and metrics registry from cfg. A server
// factory set with SetServerFactory is kept.
func (c *Container) Configure(cfg *config.Config, logOut io.Writer) {
	c.config = cfg
	c.logger = cfg.Logging.NewLogger(logOut).With("service", "ctxstore")

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.storeMetrics = store.NewMetrics(c.registry)

	if _, isDefault := c.serverFactory.(*api.DefaultServerFactory); isDefault || c.serverFactory == nil {
		c.serverFactory = api.NewServerFactory(c.registry, c.logger)
	}
}

// Config returns the active configuration
func (c *Container) Config() *config.Config {
	return c.config
}

// Logger returns the application logger
func (c *Container) Logger() *slog.Logger {
	return c.logger
}

// Registry returns the Prometheus registry shared by the store and the admin API
func (c *Container) Registry() *prometheus.Registry {
	return c.registry
}

// OpenStore opens the configured store with the container's logger and metrics
func (c *Container) OpenStore() (*store.Store, error) {
	return c.storeOpener(c.config, store.WithLogger(c.logger), store.WithMetrics(c.storeMetrics))
}

// GetServerFactory returns the server factory
func (c *Container) GetServerFactory() api.ServerFactory {
	return c.serverFactory
}

// SetServerFactory allows overriding the server factory (for testing)
func (c *Container) SetServerFactory(factory api.ServerFactory) {
	c.serverFactory = factory
}

// SetStoreOpener allows overriding how stores are opened (for testing)
func (c *Container) SetStoreOpener(opener StoreOpener) {
	c.storeOpener = opener
}

// OpenStore is the default StoreOpener
func OpenStore(cfg *config.Config, opts ...store.Option) (*store.Store, error) {
	configured, err := cfg.StoreOptions()
	if err != nil {
		return nil, fmt.Errorf("invalid store configuration: %w", err)
	}
	s, err := store.Open(cfg.DataDir, append(configured, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", cfg.DataDir, err)
	}
	return s, nil
}
