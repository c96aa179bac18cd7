// Package api provides interfaces for dependency injection
package api

import (
	"context"

	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/store"
)

// ContextStore is the part of *store.Store the admin API uses
type ContextStore interface {
	Categories() ([]string, error)
	Stats(category string) (*store.Summary, error)
	ReadTail(ctx context.Context, category string, n int) ([]record.Entry, error)
	ReadFiltered(ctx context.Context, category string, pred query.Predicate) (store.EntryIterator, error)
	HealthCheck(ctx context.Context) (*store.HealthReport, error)
	RebuildIndex(ctx context.Context) error
	RebuildCategoryIndex(ctx context.Context, category string) error
}

// ServerStarter defines the interface for starting the admin server
type ServerStarter interface {
	// Start serves the admin API until ctx is cancelled
	Start(ctx context.Context, s ContextStore, config ServerConfig) error
}

// ServerFactory creates server instances
type ServerFactory interface {
	// CreateServerStarter creates a server starter
	CreateServerStarter() ServerStarter
}

var _ ContextStore = (*store.Store)(nil)
