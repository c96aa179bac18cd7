package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
	"github.com/ssargent/ctxstore/pkg/store"
)

const (
	defaultTail  = 20
	maxTail      = 1000
	defaultLimit = 100
	maxLimit     = 1000
)

// Server holds the admin API state
type Server struct {
	store   ContextStore
	config  ServerConfig
	metrics *Metrics
	logger  *slog.Logger
}

// NewServer creates a new admin API server
func NewServer(s ContextStore, config ServerConfig, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:   s,
		config:  config,
		metrics: metrics,
		logger:  logger.With("component", "api"),
	}
}

// handleHealth runs a full health check. An unhealthy store answers 503
// with the report attached.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.HealthCheck(r.Context())
	if err != nil {
		sendError(w, fmt.Sprintf("Health check failed: %v", err), statusFor(err))
		return
	}
	s.metrics.RecordHealthCheck(report.Status)

	if report.Status == store.StatusUnhealthy {
		sendResponse(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    report,
			Error:   "store is unhealthy",
		})
		return
	}
	sendSuccess(w, report)
}

// handleCategories lists the categories that have a log file
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.store.Categories()
	if err != nil {
		sendError(w, fmt.Sprintf("Failed to list categories: %v", err), statusFor(err))
		return
	}
	sendSuccess(w, map[string]interface{}{"categories": categories})
}

// handleStats summarises every category
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.summaries()
	if err != nil {
		sendError(w, fmt.Sprintf("Failed to get stats: %v", err), statusFor(err))
		return
	}
	s.metrics.UpdateCategoryStats(summaries)
	sendSuccess(w, map[string]interface{}{"categories": summaries})
}

// handleCategoryStats summarises one category
func (s *Server) handleCategoryStats(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	summary, err := s.store.Stats(category)
	if err != nil {
		sendError(w, fmt.Sprintf("Failed to get stats: %v", err), statusFor(err))
		return
	}
	s.metrics.UpdateCategoryStats([]*store.Summary{summary})
	sendSuccess(w, summary)
}

// handleTail returns the last n entries of a category, oldest first
func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	n, err := intParam(r, "n", defaultTail, maxTail)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	entries, err := s.store.ReadTail(r.Context(), category, n)
	if err != nil {
		sendError(w, fmt.Sprintf("Failed to read tail: %v", err), statusFor(err))
		return
	}
	sendSuccess(w, NewEntriesResponse(category, entries, 0))
}

// handleEntries returns entries of a category matching the filter in the
// query string, up to limit
func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	limit, err := intParam(r, "limit", defaultLimit, maxLimit)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	filter, err := filterFromQuery(r)
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	pred, err := filter.Predicate()
	if err != nil {
		sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	it, err := s.store.ReadFiltered(r.Context(), category, pred)
	if err != nil {
		sendError(w, fmt.Sprintf("Failed to read entries: %v", err), statusFor(err))
		return
	}
	defer it.Close()

	var entries []record.Entry
	for len(entries) < limit && it.Next() {
		entries = append(entries, it.Entry())
	}
	if err := it.Err(); err != nil {
		sendError(w, fmt.Sprintf("Failed to read entries: %v", err), statusFor(err))
		return
	}
	sendSuccess(w, NewEntriesResponse(category, entries, it.Offset()))
}

// handleRebuild rebuilds the index of one category, or of all when the
// category parameter is absent
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	category := r.URL.Query().Get("category")

	var (
		rebuilt []string
		err     error
	)
	if category != "" {
		err = s.store.RebuildCategoryIndex(r.Context(), category)
		rebuilt = []string{category}
	} else {
		if rebuilt, err = s.store.Categories(); err == nil {
			err = s.store.RebuildIndex(r.Context())
		}
	}
	s.metrics.RecordRebuild(err == nil)
	if err != nil {
		s.logger.Error("index rebuild failed", "category", category, "error", err)
		sendError(w, fmt.Sprintf("Failed to rebuild index: %v", err), statusFor(err))
		return
	}

	s.logger.Info("index rebuilt", "categories", rebuilt, "duration", time.Since(start))
	sendSuccess(w, RebuildResponse{Rebuilt: rebuilt, Duration: time.Since(start).String()})
}

func (s *Server) summaries() ([]*store.Summary, error) {
	categories, err := s.store.Categories()
	if err != nil {
		return nil, err
	}
	out := make([]*store.Summary, 0, len(categories))
	for _, c := range categories {
		summary, err := s.store.Stats(c)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// startMetricsUpdater periodically refreshes the per-category gauges until ctx ends
func (s *Server) startMetricsUpdater(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summaries, err := s.summaries()
			if err != nil {
				s.logger.Warn("stats refresh failed", "error", err)
				continue
			}
			s.metrics.UpdateCategoryStats(summaries)
		}
	}
}

// statusFor maps store errors onto HTTP status codes
func statusFor(err error) int {
	var pathErr *security.PathError
	var writeErr *store.WriteError
	switch {
	case errors.Is(err, store.ErrInvalidCategory), errors.Is(err, store.ErrBadOffset), errors.As(err, &pathErr):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &writeErr) && writeErr.Kind == store.LockTimeout:
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func intParam(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > limit {
		return 0, fmt.Errorf("%s must be between 1 and %d", name, limit)
	}
	return n, nil
}

// filterFromQuery reads a query.Filter from the URL query string. Kinds may
// be repeated or comma separated; times are RFC 3339.
func filterFromQuery(r *http.Request) (*query.Filter, error) {
	q := r.URL.Query()
	f := &query.Filter{
		MinPriority:   strings.ToLower(q.Get("min_priority")),
		MinConfidence: strings.ToLower(q.Get("min_confidence")),
		Text:          q.Get("text"),
	}
	for _, v := range q["kind"] {
		for _, k := range strings.Split(v, ",") {
			f.Kinds = append(f.Kinds, strings.ToUpper(strings.TrimSpace(k)))
		}
	}

	var err error
	if f.Since, err = timeParam(q.Get("since")); err != nil {
		return nil, fmt.Errorf("invalid since: %w", err)
	}
	if f.Until, err = timeParam(q.Get("until")); err != nil {
		return nil, fmt.Errorf("invalid until: %w", err)
	}
	if f.FromSeq, err = seqParam(q.Get("from_seq")); err != nil {
		return nil, fmt.Errorf("invalid from_seq: %w", err)
	}
	if f.ToSeq, err = seqParam(q.Get("to_seq")); err != nil {
		return nil, fmt.Errorf("invalid to_seq: %w", err)
	}
	if v := q.Get("non_standard"); v != "" {
		if f.NonStandard, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid non_standard: %w", err)
		}
	}
	return f, nil
}

func timeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func seqParam(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}
