package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
	"github.com/ssargent/ctxstore/pkg/lock"
)

// Status grades a file or a whole store
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

func worse(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Health check codes, in addition to the parser's
const (
	CodeIndexMissing     codec.Code = "index_missing"
	CodeIndexCorrupt     codec.Code = "index_corrupt"
	CodeIndexStale       codec.Code = "index_stale"
	CodeIndexAhead       codec.Code = "index_ahead"
	CodeChecksumMismatch codec.Code = "checksum_mismatch"
	CodeStaleLock        codec.Code = "stale_lock"
	CodeLockHeld         codec.Code = "lock_held"
	CodeInFlightTail     codec.Code = "in_flight_tail"
)

// FileHealth is the health of one category file
type FileHealth struct {
	Category     string             `json:"category"`
	Path         string             `json:"path"`
	Status       Status             `json:"status"`
	Size         int64              `json:"size"`
	Records      int                `json:"records"`
	LastSeq      uint64             `json:"last_seq"`
	IndexPresent bool               `json:"index_present"`
	Mismatches   []index.Mismatch   `json:"mismatches,omitempty"`
	Lock         lock.Status        `json:"lock"`
	Issues       []codec.Diagnostic `json:"issues,omitempty"`
	// Integrity lists the issues that mean data or index can no longer be trusted
	Integrity []codec.Diagnostic `json:"integrity,omitempty"`
}

// HealthReport is the result of HealthCheck. Nothing is repaired.
type HealthReport struct {
	Status    Status                 `json:"status"`
	Issues    []codec.Diagnostic     `json:"issues,omitempty"`
	Files     map[string]*FileHealth `json:"files"`
	CheckedAt time.Time              `json:"checked_at"`
	GapPolicy string                 `json:"gap_policy"`
}

// Err returns an *IntegrityError when checksum or sequence problems were found
func (r *HealthReport) Err() error {
	var issues []codec.Diagnostic
	names := make([]string, 0, len(r.Files))
	for name := range r.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		issues = append(issues, r.Files[name].Integrity...)
	}
	if len(issues) == 0 {
		return nil
	}
	return &IntegrityError{Issues: issues}
}

// HealthCheck inspects every category file: index consistency, a full
// lenient parse, version marker, sequence order and gaps, partial tails and
// lock marker state.
func (s *Store) HealthCheck(ctx context.Context) (*HealthReport, error) {
	categories, err := s.Categories()
	if err != nil {
		return nil, err
	}

	results := make([]*FileHealth, len(categories))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.healthWorkers)
	for i, category := range categories {
		g.Go(func() error {
			fh, err := s.checkFile(gctx, category)
			if err != nil {
				return fmt.Errorf("%s: %w", category, err)
			}
			results[i] = fh
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &HealthReport{
		Status:    StatusHealthy,
		Files:     make(map[string]*FileHealth, len(results)),
		CheckedAt: time.Now().UTC(),
		GapPolicy: s.opts.gapPolicy.String(),
	}
	for _, fh := range results {
		report.Files[fh.Category] = fh
		report.Issues = append(report.Issues, fh.Issues...)
		report.Status = worse(report.Status, fh.Status)
	}

	s.metrics.recordHealth(report.Status)
	s.logger.Info("health check", "status", report.Status, "files", len(results), "issues", len(report.Issues))
	return report, nil
}

func (s *Store) checkFile(ctx context.Context, category string) (*FileHealth, error) {
	path, err := s.Path(category)
	if err != nil {
		return nil, err
	}
	fh := &FileHealth{Category: category, Path: path, Status: StatusHealthy}
	fh.Lock = s.locks.Inspect(path)
	rel := s.relPath(path)

	add := func(d codec.Diagnostic, integrity bool) {
		if d.File == "" {
			d.File = rel
		}
		fh.Issues = append(fh.Issues, d)
		if integrity {
			fh.Integrity = append(fh.Integrity, d)
		}
		switch d.Severity {
		case codec.SeverityError:
			fh.Status = worse(fh.Status, StatusUnhealthy)
		case codec.SeverityWarning:
			fh.Status = worse(fh.Status, StatusDegraded)
		}
	}
	issue := func(code codec.Code, sev codec.Severity, integrity bool, format string, args ...any) {
		add(codec.Diagnostic{Code: code, Severity: sev, Message: fmt.Sprintf(format, args...)}, integrity)
	}

	// the recorded index is read first so a concurrent append cannot make it look ahead of the file
	recorded, ierr := index.Load(index.PathFor(path))

	built, err := index.BuildFile(path, category, s.opts.hardLineBytes())
	if err != nil {
		return nil, err
	}
	actual := built.Index
	fh.Size = actual.Size()
	fh.Records = actual.Records
	fh.LastSeq = actual.LastSeq()

	inFlight := fh.Lock.Held && !fh.Lock.Stale
	switch {
	case fh.Lock.Stale:
		issue(CodeStaleLock, codec.SeverityWarning, false, "stale lock marker: %s", fh.Lock.Reason)
	case fh.Lock.Held:
		holder := "unknown holder"
		if fh.Lock.Owner != nil {
			holder = fh.Lock.Owner.String()
		}
		issue(CodeLockHeld, codec.SeverityInfo, false, "locked by %s", holder)
	}
	if built.TailBytes > 0 && inFlight {
		issue(CodeInFlightTail, codec.SeverityInfo, false, "%d bytes being written at offset %d", built.TailBytes, built.TailOffset)
	}

	switch {
	case errors.Is(ierr, fs.ErrNotExist):
		issue(CodeIndexMissing, codec.SeverityWarning, false, "no index file")
	case ierr != nil:
		issue(CodeIndexCorrupt, codec.SeverityWarning, false, "index unreadable: %v", ierr)
	default:
		fh.IndexPresent = true
		if err := s.compareIndex(path, recorded, actual, inFlight, fh, issue); err != nil {
			return nil, err
		}
	}

	if err := s.parseForHealth(ctx, category, fh, add); err != nil {
		return nil, err
	}
	return fh, nil
}

type issueFunc func(code codec.Code, sev codec.Severity, integrity bool, format string, args ...any)

// compareIndex checks a recorded index against the file. An index behind the
// file is only stale if it still describes a prefix of it.
func (s *Store) compareIndex(path string, recorded, actual *index.Index, inFlight bool, fh *FileHealth, issue issueFunc) error {
	switch {
	case recorded.Size() > actual.Size():
		fh.Mismatches = recorded.Compare(actual)
		issue(CodeIndexAhead, codec.SeverityError, true, "index records %d bytes, file has %d", recorded.Size(), actual.Size())

	case recorded.Size() < actual.Size():
		prefix, err := s.buildPrefix(path, recorded)
		if err != nil {
			return err
		}
		if prefix.CRC32 != recorded.CRC32 || prefix.LastSeq() != recorded.LastSeq() {
			fh.Mismatches = recorded.Compare(prefix)
			issue(CodeChecksumMismatch, codec.SeverityError, true, "first %d bytes no longer match the index", recorded.Size())
			return nil
		}
		sev := codec.SeverityWarning
		if inFlight {
			sev = codec.SeverityInfo
		}
		fh.Mismatches = recorded.Compare(actual)
		issue(CodeIndexStale, sev, false, "index covers %d of %d bytes", recorded.Size(), actual.Size())

	default:
		if m := recorded.Compare(actual); len(m) > 0 {
			fh.Mismatches = m
			issue(CodeChecksumMismatch, codec.SeverityError, true, "index disagrees with file on %s", m[0].Field)
		}
	}
	return nil
}

func (s *Store) buildPrefix(path string, recorded *index.Index) (*index.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	res, err := index.Build(io.LimitReader(f, recorded.Size()), recorded.Category, s.opts.hardLineBytes())
	if err != nil {
		return nil, err
	}
	return res.Index, nil
}

// parseForHealth runs a lenient parse that tolerates partial tails and
// grades the parser diagnostics for health purposes
func (s *Store) parseForHealth(ctx context.Context, category string, fh *FileHealth, add func(codec.Diagnostic, bool)) error {
	mode := codec.Lenient
	allowTail := true
	r, err := s.openReader(category, index.Checkpoint{}, readerConfig{mode: &mode, allowPartialTail: &allowTail})
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	for _, d := range r.Diagnostics() {
		integrity := false
		switch d.Code {
		case codec.CodeSequenceRegression:
			d.Severity = codec.SeverityError
			integrity = true
		case codec.CodeSequenceGap:
			d.Severity = codec.SeverityWarning
			if s.opts.gapPolicy == GapCorrupt {
				d.Severity = codec.SeverityError
				integrity = true
			}
		}
		add(d, integrity)
	}
	return nil
}

// RebuildIndex rescans every category file under its lock and atomically
// replaces its index
func (s *Store) RebuildIndex(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	categories, err := s.Categories()
	if err != nil {
		return err
	}
	for _, category := range categories {
		if err := s.RebuildCategoryIndex(ctx, category); err != nil {
			return fmt.Errorf("%s: %w", category, err)
		}
	}
	return nil
}

// RebuildCategoryIndex rebuilds the index of one category
func (s *Store) RebuildCategoryIndex(ctx context.Context, category string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	w, err := s.writer(category)
	if err != nil {
		return err
	}
	idx, err := w.RebuildIndex(ctx)
	if err != nil {
		return err
	}
	s.logger.Info("index rebuilt", "category", category, "records", idx.Records, "last_seq", idx.LastSeq(), "size", idx.Size())
	return nil
}
