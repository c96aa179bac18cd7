// Package store persists context records in append-only flat files, one per
// category, under a root directory. Any number of processes may read a file
// while one at a time appends to it.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
	"github.com/ssargent/ctxstore/pkg/lock"
	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
)

// Store is the entry point for reading and writing category logs
type Store struct {
	root     string
	opts     options
	logger   *slog.Logger
	metrics  *Metrics
	locks    *lock.Manager
	compiler *codec.Compiler

	// loads coalesces concurrent index loads per category
	loads singleflight.Group

	mu     sync.RWMutex
	closed bool
}

// Open opens the store rooted at root
func Open(root string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.createRoot && root != "" {
		if err := os.MkdirAll(root, 0o750); err != nil {
			return nil, err
		}
	}
	resolved, err := security.ResolveRoot(root)
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("component", "store", "root", resolved)
	lockOpts := append([]lock.Option{lock.WithLogger(o.logger)}, o.lockOptions...)
	s := &Store{
		root:    resolved,
		opts:    o,
		logger:  logger,
		metrics: o.metrics,
		locks:   lock.NewManager(o.lockConfig, lockOpts...),
		compiler: codec.NewCompiler(codec.CompilerConfig{
			Redactor:      o.redactor,
			PlainKeys:     o.plainKeys,
			MaxFieldBytes: o.limits.MaxFieldBytes,
			MaxLineBytes:  o.limits.MaxLineBytes,
			HardLineBytes: o.hardLineBytes(),
			MaxFileBytes:  o.limits.MaxFileBytes,
		}),
	}
	logger.Debug("store opened", "parse_mode", o.mode.String(), "gap_policy", o.gapPolicy.String())
	return s, nil
}

// Root is the resolved root directory
func (s *Store) Root() string {
	return s.root
}

// Close releases every lock still held by this store
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.locks.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Path returns the validated log path of a category
func (s *Store) Path(category string) (string, error) {
	if err := ValidateCategory(category); err != nil {
		return "", err
	}
	return security.ValidatePath(category+LogSuffix, s.root)
}

// Categories lists the categories that have a log file, sorted
func (s *Store) Categories() ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, LogSuffix) {
			continue
		}
		category := strings.TrimSuffix(name, LogSuffix)
		if ValidateCategory(category) == nil {
			out = append(out, category)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Append writes rec to category and returns the sequence number of its
// header line. Records that carry an ID get one assigned when it is empty.
func (s *Store) Append(ctx context.Context, category string, rec record.Record) (uint64, error) {
	report, err := s.AppendWithReport(ctx, category, rec)
	if err != nil {
		return 0, err
	}
	return report.FirstSeq, nil
}

// AppendWithReport is Append returning the full report
func (s *Store) AppendWithReport(ctx context.Context, category string, rec record.Record) (*AppendReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	w, err := s.writer(category)
	if err != nil {
		return nil, err
	}
	return w.Append(ctx, rec)
}

// ReadTail returns the last n entries of category, oldest first
func (s *Store) ReadTail(ctx context.Context, category string, n int) ([]record.Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	summary, idx, err := s.summary(category)
	if err != nil {
		return nil, err
	}

	start := index.Checkpoint{}
	if summary.Strategy == StrategyStream && idx != nil {
		start = idx.CheckpointFor(n)
	}
	r, err := s.openReader(category, start, readerConfig{})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	ring := newRing(n)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		ring.push(*e)
	}
	return ring.entries(), nil
}

// ReadFiltered returns a lazy iterator over the entries of category that pred selects
func (s *Store) ReadFiltered(ctx context.Context, category string, pred query.Predicate) (EntryIterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	r, err := s.openReader(category, index.Checkpoint{}, readerConfig{})
	if err != nil {
		return nil, err
	}
	return &entryIterator{ctx: ctx, reader: r, pred: pred}, nil
}

// ReadFrom resumes reading category at offset, typically a value previously
// returned by EntryIterator.Offset
func (s *Store) ReadFrom(ctx context.Context, category string, offset int64) (EntryIterator, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	r, err := s.openReader(category, index.Checkpoint{Offset: offset}, readerConfig{})
	if err != nil {
		return nil, err
	}
	return &entryIterator{ctx: ctx, reader: r}, nil
}

// Stats summarises category from its index without reading the log. A
// missing or outdated index is replaced by a scan for this call only.
func (s *Store) Stats(category string) (*Summary, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	summary, _, err := s.summary(category)
	return summary, err
}

type loaded struct {
	summary *Summary
	idx     *index.Index
}

// summary loads the index of category, sharing the work between concurrent callers
func (s *Store) summary(category string) (*Summary, *index.Index, error) {
	path, err := s.Path(category)
	if err != nil {
		return nil, nil, err
	}
	v, err, _ := s.loads.Do(category, func() (any, error) {
		idx, indexed, err := s.currentIndex(category, path)
		if err != nil {
			return nil, err
		}
		return &loaded{summary: s.summarise(category, path, idx, indexed), idx: idx}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	l := v.(*loaded)
	sum := *l.summary
	return &sum, l.idx, nil
}

// currentIndex returns the saved index when it matches the file size,
// otherwise an index built from a scan
func (s *Store) currentIndex(category, path string) (*index.Index, bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return index.New(category), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	idx, err := index.Load(index.PathFor(path))
	if err == nil && idx.Size() == info.Size() {
		return idx, true, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("index unreadable, scanning log", "category", category, "error", err)
	}
	res, err := index.BuildFile(path, category, s.opts.hardLineBytes())
	if err != nil {
		return nil, false, err
	}
	return res.Index, false, nil
}

func (s *Store) summarise(category, path string, idx *index.Index, indexed bool) *Summary {
	sections := make(map[string]int, len(idx.Sections))
	for k, v := range idx.Sections {
		sections[k] = v
	}
	return &Summary{
		Category:  category,
		Path:      path,
		LastSeq:   idx.LastSeq(),
		Size:      idx.Size(),
		Lines:     idx.Lines,
		Records:   idx.Records,
		Sections:  sections,
		Strategy:  s.strategyFor(idx.Size()),
		UpdatedAt: idx.UpdatedAt,
		Indexed:   indexed,
	}
}

func (s *Store) strategyFor(size int64) Strategy {
	if size < s.opts.streamThreshold {
		return StrategyLoad
	}
	return StrategyStream
}

// ring keeps the last n entries pushed
type ring struct {
	buf   []record.Entry
	limit int
	next  int
	full  bool
}

// newRing keeps the last n entries pushed. The buffer grows with the entries
// actually seen, so n can exceed the record count freely.
func newRing(n int) *ring {
	return &ring{limit: n}
}

func (r *ring) push(e record.Entry) {
	if !r.full && len(r.buf) < r.limit {
		r.buf = append(r.buf, e)
		if len(r.buf) == r.limit {
			r.full = true
		}
		return
	}
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
	}
}

func (r *ring) entries() []record.Entry {
	if !r.full {
		return append([]record.Entry(nil), r.buf...)
	}
	out := make([]record.Entry, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

func (s *Store) relPath(path string) string {
	if rel, err := filepath.Rel(s.root, path); err == nil {
		return rel
	}
	return path
}
