package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
	"github.com/ssargent/ctxstore/pkg/lock"
	"github.com/ssargent/ctxstore/pkg/record"
)

// LogWriter appends records to one category log. Every operation runs under
// the file's lock marker, so writers in other processes are excluded too.
type LogWriter struct {
	store     *Store
	category  string
	path      string
	indexPath string
	logger    *slog.Logger
}

func (s *Store) writer(category string) (*LogWriter, error) {
	path, err := s.Path(category)
	if err != nil {
		return nil, err
	}
	return &LogWriter{
		store:     s,
		category:  category,
		path:      path,
		indexPath: index.PathFor(path),
		logger:    s.logger.With("category", category),
	}, nil
}

// locked is the critical section shared by every mutating operation: it
// acquires the lock, reconciles the index with the file and releases the
// lock on every path.
func (w *LogWriter) locked(ctx context.Context, fn func(h *lock.Handle, idx *index.Index, report *AppendReport) error) (*AppendReport, error) {
	report := &AppendReport{Category: w.category}
	m := w.store.metrics

	start := time.Now()
	h, err := w.store.locks.Acquire(ctx, w.path)
	report.LockWait = time.Since(start)
	m.recordLockWait(w.category, report.LockWait)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			m.recordLockTimeout(w.category)
			w.logger.Warn("lock timeout", "error", err)
			return nil, &WriteError{Kind: LockTimeout, Category: w.category, Path: w.path, Err: err}
		}
		return nil, err
	}
	defer func() {
		if err := h.Release(); err != nil {
			w.logger.Error("lock release failed", "error", err)
		}
	}()

	if rec := h.Recovered(); rec != nil {
		m.recordStaleLock(w.category)
		w.logger.Warn("stale lock recovered", "detail", rec.String())
		report.Warnings = append(report.Warnings, &WriteError{
			Kind: StaleLockRecovered, Category: w.category, Path: w.path, Err: errors.New(rec.String()),
		})
	}

	if err := h.BeginWrite(); err != nil {
		return nil, err
	}
	defer h.EndWrite()

	idx, err := w.reconcile(report)
	if err != nil {
		return nil, err
	}
	if err := fn(h, idx, report); err != nil {
		return nil, err
	}
	return report, nil
}

// reconcile returns an index that matches the file. A missing or drifted
// index is rebuilt from the file. Since we hold the lock, an incomplete record
// at the end can only be left by a crashed writer, so it is cut back to the
// last record boundary. That covers an unterminated fragment, and a section
// left open past the end the saved index describes.
func (w *LogWriter) reconcile(report *AppendReport) (*index.Index, error) {
	var size int64
	info, err := os.Stat(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		size = info.Size()
	}

	saved, err := index.Load(w.indexPath)
	if err == nil && saved.Size() == size {
		return saved, nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.logger.Warn("index unreadable, rebuilding", "error", err)
	} else if err == nil {
		w.logger.Info("index out of date, rebuilding", "indexed_size", saved.Size(), "file_size", size)
	}

	res, err := index.BuildFile(w.path, w.category, w.store.opts.hardLineBytes())
	if err != nil {
		return nil, err
	}
	switch {
	case res.TailBytes > 0:
		if err := w.cutTail(report, res.TailOffset, res.TailBytes); err != nil {
			return nil, err
		}
	case res.OpenBytes > 0 && saved != nil && saved.Size() <= res.OpenOffset:
		if err := w.cutTail(report, res.OpenOffset, res.OpenBytes); err != nil {
			return nil, err
		}
		if res, err = index.BuildFile(w.path, w.category, w.store.opts.hardLineBytes()); err != nil {
			return nil, err
		}
	}
	return res.Index, nil
}

// cutTail truncates an incomplete record and reports it
func (w *LogWriter) cutTail(report *AppendReport, offset, n int64) error {
	if err := truncate(w.path, offset); err != nil {
		return err
	}
	w.store.metrics.recordTornTail(w.category)
	w.logger.Warn("truncated torn tail", "offset", offset, "bytes", n)
	report.Warnings = append(report.Warnings, &WriteError{
		Kind: TornTailTruncated, Category: w.category, Path: w.path,
		Err: fmt.Errorf("removed %d bytes at offset %d", n, offset),
	})
	return nil
}

// saveIndex replaces the index file and syncs its directory
func (w *LogWriter) saveIndex(idx *index.Index) error {
	if err := idx.Save(w.indexPath); err != nil {
		return err
	}
	w.syncDir()
	return nil
}

// syncDir makes renames in the log directory durable. A failure leaves the
// data in place, so it is logged rather than returned.
func (w *LogWriter) syncDir() {
	dir := filepath.Dir(w.path)
	if err := index.SyncDir(dir); err != nil {
		w.logger.Warn("directory sync failed", "dir", dir, "error", err)
	}
}

func truncate(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Append compiles rec and appends it with a single write followed by fsync
func (w *LogWriter) Append(ctx context.Context, rec record.Record) (*AppendReport, error) {
	start := time.Now()
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", codec.ErrUnsupportedRecord)
	}
	if !Accepts(w.category, rec.Kind()) {
		return nil, fmt.Errorf("%w: %s in %s", ErrKindNotAccepted, rec.Kind(), w.category)
	}
	record.EnsureID(rec)

	var size int64
	report, err := w.locked(ctx, func(_ *lock.Handle, idx *index.Index, report *AppendReport) error {
		work := idx.Clone()
		var lines []codec.CompiledLine
		if work.Size() == 0 {
			v := w.store.compiler.VersionLine(work.LastSeq() + 1)
			work.ObserveCompiled(0, []codec.CompiledLine{v})
			lines = append(lines, v)
		}

		compiled, err := w.store.compiler.Compile(rec, work)
		if err != nil {
			return err
		}
		report.Offset = work.Size()
		report.FirstSeq = compiled.FirstSeq()
		report.LastSeq = compiled.LastSeq()
		report.Findings = compiled.Findings
		report.Diagnostics = compiled.Diagnostics
		work.ObserveCompiled(work.Size(), compiled.Lines)
		lines = append(lines, compiled.Lines...)

		buf := make([]byte, 0, work.Size()-idx.Size())
		for _, l := range lines {
			buf = append(buf, l.Data...)
		}
		if err := w.write(buf, idx.Size()); err != nil {
			return &WriteError{Kind: WriteFailed, Category: w.category, Path: w.path, Err: err}
		}
		report.Bytes = len(buf)
		size = work.Size()

		work.Touch()
		if err := w.saveIndex(work); err != nil {
			w.logger.Error("index update failed", "error", err)
			report.Warnings = append(report.Warnings, &WriteError{Kind: IndexUpdate, Category: w.category, Path: w.indexPath, Err: err})
		}
		return nil
	})
	w.store.metrics.recordAppend(w.category, err, reportBytes(report), size, time.Since(start))
	if err != nil {
		return nil, err
	}

	w.store.metrics.recordFindings(w.category, report.Findings)
	w.store.metrics.recordDiagnostics(w.category, report.Diagnostics)
	for _, d := range report.Diagnostics {
		w.logger.Warn("compile diagnostic", "code", d.Code, "seq", d.Seq, "message", d.Message)
	}
	w.logger.Debug("appended", "kind", rec.Kind(), "first_seq", report.FirstSeq, "last_seq", report.LastSeq,
		"bytes", report.Bytes, "findings", len(report.Findings), "lock_wait", report.LockWait)
	return report, nil
}

func reportBytes(r *AppendReport) int {
	if r == nil {
		return 0
	}
	return r.Bytes
}

// write appends buf in one O_APPEND write and syncs it. On failure the file
// is cut back to its previous size so no partial record survives.
func (w *LogWriter) write(buf []byte, before int64) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		if terr := truncate(w.path, before); terr != nil {
			w.logger.Error("rollback after failed write", "error", terr)
		}
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// RebuildIndex rescans the log and replaces its index
func (w *LogWriter) RebuildIndex(ctx context.Context) (*index.Index, error) {
	var rebuilt *index.Index
	_, err := w.locked(ctx, func(_ *lock.Handle, _ *index.Index, _ *AppendReport) error {
		res, err := index.BuildFile(w.path, w.category, w.store.opts.hardLineBytes())
		if err != nil {
			return err
		}
		if res.LongLines > 0 {
			w.logger.Warn("log has lines over the hard limit", "count", res.LongLines)
		}
		rebuilt = res.Index
		if _, err := os.Stat(w.path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return w.saveIndex(rebuilt)
	})
	if err != nil {
		return nil, err
	}
	return rebuilt, nil
}
