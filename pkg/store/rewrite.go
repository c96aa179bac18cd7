package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
	"github.com/ssargent/ctxstore/pkg/lock"
	"github.com/ssargent/ctxstore/pkg/record"
)

// RewriteFunc decides the fate of one entry. Returning keep=false drops it;
// a non-nil replacement is written instead of the original record.
type RewriteFunc func(e record.Entry) (replacement record.Record, keep bool, err error)

// RewriteReport describes a completed rewrite
type RewriteReport struct {
	Category    string             `json:"category"`
	Kept        int                `json:"kept"`
	Replaced    int                `json:"replaced"`
	Dropped     int                `json:"dropped"`
	SizeBefore  int64              `json:"size_before"`
	SizeAfter   int64              `json:"size_after"`
	LastSeq     uint64             `json:"last_seq"`
	Findings    []codec.Finding    `json:"findings,omitempty"`
	Diagnostics []codec.Diagnostic `json:"diagnostics,omitempty"`
	Warnings    []*WriteError      `json:"-"`
	Duration    time.Duration      `json:"duration"`
}

// Rewrite replaces the log of category with the records fn keeps, numbered
// afresh from 1. It is the only operation that removes data. Readers that
// already hold the old file keep reading it.
func (s *Store) Rewrite(ctx context.Context, category string, fn RewriteFunc) (*RewriteReport, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, errors.New("rewrite: nil func")
	}
	w, err := s.writer(category)
	if err != nil {
		return nil, err
	}
	return w.Rewrite(ctx, fn)
}

// Rewrite runs fn over every entry under the lock and swaps the result in
func (w *LogWriter) Rewrite(ctx context.Context, fn RewriteFunc) (*RewriteReport, error) {
	start := time.Now()
	out := &RewriteReport{Category: w.category}
	_, err := w.locked(ctx, func(_ *lock.Handle, idx *index.Index, report *AppendReport) error {
		out.SizeBefore = idx.Size()
		if idx.Size() == 0 {
			if _, err := os.Stat(w.path); errors.Is(err, fs.ErrNotExist) {
				return nil
			}
		}
		rebuilt, err := w.rewriteFile(ctx, fn, out)
		if err != nil {
			return err
		}
		out.SizeAfter = rebuilt.Size()
		out.LastSeq = rebuilt.LastSeq()
		rebuilt.Touch()
		if err := w.saveIndex(rebuilt); err != nil {
			w.logger.Error("index update failed", "error", err)
			report.Warnings = append(report.Warnings, &WriteError{Kind: IndexUpdate, Category: w.category, Path: w.indexPath, Err: err})
		}
		out.Warnings = report.Warnings
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.Duration = time.Since(start)
	w.logger.Info("log rewritten", "kept", out.Kept, "replaced", out.Replaced, "dropped", out.Dropped,
		"size_before", out.SizeBefore, "size_after", out.SizeAfter)
	return out, nil
}

// rewriteFile streams the current log into a temp file beside it and renames
// it into place. The temp file is removed on any failure.
func (w *LogWriter) rewriteFile(ctx context.Context, fn RewriteFunc, out *RewriteReport) (*index.Index, error) {
	mode := codec.Lenient
	allowTail := true
	r, err := w.store.openReader(w.category, index.Checkpoint{}, readerConfig{mode: &mode, allowPartialTail: &allowTail})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".rewrite-*")
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	bw := bufio.NewWriter(tmp)
	idx := index.New(w.category)
	emit := func(lines []codec.CompiledLine) error {
		offset := idx.Size()
		for _, l := range lines {
			if _, err := bw.Write(l.Data); err != nil {
				return err
			}
		}
		idx.ObserveCompiled(offset, lines)
		return nil
	}
	if err := emit([]codec.CompiledLine{w.store.compiler.VersionLine(1)}); err != nil {
		return nil, err
	}

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
		replacement, keep, err := fn(*e)
		if err != nil {
			return nil, fmt.Errorf("rewrite seq %d: %w", e.Seq, err)
		}
		if !keep {
			out.Dropped++
			continue
		}
		rec := e.Record
		if replacement != nil {
			if !Accepts(w.category, replacement.Kind()) {
				return nil, fmt.Errorf("%w: %s in %s", ErrKindNotAccepted, replacement.Kind(), w.category)
			}
			record.EnsureID(replacement)
			rec = replacement
			out.Replaced++
		} else {
			out.Kept++
		}
		compiled, err := w.store.compiler.Compile(rec, idx)
		if err != nil {
			return nil, fmt.Errorf("rewrite seq %d: %w", e.Seq, err)
		}
		out.Findings = append(out.Findings, compiled.Findings...)
		out.Diagnostics = append(out.Diagnostics, compiled.Diagnostics...)
		if err := emit(compiled.Lines); err != nil {
			return nil, err
		}
	}
	out.Diagnostics = append(r.Diagnostics(), out.Diagnostics...)

	if err := bw.Flush(); err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return nil, err
	}
	committed = true
	w.syncDir()
	return idx, nil
}
