package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
	"github.com/ssargent/ctxstore/pkg/query"
	"github.com/ssargent/ctxstore/pkg/record"
)

// readerConfig overrides store options for one reader
type readerConfig struct {
	mode             *codec.Mode
	allowPartialTail *bool
	// strategy forces a strategy instead of deriving it from the file size
	strategy Strategy
}

// LogReader parses one category log from a starting offset up to the size
// the file had when it was opened. Appends made later are not seen.
type LogReader struct {
	category string
	path     string
	file     *os.File
	lines    *codec.LineReader
	parser   *codec.Parser
	strategy Strategy
	size     int64
	loaded   int

	// inFlight reports whether a writer currently holds the file
	inFlight func() bool
	logger   *slog.Logger
	metrics  *Metrics

	diags  []codec.Diagnostic
	resume int64
	end    int64
	err    error
}

// openReader opens category at start. A start offset beyond zero must be a
// line boundary; parsing resumes there without version checks.
func (s *Store) openReader(category string, start index.Checkpoint, rc readerConfig) (*LogReader, error) {
	path, err := s.Path(category)
	if err != nil {
		return nil, err
	}
	mode := s.opts.mode
	if rc.mode != nil {
		mode = *rc.mode
	}
	allowTail := s.opts.allowPartialTail
	if rc.allowPartialTail != nil {
		allowTail = *rc.allowPartialTail
	}

	r := &LogReader{
		category: category,
		path:     path,
		inFlight: func() bool {
			st := s.locks.Inspect(path)
			return st.Held && !st.Stale
		},
		logger:  s.logger.With("category", category),
		metrics: s.metrics,
		resume:  start.Offset,
		end:     start.Offset,
	}
	r.parser = codec.NewParser(codec.ParserConfig{
		Mode:             mode,
		AllowPartialTail: allowTail,
		MaxLineBytes:     s.opts.hardLineBytes(),
		File:             s.relPath(path),
	})
	if start.Offset > 0 {
		prev := uint64(0)
		if start.Seq > 0 {
			prev = start.Seq - 1
		}
		r.parser.Resume(prev)
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		if start.Offset > 0 {
			return nil, fmt.Errorf("%w: %d past end of empty log", ErrBadOffset, start.Offset)
		}
		r.strategy = StrategyLoad
		r.lines = codec.NewLineReader(bytes.NewReader(nil), 0, s.opts.hardLineBytes())
		return r, nil
	}
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	r.size = info.Size()

	if err := r.checkStart(start.Offset); err != nil {
		f.Close()
		return nil, err
	}

	r.strategy = rc.strategy
	if r.strategy == "" {
		r.strategy = s.strategyFor(r.size)
	}
	remaining := r.size - start.Offset
	if r.strategy == StrategyLoad {
		data := make([]byte, remaining)
		if _, err := io.ReadFull(io.NewSectionReader(f, start.Offset, remaining), data); err != nil {
			f.Close()
			return nil, err
		}
		r.loaded = len(data)
		r.lines = codec.NewLineReader(bytes.NewReader(data), start.Offset, s.opts.hardLineBytes())
	} else {
		r.lines = codec.NewLineReader(io.NewSectionReader(f, start.Offset, remaining), start.Offset, s.opts.hardLineBytes())
	}
	s.metrics.recordRead(category, r.strategy)
	return r, nil
}

// checkStart rejects offsets that are past the end or inside a line
func (r *LogReader) checkStart(offset int64) error {
	if offset == 0 {
		return nil
	}
	if offset > r.size {
		return fmt.Errorf("%w: %d past end %d", ErrBadOffset, offset, r.size)
	}
	b := make([]byte, 1)
	if _, err := r.file.ReadAt(b, offset-1); err != nil {
		return err
	}
	if b[0] != '\n' {
		return fmt.Errorf("%w: %d", ErrBadOffset, offset)
	}
	return nil
}

// Next returns the next complete entry, or io.EOF
func (r *LogReader) Next() (*record.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	for {
		line, off, err := r.lines.Next()
		switch {
		case err == nil:
			entry, perr := r.parser.ParseLine(line, off)
			r.drain()
			r.end = r.lines.Offset()
			if perr != nil {
				return nil, r.fail(perr)
			}
			if entry != nil {
				r.resume = off
				if closesSection(line) {
					r.resume = r.lines.Offset()
				}
				return entry, nil
			}
			if closesSection(line) {
				r.resume = r.lines.Offset()
			}

		case errors.Is(err, codec.ErrLineTooLong):
			perr := r.parser.SkipLine(off, err)
			r.drain()
			r.end = r.lines.Offset()
			if perr != nil {
				return nil, r.fail(perr)
			}

		case errors.Is(err, codec.ErrPartialLine):
			if r.inFlight() {
				r.logger.Debug("ignoring in-flight tail", "offset", off, "bytes", len(line))
				r.parser.Abandon()
			} else if perr := r.parser.PartialTail(line, off); perr != nil {
				r.drain()
				return nil, r.fail(perr)
			}
			r.drain()

		case err == io.EOF:
			// a section still open while a writer holds the file is being written
			if r.parser.Open() && r.inFlight() {
				r.parser.Abandon()
			}
			entry, _ := r.parser.Finish()
			r.drain()
			r.err = io.EOF
			if entry != nil {
				r.resume = r.end
				return entry, nil
			}
			return nil, io.EOF

		default:
			return nil, r.fail(err)
		}
	}
}

// closesSection reports whether line has an empty payload
func closesSection(line []byte) bool {
	_, payload, err := codec.SplitLine(line)
	return err == nil && payload == ""
}

func (r *LogReader) fail(err error) error {
	r.err = err
	return err
}

// drain moves parser diagnostics into the reader, logging each one
func (r *LogReader) drain() {
	diags := r.parser.TakeDiagnostics()
	if len(diags) == 0 {
		return
	}
	for _, d := range diags {
		level := slog.LevelWarn
		if d.Severity == codec.SeverityInfo {
			level = slog.LevelInfo
		}
		r.logger.Log(context.Background(), level, "parse diagnostic",
			"code", d.Code, "line", d.Line, "seq", d.Seq, "offset", d.Offset, "message", d.Message)
	}
	r.metrics.recordDiagnostics(r.category, diags)
	r.diags = append(r.diags, diags...)
}

// Offset is where reading can resume after the last returned entry
func (r *LogReader) Offset() int64 {
	return r.resume
}

// Strategy is how this reader consumes the file
func (r *LogReader) Strategy() Strategy {
	return r.strategy
}

// Size is the file size when the reader was opened
func (r *LogReader) Size() int64 {
	return r.size
}

// PeakBuffered is the most file data held in memory at once: the whole
// remainder when loading, the longest line when streaming
func (r *LogReader) PeakBuffered() int {
	if r.strategy == StrategyLoad {
		return r.loaded
	}
	return r.lines.Peak()
}

// Diagnostics lists recoveries made so far
func (r *LogReader) Diagnostics() []codec.Diagnostic {
	return r.diags
}

// Parser exposes version bookkeeping for health checks
func (r *LogReader) Parser() *codec.Parser {
	return r.parser
}

// Close releases the file
func (r *LogReader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// entryIterator adapts a LogReader to EntryIterator
type entryIterator struct {
	ctx    context.Context
	reader *LogReader
	pred   query.Predicate
	cur    record.Entry
	err    error
	done   bool
}

func (it *entryIterator) Next() bool {
	if it.done {
		return false
	}
	for {
		if err := it.ctx.Err(); err != nil {
			it.err = err
			it.done = true
			return false
		}
		e, err := it.reader.Next()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if it.pred.Match(*e) {
			it.cur = *e
			return true
		}
	}
}

func (it *entryIterator) Entry() record.Entry            { return it.cur }
func (it *entryIterator) Err() error                     { return it.err }
func (it *entryIterator) Offset() int64                  { return it.reader.Offset() }
func (it *entryIterator) Diagnostics() []codec.Diagnostic { return it.reader.Diagnostics() }
func (it *entryIterator) Close() error                   { return it.reader.Close() }
