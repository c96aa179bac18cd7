package codec

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
)

// Mode selects how the parser reacts to malformed input
type Mode int

const (
	// Strict fails on the first malformed line or sequence regression
	Strict Mode = iota
	// Lenient skips malformed lines and reports them as diagnostics
	Lenient
)

func (m Mode) String() string {
	if m == Lenient {
		return "lenient"
	}
	return "strict"
}

// DefaultHardLineBytes is the hard cap on a single line, shared by reader and writer
const DefaultHardLineBytes = 1 << 20

// ParserConfig configures a Parser
type ParserConfig struct {
	Mode Mode
	// AllowPartialTail drops an unterminated final fragment with a
	// diagnostic instead of failing
	AllowPartialTail bool
	// MaxLineBytes is the hard cap on one line; zero means DefaultHardLineBytes
	MaxLineBytes int
	// File is attached to errors and diagnostics
	File string
}

// Document is the result of parsing a whole file
type Document struct {
	Version     string
	Entries     []record.Entry
	Diagnostics []Diagnostic
	LastSeq     uint64
	Lines       int
}

// section is the record currently being assembled
type section struct {
	kind   record.Kind
	seq    uint64
	offset int64
	line   int
	rec    record.Record
	decode fieldDecoder
	rowTag string
}

// Parser is a streaming line parser. Feed it complete lines in file order
// with ParseLine, then call Finish. A Parser is not safe for concurrent use.
type Parser struct {
	config ParserConfig

	line     int
	lastSeq  uint64
	resumed  bool
	versions int
	version  string
	cur      *section
	diags    []Diagnostic
}

// NewParser creates a streaming parser positioned at the start of a file
func NewParser(config ParserConfig) *Parser {
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultHardLineBytes
	}
	return &Parser{config: config}
}

// Resume positions the parser in the middle of a file, after a line with
// sequence number lastSeq. Version marker checks are disabled.
func (p *Parser) Resume(lastSeq uint64) {
	p.lastSeq = lastSeq
	p.resumed = true
}

// Parse parses a complete document held in memory
func Parse(data []byte, config ParserConfig) (*Document, error) {
	p := NewParser(config)
	doc := &Document{}

	var offset int64
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			if err := p.PartialTail(data, offset); err != nil {
				p.fill(doc)
				return doc, err
			}
			break
		}
		entry, err := p.ParseLine(data[:nl], offset)
		if err != nil {
			p.fill(doc)
			return doc, err
		}
		if entry != nil {
			doc.Entries = append(doc.Entries, *entry)
		}
		offset += int64(nl + 1)
		data = data[nl+1:]
	}

	entry, err := p.Finish()
	if entry != nil {
		doc.Entries = append(doc.Entries, *entry)
	}
	p.fill(doc)
	return doc, err
}

func (p *Parser) fill(doc *Document) {
	doc.Version = p.version
	doc.Diagnostics = p.diags
	doc.LastSeq = p.lastSeq
	doc.Lines = p.line
}

// Diagnostics returns everything reported so far
func (p *Parser) Diagnostics() []Diagnostic {
	return p.diags
}

// TakeDiagnostics returns and clears the diagnostics reported so far
func (p *Parser) TakeDiagnostics() []Diagnostic {
	d := p.diags
	p.diags = nil
	return d
}

// LastSeq is the highest sequence number seen
func (p *Parser) LastSeq() uint64 {
	return p.lastSeq
}

// Lines is the number of lines consumed
func (p *Parser) Lines() int {
	return p.line
}

// Version is the format version from the marker, if one was seen
func (p *Parser) Version() string {
	return p.version
}

// VersionMarkers counts version marker lines seen
func (p *Parser) VersionMarkers() int {
	return p.versions
}

// ParseLine consumes one complete line. The trailing newline may be present
// or already stripped. It returns the record completed by this line, if any:
// a blank payload or a new header completes the open section.
func (p *Parser) ParseLine(line []byte, offset int64) (*record.Entry, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	if len(line) == 0 {
		return nil, nil
	}
	p.line++

	if len(line) > p.config.MaxLineBytes {
		return nil, p.lineFailure(0, offset, CodeLineTooLong,
			fmt.Errorf("%w: %d > %d bytes", ErrLineTooLong, len(line), p.config.MaxLineBytes))
	}

	seq, raw, err := SplitLine(line)
	if err != nil {
		return nil, p.lineFailure(0, offset, CodeMalformedLine, err)
	}
	if err := p.checkSeq(seq, offset); err != nil {
		return nil, err
	}

	payload, err := ClassifyPayload(raw)
	if err != nil {
		// inside an opaque section anything but a header or blank is kept verbatim
		if p.cur != nil && p.cur.kind == record.KindUnknown && raw != "" && raw[0] != '@' {
			u := p.cur.rec.(*record.Unknown)
			u.Lines = append(u.Lines, raw)
			return nil, nil
		}
		return nil, p.lineFailure(seq, offset, CodeMalformedLine, err)
	}

	switch payload.Kind {
	case PayloadEmpty:
		return p.close(), nil
	case PayloadHeader:
		return p.header(payload, seq, offset)
	case PayloadRow:
		return nil, p.row(payload, seq, offset)
	default:
		return nil, p.field(payload, seq, offset)
	}
}

func (p *Parser) checkSeq(seq uint64, offset int64) error {
	prev := p.lastSeq
	switch {
	case prev > 0 && seq <= prev:
		if p.config.Mode == Strict {
			return &ParseError{Code: CodeSequenceRegression, File: p.config.File, Line: p.line, Seq: seq, Offset: offset,
				Err: fmt.Errorf("sequence %d after %d", seq, prev)}
		}
		p.diag(CodeSequenceRegression, SeverityWarning, seq, offset, "sequence %d does not follow %d", seq, prev)
		return nil
	case prev > 0 && seq > prev+1:
		p.diag(CodeSequenceGap, SeverityInfo, seq, offset, "sequence jumps from %d to %d", prev, seq)
	case prev == 0 && !p.resumed && seq != 1:
		p.diag(CodeSequenceGap, SeverityInfo, seq, offset, "first sequence is %d", seq)
	}
	p.lastSeq = seq
	return nil
}

func (p *Parser) header(h Payload, seq uint64, offset int64) (*record.Entry, error) {
	done := p.close()

	id := h.ID
	if h.HasID {
		unescaped, err := security.Unescape(h.ID)
		if err != nil {
			return done, p.lineFailure(seq, offset, CodeMalformedLine, err)
		}
		id = unescaped
	}

	kind, known := record.KnownKind(h.Name)
	switch {
	case kind == record.KindVersion:
		p.versionMarker(id, seq, offset)
		return done, nil
	case !known:
		p.cur = &section{kind: record.KindUnknown, seq: seq, offset: offset, line: p.line,
			rec: &record.Unknown{Name: h.Name, ID: id}}
	case kind.IsRowSection():
		if h.HasID {
			p.diag(CodeUnexpectedID, SeverityWarning, seq, offset, "@%s takes no id; %q ignored", h.Name, id)
		}
		p.cur = &section{kind: kind, seq: seq, offset: offset, line: p.line,
			rec: newRowSection(kind), rowTag: kind.RowTag()}
	default:
		rec, decode := newFieldSection(kind, id)
		p.cur = &section{kind: kind, seq: seq, offset: offset, line: p.line, rec: rec, decode: decode}
	}
	return done, nil
}

func (p *Parser) versionMarker(v string, seq uint64, offset int64) {
	p.versions++
	if p.resumed {
		return
	}
	switch {
	case p.versions > 1:
		p.diag(CodeDuplicateVersion, SeverityError, seq, offset, "version marker repeated")
	case p.line != 1 || offset != 0:
		p.diag(CodeVersionNotFirst, SeverityError, seq, offset, "version marker is not the first line")
	}
	if v != record.FormatVersion {
		p.diag(CodeUnsupportedVersion, SeverityWarning, seq, offset, "format version %q, expected %q", v, record.FormatVersion)
	}
	if p.version == "" {
		p.version = v
	}
}

func (p *Parser) row(r Payload, seq uint64, offset int64) error {
	if p.cur == nil {
		return p.lineFailure(seq, offset, CodeUnexpectedRow, fmt.Errorf("row @%s outside a section", r.Name))
	}
	if p.cur.kind == record.KindUnknown {
		u := p.cur.rec.(*record.Unknown)
		u.Lines = append(u.Lines, r.Raw)
		return nil
	}
	if r.Name != p.cur.rowTag {
		return p.lineFailure(seq, offset, CodeUnexpectedRow, fmt.Errorf("row @%s inside @%s", r.Name, p.cur.kind))
	}

	cols := security.SplitEscaped(r.Rest, '|')
	if len(cols) < 4 {
		return p.lineFailure(seq, offset, CodeMalformedLine, fmt.Errorf("row has %d columns, want at least 4", len(cols)))
	}
	var row rowValue
	for i, col := range cols {
		v, err := security.Unescape(col)
		if err != nil {
			return p.lineFailure(seq, offset, CodeMalformedLine, fmt.Errorf("column %d: %w", i+1, err))
		}
		switch {
		case i == 0:
			row.text = v
		case i < 4:
			row.enums[i-1] = v
		default:
			eq := strings.IndexByte(v, '=')
			if eq <= 0 || !ValidKey(v[:eq]) {
				return p.lineFailure(seq, offset, CodeMalformedLine, fmt.Errorf("column %d: expected key=value", i+1))
			}
			row.extra = append(row.extra, record.Field{Key: v[:eq], Value: v[eq+1:]})
		}
	}
	appendRow(p.cur.rec, row)
	return nil
}

func (p *Parser) field(f Payload, seq uint64, offset int64) error {
	if p.cur == nil {
		return p.lineFailure(seq, offset, CodeOrphanField, fmt.Errorf("field %q before any section header", f.Key))
	}
	switch {
	case p.cur.kind == record.KindUnknown:
		u := p.cur.rec.(*record.Unknown)
		u.Lines = append(u.Lines, f.Raw)
		return nil
	case p.cur.decode == nil:
		return p.lineFailure(seq, offset, CodeUnexpectedField, fmt.Errorf("field %q inside row section @%s", f.Key, p.cur.kind))
	}

	value, err := security.Unescape(f.Value)
	if err != nil {
		return p.lineFailure(seq, offset, CodeMalformedLine, err)
	}
	handled, err := p.cur.decode(f.Key, value)
	if err != nil {
		p.diag(CodeInvalidValue, SeverityWarning, seq, offset, "%s: %v", f.Key, err)
		appendExtra(p.cur.rec, record.Field{Key: f.Key, Value: value})
		return nil
	}
	if !handled {
		appendExtra(p.cur.rec, record.Field{Key: f.Key, Value: value})
	}
	return nil
}

// close completes the open section, if any
func (p *Parser) close() *record.Entry {
	cur := p.cur
	if cur == nil {
		return nil
	}
	p.cur = nil
	for _, ns := range record.NonStandard(cur.rec) {
		p.diag(CodeNonStandardEnum, SeverityWarning, cur.seq, cur.offset, "@%s %s is not a standard value", cur.kind, ns)
	}
	return &record.Entry{Seq: cur.seq, Offset: cur.offset, Record: cur.rec}
}

// Finish completes the open section at end of input
func (p *Parser) Finish() (*record.Entry, error) {
	if !p.resumed && p.line > 0 && p.versions == 0 {
		p.diag(CodeMissingVersion, SeverityError, 0, 0, "no version marker")
	}
	return p.close(), nil
}

// SkipLine accounts for a line the caller could not read, such as one a
// LineReader rejected as too long. Strict mode returns the failure.
func (p *Parser) SkipLine(offset int64, cause error) error {
	p.line++
	return p.lineFailure(0, offset, CodeLineTooLong, cause)
}

// PartialTail handles an unterminated final fragment. Without
// AllowPartialTail it is an error; otherwise the fragment is dropped with one
// diagnostic, together with the section it belongs to.
func (p *Parser) PartialTail(fragment []byte, offset int64) error {
	if len(fragment) == 0 {
		return nil
	}
	if !p.config.AllowPartialTail {
		return &ParseError{Code: CodePartialTail, File: p.config.File, Line: p.line + 1, Offset: offset,
			Err: fmt.Errorf("%d bytes without a terminating newline", len(fragment))}
	}
	if cur := p.cur; cur != nil {
		p.Abandon()
		p.diag(CodePartialTail, SeverityWarning, cur.seq, cur.offset,
			"dropped incomplete @%s record and %d byte unterminated tail", cur.kind, len(fragment))
		return nil
	}
	p.diag(CodePartialTail, SeverityWarning, 0, offset, "dropped %d byte unterminated tail", len(fragment))
	return nil
}

// Open reports whether a section has started and not been closed
func (p *Parser) Open() bool {
	return p.cur != nil
}

// Abandon discards the open section without returning it
func (p *Parser) Abandon() {
	p.cur = nil
}

// lineFailure fails in strict mode and records a diagnostic in lenient mode
func (p *Parser) lineFailure(seq uint64, offset int64, code Code, err error) error {
	if p.config.Mode == Strict {
		return &LineError{File: p.config.File, Line: p.line, Seq: seq, Offset: offset, Reason: code, Err: err}
	}
	p.diag(code, SeverityWarning, seq, offset, "%v", err)
	return nil
}

func (p *Parser) diag(code Code, sev Severity, seq uint64, offset int64, format string, args ...any) {
	p.diags = append(p.diags, Diagnostic{
		Code:     code,
		Severity: sev,
		File:     p.config.File,
		Line:     p.line,
		Seq:      seq,
		Offset:   offset,
		Message:  fmt.Sprintf(format, args...),
	})
}
