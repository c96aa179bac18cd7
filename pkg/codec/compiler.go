package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
)

const (
	DefaultMaxFieldBytes = 32 << 10
	DefaultMaxLineBytes  = 64 << 10
)

var (
	// ErrDuplicateKey is returned when an extra field repeats a key already written
	ErrDuplicateKey = errors.New("duplicate field key")
	// ErrUnsupportedRecord is returned for records the compiler cannot write
	ErrUnsupportedRecord = errors.New("unsupported record")
)

// SequenceSource supplies the last sequence number already in a file
type SequenceSource interface {
	LastSeq() uint64
}

// SizeSource is optionally implemented by a SequenceSource that also knows
// the current file size, enabling the MaxFileBytes check
type SizeSource interface {
	Size() int64
}

// SeqAfter is a SequenceSource fixed at a known sequence number
type SeqAfter uint64

func (s SeqAfter) LastSeq() uint64 { return uint64(s) }

// CompilerConfig configures a Compiler. Zero limits take the defaults.
type CompilerConfig struct {
	// Redactor scrubs free text; nil uses mask mode with the default rules
	Redactor *security.Redactor
	// PlainKeys are extra field keys that are never scanned for sensitive data
	PlainKeys []string

	MaxFieldBytes int
	MaxLineBytes  int
	HardLineBytes int
	// MaxFileBytes, when positive, is a soft cap on the file size
	MaxFileBytes int64
}

// CompiledLine is one output line including its trailing newline
type CompiledLine struct {
	Seq    uint64
	Data   []byte
	Header bool
}

// Finding is a sensitive span found in one field. Values are always scrubbed.
type Finding struct {
	Field string `json:"field"`
	security.Finding
}

// Compiled is the output of compiling one record
type Compiled struct {
	Lines       []CompiledLine
	Findings    []Finding
	Diagnostics []Diagnostic
}

// Bytes concatenates all lines into one buffer for a single write
func (c *Compiled) Bytes() []byte {
	buf := make([]byte, 0, c.Size())
	for _, l := range c.Lines {
		buf = append(buf, l.Data...)
	}
	return buf
}

// Size is the number of bytes Bytes returns
func (c *Compiled) Size() int64 {
	var n int64
	for _, l := range c.Lines {
		n += int64(len(l.Data))
	}
	return n
}

// FirstSeq is the sequence number of the first line
func (c *Compiled) FirstSeq() uint64 {
	if len(c.Lines) == 0 {
		return 0
	}
	return c.Lines[0].Seq
}

// LastSeq is the sequence number of the last line
func (c *Compiled) LastSeq() uint64 {
	if len(c.Lines) == 0 {
		return 0
	}
	return c.Lines[len(c.Lines)-1].Seq
}

// Compiler turns records into lines. It is safe for concurrent use.
type Compiler struct {
	config   CompilerConfig
	redactor *security.Redactor
	plain    map[string]bool
}

// NewCompiler creates a compiler
func NewCompiler(config CompilerConfig) *Compiler {
	if config.HardLineBytes <= 0 {
		config.HardLineBytes = DefaultHardLineBytes
	}
	if config.MaxLineBytes <= 0 {
		config.MaxLineBytes = DefaultMaxLineBytes
	}
	if config.MaxLineBytes > config.HardLineBytes {
		config.MaxLineBytes = config.HardLineBytes
	}
	if config.MaxFieldBytes <= 0 {
		config.MaxFieldBytes = DefaultMaxFieldBytes
	}
	redactor := config.Redactor
	if redactor == nil {
		redactor = security.NewRedactor(security.RedactorConfig{})
	}
	plain := map[string]bool{"ts": true}
	for _, k := range config.PlainKeys {
		plain[k] = true
	}
	return &Compiler{config: config, redactor: redactor, plain: plain}
}

// VersionLine renders the version marker with the given sequence number
func (c *Compiler) VersionLine(seq uint64) CompiledLine {
	return CompiledLine{
		Seq:    seq,
		Data:   FormatLine(seq, "@"+string(record.KindVersion)+":"+record.FormatVersion),
		Header: true,
	}
}

// Compile renders rec as a header, its body lines and a closing blank line,
// numbered from seqs.LastSeq()+1. Sensitive data is redacted before escaping.
func (c *Compiler) Compile(rec record.Record, seqs SequenceSource) (*Compiled, error) {
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrUnsupportedRecord)
	}
	var last uint64
	if seqs != nil {
		last = seqs.LastSeq()
	}
	b := &builder{c: c, next: last + 1, out: &Compiled{}}

	var err error
	switch v := rec.(type) {
	case *record.Conversation, *record.State, *record.Session, *record.Embedding, *record.Consolidation:
		err = b.fieldSection(v)
	case *record.Insights, *record.Decisions, *record.Links:
		err = b.rowSection(v)
	case *record.Unknown:
		err = b.unknownSection(v)
	default:
		err = fmt.Errorf("%w: %T", ErrUnsupportedRecord, rec)
	}
	if err != nil {
		return nil, err
	}
	if err := b.emit("", false); err != nil {
		return nil, err
	}

	for _, ns := range record.NonStandard(rec) {
		// the value itself is caller text and stays out of diagnostics
		field, _, _ := strings.Cut(ns, "=")
		b.diag(CodeNonStandardEnum, SeverityWarning, "@%s %s is not a standard value", rec.Kind(), field)
	}
	if sizes, ok := seqs.(SizeSource); ok && c.config.MaxFileBytes > 0 {
		if total := sizes.Size() + b.out.Size(); total > c.config.MaxFileBytes {
			b.diag(CodeFileSizeLimit, SeverityWarning, "file grows to %d bytes, limit is %d", total, c.config.MaxFileBytes)
		}
	}
	return b.out, nil
}

// builder accumulates the lines of one record
type builder struct {
	c    *Compiler
	next uint64
	out  *Compiled
}

func (b *builder) emit(payload string, header bool) error {
	seq := b.next
	if n := lineLen(seq, len(payload)); n > b.c.config.HardLineBytes {
		return &LineError{Seq: seq, Reason: CodeLineTooLong,
			Err: fmt.Errorf("%w: %d > %d bytes", ErrLineTooLong, n, b.c.config.HardLineBytes)}
	}
	b.out.Lines = append(b.out.Lines, CompiledLine{Seq: seq, Data: FormatLine(seq, payload), Header: header})
	b.next++
	return nil
}

func (b *builder) diag(code Code, sev Severity, format string, args ...any) {
	b.out.Diagnostics = append(b.out.Diagnostics, Diagnostic{
		Code:     code,
		Severity: sev,
		Seq:      b.next,
		Message:  fmt.Sprintf(format, args...),
	})
}

// sanitize redacts one free text value and applies the field size limit
func (b *builder) sanitize(field, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	out, findings, err := b.c.redactor.Sanitize(field, value)
	if err != nil {
		return "", err
	}
	for _, f := range findings {
		b.out.Findings = append(b.out.Findings, Finding{Field: field, Finding: f})
	}
	if len(out) > b.c.config.MaxFieldBytes {
		out = security.TruncateUTF8(out, b.c.config.MaxFieldBytes)
		b.diag(CodeFieldTruncated, SeverityWarning, "%s truncated to %d bytes", field, len(out))
	}
	return out, nil
}

// enum passes vocabulary values through and scans anything else as free text
func (b *builder) enum(field, value string, standard bool) (string, error) {
	if standard || value == "" {
		return value, nil
	}
	return b.sanitize(field, value)
}

// enumColumns names the enum columns of each row section, for findings
var enumColumns = map[record.Kind][3]string{
	record.KindInsights:  {"memory_type", "confidence", "impact"},
	record.KindDecisions: {"priority", "confidence", "impact"},
	record.KindLinks:     {"relation", "scope", "confidence"},
}

// fit shrinks an escaped value so prefix+value+suffix stays within the soft
// line limit
func (b *builder) fit(field, prefix, escaped, suffix string) string {
	max := b.c.config.MaxLineBytes
	fixed := lineLen(b.next, len(prefix)+len(suffix))
	if fixed+len(escaped) <= max {
		return escaped
	}
	room := max - fixed
	if room < 0 {
		room = 0
	}
	cut := security.TruncateEscaped(escaped, room)
	b.diag(CodeLineTruncated, SeverityWarning, "%s truncated from %d to %d escaped bytes", field, len(escaped), len(cut))
	return cut
}

func (b *builder) header(kind record.Kind, id string, withID bool) error {
	payload := "@" + string(kind)
	if withID || id != "" {
		clean, err := b.sanitize("id", id)
		if err != nil {
			return err
		}
		payload += ":" + security.Escape(clean)
	}
	return b.emit(payload, true)
}

func (b *builder) fieldSection(rec record.Record) error {
	id, fields, extra := sectionFields(rec)
	if err := b.header(rec.Kind(), id, rec.Kind() != record.KindState); err != nil {
		return err
	}

	written := make(map[string]bool, len(fields)+len(extra))
	for _, f := range fields {
		var value string
		switch f.kind {
		case valPlain:
			value = f.value
		case valText:
			clean, err := b.sanitize(f.key, f.value)
			if err != nil {
				return err
			}
			value = clean
		case valEnum:
			clean, err := b.enum(f.key, f.value, f.standard)
			if err != nil {
				return err
			}
			value = clean
		case valList:
			items := make([]string, 0, len(f.items))
			for i, item := range f.items {
				clean, err := b.sanitize(fmt.Sprintf("%s[%d]", f.key, i), item)
				if err != nil {
					return err
				}
				items = append(items, clean)
			}
			value = EncodeList(items)
		}
		if value == "" {
			continue
		}
		if err := b.fieldLine(f.key, value, f.kind == valText || f.kind == valList); err != nil {
			return err
		}
		written[f.key] = true
	}

	for _, f := range extra {
		if !ValidKey(f.Key) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, f.Key)
		}
		if written[f.Key] {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, f.Key)
		}
		value := f.Value
		if !b.c.plain[f.Key] {
			clean, err := b.sanitize(f.Key, f.Value)
			if err != nil {
				return err
			}
			value = clean
		}
		if err := b.fieldLine(f.Key, value, true); err != nil {
			return err
		}
		written[f.Key] = true
	}
	return nil
}

func (b *builder) fieldLine(key, value string, shrinkable bool) error {
	prefix := key + "="
	escaped := security.Escape(value)
	if shrinkable {
		escaped = b.fit(key, prefix, escaped, "")
	}
	return b.emit(prefix+escaped, false)
}

func (b *builder) rowSection(rec record.Record) error {
	kind := rec.Kind()
	if err := b.emit("@"+string(kind), true); err != nil {
		return err
	}
	tag := "@" + kind.RowTag() + " "

	for i, row := range sectionRows(rec) {
		field := fmt.Sprintf("rows[%d]", i)
		txt, err := b.sanitize(field+".text", row.text)
		if err != nil {
			return err
		}

		var rest strings.Builder
		for n, e := range row.enums {
			clean, err := b.enum(fmt.Sprintf("%s.%s", field, enumColumns[rec.Kind()][n]), e, row.standard[n])
			if err != nil {
				return err
			}
			rest.WriteByte('|')
			rest.WriteString(security.Escape(clean))
		}
		for _, f := range row.extra {
			if !ValidKey(f.Key) {
				return fmt.Errorf("%w: %q", ErrInvalidKey, f.Key)
			}
			value := f.Value
			if !b.c.plain[f.Key] {
				if value, err = b.sanitize(field+"."+f.Key, f.Value); err != nil {
					return err
				}
			}
			rest.WriteByte('|')
			rest.WriteString(f.Key)
			rest.WriteByte('=')
			rest.WriteString(security.Escape(value))
		}

		escaped := b.fit(field+".text", tag, security.Escape(txt), rest.String())
		if err := b.emit(tag+escaped+rest.String(), false); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) unknownSection(u *record.Unknown) error {
	if !ValidName(u.Name) {
		return fmt.Errorf("%w: invalid section name %q", ErrUnsupportedRecord, u.Name)
	}
	if _, known := record.KnownKind(u.Name); known {
		return fmt.Errorf("%w: @%s is a known section", ErrUnsupportedRecord, u.Name)
	}
	if err := b.header(record.Kind(u.Name), u.ID, false); err != nil {
		return err
	}
	for i, raw := range u.Lines {
		if raw == "" {
			continue
		}
		if strings.ContainsAny(raw, "\n\r") {
			return &LineError{Seq: b.next, Reason: CodeMalformedLine, Err: fmt.Errorf("raw line %d contains a line break", i)}
		}
		if p, err := ClassifyPayload(raw); err == nil && p.Kind == PayloadHeader {
			return &LineError{Seq: b.next, Reason: CodeMalformedLine, Err: fmt.Errorf("raw line %d is a section header", i)}
		}
		clean, err := b.sanitizeRaw(fmt.Sprintf("lines[%d]", i), raw)
		if err != nil {
			return err
		}
		if err := b.emit(clean, false); err != nil {
			return err
		}
	}
	return nil
}

// sanitizeRaw redacts an escaped payload in place. Finding spans are widened
// so no escape pair is split.
func (b *builder) sanitizeRaw(field, raw string) (string, error) {
	findings, err := b.c.redactor.Scan(field, raw)
	if err != nil {
		return "", err
	}
	if len(findings) == 0 {
		return raw, nil
	}

	second := make([]bool, len(raw)+1)
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\\' && i+1 < len(raw) {
			second[i+1] = true
			i++
		}
	}
	for i := range findings {
		f := &findings[i]
		if second[f.Start] {
			f.Start--
		}
		if f.End < len(raw) && second[f.End] {
			f.End++
		}
		b.out.Findings = append(b.out.Findings, Finding{Field: field, Finding: *f})
	}
	for i := range b.out.Findings {
		b.out.Findings[i].Value = ""
	}
	return b.c.redactor.Apply(raw, findings), nil
}
