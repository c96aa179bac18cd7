package codec

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// PayloadKind classifies the part of a line after the sequence number
type PayloadKind int

const (
	PayloadEmpty PayloadKind = iota
	PayloadHeader
	PayloadRow
	PayloadField
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadHeader:
		return "header"
	case PayloadRow:
		return "row"
	case PayloadField:
		return "field"
	}
	return "unknown"
}

// Payload is a classified payload. Strings stay escaped; callers unescape
// what they need.
type Payload struct {
	Kind PayloadKind
	// Name is the header or row tag without the leading '@'
	Name string
	// ID is the header identifier after ':', escaped
	ID    string
	HasID bool
	// Rest is everything after "@TAG " on a row line
	Rest  string
	Key   string
	Value string
	Raw   string
}

var (
	errNoSeparator = errors.New("missing '|' after sequence number")
	errBadSeq      = errors.New("sequence number must be a positive integer without sign or leading zeros")
)

// SplitLine splits one line (without its trailing newline) into sequence
// number and raw payload.
func SplitLine(line []byte) (uint64, string, error) {
	i := bytes.IndexByte(line, '|')
	if i < 0 {
		return 0, "", errNoSeparator
	}
	seq, err := parseSeq(line[:i])
	if err != nil {
		return 0, "", err
	}
	return seq, string(line[i+1:]), nil
}

func parseSeq(b []byte) (uint64, error) {
	if len(b) == 0 || b[0] == '0' {
		return 0, errBadSeq
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, errBadSeq
		}
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return 0, errBadSeq
	}
	return n, nil
}

// FormatLine renders seq and an already escaped payload as a full line
func FormatLine(seq uint64, payload string) []byte {
	buf := make([]byte, 0, len(payload)+22)
	buf = strconv.AppendUint(buf, seq, 10)
	buf = append(buf, '|')
	buf = append(buf, payload...)
	return append(buf, '\n')
}

// lineLen is the length FormatLine would produce, without the newline
func lineLen(seq uint64, payloadLen int) int {
	return len(strconv.FormatUint(seq, 10)) + 1 + payloadLen
}

// ClassifyPayload decides what kind of line a payload is
func ClassifyPayload(p string) (Payload, error) {
	if p == "" {
		return Payload{Kind: PayloadEmpty}, nil
	}
	if p[0] == '@' {
		n := 1
		for n < len(p) && isNameChar(p[n], n == 1) {
			n++
		}
		if n == 1 {
			return Payload{}, fmt.Errorf("section marker without a name")
		}
		name := p[1:n]
		switch {
		case n == len(p):
			return Payload{Kind: PayloadHeader, Name: name, Raw: p}, nil
		case p[n] == ':':
			id := p[n+1:]
			if hasUnescaped(id, '|') {
				return Payload{}, fmt.Errorf("unescaped '|' in section id")
			}
			return Payload{Kind: PayloadHeader, Name: name, ID: id, HasID: true, Raw: p}, nil
		case p[n] == ' ':
			return Payload{Kind: PayloadRow, Name: name, Rest: p[n+1:], Raw: p}, nil
		}
		return Payload{}, fmt.Errorf("invalid section name %q", p[:n+1])
	}

	eq := strings.IndexByte(p, '=')
	if eq <= 0 {
		return Payload{}, fmt.Errorf("expected key=value")
	}
	key := p[:eq]
	if !ValidKey(key) {
		return Payload{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return Payload{Kind: PayloadField, Key: key, Value: p[eq+1:], Raw: p}, nil
}

func isNameChar(c byte, first bool) bool {
	if c >= 'A' && c <= 'Z' {
		return true
	}
	if first {
		return false
	}
	return c == '_' || (c >= '0' && c <= '9')
}

// ValidKey reports whether key matches [A-Za-z0-9_.-]+
func ValidKey(key string) bool {
	if key == "" {
		return false
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-':
		default:
			return false
		}
	}
	return true
}

// ValidName reports whether name is a legal section or row name
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !isNameChar(name[i], i == 0) {
			return false
		}
	}
	return true
}

func hasUnescaped(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case c:
			return true
		}
	}
	return false
}

// EncodeList joins items with ',' after escaping each item's own ',' and '\'.
// The result still needs payload escaping.
func EncodeList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	parts := make([]string, len(items))
	for i, item := range items {
		if strings.ContainsAny(item, `,\`) {
			item = strings.ReplaceAll(item, `\`, `\\`)
			item = strings.ReplaceAll(item, `,`, `\,`)
		}
		parts[i] = item
	}
	return strings.Join(parts, ",")
}

// DecodeList is the inverse of EncodeList. A trailing lone backslash, which
// only a truncated value can produce, is dropped.
func DecodeList(s string) []string {
	if s == "" {
		return nil
	}
	var items []string
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case c == ',':
			items = append(items, b.String())
			b.Reset()
		default:
			b.WriteByte(c)
		}
	}
	return append(items, b.String())
}

// EncodeVector renders float32 components as a comma separated list
func EncodeVector(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(v)*10)
	for i, f := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(f), 'g', -1, 32)
	}
	return string(buf)
}

// DecodeVector parses the output of EncodeVector
func DecodeVector(s string) ([]float32, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
