package security

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadEscape is returned by Unescape for a backslash sequence Escape never produces
var ErrBadEscape = errors.New("invalid escape sequence")

// Escape makes text safe to embed in a line payload.
//
//	\  -> \\
//	|  -> \|
//	LF -> \n
//	CR -> \r
//	@X -> \@X   (X in A-Z, so free text never looks like a section marker)
func Escape(s string) string {
	if !needsEscape(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '|':
			b.WriteString(`\|`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '@':
			if i+1 < len(s) && isUpper(s[i+1]) {
				b.WriteString(`\@`)
			} else {
				b.WriteByte('@')
			}
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func needsEscape(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\', '|', '\n', '\r':
			return true
		case '@':
			if i+1 < len(s) && isUpper(s[i+1]) {
				return true
			}
		}
	}
	return false
}

// Unescape is the exact inverse of Escape
func Unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		if strings.IndexByte(s, '|') >= 0 {
			return "", fmt.Errorf("%w: unescaped delimiter", ErrBadEscape)
		}
		return s, nil
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '|' {
			return "", fmt.Errorf("%w: unescaped delimiter at byte %d", ErrBadEscape, i)
		}
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("%w: trailing backslash", ErrBadEscape)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case '|':
			b.WriteByte('|')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case '@':
			b.WriteByte('@')
		default:
			return "", fmt.Errorf("%w: \\%c at byte %d", ErrBadEscape, s[i], i-1)
		}
	}
	return b.String(), nil
}

// SplitEscaped splits escaped text on every sep byte that is not preceded by
// an escaping backslash. The parts stay escaped.
func SplitEscaped(s string, sep byte) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// TruncateEscaped shortens escaped text to at most max bytes without splitting
// an escape pair or a UTF-8 sequence.
func TruncateEscaped(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := 0
	for i := 0; i < len(s); {
		step := 1
		if s[i] == '\\' && i+1 < len(s) {
			step = 2
		} else if s[i] >= 0x80 {
			step = utf8Len(s[i])
		}
		if i+step > max {
			break
		}
		i += step
		cut = i
	}
	return s[:cut]
}

// TruncateUTF8 shortens s to at most max bytes on a rune boundary
func TruncateUTF8(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func utf8Len(lead byte) int {
	switch {
	case lead&0xE0 == 0xC0:
		return 2
	case lead&0xF0 == 0xE0:
		return 3
	case lead&0xF8 == 0xF0:
		return 4
	default:
		return 1
	}
}

func isUpper(c byte) bool {
	return c >= 'A' && c <= 'Z'
}
