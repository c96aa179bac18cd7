package codec

import (
	"errors"
	"fmt"
)

// ErrLineTooLong is returned when a line exceeds the hard line cap
var ErrLineTooLong = errors.New("line exceeds hard length limit")

// ErrInvalidKey is returned for field keys outside [A-Za-z0-9_.-]+
var ErrInvalidKey = errors.New("invalid field key")

// Code identifies a class of diagnostic or parse failure
type Code string

const (
	CodeMalformedLine      Code = "malformed_line"
	CodeLineTooLong        Code = "line_too_long"
	CodeOrphanField        Code = "orphan_field"
	CodeUnexpectedRow      Code = "unexpected_row"
	CodeUnexpectedField    Code = "unexpected_field"
	CodeUnexpectedID       Code = "unexpected_id"
	CodeSequenceRegression Code = "sequence_regression"
	CodeSequenceGap        Code = "sequence_gap"
	CodePartialTail        Code = "partial_tail"
	CodeMissingVersion     Code = "missing_version"
	CodeDuplicateVersion   Code = "duplicate_version"
	CodeVersionNotFirst    Code = "version_not_first"
	CodeUnsupportedVersion Code = "unsupported_version"
	CodeNonStandardEnum    Code = "non_standard_enum"
	CodeInvalidValue       Code = "invalid_value"
	CodeFieldTruncated     Code = "field_truncated"
	CodeLineTruncated      Code = "line_truncated"
	CodeFileSizeLimit      Code = "file_size_limit"
)

// Severity grades a diagnostic
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is a non-fatal observation made while parsing or compiling
type Diagnostic struct {
	Code     Code     `json:"code"`
	Severity Severity `json:"severity"`
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Seq      uint64   `json:"seq,omitempty"`
	Offset   int64    `json:"offset"`
	Message  string   `json:"message"`
}

func (d Diagnostic) String() string {
	loc := d.File
	if d.Line > 0 {
		loc = fmt.Sprintf("%s:%d", loc, d.Line)
	}
	if loc != "" {
		return fmt.Sprintf("%s: %s [%s] %s", loc, d.Severity, d.Code, d.Message)
	}
	return fmt.Sprintf("%s [%s] %s", d.Severity, d.Code, d.Message)
}

// LineError describes a single line that does not match the grammar
type LineError struct {
	File   string
	Line   int
	Seq    uint64
	Offset int64
	Reason Code
	Err    error
}

func (e *LineError) Error() string {
	msg := fmt.Sprintf("line %d (offset %d): %s", e.Line, e.Offset, e.Reason)
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// ParseError is a structural failure of a whole document, such as a
// sequence regression in strict mode or a partial tail
type ParseError struct {
	Code   Code
	File   string
	Line   int
	Seq    uint64
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("parse failed at line %d (offset %d): %s", e.Line, e.Offset, e.Code)
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
