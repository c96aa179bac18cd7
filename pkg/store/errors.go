package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ssargent/ctxstore/pkg/codec"
)

// Errors
var (
	ErrClosed          = errors.New("store is closed")
	ErrInvalidCategory = errors.New("invalid category name")
	ErrKindNotAccepted = errors.New("record kind not accepted by category")
	ErrBadOffset       = errors.New("offset is not at a line boundary")
)

// WriteErrorKind classifies a WriteError
type WriteErrorKind string

const (
	// LockTimeout means the file lock could not be acquired in time; retryable
	LockTimeout WriteErrorKind = "lock_timeout"
	// StaleLockRecovered is a warning: an abandoned lock was cleared
	StaleLockRecovered WriteErrorKind = "stale_lock_recovered"
	// TornTailTruncated is a warning: an unterminated fragment left by a
	// crashed writer was removed before appending
	TornTailTruncated WriteErrorKind = "torn_tail_truncated"
	// IndexUpdate is a warning: the data is durable but the index could not be saved
	IndexUpdate WriteErrorKind = "index_update"
	// WriteFailed means the append did not reach the file
	WriteFailed WriteErrorKind = "write_failed"
)

// WriteError reports a failed or degraded append
type WriteError struct {
	Kind     WriteErrorKind
	Category string
	Path     string
	Err      error
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Category, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IntegrityError is returned by HealthReport.Err when checksum or sequence
// problems were found
type IntegrityError struct {
	Issues []codec.Diagnostic
}

func (e *IntegrityError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for i, d := range e.Issues {
		if i == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(e.Issues)-i))
			break
		}
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("integrity check failed (%d issues): %s", len(e.Issues), strings.Join(parts, "; "))
}
