// Package lock implements cross-process writer exclusion for log files.
//
// A writer owns a file while a marker file (the target path plus ".lock")
// exists and carries its token. The marker is created with O_EXCL, so the
// filesystem arbitrates between processes; within a process the Manager
// queues writers per target so they wait without spinning on the marker.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MarkerSuffix is appended to a target path to form its marker path
const MarkerSuffix = ".lock"

// State is the life-cycle position of a Handle
type State int

const (
	Unlocked State = iota
	Acquiring
	Locked
	Writing
)

func (s State) String() string {
	switch s {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Locked:
		return "locked"
	case Writing:
		return "writing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrTimeout is wrapped by TimeoutError
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrNotOwner means the marker no longer carries this handle's token
	ErrNotOwner = errors.New("lock marker is owned by someone else")
	// ErrReleased is returned when using a released handle
	ErrReleased = errors.New("lock handle already released")
	// ErrClosed is returned by a closed Manager
	ErrClosed = errors.New("lock manager is closed")
)

// Owner identifies the holder of a marker
type Owner struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func (o Owner) String() string {
	return fmt.Sprintf("pid %d on %s (token %s)", o.PID, o.Host, o.Token)
}

func (o Owner) encode() ([]byte, error) {
	data, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func decodeOwner(data []byte) (Owner, error) {
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil {
		return Owner{}, err
	}
	if o.Token == "" {
		return Owner{}, errors.New("marker has no token")
	}
	return o, nil
}

// Config tunes acquisition
type Config struct {
	// Timeout bounds the whole acquisition
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// InitialBackoff is the first retry delay
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	// MaxBackoff caps the retry delay
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff"`
	// StaleAfter is the minimum marker age before it may be considered abandoned
	StaleAfter time.Duration `yaml:"stale_after" json:"stale_after"`
}

// DefaultConfig returns the default acquisition settings
func DefaultConfig() Config {
	return Config{
		Timeout:        5 * time.Second,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
		StaleAfter:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = d.StaleAfter
	}
	return c
}

// TimeoutError reports a failed acquisition
type TimeoutError struct {
	Path     string
	Holder   *Owner
	Waited   time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	holder := "unknown holder"
	if e.Holder != nil {
		holder = e.Holder.String()
	}
	return fmt.Sprintf("lock %s held by %s: gave up after %s and %d attempts",
		e.Path, holder, e.Waited.Truncate(time.Millisecond), e.Attempts)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}

// Recovery describes a stale marker that was moved aside
type Recovery struct {
	Path     string
	Previous *Owner
	Age      time.Duration
	Reason   string
}

func (r *Recovery) String() string {
	prev := "unreadable marker"
	if r.Previous != nil {
		prev = r.Previous.String()
	}
	return fmt.Sprintf("recovered stale lock %s from %s (age %s): %s", r.Path, prev, r.Age.Truncate(time.Second), r.Reason)
}

// Status is the observed state of a marker
type Status struct {
	Path  string
	Held  bool
	Owner *Owner
	Age   time.Duration
	Stale bool
	// Reason explains Stale
	Reason string
}
