package store

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/record"
)

// LogSuffix is the file extension of category logs
const LogSuffix = ".ctx"

// Built-in categories
const (
	CategoryConversations  = "conversations"
	CategoryDecisions      = "decisions"
	CategoryInsights       = "insights"
	CategoryLinks          = "links"
	CategoryState          = "state"
	CategorySessions       = "sessions"
	CategoryEmbeddings     = "embeddings"
	CategoryConsolidations = "consolidations"
)

var builtinCategories = map[string][]record.Kind{
	CategoryConversations:  {record.KindConversation, record.KindLinks},
	CategoryDecisions:      {record.KindDecisions},
	CategoryInsights:       {record.KindInsights},
	CategoryLinks:          {record.KindLinks},
	CategoryState:          {record.KindState, record.KindSession},
	CategorySessions:       {record.KindSession},
	CategoryEmbeddings:     {record.KindEmbedding},
	CategoryConsolidations: {record.KindConsolidation},
}

var categoryPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// ValidateCategory checks a category name
func ValidateCategory(name string) error {
	if !categoryPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, name)
	}
	return nil
}

// Accepts reports whether category may hold records of kind. Custom
// categories take every kind; Unknown records are accepted everywhere.
func Accepts(category string, kind record.Kind) bool {
	if kind == record.KindVersion {
		return false
	}
	if kind == record.KindUnknown {
		return true
	}
	kinds, builtin := builtinCategories[category]
	if !builtin {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Strategy is how a reader consumes a file
type Strategy string

const (
	// StrategyLoad reads the whole file into memory before parsing
	StrategyLoad Strategy = "load"
	// StrategyStream parses line by line with a bounded buffer
	StrategyStream Strategy = "stream"
)

// GapPolicy decides how the health check grades sequence gaps
type GapPolicy int

const (
	// GapTolerate reports gaps and degrades the file status
	GapTolerate GapPolicy = iota
	// GapCorrupt treats gaps as integrity failures
	GapCorrupt
)

func (p GapPolicy) String() string {
	if p == GapCorrupt {
		return "corrupt"
	}
	return "tolerate"
}

// ParseGapPolicy parses "tolerate" or "corrupt"
func ParseGapPolicy(s string) (GapPolicy, error) {
	switch s {
	case "", "tolerate":
		return GapTolerate, nil
	case "corrupt":
		return GapCorrupt, nil
	}
	return GapTolerate, fmt.Errorf("unknown gap policy %q", s)
}

// Summary is the O(1) view of one category file, served from its index
type Summary struct {
	Category  string         `json:"category"`
	Path      string         `json:"path"`
	LastSeq   uint64         `json:"last_seq"`
	Size      int64          `json:"size"`
	Lines     int            `json:"lines"`
	Records   int            `json:"records"`
	Sections  map[string]int `json:"sections"`
	Strategy  Strategy       `json:"strategy"`
	UpdatedAt time.Time      `json:"updated_at"`
	// Indexed is false when the index was missing or out of date and the
	// summary had to be derived from a scan
	Indexed bool `json:"indexed"`
}

// AppendReport describes one append
type AppendReport struct {
	Category string `json:"category"`
	// FirstSeq is the sequence number of the record's header line
	FirstSeq uint64 `json:"first_seq"`
	LastSeq  uint64 `json:"last_seq"`
	// Offset is the byte offset of the record's header line
	Offset      int64              `json:"offset"`
	Bytes       int                `json:"bytes"`
	Findings    []codec.Finding    `json:"findings,omitempty"`
	Diagnostics []codec.Diagnostic `json:"diagnostics,omitempty"`
	// Warnings are degraded-but-successful conditions such as a recovered stale lock
	Warnings []*WriteError `json:"-"`
	LockWait time.Duration `json:"lock_wait"`
}

// EntryIterator provides lazy, forward-only access to entries
type EntryIterator interface {
	Next() bool
	Entry() record.Entry
	Err() error
	// Offset is where reading can resume after the last returned entry
	Offset() int64
	// Diagnostics lists what was recovered from so far
	Diagnostics() []codec.Diagnostic
	Close() error
}
