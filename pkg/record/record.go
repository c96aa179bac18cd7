// Package record defines the in-memory model of a context store: a closed set
// of section types plus an Unknown variant that carries sections this version
// does not understand.
package record

import "github.com/segmentio/ksuid"

// Kind is the section name a record is stored under
type Kind string

const (
	KindVersion       Kind = "VERSION"
	KindConversation  Kind = "CONVERSATION"
	KindState         Kind = "STATE"
	KindSession       Kind = "SESSION"
	KindEmbedding     Kind = "EMBEDDING"
	KindConsolidation Kind = "CONSOLIDATION"
	KindInsights      Kind = "INSIGHTS"
	KindDecisions     Kind = "DECISIONS"
	KindLinks         Kind = "LINKS"
	KindUnknown       Kind = "UNKNOWN"
)

// Row tags used inside the repeating-row sections
const (
	RowInsight  = "INSIGHT"
	RowDecision = "DECISION"
	RowLink     = "LINK"
)

// FormatVersion is the version marker written to fresh files
const FormatVersion = "1"

// IsRowSection reports whether k holds one-line rows instead of key=value fields
func (k Kind) IsRowSection() bool {
	switch k {
	case KindInsights, KindDecisions, KindLinks:
		return true
	}
	return false
}

// RowTag returns the row tag for a row section, or "" for field sections
func (k Kind) RowTag() string {
	switch k {
	case KindInsights:
		return RowInsight
	case KindDecisions:
		return RowDecision
	case KindLinks:
		return RowLink
	}
	return ""
}

// KnownKind maps a header name to its Kind. Unrecognised names return
// KindUnknown and false.
func KnownKind(name string) (Kind, bool) {
	switch k := Kind(name); k {
	case KindVersion, KindConversation, KindState, KindSession, KindEmbedding,
		KindConsolidation, KindInsights, KindDecisions, KindLinks:
		return k, true
	}
	return KindUnknown, false
}

// Record is implemented by every section type in this package and nothing
// else. Code that handles records switches exhaustively over the concrete types.
type Record interface {
	Kind() Kind
	record()
}

// Field is an ordered key=value pair that a typed record does not model itself
type Field struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Fields is an ordered list of extra fields
type Fields []Field

// Get returns the first value stored under key
func (f Fields) Get(key string) (string, bool) {
	for _, field := range f {
		if field.Key == key {
			return field.Value, true
		}
	}
	return "", false
}

// Entry is a record together with where it was found
type Entry struct {
	Seq    uint64 `json:"seq"`
	Offset int64  `json:"offset"`
	Record Record `json:"-"`
}

// Kind is a shortcut for e.Record.Kind()
func (e Entry) Kind() Kind {
	if e.Record == nil {
		return ""
	}
	return e.Record.Kind()
}

// NewID returns a sortable, globally unique identifier for new records
func NewID() string {
	return ksuid.New().String()
}

// EnsureID assigns NewID to records that carry an ID but have none, and
// returns the record's ID
func EnsureID(r Record) string {
	var id *string
	switch v := r.(type) {
	case *Conversation:
		id = &v.ID
	case *Session:
		id = &v.ID
	case *Embedding:
		id = &v.ID
	case *Consolidation:
		id = &v.ID
	default:
		return ""
	}
	if *id == "" {
		*id = NewID()
	}
	return *id
}
