package codec

import (
	"fmt"
	"strconv"

	"github.com/ssargent/ctxstore/pkg/record"
)

type valueKind int

const (
	// valText is free text and is scanned for sensitive data
	valText valueKind = iota
	// valPlain is an enum, timestamp or number and is written as is
	valPlain
	// valList is a list of free text items
	valList
	// valEnum is an enum value. Values outside the vocabulary are caller
	// text and are scanned like free text.
	valEnum
)

type fieldValue struct {
	key      string
	value    string
	items    []string
	kind     valueKind
	standard bool
}

func text(key, v string) fieldValue  { return fieldValue{key: key, value: v, kind: valText} }
func plain(key, v string) fieldValue { return fieldValue{key: key, value: v, kind: valPlain} }
func enum(key, v string, standard bool) fieldValue {
	return fieldValue{key: key, value: v, kind: valEnum, standard: standard}
}
func list(key string, items []string) fieldValue {
	return fieldValue{key: key, items: items, kind: valList}
}

func intValue(n int) string {
	if n == 0 {
		return ""
	}
	return strconv.Itoa(n)
}

// sectionFields flattens a field section into its ordered key=value pairs.
// Unset values are skipped; extras follow the standard keys.
func sectionFields(rec record.Record) (header string, fields []fieldValue, extra record.Fields) {
	switch v := rec.(type) {
	case *record.Conversation:
		return v.ID, []fieldValue{
			text("platform", v.Platform),
			text("title", v.Title),
			text("summary", v.Summary),
			plain("started", record.FormatTime(v.StartedAt)),
			plain("ended", record.FormatTime(v.EndedAt)),
			plain("messages", intValue(v.Messages)),
			list("participants", v.Participants),
			list("tags", v.Tags),
			enum("memory_type", string(v.MemoryType), v.MemoryType.Valid()),
			enum("scope", string(v.Scope), v.Scope.Valid()),
		}, v.Extra
	case *record.State:
		return v.Name, []fieldValue{
			text("focus", v.Focus),
			text("status", v.Status),
			plain("updated", record.FormatTime(v.UpdatedAt)),
			enum("scope", string(v.Scope), v.Scope.Valid()),
		}, v.Extra
	case *record.Session:
		return v.ID, []fieldValue{
			text("agent", v.Agent),
			text("project", v.Project),
			text("status", v.Status),
			plain("started", record.FormatTime(v.StartedAt)),
			plain("ended", record.FormatTime(v.EndedAt)),
			enum("scope", string(v.Scope), v.Scope.Valid()),
		}, v.Extra
	case *record.Embedding:
		return v.ID, []fieldValue{
			text("model", v.Model),
			plain("dims", intValue(v.Dims)),
			text("ref", v.Ref),
			plain("created", record.FormatTime(v.CreatedAt)),
			plain("vector", EncodeVector(v.Vector)),
		}, v.Extra
	case *record.Consolidation:
		return v.ID, []fieldValue{
			text("summary", v.Summary),
			text("strategy", v.Strategy),
			enum("memory_type", string(v.MemoryType), v.MemoryType.Valid()),
			list("sources", v.Sources),
			plain("count", intValue(v.Count)),
			plain("created", record.FormatTime(v.CreatedAt)),
		}, v.Extra
	}
	return "", nil, nil
}

// rowValue is one row flattened to its columns. The first column is free
// text, the other three are enums.
type rowValue struct {
	text  string
	enums [3]string
	extra record.Fields
	// standard marks enums from the vocabulary
	standard [3]bool
}

func sectionRows(rec record.Record) []rowValue {
	switch v := rec.(type) {
	case *record.Insights:
		rows := make([]rowValue, len(v.Rows))
		for i, r := range v.Rows {
			rows[i] = rowValue{
				text:     r.Text,
				enums:    [3]string{string(r.MemoryType), string(r.Confidence), string(r.Impact)},
				standard: [3]bool{r.MemoryType.Valid(), r.Confidence.Valid(), r.Impact.Valid()},
				extra:    r.Extra,
			}
		}
		return rows
	case *record.Decisions:
		rows := make([]rowValue, len(v.Rows))
		for i, r := range v.Rows {
			rows[i] = rowValue{
				text:     r.Text,
				enums:    [3]string{string(r.Priority), string(r.Confidence), string(r.Impact)},
				standard: [3]bool{r.Priority.Valid(), r.Confidence.Valid(), r.Impact.Valid()},
				extra:    r.Extra,
			}
		}
		return rows
	case *record.Links:
		rows := make([]rowValue, len(v.Rows))
		for i, r := range v.Rows {
			rows[i] = rowValue{
				text:     r.Target,
				enums:    [3]string{string(r.Relation), string(r.Scope), string(r.Confidence)},
				standard: [3]bool{r.Relation.Valid(), r.Scope.Valid(), r.Confidence.Valid()},
				extra:    r.Extra,
			}
		}
		return rows
	}
	return nil
}

// fieldDecoder applies one decoded key=value pair to a record under
// construction. It returns an error when a typed value cannot be parsed; the
// caller then keeps the raw value as an extra field.
type fieldDecoder func(key, value string) (handled bool, err error)

// newFieldSection creates an empty record for a field section header and a
// decoder that fills it.
func newFieldSection(kind record.Kind, id string) (record.Record, fieldDecoder) {
	switch kind {
	case record.KindConversation:
		c := &record.Conversation{ID: id}
		return c, func(key, value string) (bool, error) {
			var err error
			switch key {
			case "platform":
				c.Platform = value
			case "title":
				c.Title = value
			case "summary":
				c.Summary = value
			case "started":
				c.StartedAt, err = record.ParseTime(value)
			case "ended":
				c.EndedAt, err = record.ParseTime(value)
			case "messages":
				c.Messages, err = parseInt(value)
			case "participants":
				c.Participants = DecodeList(value)
			case "tags":
				c.Tags = DecodeList(value)
			case "memory_type":
				c.MemoryType = record.MemoryType(value)
			case "scope":
				c.Scope = record.Scope(value)
			default:
				return false, nil
			}
			return true, err
		}
	case record.KindState:
		s := &record.State{Name: id}
		return s, func(key, value string) (bool, error) {
			var err error
			switch key {
			case "focus":
				s.Focus = value
			case "status":
				s.Status = value
			case "updated":
				s.UpdatedAt, err = record.ParseTime(value)
			case "scope":
				s.Scope = record.Scope(value)
			default:
				return false, nil
			}
			return true, err
		}
	case record.KindSession:
		s := &record.Session{ID: id}
		return s, func(key, value string) (bool, error) {
			var err error
			switch key {
			case "agent":
				s.Agent = value
			case "project":
				s.Project = value
			case "status":
				s.Status = value
			case "started":
				s.StartedAt, err = record.ParseTime(value)
			case "ended":
				s.EndedAt, err = record.ParseTime(value)
			case "scope":
				s.Scope = record.Scope(value)
			default:
				return false, nil
			}
			return true, err
		}
	case record.KindEmbedding:
		e := &record.Embedding{ID: id}
		return e, func(key, value string) (bool, error) {
			var err error
			switch key {
			case "model":
				e.Model = value
			case "dims":
				e.Dims, err = parseInt(value)
			case "ref":
				e.Ref = value
			case "created":
				e.CreatedAt, err = record.ParseTime(value)
			case "vector":
				e.Vector, err = DecodeVector(value)
			default:
				return false, nil
			}
			return true, err
		}
	case record.KindConsolidation:
		c := &record.Consolidation{ID: id}
		return c, func(key, value string) (bool, error) {
			var err error
			switch key {
			case "summary":
				c.Summary = value
			case "strategy":
				c.Strategy = value
			case "memory_type":
				c.MemoryType = record.MemoryType(value)
			case "sources":
				c.Sources = DecodeList(value)
			case "count":
				c.Count, err = parseInt(value)
			case "created":
				c.CreatedAt, err = record.ParseTime(value)
			default:
				return false, nil
			}
			return true, err
		}
	}
	return nil, nil
}

// appendExtra stores a key the typed record did not take
func appendExtra(rec record.Record, f record.Field) {
	switch v := rec.(type) {
	case *record.Conversation:
		v.Extra = append(v.Extra, f)
	case *record.State:
		v.Extra = append(v.Extra, f)
	case *record.Session:
		v.Extra = append(v.Extra, f)
	case *record.Embedding:
		v.Extra = append(v.Extra, f)
	case *record.Consolidation:
		v.Extra = append(v.Extra, f)
	}
}

// newRowSection creates an empty record for a row section header
func newRowSection(kind record.Kind) record.Record {
	switch kind {
	case record.KindInsights:
		return &record.Insights{}
	case record.KindDecisions:
		return &record.Decisions{}
	case record.KindLinks:
		return &record.Links{}
	}
	return nil
}

// appendRow adds one decoded row to a row section record
func appendRow(rec record.Record, row rowValue) {
	switch v := rec.(type) {
	case *record.Insights:
		v.Rows = append(v.Rows, record.Insight{
			Text:       row.text,
			MemoryType: record.MemoryType(row.enums[0]),
			Confidence: record.Confidence(row.enums[1]),
			Impact:     record.Impact(row.enums[2]),
			Extra:      row.extra,
		})
	case *record.Decisions:
		v.Rows = append(v.Rows, record.Decision{
			Text:       row.text,
			Priority:   record.Priority(row.enums[0]),
			Confidence: record.Confidence(row.enums[1]),
			Impact:     record.Impact(row.enums[2]),
			Extra:      row.extra,
		})
	case *record.Links:
		v.Rows = append(v.Rows, record.Link{
			Target:     row.text,
			Relation:   record.Relation(row.enums[0]),
			Scope:      record.Scope(row.enums[1]),
			Confidence: record.Confidence(row.enums[2]),
			Extra:      row.extra,
		})
	}
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return n, nil
}
