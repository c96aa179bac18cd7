// Package query provides the filter predicates used when reading entries
// back from a store.
package query

import (
	"strings"
	"time"

	"github.com/ssargent/ctxstore/pkg/record"
)

// Predicate decides whether an entry is selected. A nil Predicate selects everything.
type Predicate func(record.Entry) bool

// Match applies p, treating nil as All
func (p Predicate) Match(e record.Entry) bool {
	if p == nil {
		return true
	}
	return p(e)
}

// All selects every entry
func All() Predicate {
	return func(record.Entry) bool { return true }
}

// And selects entries matched by every predicate
func And(preds ...Predicate) Predicate {
	return func(e record.Entry) bool {
		for _, p := range preds {
			if !p.Match(e) {
				return false
			}
		}
		return true
	}
}

// Or selects entries matched by at least one predicate. Or() selects nothing.
func Or(preds ...Predicate) Predicate {
	return func(e record.Entry) bool {
		for _, p := range preds {
			if p.Match(e) {
				return true
			}
		}
		return false
	}
}

// Not inverts p
func Not(p Predicate) Predicate {
	return func(e record.Entry) bool { return !p.Match(e) }
}

// Kinds selects entries of the given kinds. Names of opaque sections match
// their Unknown records.
func Kinds(kinds ...record.Kind) Predicate {
	set := make(map[record.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(e record.Entry) bool {
		if set[e.Kind()] {
			return true
		}
		if u, ok := e.Record.(*record.Unknown); ok {
			return set[record.Kind(u.Name)]
		}
		return false
	}
}

// MinPriority selects decision sections with at least one row at or above min
func MinPriority(floor record.Priority) Predicate {
	want := floor.Rank()
	return func(e record.Entry) bool {
		d, ok := e.Record.(*record.Decisions)
		if !ok {
			return false
		}
		for _, row := range d.Rows {
			if row.Priority.Rank() >= want && row.Priority.Rank() > 0 {
				return true
			}
		}
		return false
	}
}

// MinConfidence selects row sections with at least one row at or above min
func MinConfidence(floor record.Confidence) Predicate {
	want := floor.Rank()
	ok := func(c record.Confidence) bool { return c.Rank() > 0 && c.Rank() >= want }
	return func(e record.Entry) bool {
		switch v := e.Record.(type) {
		case *record.Insights:
			for _, row := range v.Rows {
				if ok(row.Confidence) {
					return true
				}
			}
		case *record.Decisions:
			for _, row := range v.Rows {
				if ok(row.Confidence) {
					return true
				}
			}
		case *record.Links:
			for _, row := range v.Rows {
				if ok(row.Confidence) {
					return true
				}
			}
		}
		return false
	}
}

// Since selects records whose timestamp is at or after t. Records without a
// timestamp are not selected.
func Since(t time.Time) Predicate {
	return func(e record.Entry) bool {
		ts, ok := record.Timestamp(e.Record)
		return ok && !ts.Before(t)
	}
}

// Until selects records whose timestamp is strictly before t
func Until(t time.Time) Predicate {
	return func(e record.Entry) bool {
		ts, ok := record.Timestamp(e.Record)
		return ok && ts.Before(t)
	}
}

// Between selects timestamps in [from, to)
func Between(from, to time.Time) Predicate {
	return And(Since(from), Until(to))
}

// SeqRange selects entries whose header sequence number is in [from, to].
// A zero bound is open.
func SeqRange(from, to uint64) Predicate {
	return func(e record.Entry) bool {
		if from > 0 && e.Seq < from {
			return false
		}
		return to == 0 || e.Seq <= to
	}
}

// TextContains selects records with sub in any free-text value, ignoring case
func TextContains(sub string) Predicate {
	needle := strings.ToLower(sub)
	return func(e record.Entry) bool {
		for _, s := range Texts(e.Record) {
			if strings.Contains(strings.ToLower(s), needle) {
				return true
			}
		}
		return false
	}
}

// NonStandard selects records carrying enum values outside the vocabulary
func NonStandard() Predicate {
	return func(e record.Entry) bool {
		return e.Record != nil && len(record.NonStandard(e.Record)) > 0
	}
}

// Texts lists the free-text values of a record
func Texts(r record.Record) []string {
	var out []string
	extras := func(f record.Fields) {
		for _, field := range f {
			out = append(out, field.Value)
		}
	}
	switch v := r.(type) {
	case *record.Conversation:
		out = append(out, v.ID, v.Platform, v.Title, v.Summary)
		out = append(out, v.Participants...)
		out = append(out, v.Tags...)
		extras(v.Extra)
	case *record.State:
		out = append(out, v.Name, v.Focus, v.Status)
		extras(v.Extra)
	case *record.Session:
		out = append(out, v.ID, v.Agent, v.Project, v.Status)
		extras(v.Extra)
	case *record.Embedding:
		out = append(out, v.ID, v.Model, v.Ref)
		extras(v.Extra)
	case *record.Consolidation:
		out = append(out, v.ID, v.Summary, v.Strategy)
		out = append(out, v.Sources...)
		extras(v.Extra)
	case *record.Insights:
		for _, row := range v.Rows {
			out = append(out, row.Text)
			extras(row.Extra)
		}
	case *record.Decisions:
		for _, row := range v.Rows {
			out = append(out, row.Text)
			extras(row.Extra)
		}
	case *record.Links:
		for _, row := range v.Rows {
			out = append(out, row.Target)
			extras(row.Extra)
		}
	case *record.Unknown:
		out = append(out, v.ID)
		out = append(out, v.Lines...)
	}
	return out
}

// Select returns the entries p selects
func Select(entries []record.Entry, p Predicate) []record.Entry {
	var out []record.Entry
	for _, e := range entries {
		if p.Match(e) {
			out = append(out, e)
		}
	}
	return out
}
