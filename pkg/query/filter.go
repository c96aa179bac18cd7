package query

import (
	"fmt"
	"time"

	"github.com/ssargent/ctxstore/pkg/record"
)

// Filter describes a predicate in plain values, as received from a command
// line or an HTTP query string
type Filter struct {
	Kinds         []string  `json:"kinds,omitempty"`
	MinPriority   string    `json:"min_priority,omitempty"`
	MinConfidence string    `json:"min_confidence,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Until         time.Time `json:"until,omitempty"`
	FromSeq       uint64    `json:"from_seq,omitempty"`
	ToSeq         uint64    `json:"to_seq,omitempty"`
	Text          string    `json:"text,omitempty"`
	NonStandard   bool      `json:"non_standard,omitempty"`
}

// Validate checks if the filter is properly formed
func (f *Filter) Validate() error {
	for _, k := range f.Kinds {
		if k == "" {
			return fmt.Errorf("kind cannot be empty")
		}
	}
	if f.MinPriority != "" && record.Priority(f.MinPriority).Rank() == 0 {
		return fmt.Errorf("invalid priority: %s", f.MinPriority)
	}
	if f.MinConfidence != "" && record.Confidence(f.MinConfidence).Rank() == 0 {
		return fmt.Errorf("invalid confidence: %s", f.MinConfidence)
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Since.Before(f.Until) {
		return fmt.Errorf("since must be before until")
	}
	if f.ToSeq > 0 && f.FromSeq > f.ToSeq {
		return fmt.Errorf("from_seq %d is after to_seq %d", f.FromSeq, f.ToSeq)
	}
	return nil
}

// Predicate builds the predicate selecting entries that satisfy every set field
func (f *Filter) Predicate() (Predicate, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var preds []Predicate
	if len(f.Kinds) > 0 {
		kinds := make([]record.Kind, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = record.Kind(k)
		}
		preds = append(preds, Kinds(kinds...))
	}
	if f.MinPriority != "" {
		preds = append(preds, MinPriority(record.Priority(f.MinPriority)))
	}
	if f.MinConfidence != "" {
		preds = append(preds, MinConfidence(record.Confidence(f.MinConfidence)))
	}
	if !f.Since.IsZero() {
		preds = append(preds, Since(f.Since))
	}
	if !f.Until.IsZero() {
		preds = append(preds, Until(f.Until))
	}
	if f.FromSeq > 0 || f.ToSeq > 0 {
		preds = append(preds, SeqRange(f.FromSeq, f.ToSeq))
	}
	if f.Text != "" {
		preds = append(preds, TextContains(f.Text))
	}
	if f.NonStandard {
		preds = append(preds, NonStandard())
	}
	if len(preds) == 0 {
		return All(), nil
	}
	return And(preds...), nil
}
