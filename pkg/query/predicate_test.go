package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/record"
)

var day = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func entries() []record.Entry {
	return []record.Entry{
		{Seq: 2, Record: &record.Conversation{ID: "c1", Title: "Planning kickoff", StartedAt: day}},
		{Seq: 12, Record: &record.Decisions{Rows: []record.Decision{
			{Text: "adopt flat files", Priority: record.PriorityHigh, Confidence: record.ConfidenceMedium,
				Extra: record.Fields{{Key: "ts", Value: "2024-03-02T00:00:00Z"}}},
		}}},
		{Seq: 20, Record: &record.Decisions{Rows: []record.Decision{
			{Text: "rename module", Priority: record.PriorityLow},
			{Text: "odd", Priority: "urgent"},
		}}},
		{Seq: 30, Record: &record.Insights{Rows: []record.Insight{{Text: "users like tails", Confidence: record.ConfidenceHigh}}}},
		{Seq: 40, Record: &record.Unknown{Name: "NOTE", Lines: []string{"body=Remember the milk"}}},
	}
}

func seqs(es []record.Entry) []uint64 {
	out := make([]uint64, len(es))
	for i, e := range es {
		out[i] = e.Seq
	}
	return out
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name string
		pred Predicate
		want []uint64
	}{
		{"all", All(), []uint64{2, 12, 20, 30, 40}},
		{"nil", nil, []uint64{2, 12, 20, 30, 40}},
		{"kinds", Kinds(record.KindDecisions), []uint64{12, 20}},
		{"unknown by name", Kinds("NOTE"), []uint64{40}},
		{"min priority", MinPriority(record.PriorityMedium), []uint64{12}},
		{"min priority low", MinPriority(record.PriorityLow), []uint64{12, 20}},
		{"min confidence", MinConfidence(record.ConfidenceMedium), []uint64{12, 30}},
		{"min confidence high", MinConfidence(record.ConfidenceHigh), []uint64{30}},
		{"since", Since(day.Add(time.Hour)), []uint64{12}},
		{"until", Until(day.Add(time.Hour)), []uint64{2}},
		{"between", Between(day, day.Add(48*time.Hour)), []uint64{2, 12}},
		{"seq range", SeqRange(10, 30), []uint64{12, 20, 30}},
		{"seq open end", SeqRange(25, 0), []uint64{30, 40}},
		{"text", TextContains("KICKOFF"), []uint64{2}},
		{"text in unknown", TextContains("milk"), []uint64{40}},
		{"non standard", NonStandard(), []uint64{20}},
		{"and", And(Kinds(record.KindDecisions), Not(NonStandard())), []uint64{12}},
		{"or", Or(Kinds(record.KindInsights), TextContains("rename")), []uint64{20, 30}},
		{"empty or", Or(), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Select(entries(), tt.pred)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, seqs(got))
		})
	}
}

func TestFilter_Predicate(t *testing.T) {
	f := Filter{Kinds: []string{"DECISIONS"}, MinPriority: "medium"}
	p, err := f.Predicate()
	require.NoError(t, err)
	assert.Equal(t, []uint64{12}, seqs(Select(entries(), p)))

	empty := Filter{}
	p, err = empty.Predicate()
	require.NoError(t, err)
	assert.Len(t, Select(entries(), p), 5)

	f = Filter{FromSeq: 15, Text: "odd"}
	p, err = f.Predicate()
	require.NoError(t, err)
	assert.Equal(t, []uint64{20}, seqs(Select(entries(), p)))
}

func TestFilter_Validate(t *testing.T) {
	tests := map[string]Filter{
		"bad priority":   {MinPriority: "urgent"},
		"bad confidence": {MinConfidence: "sure"},
		"empty kind":     {Kinds: []string{""}},
		"inverted time":  {Since: day, Until: day},
		"inverted seq":   {FromSeq: 9, ToSeq: 3},
	}
	for name, f := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, f.Validate())
			_, err := f.Predicate()
			assert.Error(t, err)
		})
	}
}
