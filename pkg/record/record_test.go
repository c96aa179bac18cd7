package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownKind(t *testing.T) {
	for _, name := range []string{"VERSION", "CONVERSATION", "STATE", "SESSION", "EMBEDDING", "CONSOLIDATION", "INSIGHTS", "DECISIONS", "LINKS"} {
		k, ok := KnownKind(name)
		assert.True(t, ok, name)
		assert.Equal(t, Kind(name), k)
	}

	k, ok := KnownKind("TOPICS")
	assert.False(t, ok)
	assert.Equal(t, KindUnknown, k)
}

func TestKind_RowSections(t *testing.T) {
	assert.True(t, KindInsights.IsRowSection())
	assert.Equal(t, "DECISION", KindDecisions.RowTag())
	assert.Equal(t, "LINK", KindLinks.RowTag())
	assert.False(t, KindConversation.IsRowSection())
	assert.Empty(t, KindState.RowTag())
}

func TestEnums_Valid(t *testing.T) {
	assert.True(t, Priority("").Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
	assert.True(t, ConfidenceMedium.Valid())
	assert.False(t, Confidence("certain").Valid())
	assert.True(t, ImpactLow.Valid())
	assert.True(t, MemoryProcedural.Valid())
	assert.False(t, MemoryType("dream").Valid())
	assert.True(t, ScopeGlobal.Valid())
	assert.False(t, Scope("team").Valid())
	assert.True(t, RelationDerivedFrom.Valid())
	assert.False(t, Relation("likes").Valid())

	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityLow.Rank(), Priority("urgent").Rank())
	assert.Greater(t, ConfidenceHigh.Rank(), ConfidenceLow.Rank())
}

func TestNonStandard(t *testing.T) {
	assert.Empty(t, NonStandard(&Conversation{ID: "c1", MemoryType: MemoryEpisodic, Scope: ScopeProject}))

	got := NonStandard(&Decisions{Rows: []Decision{
		{Text: "ok", Priority: PriorityHigh},
		{Text: "odd", Priority: "urgent", Confidence: "certain"},
	}})
	assert.Equal(t, []string{"rows[1].priority=urgent", "rows[1].confidence=certain"}, got)

	got = NonStandard(&Links{Rows: []Link{{Target: "x", Relation: "likes"}}})
	assert.Equal(t, []string{"rows[0].relation=likes"}, got)

	assert.Empty(t, NonStandard(&Unknown{Name: "TOPICS"}))
}

func TestFields_Get(t *testing.T) {
	f := Fields{{Key: "a", Value: "1"}, {Key: "b", Value: "2"}, {Key: "a", Value: "3"}}
	v, ok := f.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	_, ok = f.Get("c")
	assert.False(t, ok)
}

func TestTime_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 30, 0, 123456789, time.FixedZone("x", 3600))
	s := FormatTime(ts)
	assert.Equal(t, "2024-05-01T09:30:00.123456789Z", s)

	back, err := ParseTime(s)
	require.NoError(t, err)
	assert.True(t, ts.Equal(back))

	assert.Empty(t, FormatTime(time.Time{}))
	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	got, ok := Timestamp(&Session{ID: "s", StartedAt: ts})
	assert.True(t, ok)
	assert.Equal(t, ts, got)

	got, ok = Timestamp(&Insights{Rows: []Insight{
		{Text: "no ts"},
		{Text: "with ts", Extra: Fields{{Key: "ts", Value: FormatTime(ts)}}},
	}})
	assert.True(t, ok)
	assert.Equal(t, ts, got)

	_, ok = Timestamp(&Unknown{Name: "X"})
	assert.False(t, ok)
}

func TestEnsureID(t *testing.T) {
	c := &Conversation{}
	id := EnsureID(c)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, c.ID)

	s := &Session{ID: "keep"}
	assert.Equal(t, "keep", EnsureID(s))

	assert.Empty(t, EnsureID(&State{Name: "main"}))
	assert.NotEqual(t, NewID(), NewID())
}

func TestEntry_Kind(t *testing.T) {
	assert.Equal(t, KindLinks, Entry{Record: &Links{}}.Kind())
	assert.Equal(t, Kind(""), Entry{}.Kind())
}
