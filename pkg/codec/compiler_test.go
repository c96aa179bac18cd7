package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
)

type fileState struct {
	last uint64
	size int64
}

func (f fileState) LastSeq() uint64 { return f.last }
func (f fileState) Size() int64     { return f.size }

func TestCompiler_Conversation(t *testing.T) {
	rec := &record.Conversation{
		ID:           "conv-1",
		Platform:     "slack",
		Title:        "Kickoff",
		StartedAt:    time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
		Messages:     12,
		Participants: []string{"ann", "bob, jr"},
		Tags:         []string{"planning"},
		MemoryType:   record.MemoryEpisodic,
		Scope:        record.ScopeProject,
	}

	compiled, err := NewCompiler(CompilerConfig{}).Compile(rec, SeqAfter(1))
	require.NoError(t, err)

	want := "2|@CONVERSATION:conv-1\n" +
		"3|platform=slack\n" +
		"4|title=Kickoff\n" +
		"5|started=2024-05-01T09:00:00Z\n" +
		"6|messages=12\n" +
		`7|participants=ann,bob\\, jr` + "\n" +
		"8|tags=planning\n" +
		"9|memory_type=episodic\n" +
		"10|scope=project\n" +
		"11|\n"
	assert.Equal(t, want, string(compiled.Bytes()))
	assert.Equal(t, uint64(2), compiled.FirstSeq())
	assert.Equal(t, uint64(11), compiled.LastSeq())
	assert.Equal(t, int64(len(want)), compiled.Size())
	assert.True(t, compiled.Lines[0].Header)
	assert.False(t, compiled.Lines[1].Header)
	assert.Empty(t, compiled.Findings)
	assert.Empty(t, compiled.Diagnostics)
}

func TestCompiler_VersionLine(t *testing.T) {
	line := NewCompiler(CompilerConfig{}).VersionLine(1)
	assert.Equal(t, "1|@VERSION:1\n", string(line.Data))
	assert.True(t, line.Header)
}

func TestCompiler_RoundTrip(t *testing.T) {
	ts := time.Date(2024, 6, 2, 14, 5, 6, 789000000, time.UTC)
	records := []record.Record{
		&record.Conversation{ID: "c1", Title: "pipes | and\nnewlines", Summary: "@HEADER lookalike and back\\slash",
			Tags: []string{"a,b", `c\d`}, StartedAt: ts, EndedAt: ts.Add(time.Hour),
			Extra: record.Fields{{Key: "color", Value: "blue"}}},
		&record.State{Name: "main", Focus: "index rebuild", Status: "active", UpdatedAt: ts, Scope: record.ScopeSession,
			Extra: record.Fields{{Key: "branch", Value: "feature/x"}}},
		&record.State{Focus: "unnamed"},
		&record.Session{ID: "s1", Agent: "planner", Project: "ctxstore", StartedAt: ts, Scope: record.ScopeProject},
		&record.Embedding{ID: "e1", Model: "mini", Dims: 3, Ref: "c1", CreatedAt: ts, Vector: []float32{0.25, -1.5, 3}},
		&record.Consolidation{ID: "k1", Summary: "merged", Strategy: "latest_wins", MemoryType: record.MemorySemantic,
			Sources: []string{"c1", "c2"}, Count: 2, CreatedAt: ts},
		&record.Insights{Rows: []record.Insight{
			{Text: "tests are slow", MemoryType: record.MemorySemantic, Confidence: record.ConfidenceHigh, Impact: record.ImpactMedium,
				Extra: record.Fields{{Key: "ts", Value: record.FormatTime(ts)}}},
			{Text: "cache | helps"},
		}},
		&record.Decisions{Rows: []record.Decision{
			{Text: "use flat files", Priority: record.PriorityCritical, Confidence: record.ConfidenceMedium, Impact: record.ImpactHigh,
				Extra: record.Fields{{Key: "rationale", Value: "easy to inspect"}, {Key: "status", Value: "accepted"}}},
		}},
		&record.Links{Rows: []record.Link{
			{Target: "c1", Relation: record.RelationDerivedFrom, Scope: record.ScopeProject, Confidence: record.ConfidenceLow},
		}},
		&record.Unknown{Name: "TOPICS", ID: "t1", Lines: []string{"weight=0.5"}},
	}

	c := NewCompiler(CompilerConfig{})
	var buf []byte
	buf = append(buf, c.VersionLine(1).Data...)
	var last uint64 = 1
	for _, rec := range records {
		compiled, err := c.Compile(rec, SeqAfter(last))
		require.NoError(t, err)
		require.Empty(t, compiled.Findings, "%T", rec)
		buf = append(buf, compiled.Bytes()...)
		last = compiled.LastSeq()
	}

	doc, err := Parse(buf, ParserConfig{Mode: Strict})
	require.NoError(t, err)
	assert.Empty(t, doc.Diagnostics)
	assert.Equal(t, last, doc.LastSeq)
	require.Len(t, doc.Entries, len(records))
	for i, entry := range doc.Entries {
		assert.Equal(t, records[i], entry.Record, "record %d", i)
	}
}

func TestCompiler_RedactsFreeText(t *testing.T) {
	rec := &record.Conversation{
		ID:           "c1",
		Summary:      "mail alice.smith@example.com about card 4111 1111 1111 1111",
		Participants: []string{"bob@example.org", "carol"},
		MemoryType:   record.MemoryEpisodic,
		Extra:        record.Fields{{Key: "note", Value: "ssn 123-45-6789"}, {Key: "account", Value: "bob@example.org"}},
	}

	c := NewCompiler(CompilerConfig{PlainKeys: []string{"account"}})
	compiled, err := c.Compile(rec, SeqAfter(0))
	require.NoError(t, err)

	out := string(compiled.Bytes())
	assert.Contains(t, out, "summary=mail [REDACTED:EMAIL] about card [REDACTED:CREDIT_CARD]\n")
	assert.Contains(t, out, "participants=[REDACTED:EMAIL],carol\n")
	assert.Contains(t, out, "note=ssn [REDACTED:SSN]\n")
	assert.Contains(t, out, "account=bob@example.org\n")
	assert.NotContains(t, out, "alice.smith")
	assert.NotContains(t, out, "4111")

	for _, f := range compiled.Findings {
		assert.Empty(t, f.Value)
	}
	assert.Equal(t, map[string]security.Category{
		"summary":         security.CategoryEmail,
		"participants[0]": security.CategoryEmail,
		"note":            security.CategorySSN,
	}, filterFirst(compiled.Findings))

	doc, err := Parse(compiled.Bytes(), ParserConfig{Mode: Lenient})
	require.NoError(t, err)
	require.Len(t, doc.Entries, 1)
	got := doc.Entries[0].Record.(*record.Conversation)
	assert.NotEqual(t, rec.Summary, got.Summary, "redaction is lossy")
	assert.Equal(t, "carol", got.Participants[1])
}

// filterFirst maps each field to the category of its first finding
func filterFirst(findings []Finding) map[string]security.Category {
	out := map[string]security.Category{}
	for _, f := range findings {
		if _, ok := out[f.Field]; !ok {
			out[f.Field] = f.Category
		}
	}
	return out
}

func TestCompiler_HashModeIsStable(t *testing.T) {
	c := NewCompiler(CompilerConfig{Redactor: security.NewRedactor(security.RedactorConfig{
		Mode:    security.ModeHash,
		HashKey: []byte("k"),
	})})
	rec := &record.Insights{Rows: []record.Insight{{Text: "contact alice.smith@example.com"}}}

	a, err := c.Compile(rec, SeqAfter(0))
	require.NoError(t, err)
	b, err := c.Compile(rec, SeqAfter(0))
	require.NoError(t, err)
	assert.Equal(t, a.Bytes(), b.Bytes())
	assert.Contains(t, string(a.Bytes()), "[EMAIL:"+security.Fingerprint("alice.smith@example.com", []byte("k"))+"]")
}

func TestCompiler_FlagModeKeepsText(t *testing.T) {
	c := NewCompiler(CompilerConfig{Redactor: security.NewRedactor(security.RedactorConfig{Mode: security.ModeFlag})})
	compiled, err := c.Compile(&record.State{Focus: "email alice.smith@example.com"}, SeqAfter(0))
	require.NoError(t, err)
	assert.Contains(t, string(compiled.Bytes()), "alice.smith@example.com")
	require.Len(t, compiled.Findings, 1)
	assert.Equal(t, "focus", compiled.Findings[0].Field)
}

func TestCompiler_RejectPolicy(t *testing.T) {
	c := NewCompiler(CompilerConfig{Redactor: security.NewRedactor(security.RedactorConfig{Policy: security.PolicyReject})})
	_, err := c.Compile(&record.Decisions{Rows: []record.Decision{{Text: "call 555-867-5309 about password=hunter22"}}}, SeqAfter(0))

	var violation *security.PIIPolicyViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "rows[0].text", violation.Field)
	assert.NotContains(t, err.Error(), "hunter22")
}

func TestCompiler_NonStandardEnumsAreScanned(t *testing.T) {
	compiled, err := NewCompiler(CompilerConfig{}).Compile(&record.Links{Rows: []record.Link{
		{Target: "c1", Relation: "ops@example.com", Scope: record.Scope("ssn 123-45-6789"), Confidence: record.ConfidenceHigh},
	}}, SeqAfter(0))
	require.NoError(t, err)

	out := string(compiled.Bytes())
	assert.Contains(t, out, "|[REDACTED:EMAIL]|ssn [REDACTED:SSN]|high\n")
	assert.NotContains(t, out, "ops@example.com")
	assert.Equal(t, map[string]security.Category{
		"rows[0].relation": security.CategoryEmail,
		"rows[0].scope":    security.CategorySSN,
	}, filterFirst(compiled.Findings))
	assert.Equal(t, []Code{CodeNonStandardEnum, CodeNonStandardEnum}, diagCodes(compiled.Diagnostics))
	for _, d := range compiled.Diagnostics {
		assert.NotContains(t, d.Message, "example.com")
	}

	compiled, err = NewCompiler(CompilerConfig{}).Compile(&record.State{
		Name: "main", Scope: record.Scope("alice.smith@example.com"),
	}, SeqAfter(0))
	require.NoError(t, err)
	assert.Contains(t, string(compiled.Bytes()), "scope=[REDACTED:EMAIL]\n")
	assert.Equal(t, "scope", compiled.Findings[0].Field)
}

func TestCompiler_StandardEnumsPassThrough(t *testing.T) {
	compiled, err := NewCompiler(CompilerConfig{}).Compile(&record.Decisions{Rows: []record.Decision{
		{Text: "ship", Priority: record.PriorityHigh, Confidence: record.ConfidenceLow, Impact: record.ImpactMedium},
	}}, SeqAfter(0))
	require.NoError(t, err)
	assert.Contains(t, string(compiled.Bytes()), "@DECISION ship|high|low|medium\n")
	assert.Empty(t, compiled.Findings)
	assert.Empty(t, compiled.Diagnostics)
}

func TestCompiler_FieldTruncation(t *testing.T) {
	c := NewCompiler(CompilerConfig{MaxFieldBytes: 8})
	compiled, err := c.Compile(&record.State{Focus: "Quarterly planning"}, SeqAfter(0))
	require.NoError(t, err)
	assert.Contains(t, string(compiled.Bytes()), "focus=Quarterl\n")
	assert.Equal(t, []Code{CodeFieldTruncated}, diagCodes(compiled.Diagnostics))
}

func TestCompiler_RowTruncationOnlyShrinksText(t *testing.T) {
	c := NewCompiler(CompilerConfig{MaxLineBytes: 60})
	rec := &record.Decisions{Rows: []record.Decision{{
		Text:       strings.Repeat("a", 100),
		Priority:   record.PriorityHigh,
		Confidence: record.ConfidenceMedium,
		Impact:     record.ImpactLow,
	}}}

	compiled, err := c.Compile(rec, SeqAfter(1))
	require.NoError(t, err)
	require.Len(t, compiled.Lines, 3)
	row := strings.TrimSuffix(string(compiled.Lines[1].Data), "\n")
	assert.Len(t, row, 60)
	assert.True(t, strings.HasSuffix(row, "|high|medium|low"))
	assert.Equal(t, []Code{CodeLineTruncated}, diagCodes(compiled.Diagnostics))

	doc, err := Parse(append(c.VersionLine(1).Data, compiled.Bytes()...), ParserConfig{Mode: Strict})
	require.NoError(t, err)
	got := doc.Entries[0].Record.(*record.Decisions).Rows[0]
	assert.Equal(t, strings.Repeat("a", 32), got.Text)
	assert.Equal(t, record.ImpactLow, got.Impact)
}

func TestCompiler_TruncationKeepsEscapesWhole(t *testing.T) {
	c := NewCompiler(CompilerConfig{MaxLineBytes: 20})
	compiled, err := c.Compile(&record.State{Focus: strings.Repeat("|", 40)}, SeqAfter(1))
	require.NoError(t, err)

	doc, err := Parse(append(c.VersionLine(1).Data, compiled.Bytes()...), ParserConfig{Mode: Strict})
	require.NoError(t, err, string(compiled.Bytes()))
	focus := doc.Entries[0].Record.(*record.State).Focus
	assert.NotEmpty(t, focus)
	assert.Equal(t, strings.Repeat("|", len(focus)), focus)
}

func TestCompiler_HardLineLimit(t *testing.T) {
	c := NewCompiler(CompilerConfig{HardLineBytes: 64})
	vector := make([]float32, 100)
	for i := range vector {
		vector[i] = 0.123456
	}
	_, err := c.Compile(&record.Embedding{ID: "e1", Vector: vector}, SeqAfter(0))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLineTooLong))
}

func TestCompiler_FileSizeLimit(t *testing.T) {
	c := NewCompiler(CompilerConfig{MaxFileBytes: 100})
	compiled, err := c.Compile(&record.State{Focus: "x"}, fileState{last: 10, size: 95})
	require.NoError(t, err)
	assert.Equal(t, []Code{CodeFileSizeLimit}, diagCodes(compiled.Diagnostics))
	assert.Equal(t, uint64(11), compiled.FirstSeq())
}

func TestCompiler_InvalidInput(t *testing.T) {
	c := NewCompiler(CompilerConfig{})

	_, err := c.Compile(&record.State{Extra: record.Fields{{Key: "bad key", Value: "x"}}}, SeqAfter(0))
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = c.Compile(&record.State{Focus: "a", Extra: record.Fields{{Key: "focus", Value: "b"}}}, SeqAfter(0))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	_, err = c.Compile(&record.Version{Format: "1"}, SeqAfter(0))
	assert.ErrorIs(t, err, ErrUnsupportedRecord)

	_, err = c.Compile(&record.Unknown{Name: "STATE"}, SeqAfter(0))
	assert.ErrorIs(t, err, ErrUnsupportedRecord)

	_, err = c.Compile(&record.Unknown{Name: "TOPICS", Lines: []string{"@OTHER:x"}}, SeqAfter(0))
	var lerr *LineError
	assert.ErrorAs(t, err, &lerr)

	_, err = c.Compile(nil, SeqAfter(0))
	assert.ErrorIs(t, err, ErrUnsupportedRecord)
}

func TestCompiler_RedactsOpaqueLinesWithoutBreakingEscapes(t *testing.T) {
	u := &record.Unknown{Name: "NOTES", Lines: []string{`body=reach me at alice.smith@example.com\|urgent`}}
	compiled, err := NewCompiler(CompilerConfig{}).Compile(u, SeqAfter(1))
	require.NoError(t, err)
	require.Len(t, compiled.Findings, 1)
	assert.Equal(t, "lines[0]", compiled.Findings[0].Field)

	doc, err := Parse(append([]byte("1|@VERSION:1\n"), compiled.Bytes()...), ParserConfig{Mode: Strict})
	require.NoError(t, err)
	got := doc.Entries[0].Record.(*record.Unknown)
	assert.Equal(t, []string{`body=reach me at [REDACTED:EMAIL]\|urgent`}, got.Lines)
}
