package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/index"
)

// compileLog renders records into raw log bytes, starting each one after the
// given sequence number
func compileLog(t *testing.T, after ...uint64) []byte {
	t.Helper()
	c := codec.NewCompiler(codec.CompilerConfig{})
	buf := append([]byte(nil), c.VersionLine(1).Data...)
	for i, seq := range after {
		out, err := c.Compile(decisions("entry "+string(rune('a'+i))), codec.SeqAfter(seq))
		require.NoError(t, err)
		buf = append(buf, out.Bytes()...)
	}
	return buf
}

func codes(diags []codec.Diagnostic) []codec.Code {
	out := make([]codec.Code, 0, len(diags))
	for _, d := range diags {
		out = append(out, d.Code)
	}
	return out
}

func TestHealthCheck_Healthy(t *testing.T) {
	s := openTestStore(t, "")
	appendN(t, s, CategoryDecisions, 3)
	appendN(t, s, CategoryInsights+"-extra", 2)

	report, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Issues)
	assert.NoError(t, report.Err())
	assert.Equal(t, "tolerate", report.GapPolicy)
	require.Len(t, report.Files, 2)

	fh := report.Files[CategoryDecisions]
	assert.True(t, fh.IndexPresent)
	assert.Equal(t, 3, fh.Records)
	assert.False(t, fh.Lock.Held)
}

func TestHealthCheck_Empty(t *testing.T) {
	s := openTestStore(t, "")
	report, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Files)
}

func TestHealthCheck_Problems(t *testing.T) {
	tests := []struct {
		name      string
		opts      []Option
		damage    func(t *testing.T, s *Store, path string, reports []*AppendReport)
		status    Status
		code      codec.Code
		integrity bool
	}{
		{
			name: "missing index",
			damage: func(t *testing.T, _ *Store, path string, _ []*AppendReport) {
				require.NoError(t, os.Remove(index.PathFor(path)))
			},
			status: StatusDegraded,
			code:   CodeIndexMissing,
		},
		{
			name: "corrupt index",
			damage: func(t *testing.T, _ *Store, path string, _ []*AppendReport) {
				require.NoError(t, os.WriteFile(index.PathFor(path), []byte("garbage"), 0o600))
			},
			status: StatusDegraded,
			code:   CodeIndexCorrupt,
		},
		{
			name: "flipped byte",
			damage: func(t *testing.T, _ *Store, path string, _ []*AppendReport) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data = bytes.Replace(data, []byte("decision 1"), []byte("decisioN 1"), 1)
				require.NoError(t, os.WriteFile(path, data, 0o600))
			},
			status:    StatusUnhealthy,
			code:      CodeChecksumMismatch,
			integrity: true,
		},
		{
			name: "file shorter than index",
			damage: func(t *testing.T, _ *Store, path string, reports []*AppendReport) {
				require.NoError(t, os.Truncate(path, reports[2].Offset))
			},
			status:    StatusUnhealthy,
			code:      CodeIndexAhead,
			integrity: true,
		},
		{
			name: "index behind file",
			damage: func(t *testing.T, _ *Store, path string, reports []*AppendReport) {
				appendRaw(t, path, compileLog(t, reports[2].LastSeq)[len("1|@VERSION:1\n"):])
			},
			status: StatusDegraded,
			code:   CodeIndexStale,
		},
		{
			name: "rewritten prefix",
			damage: func(t *testing.T, _ *Store, path string, reports []*AppendReport) {
				data, err := os.ReadFile(path)
				require.NoError(t, err)
				data = bytes.Replace(data, []byte("decision 0"), []byte("decisioN 0"), 1)
				data = append(data, compileLog(t, reports[2].LastSeq)[len("1|@VERSION:1\n"):]...)
				require.NoError(t, os.WriteFile(path, data, 0o600))
			},
			status:    StatusUnhealthy,
			code:      CodeChecksumMismatch,
			integrity: true,
		},
		{
			name: "sequence regression",
			damage: func(t *testing.T, s *Store, path string, _ []*AppendReport) {
				appendRaw(t, path, compileLog(t, 1)[len("1|@VERSION:1\n"):])
				require.NoError(t, s.RebuildIndex(context.Background()))
			},
			status:    StatusUnhealthy,
			code:      codec.CodeSequenceRegression,
			integrity: true,
		},
		{
			name: "partial tail",
			damage: func(t *testing.T, _ *Store, path string, _ []*AppendReport) {
				appendRaw(t, path, []byte("40|@DECISIONS"))
			},
			status: StatusDegraded,
			code:   codec.CodePartialTail,
		},
		{
			name: "torn record after its header",
			damage: func(t *testing.T, _ *Store, path string, reports []*AppendReport) {
				next := reports[2].LastSeq + 1
				appendRaw(t, path, []byte(fmt.Sprintf("%d|@DECISIONS\n%d|@DECISION x|high|high|high\n%d|@DEC", next, next+1, next+2)))
			},
			status: StatusDegraded,
			code:   codec.CodePartialTail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, "", tt.opts...)
			reports := appendN(t, s, CategoryDecisions, 3)
			path, err := s.Path(CategoryDecisions)
			require.NoError(t, err)

			tt.damage(t, s, path, reports)

			report, err := s.HealthCheck(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, report.Status, "%v", report.Issues)
			assert.Contains(t, codes(report.Issues), tt.code)

			var ie *IntegrityError
			if tt.integrity {
				require.ErrorAs(t, report.Err(), &ie)
				assert.Contains(t, codes(ie.Issues), tt.code)
			} else {
				assert.NoError(t, report.Err())
			}
		})
	}
}

func appendRaw(t *testing.T, path string, data []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestHealthCheck_GapPolicy(t *testing.T) {
	tests := []struct {
		policy    GapPolicy
		status    Status
		integrity bool
	}{
		{GapTolerate, StatusDegraded, false},
		{GapCorrupt, StatusUnhealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.policy.String(), func(t *testing.T) {
			s := openTestStore(t, "", WithGapPolicy(tt.policy))
			path, err := s.Path(CategoryDecisions)
			require.NoError(t, err)
			// second record skips five sequence numbers
			require.NoError(t, os.WriteFile(path, compileLog(t, 1, 9), 0o600))
			require.NoError(t, s.RebuildIndex(context.Background()))

			report, err := s.HealthCheck(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.status, report.Status, "%v", report.Issues)
			assert.Equal(t, []codec.Code{codec.CodeSequenceGap}, codes(report.Issues))
			if tt.integrity {
				assert.Error(t, report.Err())
			} else {
				assert.NoError(t, report.Err())
			}
		})
	}
}

func TestRebuildIndex(t *testing.T) {
	s := openTestStore(t, "")
	appendN(t, s, CategoryDecisions, 4)
	path, err := s.Path(CategoryDecisions)
	require.NoError(t, err)
	before, err := index.Load(index.PathFor(path))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(index.PathFor(path), []byte("garbage"), 0o600))

	require.NoError(t, s.RebuildIndex(context.Background()))

	after, err := index.Load(index.PathFor(path))
	require.NoError(t, err)
	assert.Empty(t, before.Compare(after))
	assert.Equal(t, before.Checkpoints, after.Checkpoints)

	report, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, report.Status, "%v", report.Issues)

	assert.ErrorIs(t, s.RebuildCategoryIndex(context.Background(), "../x"), ErrInvalidCategory)
}

func TestHealthReport_Err(t *testing.T) {
	r := &HealthReport{Files: map[string]*FileHealth{
		"b": {Integrity: []codec.Diagnostic{{Code: CodeChecksumMismatch, Severity: codec.SeverityError, Message: "b"}}},
		"a": {Integrity: []codec.Diagnostic{{Code: CodeIndexAhead, Severity: codec.SeverityError, Message: "a"}}},
		"c": {},
	}}
	var ie *IntegrityError
	require.ErrorAs(t, r.Err(), &ie)
	assert.Equal(t, []codec.Code{CodeIndexAhead, CodeChecksumMismatch}, codes(ie.Issues))
	assert.Contains(t, ie.Error(), "2 issues")
}
