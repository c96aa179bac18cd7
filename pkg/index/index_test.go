package index

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/record"
)

// writeLog compiles recs into a fresh log and mirrors each append into idx
func writeLog(t *testing.T, idx *Index, recs ...record.Record) []byte {
	t.Helper()
	c := codec.NewCompiler(codec.CompilerConfig{})
	var buf bytes.Buffer

	if idx.LastSeq() == 0 {
		v := c.VersionLine(1)
		idx.ObserveCompiled(0, []codec.CompiledLine{v})
		buf.Write(v.Data)
	}
	for _, rec := range recs {
		compiled, err := c.Compile(rec, idx)
		require.NoError(t, err)
		idx.ObserveCompiled(int64(buf.Len()), compiled.Lines)
		buf.Write(compiled.Bytes())
	}
	return buf.Bytes()
}

func sampleRecords() []record.Record {
	return []record.Record{
		&record.Conversation{ID: "c1", Title: "kickoff", Messages: 3},
		&record.Decisions{Rows: []record.Decision{{Text: "use flat files", Priority: record.PriorityHigh}}},
		&record.State{Name: "main", Focus: "indexing"},
		&record.Unknown{Name: "NOTE", Lines: []string{"k=v"}},
	}
}

func TestIndex_ObserveMatchesBuild(t *testing.T) {
	live := New("decisions")
	data := writeLog(t, live, sampleRecords()...)

	res, err := Build(bytes.NewReader(data), "decisions", 1<<16)
	require.NoError(t, err)
	built := res.Index

	assert.Empty(t, live.Compare(built))
	assert.Equal(t, int64(len(data)), built.Size())
	assert.Equal(t, crc32.ChecksumIEEE(data), built.CRC32)
	assert.Equal(t, 4, built.Records)
	assert.Equal(t, bytes.Count(data, []byte{'\n'}), built.Lines)
	assert.Equal(t, "1", built.FormatVersion)
	assert.Equal(t, map[string]int{"CONVERSATION": 1, "DECISIONS": 1, "STATE": 1, "NOTE": 1}, built.Sections)
	assert.Equal(t, live.Checkpoints, built.Checkpoints)
	assert.Zero(t, res.TailBytes)
}

func TestIndex_LastSeqDrivesCompiler(t *testing.T) {
	idx := New("state")
	data := writeLog(t, idx, &record.State{Name: "a"})

	doc, err := codec.Parse(data, codec.ParserConfig{Mode: codec.Strict})
	require.NoError(t, err)
	assert.Equal(t, doc.LastSeq, idx.LastSeq())

	more := writeLog(t, idx, &record.State{Name: "b"})
	doc, err = codec.Parse(append(data, more...), codec.ParserConfig{Mode: codec.Strict})
	require.NoError(t, err)
	assert.Len(t, doc.Entries, 2)
	assert.Empty(t, doc.Diagnostics)
	assert.Equal(t, doc.LastSeq, idx.LastSeq())
}

func TestIndex_Checkpoints(t *testing.T) {
	idx := New("insights")
	var recs []record.Record
	for i := 0; i < 10; i++ {
		recs = append(recs, &record.Insights{Rows: []record.Insight{{Text: fmt.Sprintf("insight %d", i)}}})
	}
	data := writeLog(t, idx, recs...)

	require.Len(t, idx.Checkpoints, 10)
	for n, cp := range idx.Checkpoints {
		assert.Equal(t, n, cp.RecordsBefore)
		assert.True(t, bytes.HasPrefix(data[cp.Offset:], []byte(fmt.Sprintf("%d|@INSIGHTS\n", cp.Seq))))
	}

	cp := idx.CheckpointFor(3)
	assert.Equal(t, 7, cp.RecordsBefore)
	assert.Equal(t, Checkpoint{}, idx.CheckpointFor(100))

	at := idx.CheckpointAtOrBefore(idx.Checkpoints[4].Offset + 1)
	assert.Equal(t, idx.Checkpoints[4], at)
	assert.Equal(t, Checkpoint{}, idx.CheckpointAtOrBefore(0))
}

func TestIndex_CheckpointThinning(t *testing.T) {
	idx := New("insights")
	idx.SetMaxCheckpoints(4)
	var recs []record.Record
	for i := 0; i < 20; i++ {
		recs = append(recs, &record.Insights{Rows: []record.Insight{{Text: "x"}}})
	}
	writeLog(t, idx, recs...)

	assert.LessOrEqual(t, len(idx.Checkpoints), 4)
	assert.Equal(t, 0, idx.Checkpoints[0].RecordsBefore)
	for i := 1; i < len(idx.Checkpoints); i++ {
		assert.Greater(t, idx.Checkpoints[i].RecordsBefore, idx.Checkpoints[i-1].RecordsBefore)
		assert.Greater(t, idx.Checkpoints[i].Offset, idx.Checkpoints[i-1].Offset)
	}
}

func TestBuild_PartialTail(t *testing.T) {
	idx := New("state")
	data := writeLog(t, idx, &record.State{Name: "a"})
	torn := append(append([]byte{}, data...), []byte("9|@STA")...)

	res, err := Build(bytes.NewReader(torn), "state", 1<<16)
	require.NoError(t, err)
	assert.Equal(t, int64(6), res.TailBytes)
	assert.Equal(t, int64(len(data)), res.TailOffset)
	assert.Empty(t, idx.Compare(res.Index))
}

func TestBuild_TornRecordRollsBackToBoundary(t *testing.T) {
	idx := New("decisions")
	data := writeLog(t, idx, &record.Decisions{Rows: []record.Decision{{Text: "keep"}}})
	next := idx.LastSeq() + 1
	torn := fmt.Sprintf("%d|@DECISIONS\n%d|@DECISION pay vendor|high|high|high\n%d|@DECISION second ro",
		next, next+1, next+2)
	file := append(append([]byte{}, data...), torn...)

	res, err := Build(bytes.NewReader(file), "decisions", 1<<16)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.TailOffset)
	assert.Equal(t, int64(len(torn)), res.TailBytes)
	assert.Empty(t, idx.Compare(res.Index))
	assert.Equal(t, 1, res.Index.Records)
}

func TestBuild_TornAfterVersionLine(t *testing.T) {
	data := "1|@VERSION:1\n2|@STA"
	res, err := Build(strings.NewReader(data), "state", 1<<16)
	require.NoError(t, err)
	assert.Equal(t, int64(len("1|@VERSION:1\n")), res.TailOffset)
	assert.Equal(t, int64(len("1|@VERSION:1\n")), res.Index.Size())
	assert.Equal(t, "1", res.Index.FormatVersion)
}

func TestBuild_OpenSectionAtEOF(t *testing.T) {
	data := "1|@VERSION:1\n2|@NOTE\n3|k=v\n4|\n5|@NOTE\n6|k=w\n"
	res, err := Build(strings.NewReader(data), "notes", 1<<16)
	require.NoError(t, err)
	assert.Zero(t, res.TailBytes)
	assert.Equal(t, int64(strings.Index(data, "5|")), res.OpenOffset)
	assert.Equal(t, int64(len("5|@NOTE\n6|k=w\n")), res.OpenBytes)
	assert.Equal(t, int64(len(data)), res.Index.Size())
	assert.Equal(t, 2, res.Index.Records)

	res, err = Build(strings.NewReader("1|@VERSION:1\n2|@NOTE\n3|k=v\n4|\n"), "notes", 1<<16)
	require.NoError(t, err)
	assert.Zero(t, res.OpenBytes)
}

func TestBuild_LongLineCountsBytes(t *testing.T) {
	data := "1|@VERSION:1\n2|@NOTE\n3|k=" + strings.Repeat("z", 300) + "\n4|\n"
	res, err := Build(strings.NewReader(data), "notes", 64)
	require.NoError(t, err)
	assert.Equal(t, 1, res.LongLines)
	assert.Equal(t, int64(len(data)), res.Index.Size())
	assert.Equal(t, 4, res.Index.Lines)
	assert.Equal(t, uint64(4), res.Index.LastSeq())
}

func TestBuildFile_Missing(t *testing.T) {
	res, err := BuildFile(filepath.Join(t.TempDir(), "nope.ctx"), "nope", 0)
	require.NoError(t, err)
	assert.Zero(t, res.Index.Size())
	assert.Zero(t, res.Index.LastSeq())
}

func TestIndex_EncodeDecode(t *testing.T) {
	idx := New("decisions")
	writeLog(t, idx, sampleRecords()...)
	idx.UpdatedAt = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	encoded := idx.Encode()
	assert.True(t, bytes.HasPrefix(encoded, []byte("1|@VERSION:1\n2|@INDEX:decisions\n")))
	assert.True(t, bytes.HasSuffix(encoded, []byte("|\n")))

	got, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, idx.Category, got.Category)
	assert.Equal(t, idx.FormatVersion, got.FormatVersion)
	assert.Equal(t, idx.Checkpoints, got.Checkpoints)
	assert.Equal(t, idx.Sections, got.Sections)
	assert.True(t, idx.UpdatedAt.Equal(got.UpdatedAt))
	assert.Empty(t, idx.Compare(got))
}

func TestDecode_Corrupt(t *testing.T) {
	cases := map[string]string{
		"garbage":     "not an index",
		"no section":  "1|@VERSION:1\n",
		"bad number":  "1|@VERSION:1\n2|@INDEX:x\n3|size=abc\n4|\n",
		"wrong name":  "1|@VERSION:1\n2|@OTHER:x\n3|\n",
		"bad section": "1|@VERSION:1\n2|@INDEX:x\n3|sections=CONVERSATION\n4|\n",
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}

func TestIndex_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := PathFor(filepath.Join(dir, "state.ctx"))
	assert.Equal(t, filepath.Join(dir, "state.ctx.idx"), path)

	_, err := Load(path)
	assert.ErrorIs(t, err, os.ErrNotExist)

	idx := New("state")
	writeLog(t, idx, &record.State{Name: "a"})
	idx.Touch()
	require.NoError(t, idx.Save(path))

	idx.Records = 99
	require.NoError(t, idx.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Records)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestIndex_CloneIsIndependent(t *testing.T) {
	idx := New("state")
	writeLog(t, idx, &record.State{Name: "a"})
	c := idx.Clone()
	c.Sections["STATE"] = 7
	c.Checkpoints[0].Seq = 1000
	assert.Equal(t, 1, idx.Sections["STATE"])
	assert.NotEqual(t, uint64(1000), idx.Checkpoints[0].Seq)
}

func TestIndex_Compare(t *testing.T) {
	a := New("x")
	b := New("x")
	b.Bytes = 10
	b.LastSequence = 3
	m := a.Compare(b)
	require.Len(t, m, 2)
	assert.Equal(t, "size", m[0].Field)
	assert.Equal(t, "0", m[0].Recorded)
	assert.Equal(t, "10", m[0].Actual)
	assert.Equal(t, "last_seq", m[1].Field)
}

func TestSyncDir(t *testing.T) {
	dir := t.TempDir()
	idx := New("decisions")
	require.NoError(t, idx.Save(filepath.Join(dir, "decisions.ctx.idx")))
	assert.NoError(t, SyncDir(dir))
	assert.Error(t, SyncDir(filepath.Join(dir, "missing")))
}
