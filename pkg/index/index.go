// Package index maintains the small metadata index kept next to every log
// file: counts, last sequence number, size, checksum and a sparse list of
// checkpoints that let readers start in the middle of a file.
package index

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ssargent/ctxstore/pkg/codec"
	"github.com/ssargent/ctxstore/pkg/record"
	"github.com/ssargent/ctxstore/pkg/security"
)

// Suffix is appended to a log file name to get its index file name
const Suffix = ".idx"

// DefaultMaxCheckpoints bounds the checkpoint list
const DefaultMaxCheckpoints = 256

const sectionName = "INDEX"

// ErrCorrupt is returned when an index file cannot be decoded
var ErrCorrupt = errors.New("index file is corrupt")

// Checkpoint marks a section header where parsing can start
type Checkpoint struct {
	Seq           uint64 `json:"seq"`
	Offset        int64  `json:"offset"`
	RecordsBefore int    `json:"records_before"`
}

// Index describes one log file. It is not safe for concurrent use.
type Index struct {
	Category      string         `json:"category"`
	FormatVersion string         `json:"format_version,omitempty"`
	LastSequence  uint64         `json:"last_seq"`
	Bytes         int64          `json:"size"`
	Lines         int            `json:"lines"`
	Records       int            `json:"records"`
	CRC32         uint32         `json:"crc32"`
	Sections      map[string]int `json:"sections"`
	Checkpoints   []Checkpoint   `json:"checkpoints,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`

	maxCheckpoints int
	stride         int
}

// New returns an empty index for a category
func New(category string) *Index {
	return &Index{
		Category:       category,
		Sections:       make(map[string]int),
		maxCheckpoints: DefaultMaxCheckpoints,
		stride:         1,
	}
}

// PathFor returns the index file path for a log file
func PathFor(logPath string) string {
	return logPath + Suffix
}

// LastSeq implements codec.SequenceSource
func (i *Index) LastSeq() uint64 {
	return i.LastSequence
}

// Size implements codec.SizeSource
func (i *Index) Size() int64 {
	return i.Bytes
}

// SetMaxCheckpoints changes the checkpoint bound, thinning existing ones if needed
func (i *Index) SetMaxCheckpoints(n int) {
	if n < 2 {
		n = 2
	}
	i.maxCheckpoints = n
	for len(i.Checkpoints) >= i.maxCheckpoints {
		i.thin()
	}
}

// Observe accounts for one complete line (including its newline) written at
// offset. Header lines other than the version marker count as records.
func (i *Index) Observe(offset int64, line []byte) {
	i.Bytes = offset + int64(len(line))
	i.CRC32 = crc32.Update(i.CRC32, crc32.IEEETable, line)
	i.Lines++

	seq, payload, err := codec.SplitLine(trimNewline(line))
	if err != nil {
		return
	}
	if seq > i.LastSequence {
		i.LastSequence = seq
	}
	p, err := codec.ClassifyPayload(payload)
	if err != nil || p.Kind != codec.PayloadHeader {
		return
	}
	if p.Name == string(record.KindVersion) {
		if i.FormatVersion == "" {
			i.FormatVersion = p.ID
		}
		return
	}

	if i.Records%i.stride == 0 {
		if len(i.Checkpoints) >= i.maxCheckpoints {
			i.thin()
		}
		if i.Records%i.stride == 0 {
			i.Checkpoints = append(i.Checkpoints, Checkpoint{Seq: seq, Offset: offset, RecordsBefore: i.Records})
		}
	}
	i.Records++
	i.Sections[p.Name]++
}

// ObserveCompiled accounts for compiled lines appended at offset
func (i *Index) ObserveCompiled(offset int64, lines []codec.CompiledLine) {
	for _, l := range lines {
		i.Observe(offset, l.Data)
		offset += int64(len(l.Data))
	}
}

// Touch stamps the index with the current time
func (i *Index) Touch() {
	i.UpdatedAt = time.Now().UTC()
}

// thin drops every other checkpoint and doubles the stride
func (i *Index) thin() {
	kept := i.Checkpoints[:0]
	for n, cp := range i.Checkpoints {
		if n%2 == 0 {
			kept = append(kept, cp)
		}
	}
	i.Checkpoints = kept
	i.stride *= 2
}

// CheckpointFor returns the latest checkpoint that still has at least n
// records from it to the end of the file. The zero Checkpoint means start of file.
func (i *Index) CheckpointFor(n int) Checkpoint {
	best := Checkpoint{}
	for _, cp := range i.Checkpoints {
		if i.Records-cp.RecordsBefore >= n {
			best = cp
		}
	}
	return best
}

// CheckpointAtOrBefore returns the latest checkpoint at or before offset
func (i *Index) CheckpointAtOrBefore(offset int64) Checkpoint {
	n := sort.Search(len(i.Checkpoints), func(k int) bool { return i.Checkpoints[k].Offset > offset })
	if n == 0 {
		return Checkpoint{}
	}
	return i.Checkpoints[n-1]
}

// Clone returns a deep copy
func (i *Index) Clone() *Index {
	c := *i
	c.Sections = make(map[string]int, len(i.Sections))
	for k, v := range i.Sections {
		c.Sections[k] = v
	}
	c.Checkpoints = append([]Checkpoint(nil), i.Checkpoints...)
	return &c
}

// Mismatch describes one field where two indexes disagree
type Mismatch struct {
	Field    string
	Recorded string
	Actual   string
}

// Compare lists the fields where i (recorded) disagrees with actual
func (i *Index) Compare(actual *Index) []Mismatch {
	var out []Mismatch
	add := func(field string, recorded, got any) {
		r, a := fmt.Sprint(recorded), fmt.Sprint(got)
		if r != a {
			out = append(out, Mismatch{Field: field, Recorded: r, Actual: a})
		}
	}
	add("size", i.Bytes, actual.Bytes)
	add("last_seq", i.LastSequence, actual.LastSequence)
	add("crc32", fmt.Sprintf("%08x", i.CRC32), fmt.Sprintf("%08x", actual.CRC32))
	add("lines", i.Lines, actual.Lines)
	add("records", i.Records, actual.Records)
	return out
}

// BuildResult is the outcome of scanning a log file
type BuildResult struct {
	Index *Index
	// TailBytes is the length of an incomplete record at the end of the
	// file: an unterminated fragment plus any complete lines of the section
	// it belongs to. None of it is included in the index.
	TailBytes int64
	// TailOffset is the record boundary where that incomplete record starts
	TailOffset int64
	// OpenBytes is the length of a final section that ends with the file but
	// was never closed by a blank line. It is included in the index.
	OpenBytes int64
	// OpenOffset is where that section starts
	OpenOffset int64
	// LongLines counts lines skipped because they exceeded the line cap
	LongLines int
}

// pendingLine is a line of a section that has not been closed yet
type pendingLine struct {
	offset int64
	data   []byte
	// skipped is the length of an over-long line that was not read
	skipped int64
}

// Build scans a log stream from the start and derives its index. Lines are
// only counted once the section they belong to is closed, by a blank payload
// or by the next header, so an unterminated tail rolls back to the start of
// its record.
func Build(r io.Reader, category string, maxLine int) (*BuildResult, error) {
	idx := New(category)
	res := &BuildResult{Index: idx}
	lr := codec.NewLineReader(r, 0, maxLine)

	var pending []pendingLine
	flush := func() {
		for _, l := range pending {
			if l.data == nil {
				// the skipped bytes still belong to the file
				idx.Bytes = l.offset + l.skipped
				idx.Lines++
				continue
			}
			idx.Observe(l.offset, l.data)
		}
		pending = pending[:0]
	}

	for {
		line, offset, err := lr.Next()
		switch {
		case err == nil:
			buf := make([]byte, len(line)+1)
			copy(buf, line)
			buf[len(line)] = '\n'
			switch boundaryOf(line) {
			case boundaryBefore:
				flush()
				pending = append(pending, pendingLine{offset: offset, data: buf})
			case boundaryAfter:
				pending = append(pending, pendingLine{offset: offset, data: buf})
				flush()
			case boundaryBoth:
				flush()
				pending = append(pending, pendingLine{offset: offset, data: buf})
				flush()
			default:
				pending = append(pending, pendingLine{offset: offset, data: buf})
			}
		case errors.Is(err, codec.ErrPartialLine):
			res.TailOffset = offset
			if len(pending) > 0 {
				res.TailOffset = pending[0].offset
			}
			res.TailBytes = lr.Offset() - res.TailOffset
			idx.Touch()
			return res, nil
		case errors.Is(err, codec.ErrLineTooLong):
			res.LongLines++
			pending = append(pending, pendingLine{offset: offset, skipped: lr.Offset() - offset})
		case err == io.EOF:
			if len(pending) > 0 && openSection(pending) {
				res.OpenOffset = pending[0].offset
				res.OpenBytes = lr.Offset() - res.OpenOffset
			}
			flush()
			idx.Touch()
			return res, nil
		default:
			return nil, err
		}
	}
}

type boundary int

const (
	boundaryNone boundary = iota
	// boundaryBefore marks a header: the previous section ends before it
	boundaryBefore
	// boundaryAfter marks a blank payload: the section ends with it
	boundaryAfter
	// boundaryBoth marks the version line, a section of its own
	boundaryBoth
)

func boundaryOf(line []byte) boundary {
	_, payload, err := codec.SplitLine(line)
	if err != nil {
		return boundaryNone
	}
	if payload == "" {
		return boundaryAfter
	}
	p, err := codec.ClassifyPayload(payload)
	switch {
	case err != nil || p.Kind != codec.PayloadHeader:
		return boundaryNone
	case p.Name == string(record.KindVersion):
		return boundaryBoth
	}
	return boundaryBefore
}

// openSection reports whether pending lines start with a record header,
// i.e. a section that is still waiting for its closing line
func openSection(pending []pendingLine) bool {
	first := pending[0]
	if first.data == nil {
		return false
	}
	_, payload, err := codec.SplitLine(trimNewline(first.data))
	if err != nil {
		return false
	}
	p, err := codec.ClassifyPayload(payload)
	return err == nil && p.Kind == codec.PayloadHeader && p.Name != string(record.KindVersion)
}

// BuildFile scans the log file at path. A missing file yields an empty index.
func BuildFile(path, category string, maxLine int) (*BuildResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		idx := New(category)
		idx.Touch()
		return &BuildResult{Index: idx}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Build(f, category, maxLine)
}

// Encode renders the index in the line format
func (i *Index) Encode() []byte {
	fields := []string{
		"format=" + i.FormatVersion,
		"last_seq=" + strconv.FormatUint(i.LastSequence, 10),
		"size=" + strconv.FormatInt(i.Bytes, 10),
		"lines=" + strconv.Itoa(i.Lines),
		"records=" + strconv.Itoa(i.Records),
		"crc32=" + fmt.Sprintf("%08x", i.CRC32),
		"updated=" + record.FormatTime(i.UpdatedAt),
		"stride=" + strconv.Itoa(i.stride),
		"sections=" + i.encodeSections(),
		"checkpoints=" + i.encodeCheckpoints(),
	}

	var buf []byte
	var seq uint64 = 1
	buf = append(buf, codec.FormatLine(seq, "@"+string(record.KindVersion)+":"+record.FormatVersion)...)
	seq++
	buf = append(buf, codec.FormatLine(seq, "@"+sectionName+":"+security.Escape(i.Category))...)
	for _, f := range fields {
		seq++
		buf = append(buf, codec.FormatLine(seq, f)...)
	}
	seq++
	buf = append(buf, codec.FormatLine(seq, "")...)
	return buf
}

func (i *Index) encodeSections() string {
	keys := make([]string, 0, len(i.Sections))
	for k := range i.Sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for n, k := range keys {
		parts[n] = k + ":" + strconv.Itoa(i.Sections[k])
	}
	return strings.Join(parts, ",")
}

func (i *Index) encodeCheckpoints() string {
	parts := make([]string, len(i.Checkpoints))
	for n, cp := range i.Checkpoints {
		parts[n] = fmt.Sprintf("%d:%d:%d", cp.Seq, cp.Offset, cp.RecordsBefore)
	}
	return strings.Join(parts, ",")
}

// Decode parses an index file produced by Encode
func Decode(data []byte) (*Index, error) {
	doc, err := codec.Parse(data, codec.ParserConfig{Mode: codec.Strict})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if len(doc.Entries) != 1 {
		return nil, fmt.Errorf("%w: expected one section, found %d", ErrCorrupt, len(doc.Entries))
	}
	u, ok := doc.Entries[0].Record.(*record.Unknown)
	if !ok || u.Name != sectionName {
		return nil, fmt.Errorf("%w: missing @%s section", ErrCorrupt, sectionName)
	}

	idx := New(u.ID)
	for _, raw := range u.Lines {
		key, value, found := strings.Cut(raw, "=")
		if !found {
			return nil, fmt.Errorf("%w: bad line %q", ErrCorrupt, raw)
		}
		if err := idx.decodeField(key, value); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
		}
	}
	return idx, nil
}

func (i *Index) decodeField(key, value string) error {
	var err error
	switch key {
	case "format":
		i.FormatVersion = value
	case "last_seq":
		i.LastSequence, err = strconv.ParseUint(value, 10, 64)
	case "size":
		i.Bytes, err = strconv.ParseInt(value, 10, 64)
	case "lines":
		i.Lines, err = strconv.Atoi(value)
	case "records":
		i.Records, err = strconv.Atoi(value)
	case "crc32":
		var v uint64
		v, err = strconv.ParseUint(value, 16, 32)
		i.CRC32 = uint32(v)
	case "updated":
		i.UpdatedAt, err = record.ParseTime(value)
	case "stride":
		i.stride, err = strconv.Atoi(value)
		if err == nil && i.stride < 1 {
			err = fmt.Errorf("stride %d", i.stride)
		}
	case "sections":
		err = i.decodeSections(value)
	case "checkpoints":
		err = i.decodeCheckpoints(value)
	}
	return err
}

func (i *Index) decodeSections(value string) error {
	if value == "" {
		return nil
	}
	for _, part := range strings.Split(value, ",") {
		name, count, found := strings.Cut(part, ":")
		if !found {
			return fmt.Errorf("bad section count %q", part)
		}
		n, err := strconv.Atoi(count)
		if err != nil {
			return err
		}
		i.Sections[name] = n
	}
	return nil
}

func (i *Index) decodeCheckpoints(value string) error {
	if value == "" {
		return nil
	}
	for _, part := range strings.Split(value, ",") {
		var cp Checkpoint
		if _, err := fmt.Sscanf(part, "%d:%d:%d", &cp.Seq, &cp.Offset, &cp.RecordsBefore); err != nil {
			return fmt.Errorf("bad checkpoint %q: %w", part, err)
		}
		i.Checkpoints = append(i.Checkpoints, cp)
	}
	return nil
}

// Load reads an index file. A missing file is reported with an error
// matching os.ErrNotExist.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	idx, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// Save atomically replaces the index file at path. The caller makes the
// rename durable with SyncDir.
func (i *Index) Save(path string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(i.Encode()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	tmpName = ""
	return nil
}

// SyncDir fsyncs a directory so renames into it survive a crash
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func trimNewline(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		return line[:n-1]
	}
	return line
}
