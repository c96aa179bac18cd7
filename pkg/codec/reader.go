package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// ErrPartialLine is returned by LineReader.Next when input ends mid-line
var ErrPartialLine = errors.New("unterminated final line")

const readBufferSize = 32 << 10

// LineReader splits a stream into lines while holding at most maxLine bytes
// of a single line in memory
type LineReader struct {
	r      *bufio.Reader
	max    int
	offset int64
	buf    []byte
	peak   int
}

// NewLineReader reads lines from r, whose first byte is at offset in the file
func NewLineReader(r io.Reader, offset int64, maxLine int) *LineReader {
	if maxLine <= 0 {
		maxLine = DefaultHardLineBytes
	}
	size := readBufferSize
	if maxLine < size {
		size = maxLine
	}
	if size < 16 {
		size = 16
	}
	return &LineReader{r: bufio.NewReaderSize(r, size), max: maxLine, offset: offset}
}

// Next returns the next line without its newline and the offset of its first
// byte. The slice is only valid until the following call. At the end of input
// it returns io.EOF, or the fragment and ErrPartialLine when the input ends
// without a newline. A line over the limit is skipped and reported as a
// *LineError wrapping ErrLineTooLong.
func (lr *LineReader) Next() ([]byte, int64, error) {
	start := lr.offset
	lr.buf = lr.buf[:0]

	for {
		chunk, err := lr.r.ReadSlice('\n')
		content := chunk
		if err == nil {
			content = chunk[:len(chunk)-1]
		}
		lr.offset += int64(len(chunk))

		if len(lr.buf)+len(content) > lr.max {
			if err == nil || err == io.EOF {
				return nil, start, lr.tooLong(start)
			}
			if skipErr := lr.skipLine(); skipErr != nil && skipErr != io.EOF {
				return nil, start, skipErr
			}
			return nil, start, lr.tooLong(start)
		}

		lr.buf = append(lr.buf, content...)
		if len(lr.buf) > lr.peak {
			lr.peak = len(lr.buf)
		}

		switch err {
		case nil:
			return lr.buf, start, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(lr.buf) == 0 {
				return nil, start, io.EOF
			}
			return lr.buf, start, ErrPartialLine
		default:
			return nil, start, err
		}
	}
}

func (lr *LineReader) tooLong(start int64) error {
	return &LineError{Offset: start, Reason: CodeLineTooLong,
		Err: fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, lr.max)}
}

// skipLine discards input up to and including the next newline
func (lr *LineReader) skipLine() error {
	for {
		chunk, err := lr.r.ReadSlice('\n')
		lr.offset += int64(len(chunk))
		if err != bufio.ErrBufferFull {
			return err
		}
	}
}

// Offset is the file offset just past the last line returned
func (lr *LineReader) Offset() int64 {
	return lr.offset
}

// Peak is the largest number of line bytes held at once
func (lr *LineReader) Peak() int {
	return lr.peak
}
