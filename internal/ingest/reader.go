// Package ingest turns the raw bytes appended to a feed file into typed
// output records: a chunked line scanner reassembles newline-terminated
// lines across read boundaries, a row parser splits them into named
// fields, and a mapper coerces the fields through a column schema.
package ingest

import (
	"bytes"
	"errors"
	"io"
	"os"
)

// DefaultChunkSize is the read granularity when none is configured.
const DefaultChunkSize = 64 * 1024

// ErrTruncated reports a file whose size dropped below the resume
// offset. The caller treats this as a file identity change and restarts
// from offset zero.
var ErrTruncated = errors.New("file size below resume offset")

// PassWindow stats f and returns the end offset for a read pass
// starting at offset. Returns ErrTruncated (with the current size) when
// the file shrank below the offset.
func PassWindow(f *os.File, offset int64) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := fi.Size()
	if size < offset {
		return size, ErrTruncated
	}
	return size, nil
}

// LineScanner yields the complete newline-terminated lines in the byte
// window [start, end) of a file, reading fixed-size chunks and carrying
// partial lines across chunk boundaries. A trailing fragment with no
// terminator is never yielded and never advances EndOffset; the next
// pass re-reads it from the persisted offset.
type LineScanner struct {
	f         *os.File
	readPos   int64
	end       int64
	chunkSize int
	chunk     []byte
	buf       []byte
	off       int64
	line      []byte
	err       error
}

// NewLineScanner returns a scanner over the window [start, end) of f.
// end is typically the file size observed by PassWindow; bytes appended
// after that are left for the next pass.
func NewLineScanner(f *os.File, start, end int64, chunkSize int) *LineScanner {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &LineScanner{
		f:         f,
		readPos:   start,
		end:       end,
		chunkSize: chunkSize,
		off:       start,
	}
}

// Scan advances to the next complete line. It returns false at the end
// of the window or on a read error; Err distinguishes the two.
func (s *LineScanner) Scan() bool {
	if s.err != nil {
		return false
	}

	for {
		if i := bytes.IndexByte(s.buf, '\n'); i >= 0 {
			s.line = s.buf[:i]
			s.buf = s.buf[i+1:]
			s.off += int64(i) + 1
			return true
		}

		if s.readPos >= s.end {
			return false
		}

		if s.chunk == nil {
			s.chunk = make([]byte, s.chunkSize)
		}
		n := s.end - s.readPos
		if n > int64(s.chunkSize) {
			n = int64(s.chunkSize)
		}

		rn, err := s.f.ReadAt(s.chunk[:n], s.readPos)
		s.readPos += int64(rn)
		s.buf = append(s.buf, s.chunk[:rn]...)
		if err == io.EOF {
			// File shorter than the stat'd window; stop at what exists.
			s.end = s.readPos
		} else if err != nil {
			s.err = err
			return false
		}
	}
}

// Bytes returns the current line without its terminator. The slice is
// only valid until the next call to Scan.
func (s *LineScanner) Bytes() []byte {
	return s.line
}

// EndOffset returns the file offset just past the terminator of the
// last line returned by Scan. Persisting it never skips an unparsed
// byte range.
func (s *LineScanner) EndOffset() int64 {
	return s.off
}

// Err returns the first read error encountered, if any.
func (s *LineScanner) Err() error {
	return s.err
}
