package ingest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openFeed(t *testing.T, content string) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feed.dat")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func scanAll(t *testing.T, f *os.File, start, end int64, chunkSize int) ([]string, int64) {
	t.Helper()
	sc := NewLineScanner(f, start, end, chunkSize)
	var lines []string
	for sc.Scan() {
		lines = append(lines, string(sc.Bytes()))
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	return lines, sc.EndOffset()
}

func TestLineScanner_ChunkSizes(t *testing.T) {
	content := "AAPL,187.25,300,B\nMSFT,425.10,150,S\nTSLA,,75,B\n"
	want := []string{"AAPL,187.25,300,B", "MSFT,425.10,150,S", "TSLA,,75,B"}

	f := openFeed(t, content)
	end := int64(len(content))

	// Every chunk size must yield the same lines and final offset,
	// including sizes smaller than a line and larger than the file.
	for _, chunkSize := range []int{1, 2, 3, 5, 8, 13, 17, 31, len(content), 64, 0} {
		lines, off := scanAll(t, f, 0, end, chunkSize)

		if len(lines) != len(want) {
			t.Fatalf("chunkSize=%d: got %d lines, want %d", chunkSize, len(lines), len(want))
		}
		for i := range want {
			if lines[i] != want[i] {
				t.Errorf("chunkSize=%d: line %d = %q, want %q", chunkSize, i, lines[i], want[i])
			}
		}
		if off != end {
			t.Errorf("chunkSize=%d: EndOffset = %d, want %d", chunkSize, off, end)
		}
	}
}

func TestLineScanner_TrailingFragment(t *testing.T) {
	// The unterminated tail must not be yielded and must not advance
	// the offset; the next pass re-reads it.
	content := "alpha\nbeta\ngamma"
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, int64(len(content)), 4)

	if len(lines) != 2 || lines[0] != "alpha" || lines[1] != "beta" {
		t.Fatalf("got lines %v, want [alpha beta]", lines)
	}
	if off != 11 {
		t.Errorf("EndOffset = %d, want 11 (start of the fragment)", off)
	}
}

func TestLineScanner_ResumeAfterAppend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.dat")
	if err := os.WriteFile(path, []byte("one\ntwo,part"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	lines, off := scanAll(t, f, 0, 12, 5)
	if len(lines) != 1 || lines[0] != "one" {
		t.Fatalf("first pass: got %v, want [one]", lines)
	}
	if off != 4 {
		t.Fatalf("first pass: EndOffset = %d, want 4", off)
	}

	// Writer completes the fragment and appends another line.
	w, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := w.WriteString("ial\nthree\n"); err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}
	w.Close()

	end, err := PassWindow(f, off)
	if err != nil {
		t.Fatalf("PassWindow failed: %v", err)
	}
	lines, off = scanAll(t, f, off, end, 5)

	if len(lines) != 2 || lines[0] != "two,partial" || lines[1] != "three" {
		t.Fatalf("second pass: got %v, want [two,partial three]", lines)
	}
	if off != end {
		t.Errorf("second pass: EndOffset = %d, want %d", off, end)
	}
}

func TestLineScanner_EmptyWindow(t *testing.T) {
	f := openFeed(t, "data\n")

	sc := NewLineScanner(f, 5, 5, 16)
	if sc.Scan() {
		t.Error("Scan returned true for an empty window")
	}
	if sc.Err() != nil {
		t.Errorf("Err = %v, want nil", sc.Err())
	}
	if sc.EndOffset() != 5 {
		t.Errorf("EndOffset = %d, want 5", sc.EndOffset())
	}
}

func TestLineScanner_LineLongerThanChunk(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	content := string(long) + "\nshort\n"
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, int64(len(content)), 16)

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0] != string(long) {
		t.Errorf("long line corrupted: len=%d, want 1000", len(lines[0]))
	}
	if lines[1] != "short" {
		t.Errorf("second line = %q, want %q", lines[1], "short")
	}
	if off != int64(len(content)) {
		t.Errorf("EndOffset = %d, want %d", off, len(content))
	}
}

func TestLineScanner_LineExactlyChunkSize(t *testing.T) {
	content := "hello\n" // terminator lands exactly on the chunk boundary
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, int64(len(content)), len(content))

	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("got %v, want [hello]", lines)
	}
	if off != int64(len(content)) {
		t.Errorf("EndOffset = %d, want %d", off, len(content))
	}
}

func TestLineScanner_EmptyLines(t *testing.T) {
	content := "\n\na\n"
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, int64(len(content)), 2)

	if len(lines) != 3 || lines[0] != "" || lines[1] != "" || lines[2] != "a" {
		t.Fatalf("got %v, want two empty lines then a", lines)
	}
	if off != 4 {
		t.Errorf("EndOffset = %d, want 4", off)
	}
}

func TestLineScanner_StopsAtWindowEnd(t *testing.T) {
	// Bytes past the stat'd end belong to the next pass even when the
	// file already contains them.
	content := "one\ntwo\nthree\n"
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, 8, 64)

	if len(lines) != 2 || lines[0] != "one" || lines[1] != "two" {
		t.Fatalf("got %v, want [one two]", lines)
	}
	if off != 8 {
		t.Errorf("EndOffset = %d, want 8", off)
	}
}

func TestLineScanner_WindowPastEOF(t *testing.T) {
	// A window end beyond the real size stops cleanly at EOF.
	content := "abc\ndef"
	f := openFeed(t, content)

	lines, off := scanAll(t, f, 0, 100, 64)

	if len(lines) != 1 || lines[0] != "abc" {
		t.Fatalf("got %v, want [abc]", lines)
	}
	if off != 4 {
		t.Errorf("EndOffset = %d, want 4", off)
	}
}

func TestPassWindow(t *testing.T) {
	f := openFeed(t, "0123456789")

	end, err := PassWindow(f, 4)
	if err != nil {
		t.Fatalf("PassWindow failed: %v", err)
	}
	if end != 10 {
		t.Errorf("end = %d, want 10", end)
	}
}

func TestPassWindow_Truncated(t *testing.T) {
	f := openFeed(t, "short")

	size, err := PassWindow(f, 100)
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if size != 5 {
		t.Errorf("size = %d, want 5", size)
	}
}
