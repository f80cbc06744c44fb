package chunk

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrMissing indicates a chunk file the footer declares does not exist.
	ErrMissing = errors.New("missing chunk")
	// ErrSize indicates a chunk file whose size differs from the footer.
	ErrSize = errors.New("chunk size mismatch")
	// ErrRange indicates a byte range that does not fit the chunk layout.
	ErrRange = errors.New("invalid chunk range")
)

// Problem describes one chunk file that failed validation.
type Problem struct {
	Chunk string
	Err   error
}

// Validate checks every chunk the layout declares against the files in dir,
// collecting all problems instead of stopping at the first.
func Validate(dir, prefix string, l Layout) []Problem {
	var problems []Problem
	if err := l.Check(); err != nil {
		return []Problem{{Err: err}}
	}
	if l.LastSize > l.MaxSize {
		problems = append(problems, Problem{
			Chunk: Name(prefix, l.Count),
			Err:   fmt.Errorf("%w: last chunk size %d exceeds maximum %d", ErrSize, l.LastSize, l.MaxSize),
		})
	}
	for n := 1; n <= l.Count; n++ {
		name := Name(prefix, n)
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				problems = append(problems, Problem{Chunk: name, Err: ErrMissing})
				continue
			}
			problems = append(problems, Problem{Chunk: name, Err: err})
			continue
		}
		want := l.Size(n)
		if got := uint64(info.Size()); got != want { //nolint:gosec // file sizes are non-negative
			problems = append(problems, Problem{
				Chunk: name,
				Err:   fmt.Errorf("%w: got %d bytes, want %d", ErrSize, got, want),
			})
		}
	}
	return problems
}

// Span is a byte range addressed by chunk name and chunk-relative offsets.
type Span struct {
	StartChunk string
	RelStart   uint64
	EndChunk   string
	RelEnd     uint64
}

// OpenRange opens only the chunk files a span covers and returns a reader
// over exactly its bytes. Closing the reader closes every opened file.
func OpenRange(dir, prefix string, l Layout, s Span) (io.ReadCloser, error) {
	first, err := ParseName(prefix, s.StartChunk)
	if err != nil {
		return nil, err
	}
	last, err := ParseName(prefix, s.EndChunk)
	if err != nil {
		return nil, err
	}
	if last < first || last > l.Count {
		return nil, fmt.Errorf("%w: chunks %d..%d of %d", ErrRange, first, last, l.Count)
	}
	if l.Locate(last, s.RelEnd) < l.Locate(first, s.RelStart) {
		return nil, fmt.Errorf("%w: end before start", ErrRange)
	}

	files := make([]*os.File, 0, last-first+1)
	closeAll := func() error {
		var errs []error
		for _, f := range files {
			errs = append(errs, f.Close())
		}
		return errors.Join(errs...)
	}
	readers := make([]io.Reader, 0, last-first+1)
	for n := first; n <= last; n++ {
		start, end := uint64(0), l.Size(n)
		if n == first {
			start = s.RelStart
		}
		if n == last {
			end = s.RelEnd
		}
		if start > end || end > l.Size(n) {
			_ = closeAll() //nolint:errcheck // already failing
			return nil, fmt.Errorf("%w: %s [%d, %d)", ErrRange, Name(prefix, n), start, end)
		}
		if start == end {
			continue
		}
		f, err := os.Open(filepath.Join(dir, Name(prefix, n)))
		if err != nil {
			_ = closeAll() //nolint:errcheck // already failing
			return nil, fmt.Errorf("open chunk: %w", err)
		}
		files = append(files, f)
		readers = append(readers, io.NewSectionReader(f, int64(start), int64(end-start))) //nolint:gosec // bounded by chunk size
	}
	return &rangeReader{Reader: io.MultiReader(readers...), close: closeAll}, nil
}

type rangeReader struct {
	io.Reader
	close func() error
}

func (r *rangeReader) Close() error {
	if r.close == nil {
		return nil
	}
	err := r.close()
	r.close = nil
	return err
}

// Stream reads the logical stream front to back across chunk files, with
// forward-only skipping. Only one chunk file is open at a time.
type Stream struct {
	dir    string
	prefix string
	layout Layout

	file    *os.File
	fileN   int
	fileAbs uint64
	pos     uint64
}

// OpenStream returns a Stream positioned at the start of the logical stream.
// Files are opened lazily on the first read.
func OpenStream(dir, prefix string, l Layout) *Stream {
	return &Stream{dir: dir, prefix: prefix, layout: l}
}

// Pos returns the absolute position of the next byte to be read.
func (s *Stream) Pos() uint64 { return s.pos }

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	total := s.layout.Total()
	if s.pos >= total {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := int(s.pos/s.layout.MaxSize) + 1 //nolint:gosec // bounded by Count
	rel := s.pos % s.layout.MaxSize
	if err := s.ensure(n, rel); err != nil {
		return 0, err
	}
	if room := s.layout.Size(n) - rel; uint64(len(p)) > room {
		p = p[:room]
	}
	read, err := s.file.Read(p)
	s.pos += uint64(read) //nolint:gosec // read is non-negative
	s.fileAbs = s.pos
	if err == io.EOF {
		if read > 0 {
			return read, nil
		}
		return 0, fmt.Errorf("%w: %s ended early", ErrSize, Name(s.prefix, n))
	}
	return read, err
}

// SeekTo moves the stream forward to the absolute position abs.
func (s *Stream) SeekTo(abs uint64) error {
	if abs < s.pos {
		return fmt.Errorf("%w: cannot move back from %d to %d", ErrRange, s.pos, abs)
	}
	if abs > s.layout.Total() {
		return fmt.Errorf("%w: %d beyond end %d", ErrRange, abs, s.layout.Total())
	}
	s.pos = abs
	return nil
}

// Close closes the currently open chunk file.
func (s *Stream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *Stream) ensure(n int, rel uint64) error {
	if s.file != nil && s.fileN == n && s.fileAbs == s.pos {
		return nil
	}
	if s.file == nil || s.fileN != n {
		if err := s.Close(); err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(s.dir, Name(s.prefix, n)))
		if err != nil {
			return fmt.Errorf("open chunk: %w", err)
		}
		s.file = f
		s.fileN = n
	}
	if _, err := s.file.Seek(int64(rel), io.SeekStart); err != nil { //nolint:gosec // bounded by chunk size
		return fmt.Errorf("seek %s: %w", Name(s.prefix, n), err)
	}
	s.fileAbs = s.pos
	return nil
}
