package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const bufferSize = 256 << 10

// ErrTooManyChunks is returned when the archive would need more chunk files
// than the naming scheme can number.
var ErrTooManyChunks = errors.New("too many chunks")

// Position is a point in the logical stream.
type Position struct {
	// Chunk is the file name of the chunk the position is reported on.
	Chunk string
	// Rel is the offset within Chunk.
	Rel uint64
	// Abs is the offset within the logical stream.
	Abs uint64
}

// Writer appends bytes to the logical stream, rolling over to a new chunk
// file whenever the current one reaches the maximum size.
//
// Rollover is lazy: a position taken when the current chunk is full reports
// that chunk with Rel equal to the maximum size, and the next byte written
// lands at offset zero of the following chunk.
//
// An I/O error is sticky; every later call returns it.
type Writer struct {
	dir     string
	prefix  string
	maxSize uint64
	logger  *slog.Logger

	file    *os.File
	buf     *bufio.Writer
	n       int
	written uint64
	total   uint64
	err     error
	closed  bool
}

// NewWriter creates the first chunk file and returns a writer positioned at
// the start of the logical stream.
func NewWriter(dir, prefix string, maxSize uint64, logger *slog.Logger) (*Writer, error) {
	if maxSize == 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &Writer{dir: dir, prefix: prefix, maxSize: maxSize, logger: logger}
	if err := w.open(1); err != nil {
		return nil, err
	}
	return w, nil
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, os.ErrClosed
	}
	written := 0
	for len(p) > 0 {
		if w.written == w.maxSize {
			if err := w.roll(); err != nil {
				w.err = err
				return written, err
			}
		}
		room := w.maxSize - w.written
		part := p
		if uint64(len(part)) > room {
			part = part[:room]
		}
		n, err := w.buf.Write(part)
		written += n
		w.written += uint64(n) //nolint:gosec // n is non-negative
		w.total += uint64(n)   //nolint:gosec // n is non-negative
		if err != nil {
			w.err = fmt.Errorf("write %s: %w", Name(w.prefix, w.n), err)
			return written, w.err
		}
		p = p[n:]
	}
	return written, nil
}

// Position reports the current end of the logical stream.
func (w *Writer) Position() Position {
	return Position{Chunk: Name(w.prefix, w.n), Rel: w.written, Abs: w.total}
}

// Layout reports the chunk set written so far.
func (w *Writer) Layout() Layout {
	return Layout{Count: w.n, MaxSize: w.maxSize, LastSize: w.written}
}

// Flush pushes buffered bytes to the current chunk file.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return nil
	}
	if err := w.buf.Flush(); err != nil {
		w.err = fmt.Errorf("flush %s: %w", Name(w.prefix, w.n), err)
		return w.err
	}
	return nil
}

// Close flushes and closes the current chunk file.
func (w *Writer) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	var flushErr error
	if w.err == nil {
		flushErr = w.buf.Flush()
	}
	closeErr := w.file.Close()
	if w.err != nil {
		return w.err
	}
	return errors.Join(flushErr, closeErr)
}

func (w *Writer) roll() error {
	if w.n >= MaxCount {
		return ErrTooManyChunks
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", Name(w.prefix, w.n), err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", Name(w.prefix, w.n), err)
	}
	if err := w.open(w.n + 1); err != nil {
		return err
	}
	w.logger.Debug("chunk rolled over", "chunk", Name(w.prefix, w.n), "total", w.total)
	return nil
}

func (w *Writer) open(n int) error {
	name := Name(w.prefix, n)
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create chunk: %w", err)
	}
	w.file = f
	if w.buf == nil {
		w.buf = bufio.NewWriterSize(f, bufferSize)
	} else {
		w.buf.Reset(f)
	}
	w.n = n
	w.written = 0
	return nil
}
