// Package stream provides the hashing writer and verifying reader that sit
// at either end of the entity transform pipeline.
package stream

import (
	"bytes"
	"errors"
	"fmt"
	"hash"
	"io"
)

var (
	// ErrOverflow indicates a byte count exceeded its maximum value.
	ErrOverflow = errors.New("counter overflow")
	// ErrSizeMismatch indicates a stream ended at an unexpected size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrHashMismatch indicates a stream's digest differs from the recorded one.
	ErrHashMismatch = errors.New("hash mismatch")
)

// HashingWriter forwards writes to W while counting them and feeding an
// optional hash. A nil hash only counts.
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n uint64
}

// NewHashingWriter returns a HashingWriter over w. h may be nil.
func NewHashingWriter(w io.Writer, h hash.Hash) *HashingWriter {
	return &HashingWriter{w: w, h: h}
}

// Write implements io.Writer.
func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		if hw.h != nil {
			_, _ = hw.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
		}
		//nolint:gosec // n is non-negative by io.Writer contract
		if hw.n > ^uint64(0)-uint64(n) {
			return n, ErrOverflow
		}
		hw.n += uint64(n) //nolint:gosec // overflow checked above
	}
	return n, err
}

// Count returns the number of bytes written so far.
func (hw *HashingWriter) Count() uint64 { return hw.n }

// Sum returns the digest of the bytes written so far, or nil without a hash.
func (hw *HashingWriter) Sum() []byte {
	if hw.h == nil {
		return nil
	}
	return hw.h.Sum(nil)
}

// VerifyingReader reads exactly size bytes from r and, at EOF, checks the
// count and (when want is non-empty) the digest. Reading past size fails
// with ErrSizeMismatch.
type VerifyingReader struct {
	r        io.Reader
	h        hash.Hash
	want     []byte
	size     uint64
	read     uint64
	label    string
	done     bool
	checkErr error
}

// NewVerifyingReader returns a reader that verifies size and hash at EOF.
// h may be nil, in which case only the size is verified. label names the
// stream in error messages.
func NewVerifyingReader(r io.Reader, h hash.Hash, want []byte, size uint64, label string) *VerifyingReader {
	if len(want) == 0 {
		h = nil
	}
	return &VerifyingReader{r: r, h: h, want: want, size: size, label: label}
}

// Read implements io.Reader.
func (vr *VerifyingReader) Read(p []byte) (int, error) {
	if vr.done {
		if vr.checkErr != nil {
			return 0, vr.checkErr
		}
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	if vr.read == vr.size {
		return 0, vr.finish()
	}
	if remaining := vr.size - vr.read; uint64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := vr.r.Read(p)
	if n > 0 {
		if vr.h != nil {
			_, _ = vr.h.Write(p[:n]) //nolint:errcheck // hash writes never fail
		}
		vr.read += uint64(n) //nolint:gosec // n is non-negative
	}
	if err == io.EOF {
		if vr.read != vr.size {
			vr.done = true
			vr.checkErr = fmt.Errorf("%s: %w: got %d bytes, want %d", vr.label, ErrSizeMismatch, vr.read, vr.size)
			return n, vr.checkErr
		}
		return n, vr.finish()
	}
	return n, err
}

func (vr *VerifyingReader) finish() error {
	vr.done = true
	if err := EnsureNoExtra(vr.r); err != nil {
		vr.checkErr = fmt.Errorf("%s: %w", vr.label, err)
		return vr.checkErr
	}
	if vr.h != nil {
		if got := vr.h.Sum(nil); !bytes.Equal(got, vr.want) {
			vr.checkErr = fmt.Errorf("%s: %w", vr.label, ErrHashMismatch)
			return vr.checkErr
		}
	}
	return io.EOF
}

// EnsureNoExtra reads from r and returns ErrSizeMismatch if any data is available.
func EnsureNoExtra(r io.Reader) error {
	var scratch [1]byte
	for range 100 {
		n, err := r.Read(scratch[:])
		if n > 0 {
			return fmt.Errorf("%w: trailing data", ErrSizeMismatch)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return io.ErrNoProgress
}

// Drain reads r to EOF, discarding the data.
func Drain(r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

// ReadCloser pairs a reader with a close function.
type ReadCloser struct {
	io.Reader
	CloseFunc func() error
}

// Close runs the close function once.
func (rc *ReadCloser) Close() error {
	if rc.CloseFunc == nil {
		return nil
	}
	fn := rc.CloseFunc
	rc.CloseFunc = nil
	return fn()
}
