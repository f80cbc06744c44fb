// Package compress adapts streaming compressors to a symmetric
// decorate-on-write / decorate-on-read contract.
package compress

import (
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ErrUnknown is returned for unrecognized compression names.
var ErrUnknown = errors.New("unknown compression")

// Algorithm identifies a compression format.
type Algorithm uint8

const (
	// None stores bytes unchanged.
	None Algorithm = iota
	// Gzip uses the gzip format.
	Gzip
	// Zstd uses the zstd format at the default level.
	Zstd
	// S2 uses the s2 stream format.
	S2
	// LZ4 uses the lz4 frame format.
	LZ4
)

// String returns the name used in configuration.
func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Parse parses a compression name. The empty string means None.
func Parse(name string) (Algorithm, error) {
	switch name {
	case "", "none":
		return None, nil
	case "gzip":
		return Gzip, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	case "lz4":
		return LZ4, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// Names lists every supported compression name.
func Names() []string {
	return []string{"none", "gzip", "zstd", "s2", "lz4"}
}

// Compress wraps w so that bytes written are compressed. Closing the
// returned writer flushes the compressor but does not close w.
func (a Algorithm) Compress(w io.Writer) (io.WriteCloser, error) {
	switch a {
	case None:
		return nopCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		return enc, nil
	case S2:
		return s2.NewWriter(w, s2.WriterConcurrency(1)), nil
	case LZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknown, uint8(a))
	}
}

// Decompress wraps r so that bytes read are decompressed. Closing the
// returned reader releases decoder resources but does not close r.
func (a Algorithm) Decompress(r io.Reader) (io.ReadCloser, error) {
	switch a {
	case None:
		return io.NopCloser(r), nil
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		return zr, nil
	case Zstd:
		dec, release, err := decoders.Get(r)
		if err != nil {
			return nil, fmt.Errorf("zstd decoder: %w", err)
		}
		return &releasingReader{Reader: dec, release: release}, nil
	case S2:
		return io.NopCloser(s2.NewReader(r)), nil
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknown, uint8(a))
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

type releasingReader struct {
	io.Reader
	release func()
}

func (r *releasingReader) Close() error {
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return nil
}
