package cargo

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/cargo/internal/compress"
	"github.com/meigma/cargo/internal/crypt"
	"github.com/meigma/cargo/internal/digest"
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/stream"
)

// pipeline holds the archive-wide transform settings shared by both
// directions.
type pipeline struct {
	hash        digest.Algorithm
	compression compress.Algorithm
}

// spanResult is what encoding one span yields, before positions are known.
type spanResult struct {
	originalSize uint64
	archivedSize uint64
	originalHash []byte
	archivedHash []byte
}

// encode streams src through hash, compression, and encryption (when key
// is non-nil) into dst.
func (p pipeline) encode(dst io.Writer, src io.Reader, key []byte) (spanResult, error) {
	archHash, err := p.hash.New()
	if err != nil {
		return spanResult{}, err
	}
	origHash, err := p.hash.New()
	if err != nil {
		return spanResult{}, err
	}

	archived := stream.NewHashingWriter(dst, archHash)
	var sink io.Writer = archived
	var enc io.WriteCloser
	if key != nil {
		enc, err = crypt.Encrypt(archived, key)
		if err != nil {
			return spanResult{}, err
		}
		sink = enc
	}
	comp, err := p.compression.Compress(sink)
	if err != nil {
		return spanResult{}, err
	}
	original := stream.NewHashingWriter(comp, origHash)

	if _, err := io.Copy(original, src); err != nil {
		return spanResult{}, err
	}
	if err := comp.Close(); err != nil {
		return spanResult{}, fmt.Errorf("close compressor: %w", err)
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return spanResult{}, fmt.Errorf("close encryptor: %w", err)
		}
	}
	return spanResult{
		originalSize: original.Count(),
		archivedSize: archived.Count(),
		originalHash: original.Sum(),
		archivedHash: archived.Sum(),
	}, nil
}

// spanReader decodes one boundary's archived bytes, verifying the archived
// bytes and the decoded bytes against the recorded sizes and hashes once
// the span is exhausted. Close drains whatever was not read so the checks
// always run.
type spanReader struct {
	out      io.Reader
	archived io.Reader
	dec      io.Closer
	release  func() error
	done     bool
	err      error
}

// decode wraps raw, which must be positioned at the start of b, in the
// reverse of the write pipeline. release is called once on Close.
func (p pipeline) decode(raw io.Reader, b *entity.Boundary, key []byte, encrypted bool, label string, release func() error) (*spanReader, error) {
	sr := &spanReader{release: release}
	archHash, err := p.hash.New()
	if err != nil {
		return nil, errors.Join(err, sr.close())
	}
	origHash, err := p.hash.New()
	if err != nil {
		return nil, errors.Join(err, sr.close())
	}

	archived := stream.NewVerifyingReader(io.LimitReader(raw, int64(b.ArchivedSize)), archHash, b.ArchivedHash, b.ArchivedSize, label+" (archived)") //nolint:gosec // validated against the chunk layout
	sr.archived = archived

	var src io.Reader = archived
	if b.ArchivedSize > 0 {
		if encrypted {
			if key == nil {
				return nil, errors.Join(fmt.Errorf("%w: %s", ErrMissingKey, label), sr.close())
			}
			if src, err = crypt.Decrypt(src, key); err != nil {
				return nil, errors.Join(fmt.Errorf("%s: %w", label, err), sr.close())
			}
		}
		dec, err := p.compression.Decompress(src)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%s: %w", label, err), sr.close())
		}
		sr.dec = dec
		src = dec
	}
	sr.out = stream.NewVerifyingReader(src, origHash, b.OriginalHash, b.OriginalSize, label)
	return sr, nil
}

func (sr *spanReader) Read(p []byte) (int, error) {
	if sr.done {
		if sr.err != nil {
			return 0, sr.err
		}
		return 0, io.EOF
	}
	n, err := sr.out.Read(p)
	if err == io.EOF {
		if ferr := sr.finish(); ferr != nil {
			return n, ferr
		}
		return n, io.EOF
	}
	if err != nil {
		sr.done = true
		sr.err = err
		_ = sr.close() //nolint:errcheck // read error takes precedence
	}
	return n, err
}

// Close drains and verifies the rest of the span, then releases resources.
func (sr *spanReader) Close() error {
	if sr.done {
		return sr.err
	}
	if err := stream.Drain(sr.out); err != nil {
		sr.done = true
		sr.err = err
		return errors.Join(err, sr.close())
	}
	return sr.finish()
}

func (sr *spanReader) finish() error {
	sr.done = true
	if err := stream.Drain(sr.archived); err != nil {
		sr.err = err
	}
	if err := sr.close(); err != nil && sr.err == nil {
		sr.err = err
	}
	return sr.err
}

func (sr *spanReader) close() error {
	var errs []error
	if sr.dec != nil {
		errs = append(errs, sr.dec.Close())
		sr.dec = nil
	}
	if sr.release != nil {
		errs = append(errs, sr.release())
		sr.release = nil
	}
	return errors.Join(errs...)
}

func readAllSpan(sr *spanReader) ([]byte, error) {
	data, err := io.ReadAll(sr)
	if cerr := sr.Close(); err == nil {
		err = cerr
	}
	return data, err
}

func spanLabel(path, section string) string {
	return path + " " + section
}
