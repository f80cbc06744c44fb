package cargo

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/stream"
)

// VerifyHashes streams the whole logical archive once, recomputing the
// archived-bytes hash of every content and metadata span and comparing it
// with the index. It also checks that no bytes follow the last entity.
// Every failing entity is reported in a single *IntegrityError.
//
// Archives written without a hash algorithm only get the size checks.
func (r *Reader) VerifyHashes() error {
	s := chunk.OpenStream(r.dir, r.prefix, r.layout)
	defer s.Close()

	var problems []Problem
	for _, rec := range r.idx.Records {
		if err := s.SeekTo(rec.Start()); err != nil {
			return fmt.Errorf("cargo: verify %s: %w", rec.Path, err)
		}
		for _, span := range []struct {
			name string
			b    *entity.Boundary
		}{{"content", rec.Content}, {"metadata", rec.Metadata}} {
			if span.b == nil {
				continue
			}
			err := r.verifySpan(s, span.b)
			if err == nil {
				continue
			}
			if !isIntegrityDefect(err) {
				return fmt.Errorf("cargo: verify %s: %w", rec.Path, err)
			}
			problems = append(problems, Problem{Path: rec.Path, Err: fmt.Errorf("%s: %w", span.name, err)})
			if err := s.SeekTo(span.b.AbsEnd); err != nil {
				return fmt.Errorf("cargo: verify %s: %w", rec.Path, err)
			}
		}
	}

	if trailing := r.layout.Total() - s.Pos(); trailing > 0 {
		problems = append(problems, Problem{
			Chunk: chunk.Name(r.prefix, r.layout.Count),
			Err:   fmt.Errorf("%w: %d bytes after the last entity", ErrSizeMismatch, trailing),
		})
	}

	if err := integrityError(problems); err != nil {
		r.log().Warn("archive verification failed", "prefix", r.prefix, "problems", len(problems))
		return err
	}
	r.log().Info("archive verified", "prefix", r.prefix, "entities", len(r.idx.Records))
	return nil
}

func (r *Reader) verifySpan(s *chunk.Stream, b *entity.Boundary) error {
	h, err := r.pipe.hash.New()
	if err != nil {
		return err
	}
	vr := stream.NewVerifyingReader(io.LimitReader(s, int64(b.ArchivedSize)), h, b.ArchivedHash, b.ArchivedSize, "archived bytes") //nolint:gosec // validated against the chunk layout
	return stream.Drain(vr)
}

func isIntegrityDefect(err error) bool {
	return errors.Is(err, stream.ErrHashMismatch) || errors.Is(err, stream.ErrSizeMismatch) || errors.Is(err, chunk.ErrSize)
}
