package cargo

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/crypt"
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/index"
)

// Reader gives random and sequential access to a finished archive.
//
// OpenReader validates the index and the chunk files up front; a Reader
// that opened successfully has a complete footer, every declared chunk at
// its declared size, and a gap-free sequence of well-formed entity records.
// Content hashes are checked as entities are read, or all at once by
// VerifyHashes.
//
// Random access through Entry is safe for concurrent use. Each Iterator
// must stay on one goroutine.
type Reader struct {
	cfg    readerConfig
	dir    string
	prefix string
	pipe   pipeline
	idx    *index.Index
	layout chunk.Layout
	byPath map[string]*entity.Record
}

// OpenReader loads and validates the archive named prefix inside dir.
// Every defect found is reported together in an *IntegrityError.
func OpenReader(dir, prefix string, opts ...ReaderOption) (*Reader, error) {
	var cfg readerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if err := checkPrefix(prefix); err != nil {
		return nil, err
	}

	idx, err := loadIndex(dir, prefix, &cfg)
	if err != nil {
		return nil, err
	}

	r := &Reader{
		cfg:    cfg,
		dir:    dir,
		prefix: prefix,
		pipe:   pipeline{hash: idx.HashAlgorithm, compression: idx.Compression},
		idx:    idx,
		layout: idx.Footer.Layout(),
		byPath: make(map[string]*entity.Record, len(idx.Records)),
	}
	if err := integrityError(r.validate()); err != nil {
		r.log().Warn("archive rejected", "dir", dir, "prefix", prefix, "error", err)
		return nil, err
	}
	r.log().Info("archive opened", "dir", dir, "prefix", prefix,
		"entities", len(idx.Records), "chunks", r.layout.Count, "total_size", idx.Footer.TotalSize)
	return r, nil
}

func loadIndex(dir, prefix string, cfg *readerConfig) (*index.Index, error) {
	name := chunk.IndexName(prefix)
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, integrityError([]Problem{{Chunk: name, Err: fmt.Errorf("%w: %w", chunk.ErrMissing, err)}})
		}
		return nil, fmt.Errorf("cargo: open index: %w", err)
	}
	defer f.Close()

	var src io.Reader = f
	if cfg.indexKey != nil {
		if src, err = crypt.Decrypt(src, cfg.indexKey); err != nil {
			return nil, fmt.Errorf("cargo: index: %w", err)
		}
	}
	dec, err := cfg.compression.Decompress(src)
	if err != nil {
		return nil, fmt.Errorf("cargo: index: %w", err)
	}
	defer dec.Close()

	idx, err := index.Parse(dec)
	if err != nil {
		if errors.Is(err, crypt.ErrDecrypt) {
			return nil, fmt.Errorf("cargo: index: %w", err)
		}
		return nil, integrityError([]Problem{{Chunk: name, Err: err}})
	}
	return idx, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Reader) log() *slog.Logger {
	if r.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.cfg.logger
}

// validate collects every defect in the parsed index and the chunk set.
func (r *Reader) validate() []Problem {
	var problems []Problem
	footer := r.idx.Footer

	for _, p := range r.idx.Problems {
		problems = append(problems, Problem{Path: p.Path, Err: p.Err})
	}
	if total := r.layout.Total(); total != footer.TotalSize {
		problems = append(problems, Problem{
			Chunk: chunk.IndexName(r.prefix),
			Err:   fmt.Errorf("%w: footer total %d, chunk layout implies %d", ErrSizeMismatch, footer.TotalSize, total),
		})
	}
	for _, p := range chunk.Validate(r.dir, r.prefix, r.layout) {
		err := p.Err
		if errors.Is(err, chunk.ErrSize) {
			err = fmt.Errorf("%w: %w", ErrSizeMismatch, err)
		}
		problems = append(problems, Problem{Chunk: p.Chunk, Err: err})
	}

	var next uint64
	for _, rec := range r.idx.Records {
		if !isNormalized(rec.Path) {
			problems = append(problems, Problem{Path: rec.Path, Err: fmt.Errorf("%w: not normalized", ErrInvalidPath)})
		}
		if _, dup := r.byPath[rec.Path]; dup {
			problems = append(problems, Problem{Path: rec.Path, Err: ErrDuplicatePath})
		} else {
			r.byPath[rec.Path] = rec
		}
		if err := rec.Validate(footer.MaxChunkSize); err != nil {
			problems = append(problems, Problem{Path: rec.Path, Err: err})
			continue
		}
		for _, b := range []*entity.Boundary{rec.Content, rec.Metadata} {
			if b == nil {
				continue
			}
			if err := r.checkPlacement(b); err != nil {
				problems = append(problems, Problem{Path: rec.Path, Err: err})
			}
		}
		if rec.Start() != next {
			problems = append(problems, Problem{
				Path: rec.Path,
				Err:  fmt.Errorf("%w: entity starts at %d, previous entity ended at %d", ErrSizeMismatch, rec.Start(), next),
			})
		}
		next = rec.End()
	}
	if next > footer.TotalSize {
		problems = append(problems, Problem{
			Chunk: chunk.IndexName(r.prefix),
			Err:   fmt.Errorf("%w: entities end at %d beyond total size %d", ErrSizeMismatch, next, footer.TotalSize),
		})
	}
	return problems
}

// checkPlacement verifies that a boundary's chunk-relative offsets agree
// with its absolute offsets and fall inside the declared chunks.
func (r *Reader) checkPlacement(b *entity.Boundary) error {
	first, err := chunk.ParseName(r.prefix, b.StartChunk)
	if err != nil {
		return err
	}
	last, err := chunk.ParseName(r.prefix, b.EndChunk)
	if err != nil {
		return err
	}
	if first > r.layout.Count || last > r.layout.Count {
		return fmt.Errorf("%w: chunk beyond declared count %d", chunk.ErrRange, r.layout.Count)
	}
	if r.layout.Locate(first, b.RelStart) != b.AbsStart || r.layout.Locate(last, b.RelEnd) != b.AbsEnd {
		return fmt.Errorf("%w: relative offsets disagree with absolute offsets", chunk.ErrRange)
	}
	if b.RelStart > r.layout.Size(first) || b.RelEnd > r.layout.Size(last) {
		return fmt.Errorf("%w: offset beyond chunk end", chunk.ErrRange)
	}
	return nil
}

// Len returns the number of entities in the archive.
func (r *Reader) Len() int { return len(r.idx.Records) }

// Footer returns the archive footer.
func (r *Reader) Footer() Footer { return r.idx.Footer }

// HashAlgorithm returns the name of the hash algorithm the archive was written with.
func (r *Reader) HashAlgorithm() string { return r.pipe.hash.String() }

// Compression returns the name of the compression the archive was written with.
func (r *Reader) Compression() string { return r.pipe.compression.String() }

// Records returns copies of every entity record in index order.
func (r *Reader) Records() []*BoundarySource {
	out := make([]*BoundarySource, len(r.idx.Records))
	for i, rec := range r.idx.Records {
		out[i] = rec.Clone()
	}
	return out
}

// Has reports whether the archive contains path.
func (r *Reader) Has(path string) bool {
	p, err := NormalizePath(path)
	if err != nil {
		return false
	}
	_, ok := r.byPath[p]
	return ok
}

// Entry returns a random-access view of the entity at path.
func (r *Reader) Entry(path string) (*RandomEntry, error) {
	rec, err := r.record(path)
	if err != nil {
		return nil, err
	}
	return &RandomEntry{r: r, rec: rec}, nil
}

// Iterator returns a sequential view over every entity in index order.
func (r *Reader) Iterator() *Iterator {
	return newIterator(r, r.idx.Records)
}

// IteratorForScope returns a sequential view over the entities whose paths
// are in scope, in index order. Paths not in the archive are ignored.
func (r *Reader) IteratorForScope(paths []string) *Iterator {
	scope := make(map[string]bool, len(paths))
	for _, p := range paths {
		if n, err := NormalizePath(p); err == nil {
			scope[n] = true
		}
	}
	var records []*entity.Record
	for _, rec := range r.idx.Records {
		if scope[rec.Path] {
			records = append(records, rec)
		}
	}
	return newIterator(r, records)
}

// CopyTo copies the entity at path into w without decoding it.
func (r *Reader) CopyTo(w *Writer, path string) (*BoundarySource, error) {
	rec, err := r.record(path)
	if err != nil {
		return nil, err
	}
	if w.cfg.hash != r.pipe.hash || w.cfg.compression != r.pipe.compression {
		return nil, fmt.Errorf("cargo: copy %s: destination uses %s/%s, source uses %s/%s", rec.Path,
			w.cfg.hash, w.cfg.compression, r.pipe.hash, r.pipe.compression)
	}
	raw, err := r.openRaw(rec)
	if err != nil {
		return nil, err
	}
	src, err := w.MergeEntity(rec, raw)
	if cerr := raw.Close(); err == nil && cerr != nil {
		return nil, fmt.Errorf("cargo: copy %s: %w", rec.Path, cerr)
	}
	return src, err
}

// Close releases the reader. Entries and iterators must not be used afterwards.
func (r *Reader) Close() error {
	return nil
}

func (r *Reader) record(path string) (*entity.Record, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	rec, ok := r.byPath[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return rec, nil
}

// openSpan opens exactly the chunk range holding b.
func (r *Reader) openSpan(b *entity.Boundary) (io.ReadCloser, error) {
	rc, err := chunk.OpenRange(r.dir, r.prefix, r.layout, chunk.Span{
		StartChunk: b.StartChunk,
		RelStart:   b.RelStart,
		EndChunk:   b.EndChunk,
		RelEnd:     b.RelEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("cargo: %w", err)
	}
	return rc, nil
}

// openRaw opens the archived bytes of an entity's content and metadata.
func (r *Reader) openRaw(rec *entity.Record) (io.ReadCloser, error) {
	span := &entity.Boundary{
		StartChunk: rec.Metadata.StartChunk,
		RelStart:   rec.Metadata.RelStart,
		EndChunk:   rec.Metadata.EndChunk,
		RelEnd:     rec.Metadata.RelEnd,
	}
	if rec.Content != nil {
		span.StartChunk, span.RelStart = rec.Content.StartChunk, rec.Content.RelStart
	}
	return r.openSpan(span)
}
