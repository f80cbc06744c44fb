package cargo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/crypt"
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/index"
	"github.com/meigma/cargo/internal/sizing"
)

// Writer appends entities to a new archive one at a time.
//
// Each entity's content and metadata pass through hashing, compression,
// and encryption before landing in the chunk files, and its index block is
// written as soon as the entity completes. A Writer is not safe for
// concurrent use; see ParallelWriter.
//
// Any error after bytes have reached the chunk files leaves the writer
// failed: later calls return the error and Close skips the footer, so the
// archive holds every entity completed before the failure.
type Writer struct {
	cfg    writerConfig
	dir    string
	prefix string
	pipe   pipeline

	chunks    *chunk.Writer
	indexFile *os.File
	indexSink []io.WriteCloser
	index     *index.Writer

	records map[string]*entity.Record
	closed  bool
	err     error
}

type flusher interface {
	Flush() error
}

// NewWriter creates the chunk and index files of a new archive named
// prefix inside dir. dir is created if needed; existing archive files with
// the same prefix are never overwritten.
func NewWriter(dir, prefix string, opts ...WriterOption) (*Writer, error) {
	cfg := defaultWriterConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}
	if cfg.indexKey != nil {
		if err := crypt.CheckKey(cfg.indexKey); err != nil {
			return nil, fmt.Errorf("cargo: index key: %w", err)
		}
	}
	if err := checkPrefix(prefix); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cargo: create archive directory: %w", err)
	}

	w := &Writer{
		cfg:     cfg,
		dir:     dir,
		prefix:  prefix,
		pipe:    pipeline{hash: cfg.hash, compression: cfg.compression},
		records: make(map[string]*entity.Record),
	}

	f, err := os.OpenFile(filepath.Join(dir, chunk.IndexName(prefix)), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cargo: create index: %w", err)
	}
	w.indexFile = f

	if err := w.openIndex(); err != nil {
		return nil, errors.Join(err, w.closeFiles())
	}
	w.chunks, err = chunk.NewWriter(dir, prefix, cfg.maxChunkSize, w.log())
	if err != nil {
		return nil, errors.Join(fmt.Errorf("cargo: %w", err), w.closeFiles())
	}
	w.log().Debug("archive created", "dir", dir, "prefix", prefix,
		"chunk_size", cfg.maxChunkSize, "hash", cfg.hash.String(), "compression", cfg.compression.String())
	return w, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (w *Writer) log() *slog.Logger {
	if w.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.cfg.logger
}

func (w *Writer) openIndex() error {
	var sink io.Writer = w.indexFile
	if w.cfg.indexKey != nil {
		enc, err := crypt.Encrypt(sink, w.cfg.indexKey)
		if err != nil {
			return fmt.Errorf("cargo: encrypt index: %w", err)
		}
		w.indexSink = append(w.indexSink, enc)
		sink = enc
	}
	comp, err := w.cfg.compression.Compress(sink)
	if err != nil {
		return fmt.Errorf("cargo: compress index: %w", err)
	}
	w.indexSink = append(w.indexSink, comp)

	w.index, err = index.NewWriter(comp, index.Header{HashAlgorithm: w.cfg.hash, Compression: w.cfg.compression})
	if err != nil {
		return fmt.Errorf("cargo: %w", err)
	}
	return nil
}

// Dir returns the directory holding the archive files.
func (w *Writer) Dir() string { return w.dir }

// Prefix returns the archive file name prefix.
func (w *Writer) Prefix() string { return w.prefix }

// HashAlgorithm returns the name of the hash algorithm entities are written with.
func (w *Writer) HashAlgorithm() string { return w.cfg.hash.String() }

// Compression returns the name of the compression entities are written with.
func (w *Writer) Compression() string { return w.cfg.compression.String() }

// Len returns the number of entities written so far, including
// auto-created directories.
func (w *Writer) Len() int { return len(w.records) }

// Has reports whether path has been written, explicitly or as an
// auto-created ancestor.
func (w *Writer) Has(path string) bool {
	p, err := NormalizePath(path)
	if err != nil {
		return false
	}
	_, ok := w.lookup(p)
	return ok
}

// AddFile archives a regular file. content is read to EOF. A nil key
// stores the entity unencrypted; metadata may be nil.
func (w *Writer) AddFile(path string, content io.Reader, key, metadata []byte) (*BoundarySource, error) {
	return w.add(path, RegularFile, content, key, metadata)
}

// AddSymbolicLink archives a symbolic link, storing target as its content.
func (w *Writer) AddSymbolicLink(path, target string, key, metadata []byte) (*BoundarySource, error) {
	return w.add(path, SymbolicLink, strings.NewReader(target), key, metadata)
}

// AddDirectory archives a directory. key only applies to metadata.
func (w *Writer) AddDirectory(path string, key, metadata []byte) (*BoundarySource, error) {
	return w.add(path, Directory, nil, key, metadata)
}

func (w *Writer) add(path string, typ FileType, content io.Reader, key, metadata []byte) (*BoundarySource, error) {
	if err := w.usable(); err != nil {
		return nil, err
	}
	p, err := w.claim(path)
	if err != nil {
		return nil, err
	}
	if key != nil {
		if err := crypt.CheckKey(key); err != nil {
			return nil, fmt.Errorf("cargo: %s: %w", p, err)
		}
	}
	if err := w.createAncestors(p); err != nil {
		return nil, err
	}

	rec := &entity.Record{Path: p, Type: typ, Encrypted: key != nil}
	if typ.HasContent() {
		if rec.Content, err = w.writeSpan(content, key); err != nil {
			return nil, w.fail(fmt.Errorf("cargo: write %s content: %w", p, err))
		}
	}
	if rec.Metadata, err = w.writeMetadata(metadata, key); err != nil {
		return nil, w.fail(fmt.Errorf("cargo: write %s metadata: %w", p, err))
	}
	if err := w.commit(rec); err != nil {
		return nil, err
	}
	w.log().Debug("entity written", "path", p, "type", typ.String(), "archived_size", rec.ArchivedSize())
	return rec.Clone(), nil
}

// MergeEntity appends an entity whose bytes were already encoded by another
// archive. raw must yield the source's content bytes followed by its
// metadata bytes, exactly as archived. Nothing is re-hashed, re-compressed,
// or re-encrypted: sizes and hashes are kept and only the positions change.
// The source archive must use the same hash algorithm and compression.
func (w *Writer) MergeEntity(src *BoundarySource, raw io.Reader) (*BoundarySource, error) {
	if err := w.usable(); err != nil {
		return nil, err
	}
	if src == nil {
		return nil, errors.New("cargo: merge: nil boundary source")
	}
	if err := src.Validate(0); err != nil {
		return nil, fmt.Errorf("cargo: merge %s: %w", src.Path, err)
	}
	if err := checkCopySize(src); err != nil {
		return nil, fmt.Errorf("cargo: merge %s: %w", src.Path, err)
	}
	p, err := w.claim(src.Path)
	if err != nil {
		return nil, err
	}
	if err := w.createAncestors(p); err != nil {
		return nil, err
	}

	rec := &entity.Record{Path: p, Type: src.Type, Encrypted: src.Encrypted}
	if src.Content != nil {
		if rec.Content, err = w.copySpan(raw, src.Content); err != nil {
			return nil, w.fail(fmt.Errorf("cargo: merge %s content: %w", p, err))
		}
	}
	if rec.Metadata, err = w.copySpan(raw, src.Metadata); err != nil {
		return nil, w.fail(fmt.Errorf("cargo: merge %s metadata: %w", p, err))
	}
	if err := w.commit(rec); err != nil {
		return nil, err
	}
	w.log().Debug("entity merged", "path", p, "type", rec.Type.String(), "archived_size", rec.ArchivedSize())
	return rec.Clone(), nil
}

// Close writes the footer, then flushes and closes the index and chunk
// files. A writer that failed earlier is closed without a footer and the
// original error is returned.
func (w *Writer) Close() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	if w.err != nil {
		return errors.Join(w.err, w.closeFiles())
	}

	if err := w.chunks.Flush(); err != nil {
		return errors.Join(fmt.Errorf("cargo: %w", err), w.closeFiles())
	}
	layout := w.chunks.Layout()
	footer := index.Footer{
		LastChunkIndex: layout.Count,
		LastChunkSize:  layout.LastSize,
		MaxChunkSize:   layout.MaxSize,
		TotalSize:      layout.Total(),
	}
	if err := w.index.WriteFooter(footer); err != nil {
		return errors.Join(fmt.Errorf("cargo: %w", err), w.closeFiles())
	}
	if err := w.closeFiles(); err != nil {
		return fmt.Errorf("cargo: close archive: %w", err)
	}
	w.log().Info("archive closed", "dir", w.dir, "prefix", w.prefix,
		"entities", len(w.records), "chunks", layout.Count, "total_size", footer.TotalSize)
	return nil
}

// Abort closes the writer without writing a footer and removes the chunk
// and index files it created. Use it to discard an archive that could not
// be completed.
func (w *Writer) Abort() error {
	if w.closed {
		return ErrClosed
	}
	w.closed = true
	count := w.chunks.Layout().Count
	_ = w.closeFiles() //nolint:errcheck // the files are removed below

	var errs []error
	names := []string{chunk.IndexName(w.prefix)}
	for n := 1; n <= count; n++ {
		names = append(names, chunk.Name(w.prefix, n))
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(w.dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("cargo: remove %s: %w", name, err))
		}
	}
	w.log().Info("archive aborted", "dir", w.dir, "prefix", w.prefix, "entities", len(w.records))
	return errors.Join(errs...)
}

func (w *Writer) closeFiles() error {
	var errs []error
	for i := len(w.indexSink) - 1; i >= 0; i-- {
		errs = append(errs, w.indexSink[i].Close())
	}
	w.indexSink = nil
	if w.indexFile != nil {
		errs = append(errs, w.indexFile.Close())
		w.indexFile = nil
	}
	if w.chunks != nil {
		errs = append(errs, w.chunks.Close())
	}
	return errors.Join(errs...)
}

func (w *Writer) usable() error {
	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return fmt.Errorf("cargo: writer failed: %w", w.err)
	}
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return err
}

// lookup returns the record already written for a normalized path.
func (w *Writer) lookup(p string) (*entity.Record, bool) {
	rec, ok := w.records[p]
	return rec, ok
}

// claim normalizes path and checks that it is free and that none of its
// ancestors is a file or link.
func (w *Writer) claim(path string) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	if _, ok := w.records[p]; ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicatePath, p)
	}
	for _, a := range ancestors(p) {
		if rec, ok := w.records[a]; ok && rec.Type != Directory {
			return "", fmt.Errorf("%w: ancestor %s of %s is a %s", ErrInvalidPath, a, p, rec.Type)
		}
	}
	return p, nil
}

// createAncestors writes unencrypted directory entities for every missing
// ancestor of p, outermost first.
func (w *Writer) createAncestors(p string) error {
	if w.cfg.skipAncestors {
		return nil
	}
	for _, a := range ancestors(p) {
		if _, ok := w.records[a]; ok {
			continue
		}
		rec := &entity.Record{Path: a, Type: Directory, Metadata: w.emptySpan()}
		if err := w.commit(rec); err != nil {
			return err
		}
		w.log().Debug("ancestor directory created", "path", a, "for", p)
	}
	return nil
}

func (w *Writer) writeSpan(src io.Reader, key []byte) (*entity.Boundary, error) {
	start := w.chunks.Position()
	res, err := w.pipe.encode(w.chunks, src, key)
	if err != nil {
		return nil, err
	}
	end := w.chunks.Position()
	return &entity.Boundary{
		AbsStart:     start.Abs,
		AbsEnd:       end.Abs,
		RelStart:     start.Rel,
		RelEnd:       end.Rel,
		StartChunk:   start.Chunk,
		EndChunk:     end.Chunk,
		OriginalSize: res.originalSize,
		ArchivedSize: res.archivedSize,
		OriginalHash: res.originalHash,
		ArchivedHash: res.archivedHash,
	}, nil
}

func (w *Writer) writeMetadata(metadata, key []byte) (*entity.Boundary, error) {
	if len(metadata) == 0 {
		return w.emptySpan(), nil
	}
	return w.writeSpan(bytes.NewReader(metadata), key)
}

func (w *Writer) emptySpan() *entity.Boundary {
	pos := w.chunks.Position()
	return &entity.Boundary{
		AbsStart:   pos.Abs,
		AbsEnd:     pos.Abs,
		RelStart:   pos.Rel,
		RelEnd:     pos.Rel,
		StartChunk: pos.Chunk,
		EndChunk:   pos.Chunk,
	}
}

func (w *Writer) copySpan(raw io.Reader, b *entity.Boundary) (*entity.Boundary, error) {
	size, err := sizing.ToInt64(b.ArchivedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: archived size %d", err, b.ArchivedSize)
	}
	start := w.chunks.Position()
	n, err := io.CopyN(w.chunks, raw, size)
	if err != nil && err != io.EOF {
		return nil, err
	}
	if n != size {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, n, b.ArchivedSize)
	}
	end := w.chunks.Position()
	out := b.Shift(start.Abs)
	out.RelStart, out.StartChunk = start.Rel, start.Chunk
	out.RelEnd, out.EndChunk = end.Rel, end.Chunk
	return out, nil
}

// checkCopySize rejects a source whose spans cannot be copied as one
// contiguous int64-sized run.
func checkCopySize(src *BoundarySource) error {
	var total uint64
	for _, b := range []*entity.Boundary{src.Content, src.Metadata} {
		if b == nil {
			continue
		}
		sum, ok := sizing.AddUint64(total, b.ArchivedSize)
		if !ok {
			return fmt.Errorf("%w: archived size", ErrSizeOverflow)
		}
		total = sum
	}
	if _, err := sizing.ToInt64(total); err != nil {
		return fmt.Errorf("%w: archived size %d", err, total)
	}
	return nil
}

// commit makes the chunk bytes durable before appending the index block so
// an index entry never refers to unflushed data.
func (w *Writer) commit(rec *entity.Record) error {
	if err := w.chunks.Flush(); err != nil {
		return w.fail(fmt.Errorf("cargo: %w", err))
	}
	if _, err := w.index.WriteRecord(rec); err != nil {
		return w.fail(fmt.Errorf("cargo: %w", err))
	}
	if f, ok := w.indexSink[len(w.indexSink)-1].(flusher); ok {
		if err := f.Flush(); err != nil {
			return w.fail(fmt.Errorf("cargo: flush index: %w", err))
		}
	}
	w.records[rec.Path] = rec
	return nil
}

func checkPrefix(prefix string) error {
	if prefix == "" || strings.ContainsAny(prefix, `/\`) || prefix == "." || prefix == ".." {
		return fmt.Errorf("cargo: invalid archive prefix %q", prefix)
	}
	return nil
}
