package cargo

import (
	"errors"
	"fmt"
	"io"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/stream"
)

// cursor is the iterator's position in the logical stream. It has exactly
// one holder at a time: the Iterator between entries, or the current
// SequentialEntry until its content and metadata are read or skipped.
type cursor struct {
	s *chunk.Stream
}

// Iterator walks entities in index order over a single shared stream.
//
// Every entry returned by Next must have its content and metadata fully
// read or explicitly skipped before Next is called again; otherwise Next
// returns ErrEntryNotConsumed. An Iterator must not be shared across
// goroutines.
type Iterator struct {
	r       *Reader
	records []*entity.Record
	next    int
	cur     *cursor
	current *SequentialEntry
	err     error
}

func newIterator(r *Reader, records []*entity.Record) *Iterator {
	return &Iterator{
		r:       r,
		records: records,
		cur:     &cursor{s: chunk.OpenStream(r.dir, r.prefix, r.layout)},
	}
}

// Len returns the number of entities the iterator covers.
func (it *Iterator) Len() int { return len(it.records) }

// Next returns the next entry, or io.EOF after the last one.
func (it *Iterator) Next() (*SequentialEntry, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.cur == nil {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotConsumed, it.current.rec.Path)
	}
	if it.next >= len(it.records) {
		return nil, io.EOF
	}
	rec := it.records[it.next]
	if err := it.cur.s.SeekTo(rec.Start()); err != nil {
		it.err = fmt.Errorf("cargo: iterator misaligned at %s: %w", rec.Path, err)
		return nil, it.err
	}
	it.next++

	e := &SequentialEntry{it: it, rec: rec, cur: it.cur, stage: stageContent}
	it.cur = nil
	it.current = e
	if !rec.Type.HasContent() {
		e.advance(stageMetadata)
	}
	return e, nil
}

// Close releases the open chunk file, whichever holder has the cursor.
func (it *Iterator) Close() error {
	c := it.cur
	if c == nil && it.current != nil {
		c = it.current.cur
	}
	if it.err == nil {
		it.err = errors.New("cargo: iterator closed")
	}
	if c == nil {
		return nil
	}
	return c.s.Close()
}

type stage uint8

const (
	stageContent stage = iota
	stageMetadata
	stageDone
)

// SequentialEntry is the current entity of an Iterator. Its methods read
// from the iterator's shared stream and must be called in order: content
// (read or skipped) before metadata (read or skipped).
type SequentialEntry struct {
	it      *Iterator
	rec     *entity.Record
	cur     *cursor
	stage   stage
	reading bool
}

// Path returns the entity's archive path.
func (e *SequentialEntry) Path() string { return e.rec.Path }

// FileType returns the entity's type.
func (e *SequentialEntry) FileType() FileType { return e.rec.Type }

// Encrypted reports whether the entity was written with a key.
func (e *SequentialEntry) Encrypted() bool { return e.rec.Encrypted }

// Record returns a copy of the entity's index record.
func (e *SequentialEntry) Record() *BoundarySource { return e.rec.Clone() }

// Consumed reports whether the entry has handed its position back to the iterator.
func (e *SequentialEntry) Consumed() bool { return e.stage == stageDone }

// advance moves to the given stage, skipping an empty metadata span, and
// returns the cursor to the iterator once nothing is left to read.
func (e *SequentialEntry) advance(to stage) {
	e.stage = to
	if e.stage == stageMetadata && e.rec.Metadata.Empty() {
		e.stage = stageDone
	}
	if e.stage == stageDone && e.cur != nil {
		e.it.cur = e.cur
		e.cur = nil
	}
}

func (e *SequentialEntry) expect(want stage, op string) error {
	if e.reading {
		return fmt.Errorf("%w: %s on %s while a reader is open", ErrOutOfOrder, op, e.rec.Path)
	}
	if e.stage != want {
		return fmt.Errorf("%w: %s on %s", ErrOutOfOrder, op, e.rec.Path)
	}
	return nil
}

// skipTo moves the cursor to the end of a span and advances.
func (e *SequentialEntry) skipTo(end uint64, to stage) error {
	if err := e.cur.s.SeekTo(end); err != nil {
		return fmt.Errorf("cargo: skip %s: %w", e.rec.Path, err)
	}
	e.advance(to)
	return nil
}

func (e *SequentialEntry) open(b *entity.Boundary, key []byte, section string, to stage) (*spanReader, error) {
	e.reading = true
	release := func() error {
		e.reading = false
		return e.skipTo(b.AbsEnd, to)
	}
	return e.it.r.pipe.decode(e.cur.s, b, key, e.rec.Encrypted, spanLabel(e.rec.Path, section), release)
}

// FileContent implements Entry.
func (e *SequentialEntry) FileContent(key []byte) (io.ReadCloser, error) {
	if e.rec.Type != RegularFile {
		return nil, wrongType(e.rec, "file content")
	}
	if err := e.expect(stageContent, "file content"); err != nil {
		return nil, err
	}
	return e.open(e.rec.Content, key, "content", stageMetadata)
}

// LinkTarget implements Entry.
func (e *SequentialEntry) LinkTarget(key []byte) (string, error) {
	if e.rec.Type != SymbolicLink {
		return "", wrongType(e.rec, "link target")
	}
	if err := e.expect(stageContent, "link target"); err != nil {
		return "", err
	}
	sr, err := e.open(e.rec.Content, key, "content", stageMetadata)
	if err != nil {
		return "", err
	}
	target, err := readAllSpan(sr)
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// Metadata implements Entry. Content must have been read or skipped first.
func (e *SequentialEntry) Metadata(key []byte) ([]byte, error) {
	if e.rec.Metadata.Empty() && e.stage != stageContent && !e.reading {
		return nil, nil
	}
	if err := e.expect(stageMetadata, "metadata"); err != nil {
		return nil, err
	}
	sr, err := e.open(e.rec.Metadata, key, "metadata", stageDone)
	if err != nil {
		return nil, err
	}
	return readAllSpan(sr)
}

// RawContentAndMetadata implements Entry. It must be the first and only
// read of the entry.
func (e *SequentialEntry) RawContentAndMetadata() (io.ReadCloser, error) {
	first := stageContent
	if !e.rec.Type.HasContent() {
		first = stageMetadata
	}
	if e.stage == stageDone && e.rec.ArchivedSize() == 0 && !e.reading {
		return io.NopCloser(eofReader{}), nil
	}
	if err := e.expect(first, "raw content and metadata"); err != nil {
		return nil, err
	}
	e.reading = true
	end := e.rec.End()
	return &stream.ReadCloser{
		Reader: io.LimitReader(e.cur.s, int64(e.rec.ArchivedSize())), //nolint:gosec // validated against the chunk layout
		CloseFunc: func() error {
			e.reading = false
			return e.skipTo(end, stageDone)
		},
	}, nil
}

// SkipContent implements Entry.
func (e *SequentialEntry) SkipContent() error {
	if !e.rec.Type.HasContent() {
		return wrongType(e.rec, "skip content")
	}
	if err := e.expect(stageContent, "skip content"); err != nil {
		return err
	}
	return e.skipTo(e.rec.Content.AbsEnd, stageMetadata)
}

// SkipMetadata implements Entry. It is a no-op once the entry is consumed.
func (e *SequentialEntry) SkipMetadata() error {
	if e.stage == stageDone && !e.reading {
		return nil
	}
	if err := e.expect(stageMetadata, "skip metadata"); err != nil {
		return err
	}
	return e.skipTo(e.rec.Metadata.AbsEnd, stageDone)
}

// Skip discards whatever the entry has not read yet.
func (e *SequentialEntry) Skip() error {
	if e.stage == stageDone && !e.reading {
		return nil
	}
	if e.reading {
		return fmt.Errorf("%w: skip on %s while a reader is open", ErrOutOfOrder, e.rec.Path)
	}
	return e.skipTo(e.rec.End(), stageDone)
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }
