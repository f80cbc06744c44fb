package cargo

import (
	"fmt"
	"io"

	"github.com/meigma/cargo/internal/entity"
)

// Entry is the decode contract shared by random-access and sequential
// entity views.
type Entry interface {
	Path() string
	FileType() FileType
	Encrypted() bool
	Record() *BoundarySource

	// FileContent returns the decoded content of a regular file. Close
	// drains and verifies whatever was not read.
	FileContent(key []byte) (io.ReadCloser, error)
	// LinkTarget returns the decoded target of a symbolic link.
	LinkTarget(key []byte) (string, error)
	// Metadata returns the decoded metadata, or nil when none was stored.
	Metadata(key []byte) ([]byte, error)
	// RawContentAndMetadata returns the archived bytes of the content
	// followed by the metadata, for MergeEntity.
	RawContentAndMetadata() (io.ReadCloser, error)
	// SkipContent discards the content without decoding it.
	SkipContent() error
	// SkipMetadata discards the metadata without decoding it.
	SkipMetadata() error
}

var (
	_ Entry = (*RandomEntry)(nil)
	_ Entry = (*SequentialEntry)(nil)
)

func wrongType(rec *entity.Record, op string) error {
	return fmt.Errorf("%w: %s on %s %s", ErrWrongEntityType, op, rec.Type, rec.Path)
}

// RandomEntry reads one entity independently of any other access. Each
// call opens its own short-lived view of the chunk files involved.
type RandomEntry struct {
	r   *Reader
	rec *entity.Record
}

// Path returns the entity's archive path.
func (e *RandomEntry) Path() string { return e.rec.Path }

// FileType returns the entity's type.
func (e *RandomEntry) FileType() FileType { return e.rec.Type }

// Encrypted reports whether the entity was written with a key.
func (e *RandomEntry) Encrypted() bool { return e.rec.Encrypted }

// Record returns a copy of the entity's index record.
func (e *RandomEntry) Record() *BoundarySource { return e.rec.Clone() }

func (e *RandomEntry) open(b *entity.Boundary, key []byte, section string) (*spanReader, error) {
	raw, err := e.r.openSpan(b)
	if err != nil {
		return nil, err
	}
	return e.r.pipe.decode(raw, b, key, e.rec.Encrypted, spanLabel(e.rec.Path, section), raw.Close)
}

// FileContent implements Entry.
func (e *RandomEntry) FileContent(key []byte) (io.ReadCloser, error) {
	if e.rec.Type != RegularFile {
		return nil, wrongType(e.rec, "file content")
	}
	return e.open(e.rec.Content, key, "content")
}

// LinkTarget implements Entry.
func (e *RandomEntry) LinkTarget(key []byte) (string, error) {
	if e.rec.Type != SymbolicLink {
		return "", wrongType(e.rec, "link target")
	}
	sr, err := e.open(e.rec.Content, key, "content")
	if err != nil {
		return "", err
	}
	target, err := readAllSpan(sr)
	if err != nil {
		return "", err
	}
	return string(target), nil
}

// Metadata implements Entry.
func (e *RandomEntry) Metadata(key []byte) ([]byte, error) {
	if e.rec.Metadata.Empty() {
		return nil, nil
	}
	sr, err := e.open(e.rec.Metadata, key, "metadata")
	if err != nil {
		return nil, err
	}
	return readAllSpan(sr)
}

// RawContentAndMetadata implements Entry.
func (e *RandomEntry) RawContentAndMetadata() (io.ReadCloser, error) {
	return e.r.openRaw(e.rec)
}

// SkipContent implements Entry. Random access has no shared position, so
// skipping only checks the entity type.
func (e *RandomEntry) SkipContent() error {
	if !e.rec.Type.HasContent() {
		return wrongType(e.rec, "skip content")
	}
	return nil
}

// SkipMetadata implements Entry.
func (e *RandomEntry) SkipMetadata() error {
	return nil
}
