// Package entity defines the immutable records that describe where an
// archived entity lives in the logical stream.
package entity

import (
	"errors"
	"fmt"
)

// FileType identifies the kind of an archived entity.
type FileType uint8

const (
	// RegularFile entities carry content bytes.
	RegularFile FileType = iota + 1
	// SymbolicLink entities carry their link target as content.
	SymbolicLink
	// Directory entities carry no content.
	Directory
)

// ErrUnknownFileType is returned when parsing an unrecognized file type name.
var ErrUnknownFileType = errors.New("unknown file type")

// String returns the on-disk name of the file type.
func (t FileType) String() string {
	switch t {
	case RegularFile:
		return "REGULAR_FILE"
	case SymbolicLink:
		return "SYMBOLIC_LINK"
	case Directory:
		return "DIRECTORY"
	default:
		return fmt.Sprintf("FileType(%d)", uint8(t))
	}
}

// HasContent reports whether entities of this type store content bytes.
func (t FileType) HasContent() bool {
	return t == RegularFile || t == SymbolicLink
}

// ParseFileType parses the on-disk name of a file type.
func ParseFileType(s string) (FileType, error) {
	switch s {
	case "REGULAR_FILE":
		return RegularFile, nil
	case "SYMBOLIC_LINK":
		return SymbolicLink, nil
	case "DIRECTORY":
		return Directory, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownFileType, s)
	}
}

// Boundary records the location, sizes, and hashes of one contiguous span
// (content or metadata) in the logical stream.
//
// AbsStart is inclusive and AbsEnd exclusive. RelStart is relative to
// StartChunk and RelEnd is relative to EndChunk. Hashes hold raw digest
// bytes and are nil when the archive is written without a hash algorithm.
type Boundary struct {
	AbsStart     uint64
	AbsEnd       uint64
	RelStart     uint64
	RelEnd       uint64
	StartChunk   string
	EndChunk     string
	OriginalSize uint64
	ArchivedSize uint64
	OriginalHash []byte
	ArchivedHash []byte
}

// Empty reports whether the boundary covers zero archived bytes.
func (b *Boundary) Empty() bool {
	return b == nil || b.ArchivedSize == 0
}

// Validate checks the internal consistency of the boundary against the
// maximum chunk size of its archive.
func (b *Boundary) Validate(maxChunkSize uint64) error {
	if b.AbsEnd < b.AbsStart {
		return fmt.Errorf("end %d before start %d", b.AbsEnd, b.AbsStart)
	}
	if b.AbsEnd-b.AbsStart != b.ArchivedSize {
		return fmt.Errorf("archived size %d does not match span %d", b.ArchivedSize, b.AbsEnd-b.AbsStart)
	}
	if b.StartChunk == "" || b.EndChunk == "" {
		return errors.New("missing chunk name")
	}
	if maxChunkSize > 0 {
		if b.RelStart > maxChunkSize {
			return fmt.Errorf("relative start %d beyond chunk size %d", b.RelStart, maxChunkSize)
		}
		if b.RelEnd > maxChunkSize {
			return fmt.Errorf("relative end %d beyond chunk size %d", b.RelEnd, maxChunkSize)
		}
		if b.AbsStart%maxChunkSize != b.RelStart%maxChunkSize {
			return fmt.Errorf("relative start %d inconsistent with absolute start %d", b.RelStart, b.AbsStart)
		}
		if b.AbsEnd%maxChunkSize != b.RelEnd%maxChunkSize {
			return fmt.Errorf("relative end %d inconsistent with absolute end %d", b.RelEnd, b.AbsEnd)
		}
	}
	return nil
}

// Shift returns a copy of the boundary moved to a new absolute start.
// Chunk names and relative offsets are left for the caller to fill in.
func (b *Boundary) Shift(absStart uint64) *Boundary {
	out := *b
	out.AbsStart = absStart
	out.AbsEnd = absStart + b.ArchivedSize
	out.OriginalHash = cloneBytes(b.OriginalHash)
	out.ArchivedHash = cloneBytes(b.ArchivedHash)
	return &out
}

// Record is the Boundary Source of one entity: everything the index keeps
// about it. Content is nil for directories.
type Record struct {
	Path      string
	Type      FileType
	Encrypted bool
	Content   *Boundary
	Metadata  *Boundary
}

// Start returns the absolute offset where the entity's bytes begin.
func (r *Record) Start() uint64 {
	if r.Content != nil {
		return r.Content.AbsStart
	}
	if r.Metadata != nil {
		return r.Metadata.AbsStart
	}
	return 0
}

// End returns the absolute offset just past the entity's bytes.
func (r *Record) End() uint64 {
	if r.Metadata != nil {
		return r.Metadata.AbsEnd
	}
	if r.Content != nil {
		return r.Content.AbsEnd
	}
	return 0
}

// ArchivedSize returns the number of bytes the entity occupies in the stream.
func (r *Record) ArchivedSize() uint64 {
	var n uint64
	if r.Content != nil {
		n += r.Content.ArchivedSize
	}
	if r.Metadata != nil {
		n += r.Metadata.ArchivedSize
	}
	return n
}

// Validate checks the record's type-dependent shape and both boundaries.
func (r *Record) Validate(maxChunkSize uint64) error {
	switch r.Type {
	case RegularFile, SymbolicLink:
		if r.Content == nil {
			return fmt.Errorf("%s: missing content boundary", r.Type)
		}
	case Directory:
		if r.Content != nil {
			return errors.New("directory has a content boundary")
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownFileType, r.Type)
	}
	if r.Metadata == nil {
		return errors.New("missing metadata boundary")
	}
	if r.Content != nil {
		if err := r.Content.Validate(maxChunkSize); err != nil {
			return fmt.Errorf("content: %w", err)
		}
		if r.Content.AbsEnd != r.Metadata.AbsStart {
			return fmt.Errorf("metadata starts at %d, content ends at %d", r.Metadata.AbsStart, r.Content.AbsEnd)
		}
	}
	if err := r.Metadata.Validate(maxChunkSize); err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	out := *r
	if r.Content != nil {
		out.Content = r.Content.Shift(r.Content.AbsStart)
	}
	if r.Metadata != nil {
		out.Metadata = r.Metadata.Shift(r.Metadata.AbsStart)
	}
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
