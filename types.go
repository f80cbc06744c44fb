package cargo

import (
	"github.com/meigma/cargo/internal/entity"
	"github.com/meigma/cargo/internal/index"
)

// FileType identifies the kind of an archived entity.
type FileType = entity.FileType

// File types.
const (
	RegularFile  = entity.RegularFile
	SymbolicLink = entity.SymbolicLink
	Directory    = entity.Directory
)

// Boundary records where one entity's content or metadata lives in the
// archive: absolute and chunk-relative offsets, sizes, and hashes.
type Boundary = entity.Boundary

// BoundarySource describes where a written or merged entity landed. It is
// also the record the index keeps for each entity.
type BoundarySource = entity.Record

// Footer summarizes a finished archive: entity count and chunk layout.
type Footer = index.Footer

// KeySize is the required length of entity and index keys.
const KeySize = 32
