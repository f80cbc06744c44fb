package cargo

import (
	"errors"
	"fmt"
	"strings"

	"github.com/meigma/cargo/internal/compress"
	"github.com/meigma/cargo/internal/crypt"
	"github.com/meigma/cargo/internal/digest"
	"github.com/meigma/cargo/internal/sizing"
	"github.com/meigma/cargo/internal/stream"
)

var (
	// ErrInvalidPath is returned when a path cannot be normalized or is not normalized.
	ErrInvalidPath = errors.New("cargo: invalid path")

	// ErrDuplicatePath is returned when a path is already present in the archive.
	ErrDuplicatePath = errors.New("cargo: duplicate path")

	// ErrWrongEntityType is returned when an operation does not apply to the entity's type.
	ErrWrongEntityType = errors.New("cargo: wrong entity type")

	// ErrInvalidThreads is returned when a parallel writer is configured with fewer than one thread.
	ErrInvalidThreads = errors.New("cargo: invalid thread count")

	// ErrMissingKey is returned when reading an encrypted entity without a key.
	ErrMissingKey = errors.New("cargo: missing key")

	// ErrIntegrity is matched by every *IntegrityError.
	ErrIntegrity = errors.New("cargo: archive integrity violation")

	// ErrClosed is returned when using a writer after Close.
	ErrClosed = errors.New("cargo: writer closed")

	// ErrEntryNotConsumed is returned by Iterator.Next when the previous entry
	// still has unread content or metadata.
	ErrEntryNotConsumed = errors.New("cargo: previous entry not consumed")

	// ErrOutOfOrder is returned when a sequential entry is read out of order.
	ErrOutOfOrder = errors.New("cargo: sequential entry read out of order")
)

// Errors re-exported from internal packages.
var (
	// ErrHashMismatch is returned when bytes do not match their recorded hash.
	ErrHashMismatch = stream.ErrHashMismatch

	// ErrSizeMismatch is returned when a stream or chunk has an unexpected size.
	ErrSizeMismatch = stream.ErrSizeMismatch

	// ErrSizeOverflow is returned when a size value overflows.
	ErrSizeOverflow = sizing.ErrOverflow

	// ErrInvalidKey is returned for keys that are not 32 bytes long.
	ErrInvalidKey = crypt.ErrInvalidKey

	// ErrDecrypt is returned when an entity or index cannot be decrypted with the given key.
	ErrDecrypt = crypt.ErrDecrypt

	// ErrUnknownCompression is returned for unrecognized compression names.
	ErrUnknownCompression = compress.ErrUnknown

	// ErrUnknownHashAlgorithm is returned for unrecognized hash algorithm names.
	ErrUnknownHashAlgorithm = digest.ErrUnknownAlgorithm
)

// Problem is one integrity defect, attributed to an entity path, a chunk
// file, or both.
type Problem struct {
	Path  string
	Chunk string
	Err   error
}

func (p Problem) String() string {
	switch {
	case p.Path != "" && p.Chunk != "":
		return fmt.Sprintf("%s (%s): %v", p.Path, p.Chunk, p.Err)
	case p.Path != "":
		return fmt.Sprintf("%s: %v", p.Path, p.Err)
	case p.Chunk != "":
		return fmt.Sprintf("%s: %v", p.Chunk, p.Err)
	default:
		return p.Err.Error()
	}
}

// IntegrityError lists every defect found while validating or verifying an
// archive.
type IntegrityError struct {
	Problems []Problem
}

func (e *IntegrityError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = p.String()
	}
	return fmt.Sprintf("cargo: archive integrity violation (%d problems): %s", len(e.Problems), strings.Join(parts, "; "))
}

// Is reports whether target is ErrIntegrity.
func (e *IntegrityError) Is(target error) bool {
	return target == ErrIntegrity
}

// Unwrap exposes the individual problem errors to errors.Is and errors.As.
func (e *IntegrityError) Unwrap() []error {
	errs := make([]error, 0, len(e.Problems))
	for _, p := range e.Problems {
		errs = append(errs, p.Err)
	}
	return errs
}

// Paths returns the distinct entity paths named by the problems, in order.
func (e *IntegrityError) Paths() []string {
	seen := make(map[string]bool, len(e.Problems))
	var paths []string
	for _, p := range e.Problems {
		if p.Path == "" || seen[p.Path] {
			continue
		}
		seen[p.Path] = true
		paths = append(paths, p.Path)
	}
	return paths
}

func integrityError(problems []Problem) error {
	if len(problems) == 0 {
		return nil
	}
	return &IntegrityError{Problems: problems}
}
