// Package chunk splits the logical archive stream across fixed-size,
// sequentially numbered files and reads it back.
package chunk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/meigma/cargo/internal/sizing"
)

// Extension is the suffix shared by chunk and index files.
const Extension = ".cargo"

// MaxCount is the largest chunk number the five-digit naming scheme allows.
const MaxCount = 99999

// ErrInvalidName is returned when a chunk file name does not match its prefix.
var ErrInvalidName = errors.New("invalid chunk name")

// Name returns the file name of chunk n (1-based) for prefix.
func Name(prefix string, n int) string {
	return fmt.Sprintf("%s.%05d%s", prefix, n, Extension)
}

// IndexName returns the file name of the index for prefix.
func IndexName(prefix string) string {
	return prefix + ".index" + Extension
}

// ParseName returns the chunk number encoded in name.
func ParseName(prefix, name string) (int, error) {
	rest, ok := strings.CutPrefix(name, prefix+".")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	digits, ok := strings.CutSuffix(rest, Extension)
	if !ok || len(digits) != 5 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return n, nil
}

// Layout describes the chunk set of a finished archive as recorded in its footer.
type Layout struct {
	// Count is the number of chunk files, always at least one.
	Count int
	// MaxSize is the maximum size of every chunk in bytes.
	MaxSize uint64
	// LastSize is the size of the final chunk in bytes.
	LastSize uint64
}

// Total returns the logical stream length implied by the layout.
func (l Layout) Total() uint64 {
	if l.Count < 1 {
		return 0
	}
	return uint64(l.Count-1)*l.MaxSize + l.LastSize //nolint:gosec // Count is positive
}

// Check rejects layouts outside the naming scheme or whose total size
// does not fit in 64 bits.
func (l Layout) Check() error {
	if l.Count < 1 || l.Count > MaxCount {
		return fmt.Errorf("%w: footer declares %d chunks", ErrRange, l.Count)
	}
	full, ok := sizing.MulUint64(uint64(l.Count-1), l.MaxSize) //nolint:gosec // Count is positive
	if ok {
		_, ok = sizing.AddUint64(full, l.LastSize)
	}
	if !ok {
		return fmt.Errorf("%w: %d chunks of %d bytes", sizing.ErrOverflow, l.Count, l.MaxSize)
	}
	return nil
}

// Size returns the expected size of chunk n.
func (l Layout) Size(n int) uint64 {
	if n == l.Count {
		return l.LastSize
	}
	return l.MaxSize
}

// Locate returns the absolute offset of a chunk-relative position.
func (l Layout) Locate(n int, rel uint64) uint64 {
	return uint64(n-1)*l.MaxSize + rel //nolint:gosec // n is positive
}
