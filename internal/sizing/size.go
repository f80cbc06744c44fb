// Package sizing provides overflow-safe size arithmetic for chunk and entity offsets.
package sizing

import (
	"errors"
	"math"
)

// ErrOverflow is returned when a size does not fit the target type.
var ErrOverflow = errors.New("size overflow")

// MiB is the number of bytes in one mebibyte.
const MiB = 1 << 20

// ToInt64 converts a uint64 to int64, returning ErrOverflow if it doesn't fit.
func ToInt64(size uint64) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}

// MulUint64 multiplies two uint64 values, returning (result, false) on overflow.
func MulUint64(a, b uint64) (uint64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	product := a * b
	if product/b != a {
		return 0, false
	}
	return product, true
}

// MebibytesToBytes converts a chunk size expressed in MiB to bytes.
// Zero and values that overflow are rejected.
func MebibytesToBytes(mib uint64) (uint64, error) {
	if mib == 0 {
		return 0, errors.New("size must be at least 1 MiB")
	}
	bytes, ok := MulUint64(mib, MiB)
	if !ok || bytes > uint64(math.MaxInt64) {
		return 0, ErrOverflow
	}
	return bytes, nil
}
