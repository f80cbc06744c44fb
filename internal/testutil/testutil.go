// Package testutil holds helpers shared by archive tests.
package testutil

import (
	"crypto/rand"
	"errors"
	"io"
	mrand "math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/meigma/cargo/internal/chunk"
)

// ErrInjected is returned by FailingReader.
var ErrInjected = errors.New("injected read failure")

// Key returns a random 32-byte key.
func Key(tb testing.TB) []byte {
	tb.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		tb.Fatalf("generate key: %v", err)
	}
	return key
}

// RandomBytes returns n pseudo-random bytes from a seeded source so
// failures reproduce.
func RandomBytes(tb testing.TB, seed uint64, n int) []byte {
	tb.Helper()
	r := mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) //nolint:gosec // test data only
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(r.Uint32())
	}
	return out
}

// ChunkPath returns the path of chunk n of the archive.
func ChunkPath(dir, prefix string, n int) string {
	return filepath.Join(dir, chunk.Name(prefix, n))
}

// IndexPath returns the path of the archive's index file.
func IndexPath(dir, prefix string) string {
	return filepath.Join(dir, chunk.IndexName(prefix))
}

// FlipByte inverts the byte at off in the file at path.
func FlipByte(tb testing.TB, path string, off int64) {
	tb.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var b [1]byte
	if _, err := f.ReadAt(b[:], off); err != nil {
		tb.Fatalf("read %s at %d: %v", path, off, err)
	}
	b[0] ^= 0xff
	if _, err := f.WriteAt(b[:], off); err != nil {
		tb.Fatalf("write %s at %d: %v", path, off, err)
	}
}

// Truncate shortens the file at path by n bytes.
func Truncate(tb testing.TB, path string, n int64) {
	tb.Helper()
	info, err := os.Stat(path)
	if err != nil {
		tb.Fatalf("stat %s: %v", path, err)
	}
	if err := os.Truncate(path, info.Size()-n); err != nil {
		tb.Fatalf("truncate %s: %v", path, err)
	}
}

// AppendBytes appends data to the file at path.
func AppendBytes(tb testing.TB, path string, data []byte) {
	tb.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		tb.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		tb.Fatalf("append %s: %v", path, err)
	}
}

// FailingReader yields N bytes from R and then fails with ErrInjected.
type FailingReader struct {
	R io.Reader
	N int64
}

// Read implements io.Reader.
func (f *FailingReader) Read(p []byte) (int, error) {
	if f.N <= 0 {
		return 0, ErrInjected
	}
	if int64(len(p)) > f.N {
		p = p[:f.N]
	}
	n, err := f.R.Read(p)
	f.N -= int64(n)
	return n, err
}
