package cargo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/testutil"
)

func writeSampleArchive(t *testing.T, key []byte, opts ...WriterOption) string {
	t.Helper()
	dir := t.TempDir()
	w := newTestWriter(t, dir, opts...)
	writeEntities(t, w, key, sampleEntities())
	require.NoError(t, w.Close())
	return dir
}

func requireIntegrityError(t *testing.T, err error) *IntegrityError {
	t.Helper()
	require.ErrorIs(t, err, ErrIntegrity)
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	require.NotEmpty(t, ie.Problems)
	return ie
}

func TestOpenReaderTruncatedChunk(t *testing.T) {
	t.Parallel()

	dir := writeSampleArchive(t, nil, WithChunkSize(256))
	testutil.Truncate(t, testutil.ChunkPath(dir, testPrefix, 2), 1)

	_, err := OpenReader(dir, testPrefix)
	ie := requireIntegrityError(t, err)
	require.ErrorIs(t, err, ErrSizeMismatch)
	require.Len(t, ie.Problems, 1)
	assert.Equal(t, chunk.Name(testPrefix, 2), ie.Problems[0].Chunk)
}

func TestOpenReaderMissingFiles(t *testing.T) {
	t.Parallel()

	t.Run("chunk", func(t *testing.T) {
		t.Parallel()
		dir := writeSampleArchive(t, nil, WithChunkSize(256))
		require.NoError(t, os.Remove(testutil.ChunkPath(dir, testPrefix, 3)))

		_, err := OpenReader(dir, testPrefix)
		ie := requireIntegrityError(t, err)
		require.ErrorIs(t, err, chunk.ErrMissing)
		assert.Equal(t, chunk.Name(testPrefix, 3), ie.Problems[0].Chunk)
	})

	t.Run("index", func(t *testing.T) {
		t.Parallel()
		dir := writeSampleArchive(t, nil)
		require.NoError(t, os.Remove(testutil.IndexPath(dir, testPrefix)))

		_, err := OpenReader(dir, testPrefix)
		requireIntegrityError(t, err)
		require.ErrorIs(t, err, chunk.ErrMissing)
	})
}

func TestOpenReaderRejectsDamagedIndex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		edit func(string) string
		path string
	}{
		{
			name: "not normalized",
			edit: func(s string) string {
				return strings.Replace(s, "00000002.path:/0/a\n", "00000002.path:/0//a\n", 1)
			},
			path: "/0//a",
		},
		{
			name: "duplicate path",
			edit: func(s string) string {
				return strings.Replace(s, "00000003.path:/0/empty\n", "00000003.path:/0/a\n", 1)
			},
			path: "/0/a",
		},
		{
			name: "directory with content",
			edit: func(s string) string {
				return strings.Replace(s, "00000002.type:REGULAR_FILE\n", "00000002.type:DIRECTORY\n", 1)
			},
			path: "/0/a",
		},
		{
			name: "unsupported version",
			edit: func(s string) string { return strings.Replace(s, "version:1\n", "version:9\n", 1) },
		},
		{
			name: "inflated entity count",
			edit: func(s string) string {
				return strings.Replace(s, "last.entity.index:7\n", "last.entity.index:300000000\n", 1)
			},
		},
		{
			name: "missing footer",
			edit: func(s string) string { return s[:strings.Index(s, "last.entity.index:")] },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := writeSampleArchive(t, nil)
			rewriteIndex(t, dir, tt.edit)

			_, err := OpenReader(dir, testPrefix)
			ie := requireIntegrityError(t, err)
			if tt.path != "" {
				assert.Contains(t, ie.Paths(), tt.path)
			}
		})
	}
}

func TestReaderEntryLookup(t *testing.T) {
	t.Parallel()

	r := openTestReader(t, writeSampleArchive(t, nil))

	assert.True(t, r.Has("/0/a"))
	assert.True(t, r.Has(`\0\a`))
	assert.True(t, r.Has("/0/sub"))
	assert.False(t, r.Has("/0/missing"))
	assert.False(t, r.Has("relative"))

	_, err := r.Entry("/0/missing")
	require.ErrorIs(t, err, fs.ErrNotExist)
	_, err = r.Entry("/0/../a")
	require.ErrorIs(t, err, ErrInvalidPath)

	records := r.Records()
	records[0].Path = "/mutated"
	assert.Equal(t, "/0", r.Records()[0].Path)
}

func TestReaderWrongEntityType(t *testing.T) {
	t.Parallel()

	r := openTestReader(t, writeSampleArchive(t, nil))

	dir, err := r.Entry("/0")
	require.NoError(t, err)
	_, err = dir.FileContent(nil)
	require.ErrorIs(t, err, ErrWrongEntityType)
	_, err = dir.LinkTarget(nil)
	require.ErrorIs(t, err, ErrWrongEntityType)
	require.ErrorIs(t, dir.SkipContent(), ErrWrongEntityType)

	file, err := r.Entry("/0/a")
	require.NoError(t, err)
	_, err = file.LinkTarget(nil)
	require.ErrorIs(t, err, ErrWrongEntityType)
	require.NoError(t, file.SkipContent())

	link, err := r.Entry("/0/link")
	require.NoError(t, err)
	_, err = link.FileContent(nil)
	require.ErrorIs(t, err, ErrWrongEntityType)
}

func TestReaderKeys(t *testing.T) {
	t.Parallel()

	key := testutil.Key(t)
	r := openTestReader(t, writeSampleArchive(t, key, WithCompression("s2")), ReadWithCompression("s2"))

	e, err := r.Entry("/0/a")
	require.NoError(t, err)
	require.True(t, e.Encrypted())

	_, err = e.FileContent(nil)
	require.ErrorIs(t, err, ErrMissingKey)
	_, err = e.Metadata(nil)
	require.ErrorIs(t, err, ErrMissingKey)

	_, err = e.FileContent(testutil.Key(t))
	require.ErrorIs(t, err, ErrDecrypt)
	_, err = e.FileContent([]byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)

	dirEntry, err := r.Entry("/0")
	require.NoError(t, err)
	meta, err := dirEntry.Metadata(key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"mode":493}`), meta)

	// Auto-created ancestors are never encrypted.
	sub, err := r.Entry("/0/sub")
	require.NoError(t, err)
	assert.False(t, sub.Encrypted())
}

func TestReaderPartialReadVerifiesOnClose(t *testing.T) {
	t.Parallel()

	r := openTestReader(t, writeSampleArchive(t, nil, WithChunkSize(200)))
	e, err := r.Entry("/0/big")
	require.NoError(t, err)

	rc, err := e.FileContent(nil)
	require.NoError(t, err)
	buf := make([]byte, 10)
	_, err = io.ReadFull(rc, buf)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(buf))
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
}

func TestReaderConcurrentEntries(t *testing.T) {
	t.Parallel()

	key := testutil.Key(t)
	r := openTestReader(t, writeSampleArchive(t, key, WithChunkSize(300), WithCompression("lz4")), ReadWithCompression("lz4"))

	var g errgroup.Group
	for i := range 8 {
		for _, want := range sampleEntities() {
			g.Go(func() error {
				e, err := r.Entry(want.path)
				if err != nil {
					return err
				}
				meta, err := e.Metadata(key)
				if err != nil {
					return fmt.Errorf("worker %d %s: %w", i, want.path, err)
				}
				if len(want.metadata) > 0 && !bytes.Equal(meta, want.metadata) {
					return fmt.Errorf("worker %d %s: metadata mismatch", i, want.path)
				}
				if want.typ != RegularFile {
					return nil
				}
				rc, err := e.FileContent(key)
				if err != nil {
					return err
				}
				got, err := io.ReadAll(rc)
				if cerr := rc.Close(); err == nil {
					err = cerr
				}
				if err != nil {
					return err
				}
				if string(got) != want.content {
					return fmt.Errorf("worker %d %s: content mismatch", i, want.path)
				}
				return nil
			})
		}
	}
	require.NoError(t, g.Wait())
}

func TestReaderLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dir := t.TempDir()
	w := newTestWriter(t, dir, WithLogger(logger))
	writeEntities(t, w, nil, sampleEntities())
	require.NoError(t, w.Close())
	assert.Contains(t, buf.String(), "archive closed")
	assert.Contains(t, buf.String(), "ancestor directory created")

	buf.Reset()
	openTestReader(t, dir, ReadWithLogger(logger))
	assert.Contains(t, buf.String(), "archive opened")
}

func TestVerifyHashes(t *testing.T) {
	t.Parallel()

	for _, compression := range []string{"none", "zstd"} {
		t.Run(compression, func(t *testing.T) {
			t.Parallel()
			dir := writeSampleArchive(t, testutil.Key(t), WithChunkSize(128), WithCompression(compression))
			r := openTestReader(t, dir, ReadWithCompression(compression))
			require.NoError(t, r.VerifyHashes())
		})
	}
}

func TestVerifyHashesReportsCorruptEntity(t *testing.T) {
	t.Parallel()

	dir := writeSampleArchive(t, nil)
	r := openTestReader(t, dir)
	e, err := r.Entry("/0/big")
	require.NoError(t, err)
	content := e.Record().Content

	testutil.FlipByte(t, testutil.ChunkPath(dir, testPrefix, 1), int64(content.AbsStart+100)) //nolint:gosec // small test offsets

	err = r.VerifyHashes()
	ie := requireIntegrityError(t, err)
	require.ErrorIs(t, err, ErrHashMismatch)
	assert.Equal(t, []string{"/0/big"}, ie.Paths())

	rc, err := e.FileContent(nil)
	require.NoError(t, err)
	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, ErrHashMismatch)
	require.Error(t, rc.Close())

	other, err := r.Entry("/0/sub/c")
	require.NoError(t, err)
	checkEntry(t, other, testEntity{path: "/0/sub/c", typ: RegularFile, content: "charlie"}, nil)
}

func TestVerifyHashesReportsTrailingBytes(t *testing.T) {
	t.Parallel()

	dir := writeSampleArchive(t, nil)
	footer := openTestReader(t, dir).Footer()
	rewriteIndex(t, dir, func(s string) string {
		s = strings.Replace(s,
			fmt.Sprintf("last.cnunk.size:%d\n", footer.LastChunkSize),
			fmt.Sprintf("last.cnunk.size:%d\n", footer.LastChunkSize+3), 1)
		return strings.Replace(s,
			fmt.Sprintf("total.size:%d\n", footer.TotalSize),
			fmt.Sprintf("total.size:%d\n", footer.TotalSize+3), 1)
	})
	testutil.AppendBytes(t, testutil.ChunkPath(dir, testPrefix, 1), []byte("xyz"))

	r := openTestReader(t, dir)
	err := r.VerifyHashes()
	ie := requireIntegrityError(t, err)
	require.ErrorIs(t, err, ErrSizeMismatch)
	require.Len(t, ie.Problems, 1)
	assert.Equal(t, chunk.Name(testPrefix, 1), ie.Problems[0].Chunk)
	assert.Empty(t, ie.Paths())
}

func TestIntegrityErrorMessage(t *testing.T) {
	t.Parallel()

	err := integrityError([]Problem{
		{Path: "/a", Err: ErrHashMismatch},
		{Chunk: "p.00002.cargo", Err: ErrSizeMismatch},
		{Path: "/a", Chunk: "p.00001.cargo", Err: errors.New("boom")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 problems")
	assert.Contains(t, err.Error(), "p.00002.cargo")
	require.ErrorIs(t, err, ErrIntegrity)
	require.ErrorIs(t, err, ErrHashMismatch)
	require.ErrorIs(t, err, ErrSizeMismatch)

	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []string{"/a"}, ie.Paths())

	assert.NoError(t, integrityError(nil))
}
