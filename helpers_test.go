package cargo

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meigma/cargo/internal/testutil"
)

const testPrefix = "backup"

// testEntity describes one entity to write and later compare.
type testEntity struct {
	path     string
	typ      FileType
	content  string
	metadata []byte
}

func sampleEntities() []testEntity {
	return []testEntity{
		{path: "/0", typ: Directory, metadata: []byte(`{"mode":493}`)},
		{path: "/0/a", typ: RegularFile, content: "alpha", metadata: []byte("meta-a")},
		{path: "/0/empty", typ: RegularFile},
		{path: "/0/link", typ: SymbolicLink, content: "/tmp/target"},
		{path: "/0/big", typ: RegularFile, content: strings.Repeat("0123456789abcdef", 700), metadata: []byte("meta-big")},
		{path: "/0/sub/c", typ: RegularFile, content: "charlie"},
	}
}

func newTestWriter(t *testing.T, dir string, opts ...WriterOption) *Writer {
	t.Helper()
	w, err := NewWriter(dir, testPrefix, opts...)
	require.NoError(t, err)
	return w
}

func writeEntities(t *testing.T, w *Writer, key []byte, entities []testEntity) {
	t.Helper()
	for _, e := range entities {
		var err error
		switch e.typ {
		case RegularFile:
			_, err = w.AddFile(e.path, strings.NewReader(e.content), key, e.metadata)
		case SymbolicLink:
			_, err = w.AddSymbolicLink(e.path, e.content, key, e.metadata)
		case Directory:
			_, err = w.AddDirectory(e.path, key, e.metadata)
		}
		require.NoError(t, err, e.path)
	}
}

func openTestReader(t *testing.T, dir string, opts ...ReaderOption) *Reader {
	t.Helper()
	r, err := OpenReader(dir, testPrefix, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

// checkEntry decodes every part of an entry in order and compares it.
func checkEntry(t *testing.T, e Entry, want testEntity, key []byte) {
	t.Helper()
	require.Equal(t, want.path, e.Path())
	require.Equal(t, want.typ, e.FileType())

	switch want.typ {
	case RegularFile:
		rc, err := e.FileContent(key)
		require.NoError(t, err, want.path)
		got, err := io.ReadAll(rc)
		require.NoError(t, err, want.path)
		require.NoError(t, rc.Close())
		require.Equal(t, want.content, string(got), want.path)
	case SymbolicLink:
		target, err := e.LinkTarget(key)
		require.NoError(t, err, want.path)
		require.Equal(t, want.content, target)
	}

	meta, err := e.Metadata(key)
	require.NoError(t, err, want.path)
	if len(want.metadata) == 0 {
		require.Nil(t, meta)
	} else {
		require.Equal(t, want.metadata, meta)
	}
}

// rewriteIndex edits an uncompressed, unencrypted index file in place.
func rewriteIndex(t *testing.T, dir string, edit func(string) string) {
	t.Helper()
	path := testutil.IndexPath(dir, testPrefix)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(edit(string(data))), 0o644))
}
