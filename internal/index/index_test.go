package index

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/cargo/internal/compress"
	"github.com/meigma/cargo/internal/digest"
	"github.com/meigma/cargo/internal/entity"
)

func sampleRecords() []*entity.Record {
	return []*entity.Record{
		{
			Path: "/0", Type: entity.Directory,
			Metadata: &entity.Boundary{StartChunk: "p.00001.cargo", EndChunk: "p.00001.cargo"},
		},
		{
			Path: "/0/line\nbreak\\name", Type: entity.RegularFile, Encrypted: true,
			Content: &entity.Boundary{
				AbsStart: 0, AbsEnd: 4, RelStart: 0, RelEnd: 4,
				StartChunk: "p.00001.cargo", EndChunk: "p.00001.cargo",
				OriginalSize: 4, ArchivedSize: 4,
				OriginalHash: []byte{0xde, 0xad}, ArchivedHash: []byte{0xbe, 0xef},
			},
			Metadata: &entity.Boundary{
				AbsStart: 4, AbsEnd: 10, RelStart: 4, RelEnd: 10,
				StartChunk: "p.00001.cargo", EndChunk: "p.00001.cargo",
				OriginalSize: 3, ArchivedSize: 6,
			},
		},
	}
}

func writeIndex(t *testing.T, records []*entity.Record, footer *Footer) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Header{HashAlgorithm: digest.SHA256, Compression: compress.Zstd})
	require.NoError(t, err)
	for i, r := range records {
		n, err := w.WriteRecord(r)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
	if footer != nil {
		require.NoError(t, w.WriteFooter(*footer))
	}
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	footer := Footer{LastChunkIndex: 1, LastChunkSize: 10, MaxChunkSize: 1 << 20, TotalSize: 10}
	data := writeIndex(t, sampleRecords(), &footer)

	idx, err := Parse(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, idx.Problems)
	assert.Equal(t, Version, idx.Version)
	assert.Equal(t, digest.SHA256, idx.HashAlgorithm)
	assert.Equal(t, compress.Zstd, idx.Compression)

	footer.LastEntityIndex = 2
	assert.Equal(t, footer, idx.Footer)
	assert.Equal(t, sampleRecords(), idx.Records)
}

func TestFooterKeysAreVerbatim(t *testing.T) {
	t.Parallel()

	footer := Footer{LastChunkIndex: 1, LastChunkSize: 10, MaxChunkSize: 20, TotalSize: 10}
	text := string(writeIndex(t, sampleRecords(), &footer))

	for _, line := range []string{
		"version:1",
		"hash.algorithm:sha256",
		"compression:zstd",
		"00000001.path:/0",
		"00000001.type:DIRECTORY",
		"00000002.path:/0/line\\nbreak\\\\name",
		"00000002.content.orig.hash:dead",
		"last.entity.index:2",
		"last.cnunk.index:1",
		"last.cnunk.size:10",
		"max.cnunk.size:20",
		"total.size:10",
	} {
		assert.Contains(t, text, line+"\n")
	}
	assert.NotContains(t, text, "00000001.content.")
}

func TestParseMissingFooter(t *testing.T) {
	t.Parallel()

	data := writeIndex(t, sampleRecords(), nil)
	_, err := Parse(bytes.NewReader(data))
	require.ErrorIs(t, err, ErrMissingFooter)
}

func TestParseVersion(t *testing.T) {
	t.Parallel()

	footer := "last.entity.index:0\nlast.cnunk.index:1\nlast.cnunk.size:0\nmax.cnunk.size:8\ntotal.size:0\n"

	idx, err := Parse(strings.NewReader(footer))
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Version)
	assert.Equal(t, digest.None, idx.HashAlgorithm)
	assert.Equal(t, compress.None, idx.Compression)

	_, err = Parse(strings.NewReader("version:2\n" + footer))
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestParseCollectsBlockProblems(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"00000001.path:/a",
		"00000001.type:SOCKET",
		"00000001.encrypted:false",
		"00000002.path:/b",
		"00000002.type:DIRECTORY",
		"00000002.encrypted:nope",
		"00000003.path:/extra",
		"last.entity.index:2",
		"last.cnunk.index:1",
		"last.cnunk.size:0",
		"max.cnunk.size:8",
		"total.size:0",
		"",
	}, "\n")

	idx, err := Parse(strings.NewReader(input))
	require.NoError(t, err)
	assert.Empty(t, idx.Records)
	require.Len(t, idx.Problems, 3)
	assert.Equal(t, "/a", idx.Problems[0].Path)
	assert.Equal(t, "/b", idx.Problems[1].Path)
	assert.Equal(t, "/extra", idx.Problems[2].Path)
	for _, p := range idx.Problems[1:] {
		assert.ErrorIs(t, p.Err, ErrMalformed)
	}
}

func TestParseRejectsInflatedEntityCount(t *testing.T) {
	t.Parallel()

	footer := Footer{LastChunkIndex: 1, LastChunkSize: 10, MaxChunkSize: 1 << 20, TotalSize: 10}
	data := string(writeIndex(t, sampleRecords(), &footer))
	data = strings.Replace(data, "last.entity.index:2\n", "last.entity.index:300000000\n", 1)

	_, err := Parse(strings.NewReader(data))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Contains(t, err.Error(), "300000000")
}

func TestParseMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{name: "no separator", input: "garbage\n"},
		{name: "bad escape", input: "version:\\x\n"},
		{name: "duplicate key", input: "version:1\nversion:1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input))
			require.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEscape(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"plain", "a\\b", "line\nfeed", "cr\r", `\n literal`} {
		got, err := unescape(escape(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}
