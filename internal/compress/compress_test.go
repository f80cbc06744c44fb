package compress

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		a, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, name, a.String())
	}

	a, err := Parse("")
	require.NoError(t, err)
	assert.Equal(t, None, a)

	_, err = Parse("brotli")
	require.ErrorIs(t, err, ErrUnknown)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte(strings.Repeat("archive payload ", 4096))

	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := Parse(name)
			require.NoError(t, err)

			var buf bytes.Buffer
			w, err := a.Compress(&buf)
			require.NoError(t, err)
			_, err = w.Write(payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if a != None {
				assert.Less(t, buf.Len(), len(payload))
			}

			r, err := a.Decompress(&buf)
			require.NoError(t, err)
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			assert.Equal(t, payload, got)
		})
	}
}

func TestZstdDecoderReuse(t *testing.T) {
	t.Parallel()

	for i := range 3 {
		var buf bytes.Buffer
		w, err := Zstd.Compress(&buf)
		require.NoError(t, err)
		_, _ = io.WriteString(w, strings.Repeat("x", i+1))
		require.NoError(t, w.Close())

		r, err := Zstd.Decompress(&buf)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.NoError(t, r.Close())
		assert.Equal(t, strings.Repeat("x", i+1), string(got))
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	t.Parallel()

	_, err := Algorithm(99).Compress(io.Discard)
	require.ErrorIs(t, err, ErrUnknown)
	_, err = Algorithm(99).Decompress(strings.NewReader(""))
	require.ErrorIs(t, err, ErrUnknown)
}
