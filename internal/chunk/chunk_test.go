package chunk

import (
	"bytes"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/cargo/internal/sizing"
)

func TestName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "p.00001.cargo", Name("p", 1))
	assert.Equal(t, "p.index.cargo", IndexName("p"))

	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{name: "first", input: "p.00001.cargo", want: 1},
		{name: "large", input: "p.12345.cargo", want: 12345},
		{name: "index", input: "p.index.cargo", wantErr: true},
		{name: "zero", input: "p.00000.cargo", wantErr: true},
		{name: "other prefix", input: "q.00001.cargo", wantErr: true},
		{name: "short", input: "p.1.cargo", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseName("p", tt.input)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidName)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLayout(t *testing.T) {
	t.Parallel()

	l := Layout{Count: 3, MaxSize: 10, LastSize: 4}
	assert.Equal(t, uint64(24), l.Total())
	assert.Equal(t, uint64(10), l.Size(2))
	assert.Equal(t, uint64(4), l.Size(3))
	assert.Equal(t, uint64(13), l.Locate(2, 3))
	assert.Equal(t, uint64(0), Layout{}.Total())
}

func writeStream(t *testing.T, dir string, maxSize uint64, data []byte) *Writer {
	t.Helper()
	w, err := NewWriter(dir, "p", maxSize, nil)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return w
}

func TestWriterRollsOver(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := bytes.Repeat([]byte("0123456789"), 3)
	w := writeStream(t, dir, 8, data[:25])

	l := w.Layout()
	assert.Equal(t, Layout{Count: 4, MaxSize: 8, LastSize: 1}, l)
	assert.Equal(t, uint64(25), l.Total())

	var joined []byte
	for n := 1; n <= l.Count; n++ {
		b, err := os.ReadFile(filepath.Join(dir, Name("p", n)))
		require.NoError(t, err)
		assert.Equal(t, l.Size(n), uint64(len(b)))
		joined = append(joined, b...)
	}
	assert.Equal(t, data[:25], joined)
}

func TestWriterLazyRollover(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, "p", 4, nil)
	require.NoError(t, err)

	_, err = w.Write([]byte("abcd"))
	require.NoError(t, err)
	pos := w.Position()
	assert.Equal(t, Position{Chunk: "p.00001.cargo", Rel: 4, Abs: 4}, pos)
	assert.Equal(t, 1, w.Layout().Count)

	_, err = w.Write([]byte("e"))
	require.NoError(t, err)
	assert.Equal(t, Position{Chunk: "p.00002.cargo", Rel: 1, Abs: 5}, w.Position())
	require.NoError(t, w.Close())

	_, err = w.Write([]byte("f"))
	assert.Error(t, err)
}

func TestOpenRange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := []byte("abcdefghijklmnopqrstuvw")
	w := writeStream(t, dir, 5, data)
	l := w.Layout()

	tests := []struct {
		name string
		span Span
		want string
	}{
		{name: "within chunk", span: Span{"p.00001.cargo", 1, "p.00001.cargo", 4}, want: "bcd"},
		{name: "across chunks", span: Span{"p.00001.cargo", 3, "p.00003.cargo", 2}, want: "defghijkl"},
		{name: "start at end of chunk", span: Span{"p.00002.cargo", 5, "p.00003.cargo", 3}, want: "klm"},
		{name: "empty", span: Span{"p.00004.cargo", 2, "p.00004.cargo", 2}, want: ""},
		{name: "to last byte", span: Span{"p.00005.cargo", 0, "p.00005.cargo", 3}, want: "uvw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := OpenRange(dir, "p", l, tt.span)
			require.NoError(t, err)
			got, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, tt.want, string(got))
		})
	}

	_, err := OpenRange(dir, "p", l, Span{"p.00003.cargo", 0, "p.00002.cargo", 0})
	require.ErrorIs(t, err, ErrRange)
	_, err = OpenRange(dir, "p", l, Span{"p.00005.cargo", 0, "p.00005.cargo", 4})
	require.ErrorIs(t, err, ErrRange)
}

func TestStreamReadAndSkip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	data := []byte("abcdefghijklmnopqrstuvw")
	w := writeStream(t, dir, 5, data)

	s := OpenStream(dir, "p", w.Layout())
	defer s.Close()

	buf := make([]byte, 3)
	_, err := io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	require.NoError(t, s.SeekTo(7))
	assert.Equal(t, uint64(7), s.Pos())
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "hij", string(buf))

	require.NoError(t, s.SeekTo(20))
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "uvw", string(rest))

	require.ErrorIs(t, s.SeekTo(3), ErrRange)
	require.ErrorIs(t, s.SeekTo(24), ErrRange)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w := writeStream(t, dir, 5, []byte("abcdefghijkl"))
	l := w.Layout()
	assert.Empty(t, Validate(dir, "p", l))

	require.NoError(t, os.Truncate(filepath.Join(dir, Name("p", 2)), 3))
	require.NoError(t, os.Remove(filepath.Join(dir, Name("p", 3))))

	problems := Validate(dir, "p", l)
	require.Len(t, problems, 2)
	assert.Equal(t, "p.00002.cargo", problems[0].Chunk)
	assert.ErrorIs(t, problems[0].Err, ErrSize)
	assert.Equal(t, "p.00003.cargo", problems[1].Chunk)
	assert.ErrorIs(t, problems[1].Err, ErrMissing)
}

func TestLayoutCheck(t *testing.T) {
	t.Parallel()

	require.NoError(t, Layout{Count: 3, MaxSize: 10, LastSize: 4}.Check())
	require.ErrorIs(t, Layout{Count: 0, MaxSize: 10}.Check(), ErrRange)
	require.ErrorIs(t, Layout{Count: MaxCount + 1, MaxSize: 10}.Check(), ErrRange)
	require.ErrorIs(t, Layout{Count: 3, MaxSize: math.MaxUint64/2 + 1, LastSize: 1}.Check(), sizing.ErrOverflow)

	problems := Validate(t.TempDir(), "p", Layout{Count: 2, MaxSize: math.MaxUint64, LastSize: 1})
	require.Len(t, problems, 1)
	require.ErrorIs(t, problems[0].Err, sizing.ErrOverflow)
}
