package stream

import (
	"bytes"
	"crypto/sha256"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(data string) []byte {
	s := sha256.Sum256([]byte(data))
	return s[:]
}

func TestHashingWriter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	hw := NewHashingWriter(&buf, sha256.New())
	_, err := io.WriteString(hw, "payload")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), hw.Count())
	assert.Equal(t, sum("payload"), hw.Sum())
	assert.Equal(t, "payload", buf.String())

	plain := NewHashingWriter(io.Discard, nil)
	_, _ = io.WriteString(plain, "abc")
	assert.Nil(t, plain.Sum())
	assert.Equal(t, uint64(3), plain.Count())

	overflow := NewHashingWriter(io.Discard, nil)
	overflow.n = ^uint64(0)
	_, err = overflow.Write([]byte("x"))
	require.ErrorIs(t, err, ErrOverflow)
}

func TestVerifyingReader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    string
		size    uint64
		want    []byte
		wantErr error
	}{
		{name: "valid", data: "abcd", size: 4, want: sum("abcd")},
		{name: "no hash", data: "abcd", size: 4},
		{name: "hash mismatch", data: "abce", size: 4, want: sum("abcd"), wantErr: ErrHashMismatch},
		{name: "short", data: "abc", size: 4, want: sum("abcd"), wantErr: ErrSizeMismatch},
		{name: "trailing", data: "abcde", size: 4, want: sum("abcd"), wantErr: ErrSizeMismatch},
		{name: "empty", data: "", size: 0, want: sum("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vr := NewVerifyingReader(strings.NewReader(tt.data), sha256.New(), tt.want, tt.size, "test")
			got, err := io.ReadAll(vr)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.data, string(got))
		})
	}
}

func TestEnsureNoExtra(t *testing.T) {
	t.Parallel()

	require.NoError(t, EnsureNoExtra(strings.NewReader("")))
	require.ErrorIs(t, EnsureNoExtra(strings.NewReader("x")), ErrSizeMismatch)
}

func TestReadCloserClosesOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	rc := &ReadCloser{Reader: strings.NewReader(""), CloseFunc: func() error {
		calls++
		return nil
	}}
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
	assert.Equal(t, 1, calls)
}
