package crypt

import (
	"bytes"
	"crypto/rand"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func encrypt(t *testing.T, key []byte, plaintext string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := Encrypt(&buf, key)
	require.NoError(t, err)
	_, err = io.WriteString(w, plaintext)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	plaintext := strings.Repeat("secret bytes ", 10000)
	ciphertext := encrypt(t, key, plaintext)
	assert.NotContains(t, string(ciphertext), "secret bytes")

	r, err := Decrypt(bytes.NewReader(ciphertext), key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, string(got))
}

func TestEmptyPlaintext(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	ciphertext := encrypt(t, key, "")
	assert.NotEmpty(t, ciphertext)

	r, err := Decrypt(bytes.NewReader(ciphertext), key)
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWrongKey(t *testing.T) {
	t.Parallel()

	ciphertext := encrypt(t, newKey(t), "hello")
	_, err := Decrypt(bytes.NewReader(ciphertext), newKey(t))
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestTamperedPayload(t *testing.T) {
	t.Parallel()

	key := newKey(t)
	ciphertext := encrypt(t, key, strings.Repeat("z", 1000))
	ciphertext[len(ciphertext)-5] ^= 0xff

	r, err := Decrypt(bytes.NewReader(ciphertext), key)
	if err == nil {
		_, err = io.ReadAll(r)
	}
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestCheckKey(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckKey(make([]byte, KeySize)))
	require.ErrorIs(t, CheckKey(make([]byte, 16)), ErrInvalidKey)

	_, err := Encrypt(io.Discard, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidKey)
	_, err = Decrypt(strings.NewReader(""), nil)
	require.ErrorIs(t, err, ErrInvalidKey)
}
