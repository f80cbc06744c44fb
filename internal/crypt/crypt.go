// Package crypt encrypts entity streams with age, using a 32-byte
// symmetric key per entity instead of an asymmetric recipient.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of every entity and index key.
const KeySize = 32

const (
	stanzaType = "cargo-key"
	saltSize   = 16
)

var hkdfInfoWrap = []byte("cargo.entity.wrap.v1")

// ErrInvalidKey is returned for keys that are not KeySize bytes long.
var ErrInvalidKey = errors.New("invalid key")

// ErrDecrypt is returned when a stream cannot be decrypted with the given key.
var ErrDecrypt = errors.New("decryption failed")

// CheckKey validates the length of a key.
func CheckKey(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(key), KeySize)
	}
	return nil
}

// Encrypt wraps w so that bytes written are encrypted under key. The
// returned writer must be closed to emit the final authenticated chunk;
// closing it does not close w.
func Encrypt(w io.Writer, key []byte) (io.WriteCloser, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	ew, err := age.Encrypt(w, &recipient{key: key})
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return ew, nil
}

// Decrypt wraps r so that bytes read are decrypted with key. The header
// is read and authenticated before Decrypt returns.
func Decrypt(r io.Reader, key []byte) (io.Reader, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	dr, err := age.Decrypt(r, &identity{key: key})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return &authReader{r: dr}, nil
}

// authReader maps payload authentication failures onto ErrDecrypt.
type authReader struct {
	r io.Reader
}

func (a *authReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("%w: %w", ErrDecrypt, err)
	}
	return n, err
}

type recipient struct {
	key []byte
}

func (r *recipient) Wrap(fileKey []byte) ([]*age.Stanza, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	aead, err := wrapAEAD(r.key, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(fileKey)+chacha20poly1305.Overhead)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	body := aead.Seal(nonce, nonce, fileKey, nil)
	return []*age.Stanza{{
		Type: stanzaType,
		Args: []string{base64.RawStdEncoding.EncodeToString(salt)},
		Body: body,
	}}, nil
}

type identity struct {
	key []byte
}

func (i *identity) Unwrap(stanzas []*age.Stanza) ([]byte, error) {
	for _, s := range stanzas {
		if s.Type != stanzaType || len(s.Args) != 1 {
			continue
		}
		salt, err := base64.RawStdEncoding.DecodeString(s.Args[0])
		if err != nil || len(salt) != saltSize {
			return nil, errors.New("malformed cargo-key stanza")
		}
		if len(s.Body) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
			return nil, errors.New("malformed cargo-key stanza body")
		}
		aead, err := wrapAEAD(i.key, salt)
		if err != nil {
			return nil, err
		}
		nonce, sealed := s.Body[:chacha20poly1305.NonceSizeX], s.Body[chacha20poly1305.NonceSizeX:]
		fileKey, err := aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			continue
		}
		return fileKey, nil
	}
	return nil, age.ErrIncorrectIdentity
}

func wrapAEAD(key, salt []byte) (cipher.AEAD, error) {
	wrapKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, hkdfInfoWrap), wrapKey); err != nil {
		return nil, fmt.Errorf("derive wrap key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(wrapKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return aead, nil
}
