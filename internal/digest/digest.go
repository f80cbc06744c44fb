// Package digest resolves hash algorithms by their archive name.
package digest

import (
	_ "crypto/sha256" // registers SHA-256 for go-digest
	_ "crypto/sha512" // registers SHA-384 and SHA-512 for go-digest
	"errors"
	"fmt"
	"hash"
	"sort"

	godigest "github.com/opencontainers/go-digest"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// ErrUnknownAlgorithm is returned for unrecognized algorithm names.
var ErrUnknownAlgorithm = errors.New("unknown hash algorithm")

// Algorithm names a hash function. The zero value means no hashing.
type Algorithm string

const (
	None       Algorithm = ""
	SHA256     Algorithm = "sha256"
	SHA384     Algorithm = "sha384"
	SHA512     Algorithm = "sha512"
	SHA3_256   Algorithm = "sha3-256"
	SHA3_512   Algorithm = "sha3-512"
	BLAKE2b256 Algorithm = "blake2b-256"
	BLAKE3     Algorithm = "blake3"
)

var constructors = map[Algorithm]func() hash.Hash{
	SHA256:   godigest.SHA256.Hash,
	SHA384:   godigest.SHA384.Hash,
	SHA512:   godigest.SHA512.Hash,
	SHA3_256: sha3.New256,
	SHA3_512: sha3.New512,
	BLAKE2b256: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic(err) // unkeyed construction cannot fail
		}
		return h
	},
	BLAKE3: func() hash.Hash { return blake3.New() },
}

// Parse validates an algorithm name. The empty string and "none" both map to None.
func Parse(name string) (Algorithm, error) {
	if name == "" || name == "none" {
		return None, nil
	}
	a := Algorithm(name)
	if _, ok := constructors[a]; !ok {
		return None, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
	return a, nil
}

// Enabled reports whether the algorithm produces hashes.
func (a Algorithm) Enabled() bool {
	return a != None
}

// New returns a fresh hash for the algorithm, or nil for None.
func (a Algorithm) New() (hash.Hash, error) {
	if a == None {
		return nil, nil
	}
	ctor, ok := constructors[a]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, string(a))
	}
	return ctor(), nil
}

// String returns the archive name, "none" for None.
func (a Algorithm) String() string {
	if a == None {
		return "none"
	}
	return string(a)
}

// Names lists every supported algorithm name in sorted order.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for a := range constructors {
		names = append(names, string(a))
	}
	sort.Strings(names)
	return names
}
