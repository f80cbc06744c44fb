package main

import (
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// attributes is the metadata the CLI stores with every entity.
type attributes struct {
	Mode    uint32 `cbor:"1,keyasint"`
	ModTime int64  `cbor:"2,keyasint"`
}

func attributesOf(info fs.FileInfo) ([]byte, error) {
	data, err := cbor.Marshal(attributes{
		Mode:    uint32(info.Mode()),
		ModTime: info.ModTime().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return data, nil
}

// decodeAttributes returns nil for entities stored without metadata.
func decodeAttributes(data []byte) (*attributes, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var a attributes
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return &a, nil
}

// apply restores permissions and modification time on path. Links keep
// their own attributes.
func (a *attributes) apply(path string) error {
	if a == nil {
		return nil
	}
	mode := fs.FileMode(a.Mode)
	if mode&fs.ModeSymlink != 0 {
		return nil
	}
	if err := os.Chmod(path, mode.Perm()); err != nil {
		return err
	}
	mtime := time.Unix(0, a.ModTime)
	return os.Chtimes(path, mtime, mtime)
}
