package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fileSink restores regular files under a destination directory.
//
// Content goes to a temporary file in the target's directory and is
// renamed into place on commit, so a failed or corrupt entity never leaves
// a partial file at its final path.
type fileSink struct {
	destDir   string
	overwrite bool
}

// target maps a normalized archive path below destDir.
func (s *fileSink) target(archivePath string) string {
	return filepath.Join(s.destDir, filepath.FromSlash(archivePath))
}

// shouldWrite reports false when the target exists and overwrite is off.
func (s *fileSink) shouldWrite(archivePath string) bool {
	if s.overwrite {
		return true
	}
	_, err := os.Lstat(s.target(archivePath))
	return errors.Is(err, fs.ErrNotExist)
}

// create opens a committer for archivePath, creating parent directories.
func (s *fileSink) create(archivePath string) (*fileCommitter, error) {
	dest := s.target(archivePath)
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".cargo-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return &fileCommitter{dest: dest, tmp: tmp}, nil
}

// fileCommitter writes to a temp file and renames it on Commit.
type fileCommitter struct {
	dest string
	tmp  *os.File
}

func (c *fileCommitter) Write(p []byte) (int, error) {
	return c.tmp.Write(p)
}

// Commit closes the temp file, applies attrs, and renames it into place.
func (c *fileCommitter) Commit(attrs *attributes) error {
	name := c.tmp.Name()
	if err := c.tmp.Close(); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := attrs.apply(name); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return err
	}
	if err := os.Rename(name, c.dest); err != nil {
		_ = os.Remove(name) //nolint:errcheck // best-effort cleanup
		return fmt.Errorf("rename to %s: %w", c.dest, err)
	}
	return nil
}

// Discard closes and removes the temp file.
func (c *fileCommitter) Discard() error {
	_ = c.tmp.Close() //nolint:errcheck // cleaning up
	return os.Remove(c.tmp.Name())
}
