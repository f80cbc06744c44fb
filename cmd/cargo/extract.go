package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/cargo"
)

// dirAttrs defers directory attributes until their children are written.
type dirAttrs struct {
	path  string
	attrs *attributes
}

type extractor struct {
	env     *env
	key     []byte
	sink    *fileSink
	dirs    []dirAttrs
	written uint64
	skipped int
}

func runExtract(ctx context.Context, e *env, args []string) error {
	var opts options
	var dir, dest string
	var paths []string
	var overwrite bool
	flags := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	flags.StringVar(&dir, "dir", ".", "directory holding the archive")
	flags.StringVar(&dest, "dest", "", "directory to restore into")
	flags.StringArrayVar(&paths, "path", nil, "archive path to extract (repeatable; default all)")
	flags.BoolVar(&overwrite, "overwrite", false, "replace existing files and links")
	if err := e.parseFlags(flags, &opts, args); err != nil {
		return helpRequested(err)
	}
	if dest == "" {
		return errors.New("extract: --dest is required")
	}

	key, err := opts.key()
	if err != nil {
		return err
	}
	r, err := opts.openReader(dir, key, e.logger)
	if err != nil {
		return err
	}
	defer r.Close()

	it := r.Iterator()
	if len(paths) > 0 {
		it = r.IteratorForScope(paths)
	}
	defer it.Close()

	x := &extractor{env: e, key: key, sink: &fileSink{destDir: dest, overwrite: overwrite}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent, err := it.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		if err := x.entry(ent); err != nil {
			return fmt.Errorf("extract %s: %w", ent.Path(), err)
		}
	}
	for i := len(x.dirs) - 1; i >= 0; i-- {
		if err := x.dirs[i].attrs.apply(x.dirs[i].path); err != nil {
			return fmt.Errorf("extract: %w", err)
		}
	}

	e.logger.Info("archive extracted", "dest", dest, "entities", it.Len(),
		"skipped", x.skipped, "written", humanize.IBytes(x.written))
	return nil
}

func (x *extractor) entry(ent *cargo.SequentialEntry) error {
	switch ent.FileType() {
	case cargo.Directory:
		return x.directory(ent)
	case cargo.SymbolicLink:
		return x.link(ent)
	default:
		return x.file(ent)
	}
}

func (x *extractor) attributes(ent *cargo.SequentialEntry) (*attributes, error) {
	meta, err := ent.Metadata(x.key)
	if err != nil {
		return nil, err
	}
	return decodeAttributes(meta)
}

func (x *extractor) directory(ent *cargo.SequentialEntry) error {
	target := x.sink.target(ent.Path())
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	attrs, err := x.attributes(ent)
	if err != nil {
		return err
	}
	x.dirs = append(x.dirs, dirAttrs{path: target, attrs: attrs})
	return nil
}

func (x *extractor) link(ent *cargo.SequentialEntry) error {
	if !x.sink.shouldWrite(ent.Path()) {
		x.skipped++
		return ent.Skip()
	}
	link, err := ent.LinkTarget(x.key)
	if err != nil {
		return err
	}
	if err := ent.SkipMetadata(); err != nil {
		return err
	}
	target := x.sink.target(ent.Path())
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.Symlink(link, target)
}

func (x *extractor) file(ent *cargo.SequentialEntry) error {
	if !x.sink.shouldWrite(ent.Path()) {
		x.skipped++
		x.env.logger.Debug("skipping existing file", "path", ent.Path())
		return ent.Skip()
	}
	c, err := x.sink.create(ent.Path())
	if err != nil {
		return err
	}
	n, err := copyContent(c, ent, x.key)
	if err != nil {
		return errors.Join(err, c.Discard())
	}
	attrs, err := x.attributes(ent)
	if err != nil {
		return errors.Join(err, c.Discard())
	}
	if err := c.Commit(attrs); err != nil {
		return err
	}
	x.written += n
	x.env.logger.Debug("extracted", "path", ent.Path(), "size", humanize.IBytes(n))
	return nil
}

func copyContent(w io.Writer, ent *cargo.SequentialEntry, key []byte) (uint64, error) {
	rc, err := ent.FileContent(key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, rc)
	if cerr := rc.Close(); err == nil {
		err = cerr
	}
	return uint64(n), err //nolint:gosec // io.Copy never returns a negative count
}
