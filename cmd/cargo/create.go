package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/cargo"
)

// pendingFile is a file handed to the writer that must stay open until its
// future resolves.
type pendingFile struct {
	path   string
	file   *os.File
	future *cargo.Future
}

func runCreate(ctx context.Context, e *env, args []string) error {
	var opts options
	var source, out string
	var increment int
	flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
	flags.StringVar(&source, "source", "", "directory tree to archive")
	flags.StringVar(&out, "out", "", "directory to write the archive into")
	flags.IntVar(&increment, "increment", 0, "backup increment; entities are stored under /<increment>/")
	if err := e.parseFlags(flags, &opts, args); err != nil {
		return helpRequested(err)
	}
	if source == "" || out == "" {
		return fmt.Errorf("create: --source and --out are required")
	}

	key, err := opts.key()
	if err != nil {
		return err
	}
	popts := []cargo.ParallelOption{
		cargo.WithWriterOptions(opts.writerOptions(e.logger)...),
		cargo.WithWriterOptions(cargo.WithIndexKey(key)),
	}
	if opts.threads != 0 {
		popts = append(popts, cargo.WithThreads(opts.threads))
	}
	pw, err := cargo.NewParallelWriter(out, opts.prefix, popts...)
	if err != nil {
		return err
	}

	var pending []pendingFile
	var archived uint64
	wait := func(limit int) error {
		for len(pending) > limit {
			p := pending[0]
			pending = pending[1:]
			src, err := p.future.Wait()
			if p.file != nil {
				_ = p.file.Close() //nolint:errcheck // read-only
			}
			if err != nil {
				return fmt.Errorf("archive %s: %w", p.path, err)
			}
			archived += src.ArchivedSize()
		}
		return nil
	}

	root := fmt.Sprintf("/%d", increment)
	walkErr := filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(source, path)
		if err != nil {
			return err
		}
		name := root
		if rel != "." {
			name = root + "/" + filepath.ToSlash(rel)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		meta, err := attributesOf(info)
		if err != nil {
			return err
		}

		p := pendingFile{path: name}
		switch {
		case d.IsDir():
			p.future = pw.AddDirectoryAsync(name, key, meta)
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			p.future = pw.AddSymbolicLinkAsync(name, target, key, meta)
		case d.Type().IsRegular():
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			p.file = f
			p.future = pw.AddFileAsync(name, f, key, meta)
		default:
			e.logger.Warn("skipping special file", "path", path, "mode", info.Mode().String())
			return nil
		}
		pending = append(pending, p)
		return wait(64)
	})
	if walkErr == nil {
		walkErr = wait(0)
	}
	for _, p := range pending {
		_, _ = p.future.Wait() //nolint:errcheck // first error already recorded
		if p.file != nil {
			_ = p.file.Close() //nolint:errcheck // read-only
		}
	}
	if walkErr != nil {
		return fmt.Errorf("create: %w", errors.Join(walkErr, pw.Abort()))
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	e.logger.Info("archive created", "dir", out, "prefix", opts.prefix, "archived", humanize.IBytes(archived))
	return nil
}
