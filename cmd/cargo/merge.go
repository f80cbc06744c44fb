package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"

	"github.com/meigma/cargo"
)

// source is one archive named on the merge command line as DIR:PREFIX.
type source struct {
	dir    string
	prefix string
}

func parseSource(arg string) (source, error) {
	i := strings.LastIndex(arg, ":")
	if i <= 0 || i == len(arg)-1 {
		return source{}, fmt.Errorf("merge: source %q is not DIR:PREFIX", arg)
	}
	return source{dir: arg[:i], prefix: arg[i+1:]}, nil
}

func runMerge(ctx context.Context, e *env, args []string) error {
	var opts options
	var out string
	flags := pflag.NewFlagSet("merge", pflag.ContinueOnError)
	flags.StringVar(&out, "out", "", "directory to write the merged archive into")
	if err := e.parseFlags(flags, &opts, args); err != nil {
		return helpRequested(err)
	}
	if out == "" || flags.NArg() == 0 {
		return errors.New("merge: --out and at least one DIR:PREFIX source are required")
	}
	sources := make([]source, flags.NArg())
	for i, arg := range flags.Args() {
		src, err := parseSource(arg)
		if err != nil {
			return err
		}
		sources[i] = src
	}

	key, err := opts.key()
	if err != nil {
		return err
	}

	var w *cargo.Writer
	var merged, skipped int
	for _, src := range sources {
		r, err := cargo.OpenReader(src.dir, src.prefix,
			cargo.ReadWithCompression(opts.compression),
			cargo.ReadWithIndexKey(key),
			cargo.ReadWithLogger(e.logger))
		if err != nil {
			return abortWith(w, fmt.Errorf("merge %s: %w", src.prefix, err))
		}
		if w == nil {
			w, err = cargo.NewWriter(out, opts.prefix,
				cargo.WithChunkSizeMiB(opts.chunkSizeMiB),
				cargo.WithCompression(r.Compression()),
				cargo.WithHashAlgorithm(r.HashAlgorithm()),
				cargo.WithIndexKey(key),
				cargo.WithLogger(e.logger))
			if err != nil {
				return err
			}
		}
		m, s, err := mergeArchive(ctx, w, r)
		merged, skipped = merged+m, skipped+s
		if err != nil {
			return abortWith(w, fmt.Errorf("merge %s: %w", src.prefix, err))
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	e.logger.Info("archives merged", "out", out, "sources", len(sources), "merged", merged, "skipped", skipped)
	return nil
}

// mergeArchive copies every entity of r that w does not hold yet.
func mergeArchive(ctx context.Context, w *cargo.Writer, r *cargo.Reader) (merged, skipped int, err error) {
	if r.Compression() != w.Compression() || r.HashAlgorithm() != w.HashAlgorithm() {
		return 0, 0, fmt.Errorf("archive uses %s/%s, output uses %s/%s",
			r.Compression(), r.HashAlgorithm(), w.Compression(), w.HashAlgorithm())
	}

	it := r.Iterator()
	defer it.Close()
	for {
		if err := ctx.Err(); err != nil {
			return merged, skipped, err
		}
		ent, err := it.Next()
		if errors.Is(err, io.EOF) {
			return merged, skipped, nil
		}
		if err != nil {
			return merged, skipped, err
		}
		if w.Has(ent.Path()) {
			skipped++
			if err := ent.Skip(); err != nil {
				return merged, skipped, err
			}
			continue
		}
		raw, err := ent.RawContentAndMetadata()
		if err != nil {
			return merged, skipped, err
		}
		_, err = w.MergeEntity(ent.Record(), raw)
		if cerr := raw.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return merged, skipped, err
		}
		merged++
	}
}

// abortWith discards a partially merged output archive.
func abortWith(w *cargo.Writer, err error) error {
	if w == nil {
		return err
	}
	return errors.Join(err, w.Abort())
}
