package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/cargo"
)

func runList(_ context.Context, e *env, args []string) error {
	var opts options
	var dir string
	var long bool
	flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
	flags.StringVar(&dir, "dir", ".", "directory holding the archive")
	flags.BoolVarP(&long, "long", "l", false, "show archived sizes and encryption")
	if err := e.parseFlags(flags, &opts, args); err != nil {
		return helpRequested(err)
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

	tw := tabwriter.NewWriter(e.stdout, 0, 4, 2, ' ', 0)
	if long {
		fmt.Fprintln(tw, "TYPE\tSIZE\tARCHIVED\tENCRYPTED\tPATH")
	} else {
		fmt.Fprintln(tw, "TYPE\tSIZE\tPATH")
	}
	var total, archived uint64
	for _, rec := range r.Records() {
		var size uint64
		if rec.Content != nil {
			size = rec.Content.OriginalSize
		}
		total += size
		archived += rec.ArchivedSize()
		if long {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", typeLabel(rec.Type), humanize.IBytes(size),
				humanize.IBytes(rec.ArchivedSize()), rec.Encrypted, rec.Path)
		} else {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", typeLabel(rec.Type), humanize.IBytes(size), rec.Path)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	footer := r.Footer()
	fmt.Fprintf(e.stdout, "%d entities, %s in %d chunks (%s archived, %s/%s)\n",
		r.Len(), humanize.IBytes(total), footer.LastChunkIndex, humanize.IBytes(archived),
		r.Compression(), r.HashAlgorithm())
	return nil
}

func typeLabel(t cargo.FileType) string {
	switch t {
	case cargo.Directory:
		return "dir"
	case cargo.SymbolicLink:
		return "link"
	default:
		return "file"
	}
}
