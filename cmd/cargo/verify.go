package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/meigma/cargo"
)

func runVerify(_ context.Context, e *env, args []string) error {
	var opts options
	var dir string
	flags := pflag.NewFlagSet("verify", pflag.ContinueOnError)
	flags.StringVar(&dir, "dir", ".", "directory holding the archive")
	if err := e.parseFlags(flags, &opts, args); err != nil {
		return helpRequested(err)
	}

	key, err := opts.key()
	if err != nil {
		return err
	}
	r, err := opts.openReader(dir, key, e.logger)
	if err == nil {
		defer r.Close()
		err = r.VerifyHashes()
	}
	var ie *cargo.IntegrityError
	if errors.As(err, &ie) {
		for _, p := range ie.Problems {
			fmt.Fprintf(e.stdout, "FAIL %s\n", p)
		}
		return fmt.Errorf("verify: %d problems", len(ie.Problems))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "OK %d entities, %s\n", r.Len(), humanize.IBytes(r.Footer().TotalSize))
	return nil
}
