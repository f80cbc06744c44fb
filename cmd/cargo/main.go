// Command cargo creates, inspects, verifies, extracts, and merges chunked
// cargo archives.
//
// Usage:
//
//	cargo create  --source DIR --out DIR [flags]
//	cargo list    --dir DIR [flags]
//	cargo verify  --dir DIR [flags]
//	cargo extract --dir DIR --dest DIR [--path P ...] [flags]
//	cargo merge   --out DIR SRC_DIR:SRC_PREFIX... [flags]
//
// Every subcommand accepts --config FILE, a YAML file whose values are used
// for any flag not given on the command line.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
)

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, env *env, args []string) error
}

var commands = []command{
	{name: "create", summary: "archive a directory tree", run: runCreate},
	{name: "list", summary: "list archive entities", run: runList},
	{name: "verify", summary: "validate an archive and check every hash", run: runVerify},
	{name: "extract", summary: "restore entities to a directory", run: runExtract},
	{name: "merge", summary: "consolidate archives without re-encoding", run: runMerge},
}

// env carries the process streams so subcommands can be driven from tests.
type env struct {
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "cargo: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage(stdout)
		return nil
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(ctx, &env{stdout: stdout, stderr: stderr}, args[1:])
		}
	}
	printUsage(stderr)
	return fmt.Errorf("unknown command %q", args[0])
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: cargo <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-8s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'cargo <command> --help' for the flags of a command.")
}

// newLogger returns a tint handler on w, colored only when w is a terminal.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    noColor,
	}))
}

// parseFlags parses args into fs, loads --config, and sets up the logger.
// It returns pflag.ErrHelp after printing usage when --help was given.
func (e *env) parseFlags(fs *pflag.FlagSet, opts *options, args []string) error {
	fs.SetOutput(e.stderr)
	opts.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := opts.applyConfig(fs); err != nil {
		return err
	}
	e.logger = newLogger(e.stderr, opts.verbose)
	return nil
}

// helpRequested turns --help into a successful exit.
func helpRequested(err error) error {
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}
