package cargo

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/crypt"
	"github.com/meigma/cargo/internal/entity"
)

const scratchPrefix = "entity"

// Future is the pending result of an asynchronous add.
type Future struct {
	done chan struct{}
	src  *BoundarySource
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

func (f *Future) resolve(src *BoundarySource, err error) {
	f.src, f.err = src, err
	close(f.done)
}

// Done is closed once the entity has been merged or has failed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the entity has been merged into the archive and
// returns where it landed.
func (f *Future) Wait() (*BoundarySource, error) {
	<-f.done
	return f.src, f.err
}

// mergeRequest hands one entity to the merge goroutine: either a finished
// scratch archive or a directory to append directly.
type mergeRequest struct {
	seq    uint64
	future *Future
	err    error

	// scratch archive
	scratchDir string
	layout     chunk.Layout
	record     *entity.Record

	// directory
	dirPath  string
	key      []byte
	metadata []byte
}

// ParallelWriter encodes entities concurrently and appends them to a single
// archive.
//
// Each file or link is hashed, compressed, and encrypted by a bounded pool
// of goroutines into its own scratch archive. One merge goroutine then
// copies the encoded bytes into the destination with Writer.MergeEntity and
// removes the scratch archive; it is the only goroutine that touches the
// destination files. Directories skip the pool and go straight to the merge
// goroutine, and adding an existing directory returns its record.
//
// Entities land in the order their encoding finishes, which matches
// submission order only with one thread, unless WithSubmissionOrder is set.
// All methods are safe for concurrent use.
type ParallelWriter struct {
	cfg     parallelConfig
	dest    *Writer
	scratch string

	mu     sync.Mutex
	closed bool
	seq    uint64
	split  errgroup.Group

	merges    chan mergeRequest
	mergeDone chan struct{}
}

// NewParallelWriter creates a new archive named prefix inside dir.
func NewParallelWriter(dir, prefix string, opts ...ParallelOption) (*ParallelWriter, error) {
	cfg := defaultParallelConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.threads < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreads, cfg.threads)
	}

	dest, err := NewWriter(dir, prefix, cfg.writerOpts...)
	if err != nil {
		return nil, err
	}
	scratch, err := os.MkdirTemp(cfg.scratchDir, "cargo-scratch-*")
	if err != nil {
		return nil, errors.Join(fmt.Errorf("cargo: create scratch directory: %w", err), dest.Close())
	}

	pw := &ParallelWriter{
		cfg:       cfg,
		dest:      dest,
		scratch:   scratch,
		merges:    make(chan mergeRequest, cfg.threads),
		mergeDone: make(chan struct{}),
	}
	pw.split.SetLimit(cfg.threads)
	go pw.mergeLoop()
	pw.log().Debug("parallel writer started", "threads", cfg.threads, "scratch", scratch,
		"submission_order", cfg.submissionOrder)
	return pw, nil
}

func (pw *ParallelWriter) log() *slog.Logger {
	return pw.dest.log()
}

// AddFileAsync schedules a regular file. content is read by a pool
// goroutine and must not be touched until the future resolves.
func (pw *ParallelWriter) AddFileAsync(path string, content io.Reader, key, metadata []byte) *Future {
	return pw.submitSplit(path, RegularFile, content, "", key, metadata)
}

// AddSymbolicLinkAsync schedules a symbolic link.
func (pw *ParallelWriter) AddSymbolicLinkAsync(path, target string, key, metadata []byte) *Future {
	return pw.submitSplit(path, SymbolicLink, nil, target, key, metadata)
}

// AddDirectoryAsync schedules a directory. It bypasses the encoding pool.
func (pw *ParallelWriter) AddDirectoryAsync(path string, key, metadata []byte) *Future {
	p, err := pw.precheck(path, key)
	if err != nil {
		return failedFuture(err)
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return failedFuture(ErrClosed)
	}
	f := newFuture()
	pw.merges <- mergeRequest{seq: pw.nextSeq(), future: f, dirPath: p, key: key, metadata: metadata}
	return f
}

// AddFile archives a regular file and waits for it to be merged.
func (pw *ParallelWriter) AddFile(path string, content io.Reader, key, metadata []byte) (*BoundarySource, error) {
	return pw.AddFileAsync(path, content, key, metadata).Wait()
}

// AddSymbolicLink archives a symbolic link and waits for it to be merged.
func (pw *ParallelWriter) AddSymbolicLink(path, target string, key, metadata []byte) (*BoundarySource, error) {
	return pw.AddSymbolicLinkAsync(path, target, key, metadata).Wait()
}

// AddDirectory archives a directory and waits for it to be merged.
func (pw *ParallelWriter) AddDirectory(path string, key, metadata []byte) (*BoundarySource, error) {
	return pw.AddDirectoryAsync(path, key, metadata).Wait()
}

// Close waits for every pending entity, finalizes the archive, and removes
// the scratch directory.
func (pw *ParallelWriter) Close() error {
	return pw.shutdown(pw.dest.Close)
}

// Abort waits for every pending entity, then discards the archive the way
// Writer.Abort does and removes the scratch directory.
func (pw *ParallelWriter) Abort() error {
	return pw.shutdown(pw.dest.Abort)
}

func (pw *ParallelWriter) shutdown(finish func() error) error {
	pw.mu.Lock()
	if pw.closed {
		pw.mu.Unlock()
		return ErrClosed
	}
	pw.closed = true
	pw.mu.Unlock()

	_ = pw.split.Wait() //nolint:errcheck // tasks report through their futures
	close(pw.merges)
	<-pw.mergeDone

	var errs []error
	errs = append(errs, finish())
	if err := os.RemoveAll(pw.scratch); err != nil {
		errs = append(errs, fmt.Errorf("cargo: remove scratch directory: %w", err))
	}
	return errors.Join(errs...)
}

// precheck catches caller mistakes synchronously so they never reach the pool.
func (pw *ParallelWriter) precheck(path string, key []byte) (string, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return "", err
	}
	if key != nil {
		if err := crypt.CheckKey(key); err != nil {
			return "", fmt.Errorf("cargo: %s: %w", p, err)
		}
	}
	return p, nil
}

// nextSeq must be called with mu held.
func (pw *ParallelWriter) nextSeq() uint64 {
	s := pw.seq
	pw.seq++
	return s
}

func (pw *ParallelWriter) submitSplit(path string, typ FileType, content io.Reader, target string, key, metadata []byte) *Future {
	p, err := pw.precheck(path, key)
	if err != nil {
		return failedFuture(err)
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.closed {
		return failedFuture(ErrClosed)
	}
	f := newFuture()
	seq := pw.nextSeq()
	pw.split.Go(func() error {
		req := mergeRequest{seq: seq, future: f}
		req.scratchDir, req.layout, req.record, req.err = pw.encode(p, typ, content, target, key, metadata)
		pw.merges <- req
		return nil
	})
	return f
}

// encode writes one entity into a fresh single-entity scratch archive.
// On failure the scratch archive is removed before returning.
func (pw *ParallelWriter) encode(p string, typ FileType, content io.Reader, target string, key, metadata []byte) (dir string, layout chunk.Layout, rec *entity.Record, err error) {
	dir = filepath.Join(pw.scratch, uuid.NewString())
	defer func() {
		if err != nil {
			pw.removeScratch(dir)
			dir = ""
		}
	}()

	opts := append([]WriterOption{}, pw.cfg.writerOpts...)
	opts = append(opts, WithIndexKey(nil), withoutAncestors())
	w, err := NewWriter(dir, scratchPrefix, opts...)
	if err != nil {
		return dir, layout, nil, err
	}
	switch typ {
	case RegularFile:
		rec, err = w.AddFile(p, content, key, metadata)
	case SymbolicLink:
		rec, err = w.AddSymbolicLink(p, target, key, metadata)
	default:
		err = wrongType(&entity.Record{Path: p, Type: typ}, "encode")
	}
	if cerr := w.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return dir, w.chunks.Layout(), rec, err
}

func (pw *ParallelWriter) mergeLoop() {
	defer close(pw.mergeDone)

	pending := make(map[uint64]mergeRequest)
	var next uint64
	for req := range pw.merges {
		if !pw.cfg.submissionOrder {
			pw.merge(req)
			continue
		}
		pending[req.seq] = req
		for {
			r, ok := pending[next]
			if !ok {
				break
			}
			delete(pending, next)
			next++
			pw.merge(r)
		}
	}
	for _, r := range pending {
		pw.merge(r)
	}
}

// merge runs on the merge goroutine only.
func (pw *ParallelWriter) merge(req mergeRequest) {
	if req.err != nil {
		req.future.resolve(nil, req.err)
		return
	}
	if req.record == nil {
		req.future.resolve(pw.mergeDirectory(req))
		return
	}
	defer pw.removeScratch(req.scratchDir)
	req.future.resolve(pw.mergeScratch(req))
}

func (pw *ParallelWriter) mergeDirectory(req mergeRequest) (*BoundarySource, error) {
	if rec, ok := pw.dest.lookup(req.dirPath); ok {
		if rec.Type != Directory {
			return nil, fmt.Errorf("%w: %s is a %s", ErrDuplicatePath, req.dirPath, rec.Type)
		}
		return rec.Clone(), nil
	}
	return pw.dest.AddDirectory(req.dirPath, req.key, req.metadata)
}

// mergeScratch copies the only entity of a scratch archive, which spans
// its whole logical stream, into the destination.
func (pw *ParallelWriter) mergeScratch(req mergeRequest) (*BoundarySource, error) {
	raw := chunk.OpenStream(req.scratchDir, scratchPrefix, req.layout)
	src, err := pw.dest.MergeEntity(req.record, raw)
	if cerr := raw.Close(); err == nil && cerr != nil {
		return nil, fmt.Errorf("cargo: close scratch archive for %s: %w", req.record.Path, cerr)
	}
	return src, err
}

func (pw *ParallelWriter) removeScratch(dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		pw.log().Warn("remove scratch archive", "dir", dir, "error", err)
		return
	}
	pw.log().Debug("scratch archive removed", "dir", filepath.Base(dir))
}
