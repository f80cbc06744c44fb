package cargo

import (
	"fmt"
	"log/slog"
	"runtime"

	"github.com/meigma/cargo/internal/compress"
	"github.com/meigma/cargo/internal/digest"
	"github.com/meigma/cargo/internal/sizing"
)

// DefaultChunkSizeMiB is the default maximum chunk size in mebibytes.
const DefaultChunkSizeMiB = 128

// CompressionNames returns the accepted compression names.
func CompressionNames() []string { return compress.Names() }

// HashAlgorithmNames returns the accepted hash algorithm names.
func HashAlgorithmNames() []string { return digest.Names() }

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	maxChunkSize uint64
	hash         digest.Algorithm
	compression  compress.Algorithm
	indexKey     []byte
	logger       *slog.Logger
	err          error

	// skipAncestors disables directory auto-creation. Scratch archives
	// built by ParallelWriter hold exactly one entity.
	skipAncestors bool
}

func defaultWriterConfig() writerConfig {
	return writerConfig{
		maxChunkSize: DefaultChunkSizeMiB * sizing.MiB,
		hash:         digest.SHA256,
		compression:  compress.None,
	}
}

func (c *writerConfig) fail(err error) {
	if c.err == nil {
		c.err = err
	}
}

// WithChunkSizeMiB sets the maximum chunk file size in mebibytes.
func WithChunkSizeMiB(mib uint64) WriterOption {
	return func(c *writerConfig) {
		size, err := sizing.MebibytesToBytes(mib)
		if err != nil {
			c.fail(fmt.Errorf("cargo: chunk size %d MiB: %w", mib, err))
			return
		}
		c.maxChunkSize = size
	}
}

// WithChunkSize sets the maximum chunk file size in bytes. It exists
// mainly to exercise rollover with small archives.
func WithChunkSize(bytes uint64) WriterOption {
	return func(c *writerConfig) {
		if _, err := sizing.ToInt64(bytes); err != nil || bytes == 0 {
			c.fail(fmt.Errorf("cargo: invalid chunk size %d", bytes))
			return
		}
		c.maxChunkSize = bytes
	}
}

// WithHashAlgorithm sets the hash algorithm by name. "none" or the empty
// string disables hashing; sizes are still verified.
func WithHashAlgorithm(name string) WriterOption {
	return func(c *writerConfig) {
		alg, err := digest.Parse(name)
		if err != nil {
			c.fail(err)
			return
		}
		c.hash = alg
	}
}

// WithCompression sets the compression applied to entity content, entity
// metadata, and the index.
func WithCompression(name string) WriterOption {
	return func(c *writerConfig) {
		alg, err := compress.Parse(name)
		if err != nil {
			c.fail(err)
			return
		}
		c.compression = alg
	}
}

// WithIndexKey encrypts the index file with key, independent of any entity key.
//
// Encryption buffers the index in 64 KiB chunks that cannot be flushed
// early, so after a crash an encrypted index may be missing the blocks of
// entities completed since the last full chunk, not only the entity in
// flight. The chunk files still hold their bytes.
func WithIndexKey(key []byte) WriterOption {
	return func(c *writerConfig) {
		c.indexKey = key
	}
}

// WithLogger sets the logger. If not set, logging is disabled.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) {
		c.logger = logger
	}
}

func withoutAncestors() WriterOption {
	return func(c *writerConfig) {
		c.skipAncestors = true
	}
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	compression compress.Algorithm
	indexKey    []byte
	logger      *slog.Logger
	err         error
}

// ReadWithCompression sets the compression the index file was written
// with. Entity compression is taken from the index itself.
func ReadWithCompression(name string) ReaderOption {
	return func(c *readerConfig) {
		alg, err := compress.Parse(name)
		if err != nil {
			if c.err == nil {
				c.err = err
			}
			return
		}
		c.compression = alg
	}
}

// ReadWithIndexKey sets the key the index file was encrypted with.
func ReadWithIndexKey(key []byte) ReaderOption {
	return func(c *readerConfig) {
		c.indexKey = key
	}
}

// ReadWithLogger sets the logger. If not set, logging is disabled.
func ReadWithLogger(logger *slog.Logger) ReaderOption {
	return func(c *readerConfig) {
		c.logger = logger
	}
}

// ParallelOption configures a ParallelWriter.
type ParallelOption func(*parallelConfig)

type parallelConfig struct {
	threads         int
	scratchDir      string
	submissionOrder bool
	writerOpts      []WriterOption
}

// WithThreads sets the number of entities encoded concurrently.
// Values below one are rejected with ErrInvalidThreads.
func WithThreads(n int) ParallelOption {
	return func(c *parallelConfig) {
		c.threads = n
	}
}

// WithScratchDir sets the directory under which per-entity scratch
// archives are created. Defaults to os.TempDir().
func WithScratchDir(dir string) ParallelOption {
	return func(c *parallelConfig) {
		c.scratchDir = dir
	}
}

// WithSubmissionOrder makes entities land in the archive in the order
// they were submitted rather than the order their encoding finished.
// Directories are ordered too: one submitted after a slow file waits for it.
func WithSubmissionOrder() ParallelOption {
	return func(c *parallelConfig) {
		c.submissionOrder = true
	}
}

// WithWriterOptions configures the destination writer and every scratch writer.
func WithWriterOptions(opts ...WriterOption) ParallelOption {
	return func(c *parallelConfig) {
		c.writerOpts = append(c.writerOpts, opts...)
	}
}

func defaultParallelConfig() parallelConfig {
	return parallelConfig{threads: runtime.GOMAXPROCS(0)}
}
