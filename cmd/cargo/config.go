package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/meigma/cargo"
)

// fileConfig is the YAML form of the shared flags.
type fileConfig struct {
	Prefix       string `yaml:"prefix"`
	Compression  string `yaml:"compression"`
	Hash         string `yaml:"hash"`
	ChunkSizeMiB uint64 `yaml:"chunk_size_mib"`
	Threads      int    `yaml:"threads"`
	KeyFile      string `yaml:"key_file"`
	Verbose      bool   `yaml:"verbose"`
}

// options holds the flags every subcommand shares.
type options struct {
	configPath   string
	prefix       string
	compression  string
	hash         string
	chunkSizeMiB uint64
	threads      int
	keyFile      string
	verbose      bool
}

func (o *options) register(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML file with default flag values")
	fs.StringVar(&o.prefix, "prefix", "cargo", "archive file name prefix")
	fs.StringVar(&o.compression, "compression", "none", "compression: "+strings.Join(cargo.CompressionNames(), ", "))
	fs.StringVar(&o.hash, "hash", "sha256", "hash algorithm: "+strings.Join(cargo.HashAlgorithmNames(), ", "))
	fs.Uint64Var(&o.chunkSizeMiB, "chunk-size", cargo.DefaultChunkSizeMiB, "maximum chunk file size in MiB")
	fs.IntVar(&o.threads, "threads", 0, "entities encoded concurrently (0 uses every CPU)")
	fs.StringVar(&o.keyFile, "key-file", "", "file holding a 64-character hex key for entities and the index")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "log per-entity details")
}

// applyConfig fills every flag not set on the command line from --config.
func (o *options) applyConfig(fs *pflag.FlagSet) error {
	if o.configPath == "" {
		return nil
	}
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	set := func(name string, apply func()) {
		if !fs.Changed(name) {
			apply()
		}
	}
	if cfg.Prefix != "" {
		set("prefix", func() { o.prefix = cfg.Prefix })
	}
	if cfg.Compression != "" {
		set("compression", func() { o.compression = cfg.Compression })
	}
	if cfg.Hash != "" {
		set("hash", func() { o.hash = cfg.Hash })
	}
	if cfg.ChunkSizeMiB != 0 {
		set("chunk-size", func() { o.chunkSizeMiB = cfg.ChunkSizeMiB })
	}
	if cfg.Threads != 0 {
		set("threads", func() { o.threads = cfg.Threads })
	}
	if cfg.KeyFile != "" {
		set("key-file", func() { o.keyFile = cfg.KeyFile })
	}
	if cfg.Verbose {
		set("verbose", func() { o.verbose = true })
	}
	return nil
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// key reads the key file, or returns nil when none is configured.
func (o *options) key() ([]byte, error) {
	if o.keyFile == "" {
		return nil, nil
	}
	return readKeyFile(o.keyFile)
}

func readKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if len(text) != 2*cargo.KeySize {
		return nil, fmt.Errorf("key file %s: want %d hex characters, got %d", path, 2*cargo.KeySize, len(text))
	}
	key, err := hex.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

func (o *options) writerOptions(logger *slog.Logger) []cargo.WriterOption {
	return []cargo.WriterOption{
		cargo.WithChunkSizeMiB(o.chunkSizeMiB),
		cargo.WithCompression(o.compression),
		cargo.WithHashAlgorithm(o.hash),
		cargo.WithLogger(logger),
	}
}

func (o *options) openReader(dir string, indexKey []byte, logger *slog.Logger) (*cargo.Reader, error) {
	return cargo.OpenReader(dir, o.prefix,
		cargo.ReadWithCompression(o.compression),
		cargo.ReadWithIndexKey(indexKey),
		cargo.ReadWithLogger(logger),
	)
}
