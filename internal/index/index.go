// Package index encodes the per-archive entity index: a line-based
// key:value document holding one numbered block per entity followed by a
// footer describing the chunk set.
package index

import (
	"bufio"
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/meigma/cargo/internal/chunk"
	"github.com/meigma/cargo/internal/compress"
	"github.com/meigma/cargo/internal/digest"
	"github.com/meigma/cargo/internal/entity"
)

// Version is the index format version this package writes.
const Version = 1

// Header and footer keys. The footer spellings are part of the on-disk
// format and must not be corrected.
const (
	KeyVersion         = "version"
	KeyHashAlgorithm   = "hash.algorithm"
	KeyCompression     = "compression"
	KeyLastEntityIndex = "last.entity.index"
	KeyLastChunkIndex  = "last.cnunk.index"
	KeyLastChunkSize   = "last.cnunk.size"
	KeyMaxChunkSize    = "max.cnunk.size"
	KeyTotalSize       = "total.size"
)

const (
	fieldPath      = "path"
	fieldType      = "type"
	fieldEncrypted = "encrypted"

	sectionContent  = "content"
	sectionMetadata = "metadata"
)

var (
	// ErrMissingFooter indicates the index was never finalized.
	ErrMissingFooter = errors.New("missing footer")
	// ErrUnsupportedVersion indicates an index written by an unknown format version.
	ErrUnsupportedVersion = errors.New("unsupported index version")
	// ErrMalformed indicates an index field that cannot be parsed.
	ErrMalformed = errors.New("malformed index")
)

// Footer summarizes a finished archive.
type Footer struct {
	LastEntityIndex int
	LastChunkIndex  int
	LastChunkSize   uint64
	MaxChunkSize    uint64
	TotalSize       uint64
}

// Layout returns the chunk layout the footer declares.
func (f Footer) Layout() chunk.Layout {
	return chunk.Layout{Count: f.LastChunkIndex, MaxSize: f.MaxChunkSize, LastSize: f.LastChunkSize}
}

// Key returns the block key for a field of entity n.
func Key(n int, field string) string {
	return fmt.Sprintf("%08d.%s", n, field)
}

// Header holds the archive-wide settings recorded before the first entity.
type Header struct {
	HashAlgorithm digest.Algorithm
	Compression   compress.Algorithm
}

// Writer appends entity blocks to an index stream as they are produced.
type Writer struct {
	bw *bufio.Writer
	n  int
}

// NewWriter writes the index header to w and returns a Writer.
func NewWriter(w io.Writer, h Header) (*Writer, error) {
	iw := &Writer{bw: bufio.NewWriter(w)}
	props := [][2]string{
		{KeyVersion, strconv.Itoa(Version)},
		{KeyHashAlgorithm, string(h.HashAlgorithm)},
		{KeyCompression, h.Compression.String()},
	}
	for _, kv := range props {
		if err := writeProperty(iw.bw, kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("write header: %w", err)
		}
	}
	return iw, nil
}

// Count returns the number of entity blocks written.
func (w *Writer) Count() int { return w.n }

// WriteRecord appends the next numbered entity block and flushes it to the
// underlying writer. It returns the block number.
func (w *Writer) WriteRecord(r *entity.Record) (int, error) {
	n := w.n + 1
	props := [][2]string{
		{Key(n, fieldPath), r.Path},
		{Key(n, fieldType), r.Type.String()},
		{Key(n, fieldEncrypted), strconv.FormatBool(r.Encrypted)},
	}
	if r.Content != nil {
		props = appendBoundary(props, n, sectionContent, r.Content)
	}
	if r.Metadata != nil {
		props = appendBoundary(props, n, sectionMetadata, r.Metadata)
	}
	for _, kv := range props {
		if err := writeProperty(w.bw, kv[0], kv[1]); err != nil {
			return 0, fmt.Errorf("write index: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return 0, fmt.Errorf("write index: %w", err)
	}
	w.n = n
	return n, nil
}

// WriteFooter writes the footer and flushes. The entity count is taken from
// the writer, overriding f.LastEntityIndex.
func (w *Writer) WriteFooter(f Footer) error {
	props := [][2]string{
		{KeyLastEntityIndex, strconv.Itoa(w.n)},
		{KeyLastChunkIndex, strconv.Itoa(f.LastChunkIndex)},
		{KeyLastChunkSize, strconv.FormatUint(f.LastChunkSize, 10)},
		{KeyMaxChunkSize, strconv.FormatUint(f.MaxChunkSize, 10)},
		{KeyTotalSize, strconv.FormatUint(f.TotalSize, 10)},
	}
	for _, kv := range props {
		if err := writeProperty(w.bw, kv[0], kv[1]); err != nil {
			return fmt.Errorf("write footer: %w", err)
		}
	}
	if err := w.bw.Flush(); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

func appendBoundary(props [][2]string, n int, section string, b *entity.Boundary) [][2]string {
	key := func(field string) string { return Key(n, section+"."+field) }
	return append(props,
		[2]string{key("abs.start"), strconv.FormatUint(b.AbsStart, 10)},
		[2]string{key("abs.end"), strconv.FormatUint(b.AbsEnd, 10)},
		[2]string{key("rel.start"), strconv.FormatUint(b.RelStart, 10)},
		[2]string{key("rel.end"), strconv.FormatUint(b.RelEnd, 10)},
		[2]string{key("start.chunk"), b.StartChunk},
		[2]string{key("end.chunk"), b.EndChunk},
		[2]string{key("orig.size"), strconv.FormatUint(b.OriginalSize, 10)},
		[2]string{key("arch.size"), strconv.FormatUint(b.ArchivedSize, 10)},
		[2]string{key("orig.hash"), hex.EncodeToString(b.OriginalHash)},
		[2]string{key("arch.hash"), hex.EncodeToString(b.ArchivedHash)},
	)
}

// Problem is a defect found in one entity block.
type Problem struct {
	Entity int
	Path   string
	Err    error
}

// Index is a parsed index file.
type Index struct {
	Header
	Version int
	Records []*entity.Record
	Footer  Footer

	// Problems lists entity blocks that could not be parsed. Their
	// records are omitted from Records.
	Problems []Problem
}

// Parse reads a complete index. Defects in individual entity blocks are
// collected in Index.Problems; a malformed document, an unknown version,
// or a missing footer is returned as an error.
func Parse(r io.Reader) (*Index, error) {
	props, err := readProperties(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	p := parser{props: props}

	idx := &Index{Version: Version}
	if v, ok := props[KeyVersion]; ok {
		idx.Version, err = strconv.Atoi(v)
		if err != nil || idx.Version != Version {
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedVersion, v)
		}
	}
	idx.HashAlgorithm, err = digest.Parse(props[KeyHashAlgorithm])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	idx.Compression, err = compress.Parse(props[KeyCompression])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	footer, err := p.footer()
	if err != nil {
		return nil, err
	}
	idx.Footer = footer

	blocks := p.blockNumbers()
	if footer.LastEntityIndex > len(blocks) {
		return nil, fmt.Errorf("%w: footer declares %d entities, index holds %d blocks",
			ErrMalformed, footer.LastEntityIndex, len(blocks))
	}
	for n := 1; n <= footer.LastEntityIndex; n++ {
		rec, err := p.record(n)
		if err != nil {
			idx.Problems = append(idx.Problems, Problem{Entity: n, Path: props[Key(n, fieldPath)], Err: err})
			continue
		}
		idx.Records = append(idx.Records, rec)
	}
	for n := range blocks {
		if n >= 1 && n <= footer.LastEntityIndex {
			continue
		}
		if path, ok := props[Key(n, fieldPath)]; ok {
			idx.Problems = append(idx.Problems, Problem{
				Entity: n,
				Path:   path,
				Err:    fmt.Errorf("%w: entity block %d beyond declared count %d", ErrMalformed, n, footer.LastEntityIndex),
			})
		}
	}
	slices.SortFunc(idx.Problems, func(a, b Problem) int { return cmp.Compare(a.Entity, b.Entity) })
	return idx, nil
}

type parser struct {
	props map[string]string
}

// blockNumbers returns the distinct entity block numbers present in the
// document.
func (p *parser) blockNumbers() map[int]struct{} {
	blocks := make(map[int]struct{})
	for key := range p.props {
		num, _, ok := strings.Cut(key, ".")
		if !ok || len(num) != 8 {
			continue
		}
		if n, err := strconv.Atoi(num); err == nil {
			blocks[n] = struct{}{}
		}
	}
	return blocks
}

func (p *parser) footer() (Footer, error) {
	var f Footer
	if _, ok := p.props[KeyLastEntityIndex]; !ok {
		return f, ErrMissingFooter
	}
	var errs []error
	ints := []struct {
		key string
		dst *int
	}{
		{KeyLastEntityIndex, &f.LastEntityIndex},
		{KeyLastChunkIndex, &f.LastChunkIndex},
	}
	for _, it := range ints {
		v, ok := p.props[it.key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingFooter, it.key))
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrMalformed, it.key, v))
			continue
		}
		*it.dst = n
	}
	uints := []struct {
		key string
		dst *uint64
	}{
		{KeyLastChunkSize, &f.LastChunkSize},
		{KeyMaxChunkSize, &f.MaxChunkSize},
		{KeyTotalSize, &f.TotalSize},
	}
	for _, it := range uints {
		v, ok := p.props[it.key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingFooter, it.key))
			continue
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrMalformed, it.key, v))
			continue
		}
		*it.dst = n
	}
	if err := errors.Join(errs...); err != nil {
		return f, err
	}
	if f.MaxChunkSize == 0 || f.LastChunkIndex < 1 {
		return f, fmt.Errorf("%w: empty chunk layout", ErrMalformed)
	}
	return f, nil
}

func (p *parser) record(n int) (*entity.Record, error) {
	path, ok := p.props[Key(n, fieldPath)]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformed, Key(n, fieldPath))
	}
	typ, err := entity.ParseFileType(p.props[Key(n, fieldType)])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	encrypted, err := strconv.ParseBool(p.props[Key(n, fieldEncrypted)])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, Key(n, fieldEncrypted))
	}
	rec := &entity.Record{Path: path, Type: typ, Encrypted: encrypted}
	if _, ok := p.props[Key(n, sectionContent+".abs.start")]; ok {
		if rec.Content, err = p.boundary(n, sectionContent); err != nil {
			return nil, err
		}
	}
	if rec.Metadata, err = p.boundary(n, sectionMetadata); err != nil {
		return nil, err
	}
	return rec, nil
}

func (p *parser) boundary(n int, section string) (*entity.Boundary, error) {
	var (
		b    entity.Boundary
		errs []error
	)
	get := func(field string) (string, bool) {
		key := Key(n, section+"."+field)
		v, ok := p.props[key]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: missing %s", ErrMalformed, key))
		}
		return v, ok
	}
	num := func(field string, dst *uint64) {
		v, ok := get(field)
		if !ok {
			return
		}
		u, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrMalformed, Key(n, section+"."+field), v))
			return
		}
		*dst = u
	}
	hash := func(field string, dst *[]byte) {
		v, ok := get(field)
		if !ok || v == "" {
			return
		}
		h, err := hex.DecodeString(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s=%q", ErrMalformed, Key(n, section+"."+field), v))
			return
		}
		*dst = h
	}
	num("abs.start", &b.AbsStart)
	num("abs.end", &b.AbsEnd)
	num("rel.start", &b.RelStart)
	num("rel.end", &b.RelEnd)
	b.StartChunk, _ = get("start.chunk")
	b.EndChunk, _ = get("end.chunk")
	num("orig.size", &b.OriginalSize)
	num("arch.size", &b.ArchivedSize)
	hash("orig.hash", &b.OriginalHash)
	hash("arch.hash", &b.ArchivedHash)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &b, nil
}
