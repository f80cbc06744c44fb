// Package cargo implements an append-only, multi-chunk archive format for
// backups.
//
// An archive with prefix P is a set of files in one directory:
//   - P.00001.cargo … P.NNNNN.cargo: chunk files holding the logical byte
//     stream, each at most the configured maximum size; only the last may
//     be short.
//   - P.index.cargo: a line-based key:value index with one numbered block
//     per entity and a footer describing the chunk set. The index may be
//     compressed and encrypted with its own key.
//
// Entities are regular files, symbolic links, and directories. Every
// entity's content and optional metadata pass through hashing, compression,
// and encryption on the way in, and through the exact reverse on the way
// out, with sizes and hashes verified on read.
//
// # Writing
//
// Writer appends entities one at a time:
//
//	w, err := cargo.NewWriter(dir, "backup-1", cargo.WithCompression("zstd"))
//	if err != nil {
//	    return err
//	}
//	if _, err := w.AddFile("/0/1f3a", f, key, meta); err != nil {
//	    return err
//	}
//	return w.Close()
//
// ParallelWriter encodes entities on a bounded pool and appends them
// through a single merge goroutine:
//
//	pw, err := cargo.NewParallelWriter(dir, "backup-1", cargo.WithThreads(4))
//	fut := pw.AddFileAsync("/0/1f3a", f, key, nil)
//	...
//	src, err := fut.Wait()
//
// # Reading
//
// OpenReader validates the index and every chunk before returning:
//
//	r, err := cargo.OpenReader(dir, "backup-1", cargo.ReadWithCompression("zstd"))
//	e, err := r.Entry("/0/1f3a")
//	rc, err := e.FileContent(key)
//
// Iterator reads entities in index order over one shared stream; each entry
// must be read or skipped before the next. VerifyHashes checks the archived
// bytes of every entity in a single pass.
//
// # Merging
//
// Writer.MergeEntity and Reader.CopyTo move already-encoded entities
// between archives without decrypting or recompressing them.
package cargo
