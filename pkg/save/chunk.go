// Package save - the chunking layer.
//
// Records exceeding the configured threshold are split into equal-size
// fragments under derived keys; the base key stores only ChunkMeta.
// Chunking is transparent to callers: readRecordBytes reassembles
// fragments before any other load stage runs.
package save

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/orneryd/savepoint/pkg/storage"
)

// baseKey returns the storage key for a logical save key.
func (e *Engine) baseKey(key string) string {
	return e.prefix + key
}

// chunkKey returns the storage key of fragment i for a logical key.
func (e *Engine) chunkKey(key string, i int) string {
	return e.baseKey(key) + "_chunk_" + strconv.Itoa(i)
}

// writeRecordBytes stores serialized record bytes under key, chunking when
// the record exceeds the threshold. Stale fragments from a previous
// (possibly longer) chunked record are deleted before the new bytes land,
// so a shorter rewrite can never leave orphaned fragments.
func (e *Engine) writeRecordBytes(key string, data []byte) error {
	if err := e.deleteChunks(key); err != nil {
		return err
	}

	if len(data) <= e.chunkSize {
		return e.store.Set(e.baseKey(key), data)
	}

	chunkCount := (len(data) + e.chunkSize - 1) / e.chunkSize
	for i := 0; i < chunkCount; i++ {
		start := i * e.chunkSize
		end := start + e.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := e.store.Set(e.chunkKey(key, i), data[start:end]); err != nil {
			return fmt.Errorf("write chunk %d/%d of %q: %w", i, chunkCount, key, err)
		}
	}

	meta := ChunkMeta{Chunked: true, ChunkCount: chunkCount, TotalBytes: int64(len(data))}
	metaBytes, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	return e.store.Set(e.baseKey(key), metaBytes)
}

// readRecordBytes fetches the serialized record bytes for key,
// reassembling fragments when the base key holds ChunkMeta. A missing
// fragment at any index is a hard ErrMissingChunk - no partial
// reconstruction is attempted.
func (e *Engine) readRecordBytes(key string) ([]byte, error) {
	data, err := e.store.Get(e.baseKey(key))
	if err != nil {
		return nil, err
	}

	meta, chunked := parseChunkMeta(data)
	if !chunked {
		return data, nil
	}

	assembled := make([]byte, 0, meta.TotalBytes)
	for i := 0; i < meta.ChunkCount; i++ {
		fragment, err := e.store.Get(e.chunkKey(key, i))
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: fragment %d/%d of %q", ErrMissingChunk, i, meta.ChunkCount, key)
		}
		if err != nil {
			return nil, fmt.Errorf("read chunk %d of %q: %w", i, key, err)
		}
		assembled = append(assembled, fragment...)
	}

	if int64(len(assembled)) != meta.TotalBytes {
		return nil, fmt.Errorf("%w: reassembled %d bytes, meta says %d", ErrRecordCorrupted, len(assembled), meta.TotalBytes)
	}
	return assembled, nil
}

// deleteChunks removes every fragment belonging to key's current chunked
// record, if any. The base key itself is left alone.
func (e *Engine) deleteChunks(key string) error {
	data, err := e.store.Get(e.baseKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	meta, chunked := parseChunkMeta(data)
	if !chunked {
		return nil
	}

	for i := 0; i < meta.ChunkCount; i++ {
		if err := e.store.Delete(e.chunkKey(key, i)); err != nil {
			return fmt.Errorf("delete chunk %d of %q: %w", i, key, err)
		}
	}
	return nil
}
