// Package save implements the save engine: atomic, serialized persistence
// of structured state with integrity digests, compression, chunking,
// pre-write backups, and corruption recovery on load.
//
// All writes for one engine funnel through a single FIFO queue drained by
// one worker goroutine, so no two writes to overlapping keys ever
// interleave. Loads verify the stored digest, validate against the bound
// schema, and route corruption to a recovery handler instead of returning
// bad data to the caller.
package save

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/orneryd/savepoint/pkg/integrity"
)

// recordVersion is the current SaveRecord format version. Records written
// by older versions pass through the engine's migration hook on load.
const recordVersion = 3

// Errors returned by the save engine.
var (
	// ErrEngineClosed is returned after Close has been called.
	ErrEngineClosed = errors.New("save: engine is closed")

	// ErrMissingChunk means a chunked record's fragment is absent. No
	// partial reconstruction is attempted; this is treated as total
	// corruption of the key.
	ErrMissingChunk = errors.New("save: missing chunk fragment")

	// ErrRecordCorrupted wraps parse, digest, and chunk failures that
	// route a load into recovery.
	ErrRecordCorrupted = errors.New("save: record corrupted")

	// ErrBackupFailed is returned when a backup required by a risky
	// write could not be created. The write is aborted.
	ErrBackupFailed = errors.New("save: backup creation failed")

	// ErrNoBackup is returned when a restore finds no usable backup.
	ErrNoBackup = errors.New("save: no usable backup")
)

// SaveRecord is the versioned, digested, possibly-compressed wrapper
// around a persisted value. Written once per save call and superseded, not
// mutated, by subsequent saves.
type SaveRecord struct {
	// Version is the record format version at write time.
	Version int `json:"version"`

	// WrittenAt is the write timestamp in Unix milliseconds.
	WrittenAt int64 `json:"written_at"`

	// Digest fingerprints the canonical serialization of the value,
	// computed before compression. The digest carries its algorithm so
	// verification never mixes hash families.
	Digest integrity.Digest `json:"digest"`

	// Compressed marks the payload as compressor output.
	Compressed bool `json:"compressed"`

	// Compression names the compressor that produced the payload, so a
	// record survives an engine reconfiguration.
	Compression string `json:"compression,omitempty"`

	// Payload is the value as a JSON object, or a base64 JSON string of
	// compressed bytes when Compressed is set.
	Payload json.RawMessage `json:"payload"`
}

// encodePayload stores raw value JSON into the record, compressing when a
// real compressor is configured.
func (r *SaveRecord) encodePayload(valueJSON []byte, c Compressor) error {
	if c == nil || c.Name() == "" {
		r.Payload = valueJSON
		return nil
	}

	compressed, err := c.Compress(valueJSON)
	if err != nil {
		return fmt.Errorf("compress payload: %w", err)
	}

	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	r.Compressed = true
	r.Compression = c.Name()
	r.Payload = encoded
	return nil
}

// decodePayload returns the raw value JSON, decompressing when needed.
func (r *SaveRecord) decodePayload(c Compressor) ([]byte, error) {
	if !r.Compressed {
		return r.Payload, nil
	}

	var b64 string
	if err := json.Unmarshal(r.Payload, &b64); err != nil {
		return nil, fmt.Errorf("%w: compressed payload is not a string: %v", ErrRecordCorrupted, err)
	}
	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: compressed payload is not base64: %v", ErrRecordCorrupted, err)
	}

	if c == nil || (r.Compression != "" && c.Name() != r.Compression) {
		return nil, fmt.Errorf("%w: record compressed with %q but engine has no matching compressor", ErrRecordCorrupted, r.Compression)
	}

	raw, err := c.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrRecordCorrupted, err)
	}
	return raw, nil
}

// ChunkMeta replaces a record at its base key when the serialized record
// exceeds the chunk threshold. The record bytes live in ChunkCount
// fragments under derived keys.
type ChunkMeta struct {
	Chunked    bool  `json:"chunked"`
	ChunkCount int   `json:"chunk_count"`
	TotalBytes int64 `json:"total_bytes"`
}

// parseChunkMeta detects a ChunkMeta at a base key. The chunked marker
// distinguishes meta from a direct SaveRecord, which never carries it.
func parseChunkMeta(data []byte) (*ChunkMeta, bool) {
	if !strings.Contains(string(data), `"chunked"`) {
		return nil, false
	}
	var meta ChunkMeta
	if err := json.Unmarshal(data, &meta); err != nil || !meta.Chunked {
		return nil, false
	}
	return &meta, true
}

// SlotInfo summarizes one save slot for listings.
type SlotInfo struct {
	Key          string `json:"key"`
	SizeBytes    int64  `json:"size_bytes"`
	LastModified int64  `json:"last_modified"` // Unix millis, from the record
	Chunked      bool   `json:"chunked"`
}
