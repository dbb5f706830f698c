// Package save - slot management: delete, export/import, and listings.
package save

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/savepoint/pkg/schema"
)

// Delete removes key's record, chunk fragments, and backups. The delete
// goes through the write queue, so it never interleaves with a save of the
// same key.
func (e *Engine) Delete(ctx context.Context, key string) error {
	done := make(chan error, 1)
	if err := e.enqueue(&writeRequest{kind: opDelete, key: key, done: done}); err != nil {
		return err
	}
	return (&Pending{done: done}).Wait(ctx)
}

// Export returns key's serialized record as a base64 string suitable for
// transfer out of the store. Chunked records export in reassembled form.
func (e *Engine) Export(key string) (string, error) {
	data, err := e.readRecordBytes(key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Import installs a previously exported record under key. The record is
// decoded and fully verified before anything is written; imports are
// inherently risky, so the current record is backed up first and the
// import aborts if that backup cannot be created.
func (e *Engine) Import(ctx context.Context, serialized, key string) error {
	data, err := base64.StdEncoding.DecodeString(serialized)
	if err != nil {
		return fmt.Errorf("%w: import is not base64: %v", ErrRecordCorrupted, err)
	}

	value, _, err := e.decodeAndVerify(data)
	if err != nil {
		return fmt.Errorf("refusing import for %q: %w", key, err)
	}

	if def := e.schemaFor(key, ""); def != nil {
		if result := schema.Validate(value, def, schema.Options{}); !result.Valid {
			return fmt.Errorf("refusing import for %q: %w", key, result.Err())
		}
	}

	done := make(chan error, 1)
	if err := e.enqueue(&writeRequest{kind: opImport, key: key, raw: data, opts: Options{Risky: true}, done: done}); err != nil {
		return err
	}
	return (&Pending{done: done}).Wait(ctx)
}

// ListSlots summarizes every save slot this engine owns, sorted by key.
// Chunk fragments, backups, and checkpoint records are not slots and are
// excluded.
func (e *Engine) ListSlots() ([]SlotInfo, error) {
	keys, err := e.store.Keys()
	if err != nil {
		return nil, err
	}

	var slots []SlotInfo
	for _, k := range keys {
		if !strings.HasPrefix(k, e.prefix) {
			continue
		}
		name := strings.TrimPrefix(k, e.prefix)
		if strings.Contains(name, "_chunk_") || strings.Contains(name, "_backup_") {
			continue
		}
		if strings.HasPrefix(name, "checkpoint_") {
			continue // checkpoints have their own listing
		}

		info, err := e.slotInfo(name)
		if err != nil {
			continue // unreadable entry; listings are best-effort
		}
		slots = append(slots, info)
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Key < slots[j].Key })
	return slots, nil
}

// slotInfo builds the listing entry for one slot without reassembling
// chunked payloads.
func (e *Engine) slotInfo(key string) (SlotInfo, error) {
	data, err := e.store.Get(e.baseKey(key))
	if err != nil {
		return SlotInfo{}, err
	}

	info := SlotInfo{Key: key, SizeBytes: int64(len(data))}

	if meta, ok := parseChunkMeta(data); ok {
		info.Chunked = true
		info.SizeBytes = meta.TotalBytes
		// The write timestamp lives inside the first fragment's record;
		// reassembly just for a listing is not worth it.
		return info, nil
	}

	var record SaveRecord
	if err := json.Unmarshal(data, &record); err == nil {
		info.LastModified = record.WrittenAt
	}
	return info, nil
}

// KeysWithPrefix returns the logical keys starting with p, excluding
// chunk fragments and backups. Used by layers that manage families of
// related records, like the checkpoint store.
func (e *Engine) KeysWithPrefix(p string) ([]string, error) {
	keys, err := e.store.Keys()
	if err != nil {
		return nil, err
	}

	var out []string
	for _, k := range keys {
		if !strings.HasPrefix(k, e.prefix) {
			continue
		}
		name := strings.TrimPrefix(k, e.prefix)
		if !strings.HasPrefix(name, p) {
			continue
		}
		if strings.Contains(name, "_chunk_") || strings.Contains(name, "_backup_") {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether key has a stored record.
func (e *Engine) Exists(key string) bool {
	_, err := e.store.Get(e.baseKey(key))
	return err == nil
}

