// Package save - the write path. Everything here runs on the single
// write-queue worker, so no locking is needed against other writes.
package save

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/savepoint/pkg/integrity"
	"github.com/orneryd/savepoint/pkg/schema"
)

// marshalJSON is json.Marshal with the error text normalized for record
// plumbing.
func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return data, nil
}

// performSave validates, wraps, and commits one value. Invalid state is
// never written: a failed schema validation aborts the save and leaves the
// previous record untouched.
func (e *Engine) performSave(key string, value map[string]any, opts Options) error {
	if def := e.schemaFor(key, opts.SchemaID); def != nil {
		result := schema.Validate(value, def, schema.Options{Sanitize: opts.Sanitize, LogErrors: true})
		if !result.Valid {
			return fmt.Errorf("refusing to save %q: %w", key, result.Err())
		}
		if opts.Sanitize {
			// Persist the corrected copy; the walker only reports Valid
			// when every finding was fixable.
			if sanitized, ok := result.Sanitized.(map[string]any); ok {
				if len(result.Warnings) > 0 {
					log.Printf("save: sanitized %q before write (%d corrections)", key, len(result.Warnings))
				}
				value = sanitized
			}
		}
	}

	if opts.Backup || opts.Risky {
		if err := e.createBackup(key); err != nil {
			if opts.Risky {
				return fmt.Errorf("%w: %v", ErrBackupFailed, err)
			}
			// Best-effort backup: the save itself still proceeds.
			log.Printf("save: backup of %q failed, continuing: %v", key, err)
		}
	}

	data, err := e.encodeRecord(value)
	if err != nil {
		return fmt.Errorf("encode record for %q: %w", key, err)
	}

	if err := e.writeRecordBytes(key, data); err != nil {
		return fmt.Errorf("commit %q: %w", key, err)
	}
	return nil
}

// encodeRecord wraps a value in a SaveRecord: canonical serialization,
// digest over the canonical bytes, then compression.
func (e *Engine) encodeRecord(value map[string]any) ([]byte, error) {
	canonical, err := integrity.Canonicalize(value)
	if err != nil {
		return nil, err
	}

	digest, err := e.hasher.Sum(canonical)
	if err != nil {
		return nil, err
	}

	record := &SaveRecord{
		Version:   recordVersion,
		WrittenAt: time.Now().UnixMilli(),
		Digest:    digest,
	}
	if err := record.encodePayload(canonical, e.compressor); err != nil {
		return nil, err
	}

	return marshalJSON(record)
}

// performDelete removes a key's record, its chunk fragments, and its
// backups.
func (e *Engine) performDelete(key string) error {
	if err := e.deleteChunks(key); err != nil {
		return fmt.Errorf("delete chunks of %q: %w", key, err)
	}
	if err := e.store.Delete(e.baseKey(key)); err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	if err := e.deleteBackups(key); err != nil {
		return fmt.Errorf("delete backups of %q: %w", key, err)
	}
	return nil
}

// performImport installs externally supplied record bytes. The bytes were
// already verified on the caller's side of the queue; imports are always
// risky, so the current record is backed up first and the import aborts if
// that backup fails.
func (e *Engine) performImport(key string, raw []byte, opts Options) error {
	if err := e.createBackup(key); err != nil {
		return fmt.Errorf("%w: %v", ErrBackupFailed, err)
	}
	if err := e.writeRecordBytes(key, raw); err != nil {
		return fmt.Errorf("commit imported record for %q: %w", key, err)
	}
	return nil
}
