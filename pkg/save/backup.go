// Package save - pre-write backups.
//
// A backup is a verbatim copy of a key's current serialized record,
// stored under a timestamped derived key before a risky or flagged write
// overwrites it. Backups are never auto-mutated; they are garbage
// collected only when the owning key is deleted.
package save

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/savepoint/pkg/storage"
)

// backupKeyPrefix returns the storage-key prefix of all backups of key.
func (e *Engine) backupKeyPrefix(key string) string {
	return e.baseKey(key) + "_backup_"
}

// createBackup copies key's current record bytes to a timestamped backup
// key. Chunked records are backed up in reassembled form so a restore is a
// single read. No-op when the key has nothing stored yet.
func (e *Engine) createBackup(key string) error {
	data, err := e.readRecordBytes(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil // nothing to back up
	}
	if err != nil {
		return fmt.Errorf("read current record of %q: %w", key, err)
	}

	backupKey := e.backupKeyPrefix(key) + strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := e.store.Set(backupKey, data); err != nil {
		return fmt.Errorf("write backup of %q: %w", key, err)
	}
	return nil
}

// listBackups returns the storage keys of key's backups, newest first.
func (e *Engine) listBackups(key string) ([]string, error) {
	keys, err := e.store.Keys()
	if err != nil {
		return nil, err
	}

	prefix := e.backupKeyPrefix(key)
	var backups []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			backups = append(backups, k)
		}
	}

	// Keys embed millisecond timestamps; later timestamp = newer backup.
	sort.Slice(backups, func(i, j int) bool {
		return backupTimestamp(backups[i], prefix) > backupTimestamp(backups[j], prefix)
	})
	return backups, nil
}

func backupTimestamp(backupKey, prefix string) int64 {
	ts, err := strconv.ParseInt(strings.TrimPrefix(backupKey, prefix), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// HasBackups reports whether key has at least one backup.
func (e *Engine) HasBackups(key string) bool {
	backups, err := e.listBackups(key)
	return err == nil && len(backups) > 0
}

// RestoreLatestBackup walks key's backups newest-to-oldest, restores the
// first one whose record parses and passes digest verification, and
// returns its value. Backups that fail verification are skipped, not
// deleted. Returns ErrNoBackup when none is usable.
//
// The reinstall goes through the write queue like every other mutation,
// so a save racing the restore can never interleave with its
// fragment-delete/write sequence.
func (e *Engine) RestoreLatestBackup(ctx context.Context, key string) (map[string]any, error) {
	backups, err := e.listBackups(key)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, fmt.Errorf("%w: %q has no backups", ErrNoBackup, key)
	}

	for _, backupKey := range backups {
		data, err := e.store.Get(backupKey)
		if err != nil {
			continue
		}

		value, _, err := e.decodeAndVerify(data)
		if err != nil {
			continue // corrupted backup; try the next one
		}

		// Reinstall the backup as the live record.
		req := &writeRequest{kind: opRestore, key: key, raw: data, done: make(chan error, 1)}
		if err := e.enqueue(req); err != nil {
			return nil, err
		}
		if err := (&Pending{done: req.done}).Wait(ctx); err != nil {
			return nil, fmt.Errorf("reinstall backup of %q: %w", key, err)
		}
		return value, nil
	}

	return nil, fmt.Errorf("%w: all %d backups of %q failed verification", ErrNoBackup, len(backups), key)
}

// deleteBackups removes every backup owned by key. Called only from the
// key's explicit delete.
func (e *Engine) deleteBackups(key string) error {
	backups, err := e.listBackups(key)
	if err != nil {
		return err
	}
	for _, backupKey := range backups {
		if err := e.store.Delete(backupKey); err != nil {
			return err
		}
	}
	return nil
}
