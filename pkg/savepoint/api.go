// Package savepoint - the public operation surface of an opened DB.
package savepoint

import (
	"context"

	"github.com/orneryd/savepoint/pkg/checkpoint"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/recovery"
	"github.com/orneryd/savepoint/pkg/save"
	"github.com/orneryd/savepoint/pkg/storage"
)

// Save persists state to the primary slot and blocks until it commits.
func (db *DB) Save(ctx context.Context, state map[string]any) error {
	return db.engine.Save(ctx, db.stateKey, state, save.Options{Sanitize: db.sanitize})
}

// SaveAsync enqueues a save of the primary slot and returns its handle.
func (db *DB) SaveAsync(state map[string]any) *save.Pending {
	return db.engine.SaveAsync(db.stateKey, state, save.Options{Sanitize: db.sanitize})
}

// SaveSlot persists state to a named slot.
func (db *DB) SaveSlot(ctx context.Context, key string, state map[string]any, opts save.Options) error {
	return db.engine.Save(ctx, key, state, opts)
}

// Load fetches and verifies the primary slot.
func (db *DB) Load(ctx context.Context) (map[string]any, error) {
	return db.engine.Load(ctx, db.stateKey)
}

// LoadSlot fetches and verifies a named slot.
func (db *DB) LoadSlot(ctx context.Context, key string) (map[string]any, error) {
	return db.engine.Load(ctx, key)
}

// Delete removes a slot, its chunks, and its backups.
func (db *DB) Delete(ctx context.Context, key string) error {
	return db.engine.Delete(ctx, key)
}

// Export serializes a slot for transfer out of the store.
func (db *DB) Export(key string) (string, error) {
	return db.engine.Export(key)
}

// Import installs a previously exported record under key after full
// verification. The overwritten record is backed up first.
func (db *DB) Import(ctx context.Context, serialized, key string) error {
	return db.engine.Import(ctx, serialized, key)
}

// ListSaveSlots summarizes every save slot.
func (db *DB) ListSaveSlots() ([]save.SlotInfo, error) {
	return db.engine.ListSlots()
}

// SetDisabled administratively disables saves. Loads still work.
func (db *DB) SetDisabled(disabled bool) {
	db.engine.SetDisabled(disabled)
}

// CreateCheckpoint snapshots the current live state.
func (db *DB) CreateCheckpoint(ctx context.Context, trigger checkpoint.Trigger, opts checkpoint.CreateOptions) (*checkpoint.Checkpoint, error) {
	return db.checkpoints.Create(ctx, trigger, opts)
}

// GetAvailableCheckpoints lists checkpoints, newest first. Optional
// filters narrow the listing by trigger and priority.
func (db *DB) GetAvailableCheckpoints(ctx context.Context, filters ...checkpoint.Filter) ([]*checkpoint.Checkpoint, error) {
	return db.checkpoints.List(ctx, filters...)
}

// RollbackToCheckpoint replaces the live state with a checkpoint's state.
func (db *DB) RollbackToCheckpoint(ctx context.Context, id string) error {
	return db.checkpoints.Rollback(ctx, id)
}

// DeleteCheckpoint removes a checkpoint; critical ones require force.
func (db *DB) DeleteCheckpoint(ctx context.Context, id string, force bool) error {
	return db.checkpoints.Delete(ctx, id, force)
}

// RecoveryHistory returns recent recovery attempts, oldest first.
func (db *DB) RecoveryHistory() []recovery.Attempt {
	return db.recovery.History()
}

// RecoveryOptions lists the recovery strategies currently available for
// a slot, for presentation by an interactive decision surface.
func (db *DB) RecoveryOptions(ctx context.Context, key string, cause error) []recovery.Option {
	return db.recovery.Options(ctx, key, cause)
}

// ExecuteRecoveryOption runs one chosen recovery strategy against a slot.
func (db *DB) ExecuteRecoveryOption(ctx context.Context, key, id string) (map[string]any, error) {
	return db.recovery.ExecuteOption(ctx, key, id)
}

// On subscribes a handler to a store event. See the notify package for
// event names.
func (db *DB) On(event string, handler notify.Handler) {
	db.bus.Subscribe(event, handler)
}

// Persistent reports whether the backing store survives restarts.
func (db *DB) Persistent() bool {
	return storage.IsPersistent(db.store)
}
