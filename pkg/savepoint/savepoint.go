// Package savepoint is the composition root: it wires the storage layer,
// save engine, checkpoint manager, and recovery orchestrator into one
// durable state store.
//
// Example:
//
//	cfg := config.LoadFromEnv()
//	db, err := savepoint.Open(cfg, savepoint.Options{
//		Schema:   gameSchema,
//		Defaults: freshGameState,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Save(ctx, state); err != nil {
//		log.Printf("save failed: %v", err)
//	}
package savepoint

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orneryd/savepoint/pkg/checkpoint"
	"github.com/orneryd/savepoint/pkg/config"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/recovery"
	"github.com/orneryd/savepoint/pkg/save"
	"github.com/orneryd/savepoint/pkg/schema"
	"github.com/orneryd/savepoint/pkg/storage"
)

// stateSchemaID is the registry ID the primary slot's schema is bound
// under.
const stateSchemaID = "state"

// Options wires application-specific behavior into the store.
type Options struct {
	// StateKey is the primary save slot. Default "main".
	StateKey string

	// Schema validates the primary slot on every save and load.
	// Optional; nil skips validation.
	Schema *schema.Definition

	// Defaults is the fresh-state template used to fill repaired fields
	// and as the recovery default. Required when Schema is set.
	Defaults map[string]any

	// Rules are cross-field invariant rules applied during repair.
	Rules []schema.InvariantRule

	// SkipPredicate suppresses saves of states not worth persisting.
	SkipPredicate func(value map[string]any) bool

	// SanitizeOnSave corrects fixable schema violations on Save and
	// SaveAsync instead of refusing the write. Only violations
	// sanitization cannot fix abort the save.
	SanitizeOnSave bool

	// PressureCheck, when set, lets checkpoint creation shed under
	// resource pressure. Forced, high-priority, and error-recovery
	// checkpoints bypass it.
	PressureCheck func() error

	// Migrate upgrades values written under older record versions.
	Migrate save.MigrateFunc

	// Provider supplies the live state for checkpoints. Default reads
	// the primary slot from storage.
	Provider checkpoint.StateProvider

	// Applier installs rolled-back state. Default writes the primary
	// slot with a pre-write backup.
	Applier checkpoint.StateApplier

	// ConfirmLargeLoss gates rollbacks that discard significant
	// progress. Nil declines them.
	ConfirmLargeLoss func(loss time.Duration, target *checkpoint.Checkpoint) bool
}

// DB is an opened savepoint store.
type DB struct {
	store       storage.Store
	engine      *save.Engine
	checkpoints *checkpoint.Manager
	recovery    *recovery.Orchestrator
	bus         *notify.CallbackBus
	stateKey    string
	sanitize    bool
	autoStarted bool
}

// Open builds the full stack from configuration. Storage failures degrade
// to the in-memory store instead of failing; everything else must wire
// cleanly or Open returns an error.
func Open(cfg *config.Config, opts Options) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.StateKey == "" {
		opts.StateKey = "main"
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	bus := notify.NewCallbackBus()

	if !cfg.Storage.InMemory && !storage.IsPersistent(store) {
		// The probe fell back to the in-memory store; the process runs,
		// but nothing written here survives a restart.
		bus.Emit(notify.EventStorageDegraded, map[string]any{"data_dir": cfg.Storage.DataDir})
	}

	var registry *schema.Registry
	var repairer *schema.Repairer
	if opts.Schema != nil {
		registry = schema.NewRegistry()
		if err := registry.Register(stateSchemaID, opts.Schema); err != nil {
			store.Close()
			return nil, err
		}
		repairer = schema.NewRepairer(opts.Schema, opts.Defaults)
		for _, rule := range opts.Rules {
			repairer.AddRule(rule)
		}
	}

	var compressor save.Compressor
	if cfg.Save.Compression {
		compressor = save.NewZstdCompressor()
	}

	engine, err := save.NewEngine(save.Config{
		Store:         store,
		Prefix:        cfg.Save.KeyPrefix,
		MaxChunkSize:  cfg.Save.MaxChunkSize,
		Compressor:    compressor,
		Registry:      registry,
		Repairer:      repairer,
		SkipPredicate: opts.SkipPredicate,
		Bus:           bus,
		Migrate:       opts.Migrate,
		QueueDepth:    cfg.Save.QueueDepth,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	db := &DB{
		store:    store,
		engine:   engine,
		bus:      bus,
		stateKey: opts.StateKey,
		sanitize: opts.SanitizeOnSave,
	}

	if registry != nil {
		if err := engine.BindSchema(opts.StateKey, stateSchemaID); err != nil {
			db.Close()
			return nil, err
		}
	}

	provider := opts.Provider
	if provider == nil {
		// LoadRaw, not Load: the checkpoint safety snapshot runs while a
		// recovery of this very key may be in flight, and must capture
		// the state as-is without re-entering the load path.
		provider = func(ctx context.Context) (map[string]any, error) {
			return engine.LoadRaw(opts.StateKey)
		}
	}
	applier := opts.Applier
	if applier == nil {
		applier = func(ctx context.Context, state map[string]any) error {
			return engine.Save(ctx, opts.StateKey, state, save.Options{Backup: true})
		}
	}

	db.checkpoints, err = checkpoint.NewManager(checkpoint.Config{
		Engine:             engine,
		Provider:           provider,
		Applier:            applier,
		Schema:             opts.Schema,
		MaxCount:           cfg.Checkpoint.MaxCount,
		MaxAge:             cfg.Checkpoint.MaxAge,
		CriticalKeep:       cfg.Checkpoint.CriticalKeep,
		MinInterval:        cfg.Checkpoint.MinInterval,
		PressureCheck:      opts.PressureCheck,
		LargeLossThreshold: cfg.Checkpoint.LargeLossThreshold,
		ConfirmLargeLoss:   opts.ConfirmLargeLoss,
		Bus:                bus,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	var defaults func(string) map[string]any
	if opts.Defaults != nil {
		defaults = func(string) map[string]any { return opts.Defaults }
	}
	db.recovery, err = recovery.NewOrchestrator(recovery.Config{
		Engine:      engine,
		Repairer:    repairer,
		Checkpoints: db.checkpoints,
		Defaults:    defaults,
		MaxHistory:  cfg.Recovery.MaxHistory,
		Bus:         bus,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	engine.SetRecoveryHandler(db.recovery)

	if cfg.Checkpoint.AutoInterval > 0 {
		db.checkpoints.StartAuto(cfg.Checkpoint.AutoInterval)
		db.autoStarted = true
	}

	return db, nil
}

// openStore opens the backing store, deriving the at-rest encryption key
// from the configured passphrase when one is set.
func openStore(cfg *config.Config) (storage.Store, error) {
	opts := storage.Options{
		DataDir:    cfg.Storage.DataDir,
		InMemory:   cfg.Storage.InMemory,
		SyncWrites: cfg.Storage.SyncWrites,
		LowMemory:  cfg.Storage.LowMemory,
	}

	if p := cfg.Storage.EncryptionPassphrase; p != "" && !cfg.Storage.InMemory {
		salt, err := loadOrCreateSalt(filepath.Join(cfg.Storage.DataDir, "savepoint.salt"))
		if err != nil {
			return nil, err
		}
		opts.EncryptionKey = storage.DeriveEncryptionKey(p, salt)
	}

	return storage.Open(opts)
}

// loadOrCreateSalt reads the key-derivation salt next to the data files,
// creating it on first run. The salt is not secret, but losing it makes
// the encrypted data unreadable, so it lives with the data it protects.
func loadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil && len(salt) > 0 {
		return salt, nil
	}

	salt, err := storage.NewEncryptionSalt()
	if err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// Close stops the auto-checkpoint loop, drains pending saves, and closes
// the backing store.
func (db *DB) Close() error {
	if db.autoStarted {
		db.checkpoints.StopAuto()
	}
	if err := db.engine.Close(); err != nil {
		return err
	}
	return db.store.Close()
}
