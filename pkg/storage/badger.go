// Package storage - BadgerStore provides persistent disk-based storage
// using BadgerDB. It implements the Store interface with ACID guarantees
// per operation.
package storage

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore provides persistent storage using BadgerDB.
//
// Features:
//   - Durable writes with optional fsync-per-write
//   - Crash recovery via BadgerDB's value log
//   - Optional AES encryption at rest
//   - Thread-safe concurrent access
//
// Example:
//
//	store, err := storage.NewBadgerStore(storage.Options{
//		DataDir: "/var/lib/savepoint",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db       *badger.DB
	inMemory bool
}

// Options configures the BadgerDB store.
type Options struct {
	// DataDir is the directory for data files. Created if missing.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB entirely in RAM. Data is lost on shutdown.
	// Useful for testing.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but a committed
	// save survives power loss.
	SyncWrites bool

	// LowMemory reduces memtable and cache sizes for constrained hosts.
	LowMemory bool

	// EncryptionKey is a 16, 24, or 32 byte AES key for encryption at
	// rest. Empty disables encryption. Losing this key makes the data
	// irrecoverable.
	EncryptionKey []byte

	// Logger receives BadgerDB's internal log output. Nil silences it.
	Logger badger.Logger
}

// NewBadgerStore opens a BadgerDB-backed store.
//
// Returns an error if the database cannot be opened (permissions, disk
// space, lock held by another process). Callers that want automatic
// degradation to an in-memory store should use Open instead.
func NewBadgerStore(opts Options) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true)
		badgerOpts.Dir = ""
		badgerOpts.ValueDir = ""
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// Quiet by default - Badger's own logger is chatty.
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if len(opts.EncryptionKey) > 0 {
		keyLen := len(opts.EncryptionKey)
		if keyLen != 16 && keyLen != 24 && keyLen != 32 {
			return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes (got %d)", keyLen)
		}
		badgerOpts = badgerOpts.WithEncryptionKey(opts.EncryptionKey)
		badgerOpts = badgerOpts.WithIndexCacheSize(16 << 20) // required by badger when encrypted
	}

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(8 << 20).
			WithValueLogFileSize(32 << 20).
			WithNumMemtables(1).
			WithNumLevelZeroTables(1).
			WithNumLevelZeroTablesStall(2).
			WithBlockCacheSize(8 << 20)
	} else {
		// Save payloads are modest; keep values in the LSM tree so a
		// whole SaveRecord loads in one read.
		badgerOpts = badgerOpts.
			WithMemTableSize(32 << 20).
			WithValueThreshold(64 << 10).
			WithBlockCacheSize(32 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	return &BadgerStore{db: db, inMemory: opts.InMemory}, nil
}

// NewBadgerStoreInMemory creates an in-memory BadgerDB for testing.
// Data is not persisted and is lost when the store is closed.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStore(Options{InMemory: true})
}

// Get returns the value stored under key, or ErrNotFound.
func (b *BadgerStore) Get(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	if b.db.IsClosed() {
		return nil, ErrStorageClosed
	}

	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, nil
}

// Set stores value under key, overwriting any previous value.
func (b *BadgerStore) Set(key string, value []byte) error {
	if key == "" {
		return ErrInvalidKey
	}
	if b.db.IsClosed() {
		return ErrStorageClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("badger set %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *BadgerStore) Delete(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if b.db.IsClosed() {
		return ErrStorageClosed
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every stored key.
func (b *BadgerStore) Keys() ([]string, error) {
	if b.db.IsClosed() {
		return nil, ErrStorageClosed
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger keys: %w", err)
	}
	return keys, nil
}

// Len returns the number of stored keys.
func (b *BadgerStore) Len() (int, error) {
	keys, err := b.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close closes the underlying BadgerDB database.
func (b *BadgerStore) Close() error {
	if b.db.IsClosed() {
		return nil
	}
	return b.db.Close()
}

// IsPersistent reports whether data survives restarts.
// False when running in BadgerDB's in-memory mode.
func (b *BadgerStore) IsPersistent() bool {
	return !b.inMemory
}

// Verify BadgerStore implements Store and Persistent interfaces
var (
	_ Store      = (*BadgerStore)(nil)
	_ Persistent = (*BadgerStore)(nil)
)
