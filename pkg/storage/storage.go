// Package storage provides the backing store adapters for savepoint.
//
// A Store is a flat, byte-oriented key-value medium. Two implementations are
// provided: BadgerStore for persistent disk-backed storage and MemoryStore
// for a process-lifetime in-memory map. Open probes the persistent medium on
// startup and silently degrades to MemoryStore when the probe fails, so a
// broken disk never prevents the application from running.
package storage

import (
	"errors"
)

// Errors returned by Store implementations.
var (
	// ErrNotFound is returned when a key has no stored value.
	ErrNotFound = errors.New("storage: key not found")

	// ErrInvalidKey is returned for empty or malformed keys.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrStorageClosed is returned after Close has been called.
	ErrStorageClosed = errors.New("storage: store is closed")

	// ErrStorageUnavailable indicates the persistent medium failed its
	// capability probe. It is logged, not surfaced: Open falls back to an
	// in-memory store instead of failing.
	ErrStorageUnavailable = errors.New("storage: persistent medium unavailable")
)

// Store is the uniform interface over a byte-oriented key-value medium.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Get returns ErrNotFound for absent keys; all methods return
// ErrStorageClosed after Close.
//
// Example:
//
//	store, err := storage.Open(storage.Options{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.Set("save:main", payload)
//	data, err := store.Get("save:main")
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, overwriting any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Keys returns every stored key. Order is unspecified.
	Keys() ([]string, error)

	// Len returns the number of stored keys.
	Len() (int, error)

	// Close releases resources. The store is unusable afterwards.
	Close() error
}

// Persistent is implemented by stores that can report whether data
// actually survives process restarts. MemoryStore reports false; callers
// use this for health reporting, never for control flow.
type Persistent interface {
	IsPersistent() bool
}

// IsPersistent reports whether the given store survives restarts.
// Stores that do not implement Persistent are assumed volatile.
func IsPersistent(s Store) bool {
	if p, ok := s.(Persistent); ok {
		return p.IsPersistent()
	}
	return false
}
