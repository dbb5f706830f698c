// Package storage - Open probes the persistent medium and degrades to an
// in-memory store when the probe fails.
package storage

import (
	"bytes"
	"fmt"
	"log"
)

// probeKey is the sentinel key written and deleted during the capability
// probe. It never collides with real data because savepoint keys always
// carry a caller-visible prefix.
const probeKey = "__savepoint_probe__"

// Open opens the persistent store described by opts and verifies it with a
// capability probe: write a sentinel key, read it back, delete it. If the
// medium cannot be opened or the probe fails, Open logs the failure and
// returns a MemoryStore instead - the caller keeps running with no
// persistence guarantee rather than crashing.
//
// Callers that need to distinguish the two outcomes should check
// IsPersistent(store); the substitution is otherwise transparent.
//
// Example:
//
//	store, err := storage.Open(storage.Options{DataDir: cfg.DataDir})
//	if err != nil {
//		log.Fatal(err) // only programmer errors, never medium failures
//	}
//	if !storage.IsPersistent(store) {
//		log.Println("running without persistence")
//	}
func Open(opts Options) (Store, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: DataDir is required", ErrInvalidKey)
	}

	bs, err := NewBadgerStore(opts)
	if err != nil {
		log.Printf("storage: %v (%v), falling back to in-memory store", err, ErrStorageUnavailable)
		return NewMemoryStore(), nil
	}

	if err := probe(bs); err != nil {
		log.Printf("storage: capability probe failed: %v (%v), falling back to in-memory store", err, ErrStorageUnavailable)
		bs.Close()
		return NewMemoryStore(), nil
	}

	return bs, nil
}

// probe verifies the store can complete a write-read-delete cycle.
func probe(s Store) error {
	sentinel := []byte("ok")

	if err := s.Set(probeKey, sentinel); err != nil {
		return fmt.Errorf("probe write: %w", err)
	}

	got, err := s.Get(probeKey)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if !bytes.Equal(got, sentinel) {
		return fmt.Errorf("probe read returned %q, want %q", got, sentinel)
	}

	if err := s.Delete(probeKey); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}

	return nil
}
