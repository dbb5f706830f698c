// Package storage - key derivation for at-rest encryption.
package storage

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters for encryption key derivation.
// Tuned for a one-time cost at startup, not per-operation hashing.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // 64MB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
)

// DeriveEncryptionKey derives a 32-byte AES key from a passphrase using
// Argon2id. The salt must be stable across restarts (store it next to the
// data directory, it is not secret) or previously written data becomes
// unreadable.
//
// Example:
//
//	key := storage.DeriveEncryptionKey(cfg.EncryptionPassword, salt)
//	store, err := storage.Open(storage.Options{
//		DataDir:       cfg.DataDir,
//		EncryptionKey: key,
//	})
func DeriveEncryptionKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// NewEncryptionSalt generates a fresh 16-byte salt for DeriveEncryptionKey.
func NewEncryptionSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	return salt, nil
}
