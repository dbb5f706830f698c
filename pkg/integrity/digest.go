// Package integrity - content digests over canonical serializations.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
)

// Algorithm identifies how a digest was computed. Digests carry their
// algorithm so verification never compares a strong digest against a weak
// one.
type Algorithm string

const (
	// AlgorithmSHA256 is the primary cryptographic digest.
	AlgorithmSHA256 Algorithm = "sha256"

	// AlgorithmFNV1a is the weak fallback used only when no cryptographic
	// provider is available. A matching FNV digest is NOT proof of
	// non-corruption with the same confidence as SHA-256.
	AlgorithmFNV1a Algorithm = "fnv1a"
)

// Errors returned by digest operations.
var (
	// ErrDigestMismatch is the corruption signal: the stored digest does
	// not match a re-serialization of the payload.
	ErrDigestMismatch = errors.New("integrity: digest mismatch")

	// ErrAlgorithmMismatch is returned when verifying a digest computed
	// with a different algorithm. Cross-algorithm comparison is refused
	// rather than silently recomputed.
	ErrAlgorithmMismatch = errors.New("integrity: digest algorithm mismatch")

	// ErrUnknownAlgorithm is returned for algorithms this build does not
	// implement.
	ErrUnknownAlgorithm = errors.New("integrity: unknown digest algorithm")
)

// Digest is a fixed-size fingerprint of canonical serialized content.
type Digest struct {
	Algorithm Algorithm `json:"algorithm"`
	Hex       string    `json:"hex"`
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && d.Hex == ""
}

// Weak reports whether the digest was produced by the fallback hash.
// Callers must not treat a weak match as strong evidence of integrity.
func (d Digest) Weak() bool {
	return d.Algorithm == AlgorithmFNV1a
}

func (d Digest) String() string {
	return string(d.Algorithm) + ":" + d.Hex
}

// Hasher computes digests for canonical content. The zero value is not
// usable; construct with NewHasher.
type Hasher struct {
	algorithm Algorithm
}

// NewHasher returns a Hasher using the primary SHA-256 algorithm.
func NewHasher() *Hasher {
	return &Hasher{algorithm: AlgorithmSHA256}
}

// NewFallbackHasher returns a Hasher using the weak FNV-1a fallback.
// Use only when no cryptographic provider is available.
func NewFallbackHasher() *Hasher {
	return &Hasher{algorithm: AlgorithmFNV1a}
}

// Algorithm returns the algorithm this hasher produces.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// Sum computes the digest of raw bytes.
func (h *Hasher) Sum(data []byte) (Digest, error) {
	switch h.algorithm {
	case AlgorithmSHA256:
		sum := sha256.Sum256(data)
		return Digest{Algorithm: AlgorithmSHA256, Hex: hex.EncodeToString(sum[:])}, nil
	case AlgorithmFNV1a:
		f := fnv.New64a()
		f.Write(data)
		return Digest{Algorithm: AlgorithmFNV1a, Hex: hex.EncodeToString(f.Sum(nil))}, nil
	default:
		return Digest{}, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, h.algorithm)
	}
}

// Compute canonicalizes v and digests the result.
func (h *Hasher) Compute(v any) (Digest, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return Digest{}, err
	}
	return h.Sum(canonical)
}

// Verify recomputes the digest of v and compares it against expected.
//
// Returns nil when the digests match, ErrDigestMismatch when they differ,
// and ErrAlgorithmMismatch when expected was produced by a different
// algorithm than this hasher uses. The algorithm check comes first: a
// strong digest is never "verified" by a weak hash.
func (h *Hasher) Verify(v any, expected Digest) error {
	if expected.Algorithm != h.algorithm {
		return fmt.Errorf("%w: stored %q, hasher %q", ErrAlgorithmMismatch, expected.Algorithm, h.algorithm)
	}

	actual, err := h.Compute(v)
	if err != nil {
		return err
	}
	if actual.Hex != expected.Hex {
		return fmt.Errorf("%w: stored %s, computed %s", ErrDigestMismatch, expected.Hex, actual.Hex)
	}
	return nil
}

// VerifyBytes compares expected against the digest of raw bytes.
func (h *Hasher) VerifyBytes(data []byte, expected Digest) error {
	if expected.Algorithm != h.algorithm {
		return fmt.Errorf("%w: stored %q, hasher %q", ErrAlgorithmMismatch, expected.Algorithm, h.algorithm)
	}

	actual, err := h.Sum(data)
	if err != nil {
		return err
	}
	if actual.Hex != expected.Hex {
		return fmt.Errorf("%w: stored %s, computed %s", ErrDigestMismatch, expected.Hex, actual.Hex)
	}
	return nil
}

// HasherFor returns a hasher matching an existing digest's algorithm, so a
// record written by an older fallback build can still be checked against
// the hash family that produced it.
func HasherFor(alg Algorithm) (*Hasher, error) {
	switch alg {
	case AlgorithmSHA256:
		return NewHasher(), nil
	case AlgorithmFNV1a:
		return NewFallbackHasher(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}
