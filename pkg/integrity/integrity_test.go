package integrity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Canonicalization
// ============================================================================

func TestCanonicalizeSortsMapKeys(t *testing.T) {
	a := map[string]any{"zeta": 1, "alpha": 2, "mid": map[string]any{"b": 1, "a": 2}}
	b := map[string]any{"mid": map[string]any{"a": 2, "b": 1}, "alpha": 2, "zeta": 1}

	ca, err := Canonicalize(a)
	require.NoError(t, err)
	cb, err := Canonicalize(b)
	require.NoError(t, err)

	assert.Equal(t, ca, cb, "canonical form must be insertion-order independent")
	assert.Equal(t, `{"alpha":2,"mid":{"a":2,"b":1},"zeta":1}`, string(ca))
}

func TestCanonicalizeScalars(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"nil", nil, "null"},
		{"true", true, "true"},
		{"false", false, "false"},
		{"int", 42, "42"},
		{"float", 1.5, "1.5"},
		{"string", "qi", `"qi"`},
		{"escaped string", "a\"b", `"a\"b"`},
		{"array", []any{1, "two", nil}, `[1,"two",null]`},
		{"empty object", map[string]any{}, "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Canonicalize(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalizeStructsLowered(t *testing.T) {
	type progress struct {
		Level int     `json:"level"`
		Qi    float64 `json:"qi"`
	}
	got, err := Canonicalize(progress{Level: 3, Qi: 12.5})
	require.NoError(t, err)
	assert.Equal(t, `{"level":3,"qi":12.5}`, string(got))
}

func TestCanonicalizeDetectsCycle(t *testing.T) {
	m := map[string]any{"name": "loop"}
	m["self"] = m

	_, err := Canonicalize(m)
	assert.ErrorIs(t, err, ErrCyclicValue)
}

func TestCanonicalizeDetectsIndirectCycle(t *testing.T) {
	a := map[string]any{}
	b := map[string]any{"up": a}
	a["down"] = b

	_, err := Canonicalize(a)
	assert.ErrorIs(t, err, ErrCyclicValue)
}

func TestCanonicalizeSharedSubtreeIsNotCycle(t *testing.T) {
	shared := map[string]any{"x": 1}
	root := map[string]any{"left": shared, "right": shared}

	got, err := Canonicalize(root)
	require.NoError(t, err)
	assert.Equal(t, `{"left":{"x":1},"right":{"x":1}}`, string(got))
}

func TestCanonicalizeRejectsNaN(t *testing.T) {
	_, err := Canonicalize(map[string]any{"bad": nan()})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}

// ============================================================================
// Digests
// ============================================================================

func TestComputeDeterministic(t *testing.T) {
	h := NewHasher()

	d1, err := h.Compute(map[string]any{"jade": 500, "power": 1.0})
	require.NoError(t, err)
	d2, err := h.Compute(map[string]any{"power": 1.0, "jade": 500})
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, AlgorithmSHA256, d1.Algorithm)
	assert.Len(t, d1.Hex, 64)
	assert.False(t, d1.Weak())
}

func TestVerifyDetectsMutation(t *testing.T) {
	h := NewHasher()
	value := map[string]any{"jade": 500}

	d, err := h.Compute(value)
	require.NoError(t, err)
	require.NoError(t, h.Verify(value, d))

	value["jade"] = 501
	assert.ErrorIs(t, h.Verify(value, d), ErrDigestMismatch)
}

func TestVerifyDetectsCorruptedDigest(t *testing.T) {
	h := NewHasher()
	value := map[string]any{"jade": 500}

	d, err := h.Compute(value)
	require.NoError(t, err)

	// Flip one hex digit of the stored digest.
	corrupted := d
	if corrupted.Hex[0] == 'a' {
		corrupted.Hex = "b" + corrupted.Hex[1:]
	} else {
		corrupted.Hex = "a" + corrupted.Hex[1:]
	}

	assert.ErrorIs(t, h.Verify(value, corrupted), ErrDigestMismatch)
}

func TestVerifyRefusesCrossAlgorithm(t *testing.T) {
	value := map[string]any{"jade": 500}

	weak, err := NewFallbackHasher().Compute(value)
	require.NoError(t, err)
	assert.True(t, weak.Weak())
	assert.Equal(t, AlgorithmFNV1a, weak.Algorithm)

	// A strong hasher never validates against a weak digest, even for
	// identical content.
	err = NewHasher().Verify(value, weak)
	assert.ErrorIs(t, err, ErrAlgorithmMismatch)
}

func TestHasherFor(t *testing.T) {
	h, err := HasherFor(AlgorithmFNV1a)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmFNV1a, h.Algorithm())

	_, err = HasherFor("md5")
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}

func TestDigestString(t *testing.T) {
	d := Digest{Algorithm: AlgorithmSHA256, Hex: "abc123"}
	assert.Equal(t, "sha256:abc123", d.String())
	assert.False(t, d.IsZero())
	assert.True(t, Digest{}.IsZero())
}
