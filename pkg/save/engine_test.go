package save

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/savepoint/pkg/integrity"
	"github.com/orneryd/savepoint/pkg/schema"
	"github.com/orneryd/savepoint/pkg/storage"
)

// ============================================================================
// Test Helpers
// ============================================================================

func createTestEngine(t *testing.T, cfg Config) (*Engine, storage.Store) {
	t.Helper()

	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
		cfg.Store = store
	}

	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	return engine, store
}

func playerState() map[string]any {
	return map[string]any{
		"jade":  float64(1200),
		"power": float64(85),
		"cultivation": map[string]any{
			"qi": map[string]any{
				"level":    float64(3),
				"progress": float64(40),
			},
		},
	}
}

func playerSchema() *schema.Definition {
	return &schema.Definition{
		Type:     schema.TypeObject,
		Required: []string{"jade", "power"},
		Properties: map[string]*schema.Definition{
			"jade":  {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
			"power": {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
			"cultivation": {
				Type: schema.TypeObject,
				Properties: map[string]*schema.Definition{
					"qi": {
						Type: schema.TypeObject,
						Properties: map[string]*schema.Definition{
							"level":    {Type: schema.TypeInteger, Minimum: schema.Float(0), Default: float64(0)},
							"progress": {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
						},
					},
				},
			},
		},
	}
}

// ============================================================================
// Save / Load Round Trips
// ============================================================================

func TestSaveLoadRoundTrip(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	state := playerState()
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestLoadUnknownKeyReturnsNotFound(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})

	_, err := engine.Load(context.Background(), "never-saved")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestLoadReturnsIndependentCopies(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))

	first, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	first["jade"] = float64(-999)

	second, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, float64(1200), second["jade"], "mutating a loaded value must not leak into later loads")
}

func TestSaveWithCompression(t *testing.T) {
	engine, store := createTestEngine(t, Config{Compressor: NewZstdCompressor()})
	ctx := context.Background()

	state := playerState()
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	// The stored record must actually be marked compressed.
	data, err := store.Get("sp_main")
	require.NoError(t, err)
	var record SaveRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.True(t, record.Compressed)
	assert.Equal(t, "zstd", record.Compression)

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestRecordCarriesDigestAndVersion(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	require.NoError(t, engine.Save(context.Background(), "main", playerState(), Options{}))

	data, err := store.Get("sp_main")
	require.NoError(t, err)

	var record SaveRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, recordVersion, record.Version)
	assert.Equal(t, integrity.AlgorithmSHA256, record.Digest.Algorithm)
	assert.NotEmpty(t, record.Digest.Hex)
	assert.NotZero(t, record.WrittenAt)
}

// ============================================================================
// Write Queue Semantics
// ============================================================================

func TestSavesApplyInSubmissionOrder(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	var pendings []*Pending
	for i := 0; i < 20; i++ {
		state := playerState()
		state["jade"] = float64(i)
		pendings = append(pendings, engine.SaveAsync("main", state, Options{}))
	}
	for _, p := range pendings {
		require.NoError(t, p.Wait(ctx))
	}

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, float64(19), loaded["jade"], "last submitted save must win")
}

func TestConcurrentSavesAllResolve(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			state := playerState()
			state["jade"] = float64(n)
			errs <- engine.Save(ctx, fmt.Sprintf("slot-%d", n%5), state, Options{})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSaveAfterCloseFails(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	require.NoError(t, engine.Close())

	err := engine.Save(context.Background(), "main", playerState(), Options{})
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestCloseDrainsPendingSaves(t *testing.T) {
	engine, _ := createTestEngine(t, Config{QueueDepth: 128})
	ctx := context.Background()

	var pendings []*Pending
	for i := 0; i < 100; i++ {
		pendings = append(pendings, engine.SaveAsync("main", playerState(), Options{}))
	}
	require.NoError(t, engine.Close())

	for _, p := range pendings {
		assert.NoError(t, p.Wait(ctx), "saves enqueued before Close must still commit")
	}
}

func TestDisabledEngineSkipsSaves(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	engine.SetDisabled(true)

	require.NoError(t, engine.Save(context.Background(), "main", playerState(), Options{}))

	_, err := store.Get("sp_main")
	assert.ErrorIs(t, err, storage.ErrNotFound, "disabled engine must not write")
}

func TestSkipPredicateSuppressesSave(t *testing.T) {
	engine, store := createTestEngine(t, Config{
		SkipPredicate: func(value map[string]any) bool {
			return len(value) == 0
		},
	})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", map[string]any{}, Options{}))
	_, err := store.Get("sp_main")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))
	_, err = store.Get("sp_main")
	assert.NoError(t, err)
}

// ============================================================================
// Schema Gate
// ============================================================================

func TestSaveRejectsInvalidState(t *testing.T) {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("player", playerSchema()))

	engine, store := createTestEngine(t, Config{Registry: registry})
	require.NoError(t, engine.BindSchema("main", "player"))

	bad := playerState()
	delete(bad, "power")
	err := engine.Save(context.Background(), "main", bad, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrValidationFailed)

	_, getErr := store.Get("sp_main")
	assert.ErrorIs(t, getErr, storage.ErrNotFound, "invalid state must never reach storage")
}

func TestSanitizingSaveClampsAndPersists(t *testing.T) {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("player", playerSchema()))

	engine, _ := createTestEngine(t, Config{Registry: registry})
	require.NoError(t, engine.BindSchema("main", "player"))
	ctx := context.Background()

	state := playerState()
	state["cultivation"].(map[string]any)["qi"].(map[string]any)["level"] = float64(-5)

	require.NoError(t, engine.Save(ctx, "main", state, Options{Sanitize: true}))

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	level := loaded["cultivation"].(map[string]any)["qi"].(map[string]any)["level"]
	assert.Equal(t, float64(0), level, "out-of-range level must be clamped, not refused")

	// The caller's value is never mutated in place.
	assert.Equal(t, float64(-5), state["cultivation"].(map[string]any)["qi"].(map[string]any)["level"])
}

func TestSanitizingSaveStillRejectsUnfixableState(t *testing.T) {
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("player", playerSchema()))

	engine, store := createTestEngine(t, Config{Registry: registry})
	require.NoError(t, engine.BindSchema("main", "player"))

	bad := playerState()
	bad["cultivation"] = []any{"not", "an", "object"}
	err := engine.Save(context.Background(), "main", bad, Options{Sanitize: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, schema.ErrValidationFailed)

	_, getErr := store.Get("sp_main")
	assert.ErrorIs(t, getErr, storage.ErrNotFound)
}

func TestBindSchemaUnknownID(t *testing.T) {
	engine, _ := createTestEngine(t, Config{Registry: schema.NewRegistry()})
	assert.ErrorIs(t, engine.BindSchema("main", "nope"), schema.ErrSchemaNotFound)
}

// ============================================================================
// Chunking
// ============================================================================

func TestLargeRecordChunksTransparently(t *testing.T) {
	engine, store := createTestEngine(t, Config{MaxChunkSize: 256})
	ctx := context.Background()

	state := playerState()
	blob := make([]any, 200)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	state["inventory"] = blob

	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	// Base key holds meta, fragments hold the record.
	data, err := store.Get("sp_main")
	require.NoError(t, err)
	meta, chunked := parseChunkMeta(data)
	require.True(t, chunked)
	assert.Greater(t, meta.ChunkCount, 1)

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestShrinkingRecordRemovesStaleFragments(t *testing.T) {
	engine, store := createTestEngine(t, Config{MaxChunkSize: 256})
	ctx := context.Background()

	big := playerState()
	blob := make([]any, 200)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	big["inventory"] = blob
	require.NoError(t, engine.Save(ctx, "main", big, Options{}))

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))

	keys, err := store.Keys()
	require.NoError(t, err)
	for _, k := range keys {
		assert.NotContains(t, k, "_chunk_", "stale fragments must be cleaned up")
	}
}

func TestMissingFragmentIsCorruption(t *testing.T) {
	engine, store := createTestEngine(t, Config{MaxChunkSize: 128})
	ctx := context.Background()

	state := playerState()
	blob := make([]any, 100)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	state["inventory"] = blob
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	require.NoError(t, store.Delete("sp_main_chunk_1"))

	_, err := engine.Load(ctx, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingChunk)
}

// ============================================================================
// Integrity
// ============================================================================

func TestTamperedPayloadNeverLoadsSilently(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))

	// Flip the stored jade value without updating the digest.
	data, err := store.Get("sp_main")
	require.NoError(t, err)
	var record SaveRecord
	require.NoError(t, json.Unmarshal(data, &record))
	var value map[string]any
	require.NoError(t, json.Unmarshal(record.Payload, &value))
	value["jade"] = float64(999999)
	record.Payload, err = json.Marshal(value)
	require.NoError(t, err)
	tampered, err := json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, store.Set("sp_main", tampered))

	_, err = engine.Load(ctx, "main")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecordCorrupted)
}

func TestLoadLogsPlausibilityFindingsWithoutBlocking(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	state := playerState()
	state["last_save"] = float64(1) // epoch 1970: implausible but not invalid

	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err, "plausibility findings alone must not block a load")
	assert.Equal(t, float64(1), loaded["last_save"])
	assert.Contains(t, buf.String(), "passed validation with findings")
}

func TestFallbackDigestStillVerifies(t *testing.T) {
	store := storage.NewMemoryStore()

	weak, _ := createTestEngine(t, Config{Store: store, Hasher: integrity.NewFallbackHasher()})
	ctx := context.Background()
	require.NoError(t, weak.Save(ctx, "main", playerState(), Options{}))

	// A default (SHA-256) engine reads the weak record: verification uses
	// the record's own hash family.
	strong, _ := createTestEngine(t, Config{Store: store})
	loaded, err := strong.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, playerState(), loaded)
}

// ============================================================================
// Backups
// ============================================================================

func TestBackupCreatedBeforeOverwrite(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	first := playerState()
	require.NoError(t, engine.Save(ctx, "main", first, Options{}))

	second := playerState()
	second["jade"] = float64(9000)
	require.NoError(t, engine.Save(ctx, "main", second, Options{Backup: true}))

	require.True(t, engine.HasBackups("main"))

	restored, err := engine.RestoreLatestBackup(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, first["jade"], restored["jade"])

	// The restore reinstalls the backup as the live record.
	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, first["jade"], loaded["jade"])
}

func TestRiskySaveAbortsWhenBackupFails(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, _ := createTestEngine(t, Config{Store: store, MaxChunkSize: 64})
	ctx := context.Background()

	state := playerState()
	blob := make([]any, 50)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	state["inventory"] = blob
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	// Break the existing record so the pre-write backup cannot read it.
	require.NoError(t, store.Delete("sp_main_chunk_0"))

	err := engine.Save(ctx, "main", playerState(), Options{Risky: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBackupFailed)
}

func TestRestoreSkipsCorruptedBackups(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	ctx := context.Background()

	good := playerState()
	require.NoError(t, engine.Save(ctx, "main", good, Options{}))
	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{Backup: true}))

	// Plant a newer but garbage backup.
	newer := time.Now().UnixMilli() + 1000
	require.NoError(t, store.Set(fmt.Sprintf("sp_main_backup_%d", newer), []byte("not a record")))

	restored, err := engine.RestoreLatestBackup(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, good["jade"], restored["jade"])
}

func TestRestoreWithoutBackups(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	_, err := engine.RestoreLatestBackup(context.Background(), "main")
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestRestoreAfterCloseFails(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))
	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{Backup: true}))
	require.NoError(t, engine.Close())

	// The reinstall goes through the write queue, so a closed engine
	// refuses it like any other mutation.
	_, err := engine.RestoreLatestBackup(ctx, "main")
	assert.ErrorIs(t, err, ErrEngineClosed)
}

// ============================================================================
// Repair On Load
// ============================================================================

func TestCorruptedLoadRepairsInPlace(t *testing.T) {
	def := playerSchema()
	registry := schema.NewRegistry()
	require.NoError(t, registry.Register("player", def))

	defaults := map[string]any{"jade": float64(0), "power": float64(0)}
	engine, store := createTestEngine(t, Config{
		Registry: registry,
		Repairer: schema.NewRepairer(def, defaults),
	})
	require.NoError(t, engine.BindSchema("main", "player"))
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))

	// Corrupt the stored record: drop a required field, keep the digest
	// consistent so only validation fails.
	data, err := store.Get("sp_main")
	require.NoError(t, err)
	var record SaveRecord
	require.NoError(t, json.Unmarshal(data, &record))
	var value map[string]any
	require.NoError(t, json.Unmarshal(record.Payload, &value))
	delete(value, "power")
	canonical, err := integrity.Canonicalize(value)
	require.NoError(t, err)
	record.Digest, err = integrity.NewHasher().Sum(canonical)
	require.NoError(t, err)
	record.Payload = canonical
	patched, err := json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, store.Set("sp_main", patched))

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, float64(0), loaded["power"], "missing required field must be filled from defaults")
	assert.Equal(t, float64(1200), loaded["jade"], "intact fields must survive repair")
}

// ============================================================================
// Recovery Handler
// ============================================================================

type stubRecovery struct {
	calls int
	value map[string]any
	err   error
}

func (s *stubRecovery) Recover(ctx context.Context, key string, cause error) (map[string]any, error) {
	s.calls++
	return s.value, s.err
}

func TestRecoveryHandlerInvokedOnCorruption(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	stub := &stubRecovery{value: map[string]any{"recovered": true}}
	engine.SetRecoveryHandler(stub)
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))
	require.NoError(t, store.Set("sp_main", []byte("garbage")))

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, true, loaded["recovered"])
	assert.Equal(t, 1, stub.calls)
}

func TestRecoveryHandlerErrorSurfaces(t *testing.T) {
	engine, store := createTestEngine(t, Config{})
	exhausted := errors.New("nothing worked")
	engine.SetRecoveryHandler(&stubRecovery{err: exhausted})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))
	require.NoError(t, store.Set("sp_main", []byte("garbage")))

	_, err := engine.Load(ctx, "main")
	assert.ErrorIs(t, err, exhausted)
}

// ============================================================================
// Migration
// ============================================================================

func TestOldRecordVersionMigrates(t *testing.T) {
	store := storage.NewMemoryStore()
	engine, _ := createTestEngine(t, Config{
		Store: store,
		Migrate: func(fromVersion int, value map[string]any) (map[string]any, error) {
			value["migrated_from"] = float64(fromVersion)
			return value, nil
		},
	})
	ctx := context.Background()

	require.NoError(t, engine.Save(ctx, "main", playerState(), Options{}))

	// Rewrite the record as an older format version.
	data, err := store.Get("sp_main")
	require.NoError(t, err)
	var record SaveRecord
	require.NoError(t, json.Unmarshal(data, &record))
	record.Version = 1
	old, err := json.Marshal(&record)
	require.NoError(t, err)
	require.NoError(t, store.Set("sp_main", old))

	loaded, err := engine.Load(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, float64(1), loaded["migrated_from"])
}

// ============================================================================
// Slots
// ============================================================================

func TestDeleteRemovesRecordChunksAndBackups(t *testing.T) {
	engine, store := createTestEngine(t, Config{MaxChunkSize: 128})
	ctx := context.Background()

	state := playerState()
	blob := make([]any, 100)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	state["inventory"] = blob
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))
	require.NoError(t, engine.Save(ctx, "main", state, Options{Backup: true}))

	require.NoError(t, engine.Delete(ctx, "main"))

	keys, err := store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestExportImportRoundTrip(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	state := playerState()
	require.NoError(t, engine.Save(ctx, "main", state, Options{}))

	exported, err := engine.Export("main")
	require.NoError(t, err)
	require.NotEmpty(t, exported)

	require.NoError(t, engine.Import(ctx, exported, "copy"))

	loaded, err := engine.Load(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestImportRejectsGarbage(t *testing.T) {
	engine, _ := createTestEngine(t, Config{})
	ctx := context.Background()

	err := engine.Import(ctx, "!!! not base64 !!!", "main")
	assert.ErrorIs(t, err, ErrRecordCorrupted)

	err = engine.Import(ctx, "Z2FyYmFnZQ==", "main") // base64("garbage")
	assert.ErrorIs(t, err, ErrRecordCorrupted)
}

func TestListSlotsExcludesDerivedKeys(t *testing.T) {
	engine, _ := createTestEngine(t, Config{MaxChunkSize: 128})
	ctx := context.Background()

	state := playerState()
	blob := make([]any, 100)
	for i := range blob {
		blob[i] = fmt.Sprintf("entry-%04d", i)
	}
	state["inventory"] = blob
	require.NoError(t, engine.Save(ctx, "big", state, Options{}))
	require.NoError(t, engine.Save(ctx, "small", playerState(), Options{}))
	require.NoError(t, engine.Save(ctx, "small", playerState(), Options{Backup: true}))

	slots, err := engine.ListSlots()
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "big", slots[0].Key)
	assert.True(t, slots[0].Chunked)
	assert.Equal(t, "small", slots[1].Key)
	assert.False(t, slots[1].Chunked)
	assert.NotZero(t, slots[1].LastModified)
}
