package savepoint

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/savepoint/pkg/checkpoint"
	"github.com/orneryd/savepoint/pkg/config"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/recovery"
	"github.com/orneryd/savepoint/pkg/save"
	"github.com/orneryd/savepoint/pkg/schema"
)

func saveOptionsBackup() save.Options   { return save.Options{Backup: true} }
func saveOptionsNoSchema() save.Options { return save.Options{} }

func mustDecodeBase64(t *testing.T, s string) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return data
}

// ============================================================================
// Test Helpers
// ============================================================================

func gameSchema() *schema.Definition {
	return &schema.Definition{
		Type:     schema.TypeObject,
		Required: []string{"jade", "power"},
		Properties: map[string]*schema.Definition{
			"jade":  {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
			"power": {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
			"cultivation": {
				Type: schema.TypeObject,
				Properties: map[string]*schema.Definition{
					"level":    {Type: schema.TypeInteger, Minimum: schema.Float(0), Default: float64(0)},
					"progress": {Type: schema.TypeNumber, Minimum: schema.Float(0), Default: float64(0)},
				},
			},
		},
	}
}

func gameDefaults() map[string]any {
	return map[string]any{
		"jade":  float64(0),
		"power": float64(0),
		"cultivation": map[string]any{
			"level":    float64(0),
			"progress": float64(0),
		},
	}
}

func gameState() map[string]any {
	return map[string]any{
		"jade":  float64(1200),
		"power": float64(85),
		"cultivation": map[string]any{
			"level":    float64(3),
			"progress": float64(40),
		},
	}
}

func testConfig() *config.Config {
	cfg := config.LoadDefaults()
	cfg.Storage.InMemory = true
	cfg.Checkpoint.MinInterval = time.Nanosecond
	cfg.Checkpoint.AutoInterval = 0 // tests drive checkpoints explicitly
	return cfg
}

func openTestDB(t *testing.T, opts Options) *DB {
	t.Helper()
	if opts.Schema == nil {
		opts.Schema = gameSchema()
		opts.Defaults = gameDefaults()
	}
	db, err := Open(testConfig(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// ============================================================================
// End To End
// ============================================================================

func TestSaveLoadEndToEnd(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	state := gameState()
	require.NoError(t, db.Save(ctx, state))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, state, loaded)
}

func TestInvalidStateNeverPersists(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, gameState()))

	bad := gameState()
	delete(bad, "power")
	require.Error(t, db.Save(ctx, bad))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(85), loaded["power"], "rejected save must not clobber good state")
}

func TestCorruptionRecoveredFromBackup(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	state := gameState()
	require.NoError(t, db.Save(ctx, state))
	require.NoError(t, db.SaveSlot(ctx, "main", state, saveOptionsBackup()))

	// Smash the live record behind the engine's back.
	require.NoError(t, db.store.Set("sp_main", []byte("smashed")))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1200), loaded["jade"])

	history := db.RecoveryHistory()
	require.NotEmpty(t, history)
	assert.True(t, history[len(history)-1].Success)
}

func TestCorruptionFallsBackToDefaults(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, gameState()))
	require.NoError(t, db.store.Set("sp_main", []byte("smashed")))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)

	// No backup, no checkpoint: the default template is installed.
	assert.Equal(t, gameDefaults(), loaded)
}

func TestCheckpointRoundTrip(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	require.NoError(t, db.Save(ctx, gameState()))

	cp, err := db.CreateCheckpoint(ctx, checkpoint.TriggerManual, checkpoint.CreateOptions{
		Description: "before tribulation",
	})
	require.NoError(t, err)

	drained := gameState()
	drained["jade"] = float64(0)
	require.NoError(t, db.Save(ctx, drained))

	require.NoError(t, db.RollbackToCheckpoint(ctx, cp.ID))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(1200), loaded["jade"])

	checkpoints, err := db.GetAvailableCheckpoints(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, checkpoints)
}

func TestExportImportBetweenSlots(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	state := gameState()
	require.NoError(t, db.Save(ctx, state))

	exported, err := db.Export("main")
	require.NoError(t, err)

	require.NoError(t, db.Import(ctx, exported, "imported"))
	loaded, err := db.LoadSlot(ctx, "imported")
	require.NoError(t, err)
	assert.Equal(t, state, loaded)

	slots, err := db.ListSaveSlots()
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}

func TestEventsEmitted(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	events := make(chan string, 8)
	db.On(notify.EventSaveCompleted, func(event string, payload map[string]any) {
		events <- event
	})

	require.NoError(t, db.Save(ctx, gameState()))

	select {
	case ev := <-events:
		assert.Equal(t, notify.EventSaveCompleted, ev)
	case <-time.After(time.Second):
		t.Fatal("no save_completed event")
	}
}

func TestRepairRuleRestoresInvariant(t *testing.T) {
	db := openTestDB(t, Options{
		Schema:   gameSchema(),
		Defaults: gameDefaults(),
		Rules: []schema.InvariantRule{
			schema.LevelProgression("cultivation", "cultivation.level", "cultivation.progress", 100),
		},
	})
	ctx := context.Background()

	// Progress of 240 at 100 per level should never survive a repair:
	// 2 levels are absorbed, 40 remain.
	broken := gameState()
	broken["cultivation"].(map[string]any)["level"] = float64(1)
	broken["cultivation"].(map[string]any)["progress"] = float64(240)
	delete(broken, "power") // force the load path into repair

	require.NoError(t, db.SaveSlot(ctx, "raw", broken, saveOptionsNoSchema()))
	// Bind happens only for the primary key, so write the broken state
	// there directly through storage.
	exported, err := db.Export("raw")
	require.NoError(t, err)
	data := mustDecodeBase64(t, exported)
	require.NoError(t, db.store.Set("sp_main", data))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)

	cult := loaded["cultivation"].(map[string]any)
	assert.Equal(t, float64(3), cult["level"])
	assert.Equal(t, float64(40), cult["progress"])
	assert.Equal(t, float64(0), loaded["power"], "missing required field filled from defaults")
}

func TestSanitizeOnSaveClampsBeforePersist(t *testing.T) {
	db := openTestDB(t, Options{
		Schema:         gameSchema(),
		Defaults:       gameDefaults(),
		SanitizeOnSave: true,
	})
	ctx := context.Background()

	state := gameState()
	state["cultivation"].(map[string]any)["level"] = float64(-5)

	require.NoError(t, db.Save(ctx, state))

	loaded, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(0), loaded["cultivation"].(map[string]any)["level"],
		"out-of-range level must be clamped to its minimum, not refused")
}

func TestInteractiveRecoverySurface(t *testing.T) {
	db := openTestDB(t, Options{})
	ctx := context.Background()

	state := gameState()
	require.NoError(t, db.Save(ctx, state))
	require.NoError(t, db.SaveSlot(ctx, "main", state, saveOptionsBackup()))
	require.NoError(t, db.store.Set("sp_main", []byte("smashed")))

	options := db.RecoveryOptions(ctx, "main", errors.New("unreadable record"))
	ids := make([]string, len(options))
	for i, o := range options {
		ids[i] = o.ID
	}
	assert.Contains(t, ids, recovery.StrategyBackup)
	assert.Equal(t, recovery.StrategyReset, ids[len(ids)-1])

	value, err := db.ExecuteRecoveryOption(ctx, "main", recovery.StrategyBackup)
	require.NoError(t, err)
	assert.Equal(t, float64(1200), value["jade"])
}

func TestDegradedStorageFallsBackToMemory(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	cfg := config.LoadDefaults()
	cfg.Storage.DataDir = blocked
	cfg.Checkpoint.AutoInterval = 0

	db, err := Open(cfg, Options{})
	require.NoError(t, err, "a broken data dir must degrade to memory, not fail open")
	t.Cleanup(func() { db.Close() })

	assert.False(t, db.Persistent())
}

func TestPersistentReportsStoreMode(t *testing.T) {
	db := openTestDB(t, Options{})
	// In-memory BadgerDB runs without disk persistence.
	assert.False(t, db.Persistent())
}
