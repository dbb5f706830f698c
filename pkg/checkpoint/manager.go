// Package checkpoint - manager construction, creation, and retention.
package checkpoint

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/savepoint/pkg/integrity"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/save"
	"github.com/orneryd/savepoint/pkg/schema"
)

// StateProvider returns the current live state to snapshot.
type StateProvider func(ctx context.Context) (map[string]any, error)

// StateApplier installs a rolled-back state as the live state.
type StateApplier func(ctx context.Context, state map[string]any) error

// Config configures a checkpoint manager.
type Config struct {
	// Engine persists checkpoint records. Required.
	Engine *save.Engine

	// Provider supplies the live state for snapshots. Required.
	Provider StateProvider

	// Applier installs state during rollback. Required.
	Applier StateApplier

	// Schema, when set, prechecks the live state before a checkpoint is
	// taken; severely corrupted state is refused.
	Schema *schema.Definition

	// Hasher computes checkpoint checksums. Nil selects SHA-256.
	Hasher *integrity.Hasher

	// MaxCount bounds the number of retained checkpoints. Default 10.
	MaxCount int

	// MaxAge expires non-critical checkpoints. Zero disables age expiry.
	MaxAge time.Duration

	// CriticalKeep is how many critical checkpoints retention always
	// preserves, newest first. Default 3.
	CriticalKeep int

	// MinInterval throttles checkpoint creation. Default 30s. Forced,
	// high-priority, and error-recovery checkpoints bypass the throttle.
	MinInterval time.Duration

	// PressureCheck, when set, is consulted before a checkpoint is
	// taken; returning an error sheds the creation. Bypassed by the
	// same conditions as the throttle.
	PressureCheck func() error

	// SoftLatency is the creation duration above which a warning is
	// logged. The checkpoint still succeeds. Default 2s.
	SoftLatency time.Duration

	// LargeLossThreshold is the age above which a rollback target
	// triggers the confirmation hook. Default 30m.
	LargeLossThreshold time.Duration

	// ConfirmLargeLoss decides whether a rollback that discards more
	// than LargeLossThreshold of progress proceeds. Nil declines such
	// rollbacks.
	ConfirmLargeLoss func(loss time.Duration, target *Checkpoint) bool

	// Bus receives checkpoint events. Nil degrades silently.
	Bus notify.Bus
}

// Manager creates, lists, expires, and rolls back checkpoints.
type Manager struct {
	engine       *save.Engine
	provider     StateProvider
	applier      StateApplier
	schema       *schema.Definition
	hasher       *integrity.Hasher
	maxCount     int
	maxAge       time.Duration
	criticalKeep int
	minInterval  time.Duration
	pressure     func() error
	softLatency  time.Duration
	lossLimit    time.Duration
	confirmLoss  func(time.Duration, *Checkpoint) bool
	bus          notify.Bus

	// creating sheds concurrent creation attempts instead of queueing
	// them; a second snapshot of the same moment has no value.
	creating atomic.Bool

	mu         sync.Mutex
	lastCreate time.Time

	auto *autoTrigger
}

// NewManager creates a checkpoint manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("checkpoint: Config.Engine is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("checkpoint: Config.Provider is required")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("checkpoint: Config.Applier is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = integrity.NewHasher()
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 10
	}
	if cfg.CriticalKeep <= 0 {
		cfg.CriticalKeep = 3
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 30 * time.Second
	}
	if cfg.SoftLatency <= 0 {
		cfg.SoftLatency = 2 * time.Second
	}
	if cfg.LargeLossThreshold <= 0 {
		cfg.LargeLossThreshold = 30 * time.Minute
	}

	return &Manager{
		engine:       cfg.Engine,
		provider:     cfg.Provider,
		applier:      cfg.Applier,
		schema:       cfg.Schema,
		hasher:       cfg.Hasher,
		maxCount:     cfg.MaxCount,
		maxAge:       cfg.MaxAge,
		criticalKeep: cfg.CriticalKeep,
		minInterval:  cfg.MinInterval,
		pressure:     cfg.PressureCheck,
		softLatency:  cfg.SoftLatency,
		lossLimit:    cfg.LargeLossThreshold,
		confirmLoss:  cfg.ConfirmLargeLoss,
		bus:          notify.OrNop(cfg.Bus),
	}, nil
}

// CreateOptions tunes one checkpoint creation.
type CreateOptions struct {
	// Priority marks the checkpoint's retention weight.
	Priority Priority

	// Description is a human-readable label.
	Description string

	// Metadata is arbitrary caller context stored with the checkpoint.
	Metadata map[string]any

	// Force bypasses the minimum-interval throttle.
	Force bool
}

// Create takes a checkpoint of the current live state.
//
// Concurrent creations are shed, not queued: the second caller gets
// ErrCreateInProgress. Creations inside the minimum interval get
// ErrTooSoon, and the pressure hook can shed with ErrResourcePressure;
// forced, high-priority, and error-recovery checkpoints bypass both
// guards. Severely corrupted live state is refused rather than
// immortalized.
func (m *Manager) Create(ctx context.Context, trigger Trigger, opts CreateOptions) (*Checkpoint, error) {
	if !m.creating.CompareAndSwap(false, true) {
		return nil, ErrCreateInProgress
	}
	defer m.creating.Store(false)

	bypass := opts.Force || opts.Priority == PriorityHigh || trigger == TriggerErrorRecovery
	m.mu.Lock()
	if !bypass && !m.lastCreate.IsZero() && time.Since(m.lastCreate) < m.minInterval {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: next allowed at %s", ErrTooSoon, m.lastCreate.Add(m.minInterval).Format(time.RFC3339))
	}
	m.mu.Unlock()

	if !bypass && m.pressure != nil {
		if err := m.pressure(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResourcePressure, err)
		}
	}

	started := time.Now()

	state, err := m.provider(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: read live state: %w", err)
	}

	validation, err := m.validateState(state)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		Priority:    opts.Priority,
		Description: opts.Description,
		CreatedAt:   time.Now().UnixMilli(),
		Validation:  validation,
		Metadata:    opts.Metadata,
		State:       state,
	}
	if cp.Priority == "" {
		cp.Priority = PriorityNormal
	}

	value, err := cp.toValue()
	if err != nil {
		return nil, err
	}
	if err := m.engine.Save(ctx, storageKey(cp.ID), value, save.Options{}); err != nil {
		return nil, fmt.Errorf("checkpoint: persist %s: %w", cp.ID, err)
	}

	m.mu.Lock()
	m.lastCreate = time.Now()
	m.mu.Unlock()

	m.bus.Emit(notify.EventCheckpointCreated, map[string]any{
		"id":      cp.ID,
		"trigger": string(trigger),
	})

	if err := m.enforceRetention(ctx); err != nil {
		log.Printf("checkpoint: retention pass failed: %v", err)
	}

	if elapsed := time.Since(started); elapsed > m.softLatency {
		log.Printf("checkpoint: creation of %s took %s (soft limit %s)", cp.ID, elapsed, m.softLatency)
	}

	return cp, nil
}

// validateState prechecks live state before it becomes a checkpoint.
// Severe corruption aborts; lesser findings are recorded on the
// checkpoint so a later rollback knows what it is getting.
func (m *Manager) validateState(state map[string]any) (Validation, error) {
	checksum, err := m.hasher.Compute(state)
	if err != nil {
		return Validation{}, fmt.Errorf("%w: %v", ErrStateInvalid, err)
	}

	v := Validation{Checksum: checksum, Valid: true}

	report := schema.CheckCorruption(state, m.schema)
	if report.Severity >= schema.SeveritySevere {
		return Validation{}, fmt.Errorf("%w: %v", ErrStateInvalid, report.Issues)
	}
	if report.Corrupted {
		v.Valid = false
		v.Errors = report.Issues
	}

	return v, nil
}

// List returns checkpoints newest first. Optional filters narrow the
// listing by trigger and priority; every given filter must match.
func (m *Manager) List(ctx context.Context, filters ...Filter) ([]*Checkpoint, error) {
	keys, err := m.engine.KeysWithPrefix("checkpoint_")
	if err != nil {
		return nil, err
	}

	checkpoints := make([]*Checkpoint, 0, len(keys))
	for _, key := range keys {
		// LoadRaw, not Load: a damaged checkpoint must not recursively
		// trigger recovery (which walks checkpoints). The checkpoint's
		// own checksum is verified before any rollback instead.
		value, err := m.engine.LoadRaw(key)
		if err != nil {
			log.Printf("checkpoint: skipping unreadable %q: %v", key, err)
			continue
		}
		cp, err := fromValue(value)
		if err != nil {
			log.Printf("checkpoint: skipping undecodable %q: %v", key, err)
			continue
		}
		if !matchesAll(cp, filters) {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt > checkpoints[j].CreatedAt
	})
	return checkpoints, nil
}

func matchesAll(cp *Checkpoint, filters []Filter) bool {
	for _, f := range filters {
		if !f.Match(cp) {
			return false
		}
	}
	return true
}

// Get returns one checkpoint by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Checkpoint, error) {
	if !m.engine.Exists(storageKey(id)) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, id)
	}
	value, err := m.engine.LoadRaw(storageKey(id))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load %s: %w", id, err)
	}
	return fromValue(value)
}

// Delete removes a checkpoint. Critical checkpoints (milestones,
// high-priority) require force.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	cp, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if cp.Critical() && !force {
		return fmt.Errorf("%w: %s (%s)", ErrCritical, id, cp.Trigger)
	}

	if err := m.engine.Delete(ctx, storageKey(id)); err != nil {
		return err
	}
	m.bus.Emit(notify.EventCheckpointDeleted, map[string]any{"id": id, "forced": force})
	return nil
}

// enforceRetention applies the age and count policies. Critical
// checkpoints are preserved up to criticalKeep (newest first); beyond
// that they compete with everything else. Oldest entries go first.
func (m *Manager) enforceRetention(ctx context.Context) error {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return err
	}

	protected := make(map[string]bool, m.criticalKeep)
	criticalSeen := 0
	for _, cp := range checkpoints { // newest first
		if cp.Critical() && criticalSeen < m.criticalKeep {
			protected[cp.ID] = true
			criticalSeen++
		}
	}

	// Age expiry.
	if m.maxAge > 0 {
		for _, cp := range checkpoints {
			if protected[cp.ID] || cp.Age() <= m.maxAge {
				continue
			}
			if err := m.engine.Delete(ctx, storageKey(cp.ID)); err != nil {
				return err
			}
			m.bus.Emit(notify.EventCheckpointDeleted, map[string]any{"id": cp.ID, "reason": "age"})
		}
		checkpoints, err = m.List(ctx)
		if err != nil {
			return err
		}
	}

	// Count quota, oldest first.
	excess := len(checkpoints) - m.maxCount
	for i := len(checkpoints) - 1; i >= 0 && excess > 0; i-- {
		cp := checkpoints[i]
		if protected[cp.ID] {
			continue
		}
		if err := m.engine.Delete(ctx, storageKey(cp.ID)); err != nil {
			return err
		}
		m.bus.Emit(notify.EventCheckpointDeleted, map[string]any{"id": cp.ID, "reason": "count"})
		excess--
	}

	return nil
}
