// Package checkpoint - rollback and progressive rollback.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/schema"
)

// Rollback replaces the live state with a checkpoint's state.
//
// The checkpoint's checksum is re-verified first; a checkpoint that no
// longer matches its own digest is refused. Rollbacks that discard more
// than the large-loss threshold of progress go through the confirmation
// hook. Before the live state is overwritten a safety snapshot is taken,
// and a failed apply is reverted from it.
func (m *Manager) Rollback(ctx context.Context, id string) error {
	cp, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.rollbackTo(ctx, cp, false)
}

// rollbackTo performs the rollback body. confirmed suppresses the
// large-loss hook for automated recovery paths.
func (m *Manager) rollbackTo(ctx context.Context, cp *Checkpoint, confirmed bool) error {
	if err := m.verify(cp); err != nil {
		return err
	}

	if loss := cp.Age(); !confirmed && loss > m.lossLimit {
		if m.confirmLoss == nil || !m.confirmLoss(loss, cp) {
			return fmt.Errorf("%w: %s would discard %s of progress", ErrRollbackDeclined, cp.ID, loss.Round(time.Second))
		}
	}

	m.bus.Emit(notify.EventRollbackStarted, map[string]any{"id": cp.ID})

	// Safety snapshot of what we are about to overwrite. Corrupted live
	// state is the one acceptable reason to proceed without it - that
	// state is what we are rolling back FROM.
	snapshot, err := m.Create(ctx, TriggerErrorRecovery, CreateOptions{
		Description: "pre-rollback snapshot of " + cp.ID,
	})
	if err != nil && !errors.Is(err, ErrStateInvalid) {
		m.bus.Emit(notify.EventRollbackFailed, map[string]any{"id": cp.ID, "error": err.Error()})
		return fmt.Errorf("checkpoint: pre-rollback snapshot: %w", err)
	}

	if err := m.applier(ctx, cp.State); err != nil {
		m.revert(ctx, cp, snapshot, err)
		return fmt.Errorf("checkpoint: apply %s: %w", cp.ID, err)
	}

	// Validate what actually landed, not what we meant to apply: a
	// checkpoint written under an older schema can verify against its
	// own checksum and still be unusable today.
	if err := m.validateRestored(ctx); err != nil {
		m.revert(ctx, cp, snapshot, err)
		return fmt.Errorf("%w: %s: %v", ErrRollbackValidation, cp.ID, err)
	}

	m.bus.Emit(notify.EventRollbackCompleted, map[string]any{"id": cp.ID})
	return nil
}

// validateRestored reads the live state back after an apply and checks it
// against the schema and the corruption heuristics.
func (m *Manager) validateRestored(ctx context.Context) error {
	restored, err := m.provider(ctx)
	if err != nil {
		return fmt.Errorf("read back restored state: %w", err)
	}

	if report := schema.CheckCorruption(restored, m.schema); report.Severity >= schema.SeveritySevere {
		return fmt.Errorf("restored state corrupted: %v", report.Issues)
	}
	if m.schema != nil {
		if result := schema.Validate(restored, m.schema, schema.Options{}); !result.Valid {
			return result.Err()
		}
	}
	return nil
}

// revert puts the safety snapshot's state back after a failed rollback.
func (m *Manager) revert(ctx context.Context, cp, snapshot *Checkpoint, cause error) {
	m.bus.Emit(notify.EventRollbackFailed, map[string]any{"id": cp.ID, "error": cause.Error()})
	if snapshot == nil {
		return
	}
	if err := m.applier(ctx, snapshot.State); err != nil {
		log.Printf("checkpoint: revert after failed rollback also failed: %v", err)
	}
}

// verify re-checks a checkpoint's stored state against its checksum.
func (m *Manager) verify(cp *Checkpoint) error {
	if cp.Validation.Checksum.IsZero() {
		return fmt.Errorf("%w: %s has no checksum", ErrCheckpointInvalid, cp.ID)
	}
	if err := m.hasher.Verify(cp.State, cp.Validation.Checksum); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCheckpointInvalid, cp.ID, err)
	}
	return nil
}

// ProgressiveRollback walks checkpoints newest-to-oldest and rolls back
// to the first one that verifies and applies. Used by recovery when the
// latest checkpoint may itself be damaged.
func (m *Manager) ProgressiveRollback(ctx context.Context) (*Checkpoint, error) {
	checkpoints, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints exist", ErrCheckpointNotFound)
	}

	var lastErr error
	for _, cp := range checkpoints {
		if err := m.rollbackTo(ctx, cp, true); err != nil {
			log.Printf("checkpoint: progressive rollback skipping %s: %v", cp.ID, err)
			lastErr = err
			continue
		}
		return cp, nil
	}

	return nil, fmt.Errorf("%w: every checkpoint failed: %v", ErrCheckpointInvalid, lastErr)
}
