// Package checkpoint implements durable point-in-time snapshots of a save
// slot, with retention policies, digest-verified rollback, and an
// automatic snapshot trigger.
//
// A checkpoint is a full copy of the state at creation time plus metadata
// describing why it was taken. Checkpoints are stored through the save
// engine, so they inherit its digests, compression, and chunking.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/savepoint/pkg/integrity"
)

// Trigger records why a checkpoint was created.
type Trigger string

const (
	// TriggerManual is an explicit user-requested checkpoint.
	TriggerManual Trigger = "manual"

	// TriggerAuto is a periodic checkpoint from the auto-trigger loop.
	TriggerAuto Trigger = "auto"

	// TriggerMilestone marks a significant progression point. Milestone
	// checkpoints are critical and survive normal retention.
	TriggerMilestone Trigger = "milestone"

	// TriggerErrorRecovery is a safety snapshot taken before a rollback
	// overwrites live state.
	TriggerErrorRecovery Trigger = "error_recovery"
)

// Priority influences retention: high-priority checkpoints are treated as
// critical alongside milestones.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Errors returned by the checkpoint manager.
var (
	// ErrCheckpointNotFound is returned when an ID resolves to nothing.
	ErrCheckpointNotFound = errors.New("checkpoint: not found")

	// ErrCheckpointInvalid means a checkpoint failed digest verification
	// and must not be rolled back to.
	ErrCheckpointInvalid = errors.New("checkpoint: failed validation")

	// ErrCreateInProgress is the load-shed signal: another checkpoint is
	// currently being created.
	ErrCreateInProgress = errors.New("checkpoint: creation already in progress")

	// ErrTooSoon means the minimum interval since the last checkpoint
	// has not elapsed.
	ErrTooSoon = errors.New("checkpoint: minimum interval not elapsed")

	// ErrResourcePressure means the pressure hook shed the creation:
	// the system is too loaded to spend time snapshotting right now.
	ErrResourcePressure = errors.New("checkpoint: creation shed under resource pressure")

	// ErrRollbackValidation means the applied rollback state failed
	// validation and the live state was reverted from the safety
	// snapshot.
	ErrRollbackValidation = errors.New("checkpoint: restored state failed validation")

	// ErrCritical protects milestone and high-priority checkpoints from
	// non-forced deletion.
	ErrCritical = errors.New("checkpoint: refusing to delete critical checkpoint")

	// ErrRollbackDeclined is returned when the large-loss confirmation
	// hook rejects a rollback.
	ErrRollbackDeclined = errors.New("checkpoint: rollback declined")

	// ErrStateInvalid means the live state failed its precheck and is
	// not worth checkpointing.
	ErrStateInvalid = errors.New("checkpoint: current state failed validation")
)

// Validation is the integrity summary computed at creation time and
// re-checked before any rollback.
type Validation struct {
	Checksum integrity.Digest `json:"checksum"`
	Valid    bool             `json:"valid"`
	Errors   []string         `json:"errors,omitempty"`
}

// Checkpoint is one stored snapshot.
type Checkpoint struct {
	ID          string         `json:"id"`
	Trigger     Trigger        `json:"trigger"`
	Priority    Priority       `json:"priority"`
	Description string         `json:"description,omitempty"`
	CreatedAt   int64          `json:"created_at"` // Unix millis
	Validation  Validation     `json:"validation"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	State       map[string]any `json:"state"`
}

// Critical reports whether retention must preserve this checkpoint.
func (c *Checkpoint) Critical() bool {
	return c.Trigger == TriggerMilestone || c.Priority == PriorityHigh
}

// Age returns how old the checkpoint is.
func (c *Checkpoint) Age() time.Duration {
	return time.Since(time.UnixMilli(c.CreatedAt))
}

// Filter narrows a checkpoint listing. Zero-valued fields match
// everything.
type Filter struct {
	Trigger  Trigger
	Priority Priority
}

// Match reports whether c satisfies every set field of the filter.
func (f Filter) Match(c *Checkpoint) bool {
	if f.Trigger != "" && c.Trigger != f.Trigger {
		return false
	}
	if f.Priority != "" && c.Priority != f.Priority {
		return false
	}
	return true
}

// storageKey derives the save-slot key a checkpoint lives under.
func storageKey(id string) string {
	return "checkpoint_" + id
}

// toValue lowers a checkpoint to the map form the save engine persists.
func (c *Checkpoint) toValue() (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.ID, err)
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("encode checkpoint %s: %w", c.ID, err)
	}
	return value, nil
}

// fromValue rebuilds a checkpoint from its stored map form.
func fromValue(value map[string]any) (*Checkpoint, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	if c.ID == "" {
		return nil, fmt.Errorf("decode checkpoint: missing id")
	}
	return &c, nil
}
