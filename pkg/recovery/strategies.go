// Package recovery - the individual strategies. Each returns the
// recovered state or an error that sends the chain to the next strategy.
package recovery

import (
	"context"
	"fmt"

	"github.com/orneryd/savepoint/pkg/save"
)

// tryRepair salvages whatever still decodes for key and runs it through
// the repairer. Accepted only if the repaired value passes post-repair
// validation; a half-fixed state is worse than falling through to a
// backup.
func (o *Orchestrator) tryRepair(ctx context.Context, key string) (map[string]any, error) {
	if o.repairer == nil {
		return nil, fmt.Errorf("no repairer configured")
	}

	salvaged, err := o.engine.LoadRaw(key)
	if err != nil {
		return nil, fmt.Errorf("nothing salvageable: %w", err)
	}

	result := o.repairer.Repair(salvaged)
	repaired, ok := result.Repaired.(map[string]any)
	if !result.Valid || !ok {
		return nil, fmt.Errorf("repair did not produce valid state")
	}

	if err := o.engine.Save(ctx, key, repaired, save.Options{}); err != nil {
		return nil, fmt.Errorf("persist repaired state: %w", err)
	}
	return repaired, nil
}

// tryBackup restores the newest verifiable backup of key. The restore
// reinstalls the backup as the live record, so the next load is clean.
func (o *Orchestrator) tryBackup(ctx context.Context, key string) (map[string]any, error) {
	return o.engine.RestoreLatestBackup(ctx, key)
}

// tryRollback walks checkpoints newest-to-oldest and applies the first
// usable one.
func (o *Orchestrator) tryRollback(ctx context.Context, key string) (map[string]any, error) {
	if o.checkpoints == nil {
		return nil, fmt.Errorf("no checkpoint manager configured")
	}

	cp, err := o.checkpoints.ProgressiveRollback(ctx)
	if err != nil {
		return nil, err
	}

	// The rollback applied the state to the live application; persist it
	// under the broken key too so storage agrees with what we returned.
	if err := o.engine.Save(ctx, key, cp.State, save.Options{}); err != nil {
		return nil, fmt.Errorf("persist rolled-back state: %w", err)
	}
	return cp.State, nil
}

// tryDefault installs the default-state template for key.
func (o *Orchestrator) tryDefault(ctx context.Context, key string) (map[string]any, error) {
	if o.defaults == nil {
		return nil, fmt.Errorf("no default state configured")
	}
	state := o.defaults(key)
	if state == nil {
		return nil, fmt.Errorf("no default state for %q", key)
	}

	if err := o.engine.Save(ctx, key, state, save.Options{}); err != nil {
		return nil, fmt.Errorf("persist default state: %w", err)
	}
	return state, nil
}

// tryReset wipes key and installs a fresh baseline. The last resort:
// everything else has already failed, losing data beats returning none.
func (o *Orchestrator) tryReset(ctx context.Context, key string) (map[string]any, error) {
	if err := o.engine.Delete(ctx, key); err != nil {
		return nil, fmt.Errorf("wipe %q: %w", key, err)
	}

	state := map[string]any{}
	switch {
	case o.reset != nil:
		state = o.reset(key)
	case o.defaults != nil:
		if d := o.defaults(key); d != nil {
			state = d
		}
	}

	if err := o.engine.Save(ctx, key, state, save.Options{}); err != nil {
		return nil, fmt.Errorf("persist reset state: %w", err)
	}
	return state, nil
}
