// Package recovery implements the corruption recovery orchestrator: an
// ordered chain of strategies that turns a broken load into usable state.
//
// The chain runs least-destructive first - in-place repair, then backup
// restore, then checkpoint rollback, then the default-state template, and
// finally a full reset. The first strategy that produces state the caller
// can use wins; only when every strategy fails does the orchestrator
// surface ErrRecoveryExhausted. Partial failures inside the chain are
// recorded in the attempt history, never returned to the caller.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/orneryd/savepoint/pkg/checkpoint"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/save"
	"github.com/orneryd/savepoint/pkg/schema"
)

// ErrRecoveryExhausted is the only error the orchestrator returns: every
// strategy in the chain failed. It wraps the original load failure.
var ErrRecoveryExhausted = errors.New("recovery: all strategies exhausted")

// Strategy names, in chain order.
const (
	StrategyRepair   = "repair"
	StrategyBackup   = "backup"
	StrategyRollback = "rollback"
	StrategyDefault  = "default"
	StrategyReset    = "reset"
)

// Attempt records one strategy execution for the history ring.
type Attempt struct {
	Key      string    `json:"key"`
	Strategy string    `json:"strategy"`
	At       time.Time `json:"at"`
	Err      string    `json:"error,omitempty"`
	Success  bool      `json:"success"`
}

// Config configures an orchestrator.
type Config struct {
	// Engine is the save engine being recovered. Required.
	Engine *save.Engine

	// Repairer drives the repair strategy. Nil skips it.
	Repairer *schema.Repairer

	// Checkpoints drives the rollback strategy. Nil skips it.
	Checkpoints *checkpoint.Manager

	// Defaults returns the default-state template for the key being
	// recovered. Nil skips the default strategy.
	Defaults func(key string) map[string]any

	// Reset returns the state a full reset installs. Nil falls back to
	// Defaults, then to an empty object.
	Reset func(key string) map[string]any

	// MaxHistory bounds the attempt ring. Default 64.
	MaxHistory int

	// Bus receives recovery events. Nil degrades silently.
	Bus notify.Bus
}

// Orchestrator runs the recovery chain. It implements the save engine's
// RecoveryHandler, so installing it closes the loop:
//
//	orch, err := recovery.NewOrchestrator(recovery.Config{Engine: engine, ...})
//	if err != nil {
//		log.Fatal(err)
//	}
//	engine.SetRecoveryHandler(orch)
type Orchestrator struct {
	engine      *save.Engine
	repairer    *schema.Repairer
	checkpoints *checkpoint.Manager
	defaults    func(string) map[string]any
	reset       func(string) map[string]any
	bus         notify.Bus

	mu         sync.Mutex
	history    []Attempt
	maxHistory int
}

var _ save.RecoveryHandler = (*Orchestrator)(nil)

// NewOrchestrator creates a recovery orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("recovery: Config.Engine is required")
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 64
	}

	return &Orchestrator{
		engine:      cfg.Engine,
		repairer:    cfg.Repairer,
		checkpoints: cfg.Checkpoints,
		defaults:    cfg.Defaults,
		reset:       cfg.Reset,
		bus:         notify.OrNop(cfg.Bus),
		maxHistory:  cfg.MaxHistory,
	}, nil
}

// strategy is one chain entry.
type strategy struct {
	name string
	run  func(ctx context.Context, key string) (map[string]any, error)
}

// chain returns the strategies in execution order, least destructive
// first.
func (o *Orchestrator) chain() []strategy {
	return []strategy{
		{StrategyRepair, o.tryRepair},
		{StrategyBackup, o.tryBackup},
		{StrategyRollback, o.tryRollback},
		{StrategyDefault, o.tryDefault},
		{StrategyReset, o.tryReset},
	}
}

// attempt runs one strategy, recording it in the history and emitting the
// attempt/success events.
func (o *Orchestrator) attempt(ctx context.Context, key string, s strategy) (map[string]any, error) {
	o.bus.Emit(notify.EventRecoveryAttempted, map[string]any{"key": key, "strategy": s.name})
	value, err := s.run(ctx, key)
	o.record(key, s.name, err)

	if err != nil {
		log.Printf("recovery: strategy %q failed for %q: %v", s.name, key, err)
		return nil, err
	}

	log.Printf("recovery: strategy %q recovered %q", s.name, key)
	o.bus.Emit(notify.EventRecoverySucceeded, map[string]any{"key": key, "strategy": s.name})
	return value, nil
}

// Recover runs the strategy chain for key after cause broke its load.
func (o *Orchestrator) Recover(ctx context.Context, key string, cause error) (map[string]any, error) {
	for _, s := range o.chain() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		value, err := o.attempt(ctx, key, s)
		if err != nil {
			continue
		}
		return value, nil
	}

	o.bus.Emit(notify.EventRecoveryExhausted, map[string]any{"key": key, "cause": cause.Error()})
	return nil, fmt.Errorf("%w: %q: %v", ErrRecoveryExhausted, key, cause)
}

// Option is one recovery action an external decision surface can offer.
// The orchestrator knows the strategies; it does not know (or care)
// whether the surface is a dialog, a CLI prompt, or something else.
type Option struct {
	// ID names the strategy; pass it to ExecuteOption.
	ID string `json:"id"`

	// Description is a human-readable summary of what the strategy would
	// do to the damaged slot.
	Description string `json:"description"`
}

// Options builds the priority-ordered list of strategies that could
// plausibly recover key, gathered from actual context: whether anything
// is salvageable, whether backups and checkpoints exist, whether a
// default template is configured. The reset option is always last and
// always present.
func (o *Orchestrator) Options(ctx context.Context, key string, cause error) []Option {
	var options []Option

	if o.repairer != nil {
		if salvaged, err := o.engine.LoadRaw(key); err == nil {
			report := schema.CheckCorruption(salvaged, nil)
			options = append(options, Option{
				ID:          StrategyRepair,
				Description: fmt.Sprintf("repair the damaged state in place (%s corruption)", report.Severity),
			})
		}
	}

	if o.engine.HasBackups(key) {
		options = append(options, Option{
			ID:          StrategyBackup,
			Description: "restore the newest verified backup",
		})
	}

	if o.checkpoints != nil {
		if checkpoints, err := o.checkpoints.List(ctx); err == nil && len(checkpoints) > 0 {
			options = append(options, Option{
				ID:          StrategyRollback,
				Description: fmt.Sprintf("roll back to the newest of %d usable checkpoints", len(checkpoints)),
			})
		}
	}

	if o.defaults != nil && o.defaults(key) != nil {
		options = append(options, Option{
			ID:          StrategyDefault,
			Description: "replace the damaged state with the default template",
		})
	}

	options = append(options, Option{
		ID:          StrategyReset,
		Description: "wipe the slot and start fresh (destructive)",
	})
	return options
}

// ExecuteOption runs a single strategy chosen by an external decision
// surface, typically picked from Options. The attempt is recorded in the
// history like any automatic one.
func (o *Orchestrator) ExecuteOption(ctx context.Context, key, id string) (map[string]any, error) {
	for _, s := range o.chain() {
		if s.name != id {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return o.attempt(ctx, key, s)
	}
	return nil, fmt.Errorf("recovery: unknown option %q", id)
}

// History returns a copy of the recent attempt ring, oldest first.
func (o *Orchestrator) History() []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Attempt, len(o.history))
	copy(out, o.history)
	return out
}

func (o *Orchestrator) record(key, strategy string, err error) {
	a := Attempt{Key: key, Strategy: strategy, At: time.Now(), Success: err == nil}
	if err != nil {
		a.Err = err.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.history = append(o.history, a)
	if len(o.history) > o.maxHistory {
		o.history = o.history[len(o.history)-o.maxHistory:]
	}
}
