// Package save - Engine construction and the serialized write queue.
package save

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/orneryd/savepoint/pkg/integrity"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/schema"
	"github.com/orneryd/savepoint/pkg/storage"
)

// RecoveryHandler is invoked when a load fails beyond local repair. It is
// implemented by the recovery orchestrator; the engine only knows the
// capability, keeping the dependency one-directional.
type RecoveryHandler interface {
	// Recover attempts to produce a usable replacement state for key
	// after cause broke the normal load path. It returns the recovered
	// state or an error when every strategy is exhausted.
	Recover(ctx context.Context, key string, cause error) (map[string]any, error)
}

// MigrateFunc upgrades a value written under an older record format
// version. Called after validation, before the value is returned.
type MigrateFunc func(fromVersion int, value map[string]any) (map[string]any, error)

// Config configures a save engine.
type Config struct {
	// Store is the backing medium. Required.
	Store storage.Store

	// Prefix namespaces every key this engine writes. Default "sp_".
	Prefix string

	// MaxChunkSize is the serialized-record size above which records are
	// split into fragments. Default 1 MiB.
	MaxChunkSize int

	// Compressor applied to payloads. Nil means pass-through.
	Compressor Compressor

	// Hasher computes content digests. Nil selects the primary SHA-256
	// hasher.
	Hasher *integrity.Hasher

	// Registry resolves schema IDs bound to keys. Optional; keys without
	// a bound schema skip validation.
	Registry *schema.Registry

	// Repairer attempts in-place repair of corrupted loads. Optional.
	Repairer *schema.Repairer

	// SkipPredicate, when set, is consulted before each save; returning
	// true skips the write. Used to avoid persisting an empty
	// pre-initialization state.
	SkipPredicate func(value map[string]any) bool

	// Bus receives store events. Nil degrades silently.
	Bus notify.Bus

	// Migrate upgrades values written under older record versions.
	Migrate MigrateFunc

	// QueueDepth bounds the write queue. Default 64. Enqueueing blocks
	// when the queue is full.
	QueueDepth int
}

// Engine orchestrates save and load as atomic, serialized operations.
//
// Every save funnels through one FIFO queue processed by a single worker
// goroutine: concurrent callers receive a Pending handle that resolves
// after the queue drains to their entry, and never observe interleaved
// partial writes.
//
// Example:
//
//	engine, err := save.NewEngine(save.Config{Store: store})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Close()
//
//	if err := engine.Save(ctx, "main", state, save.Options{Backup: true}); err != nil {
//		log.Printf("save failed: %v", err)
//	}
type Engine struct {
	store      storage.Store
	prefix     string
	chunkSize  int
	compressor Compressor
	hasher     *integrity.Hasher
	registry   *schema.Registry
	repairer   *schema.Repairer
	skip       func(map[string]any) bool
	bus        notify.Bus
	migrate    MigrateFunc

	// Write serialization: one queue, one worker. closeMu makes the
	// closed check and the enqueue atomic with respect to Close.
	queue   chan *writeRequest
	wg      sync.WaitGroup
	closeMu sync.RWMutex

	// Schema bindings: key -> schema ID.
	bindMu   sync.RWMutex
	bindings map[string]string

	// In-flight loads: concurrent loads of one key share a single call.
	loadMu  sync.Mutex
	inLoad  map[string]*loadCall
	recover RecoveryHandler

	disabled atomic.Bool
	closed   atomic.Bool
}

// Queued write kinds. Deletes and imports go through the same queue as
// saves so no two mutations of one key ever interleave.
const (
	opSave = iota
	opDelete
	opImport
	opRestore
)

// writeRequest is one queued mutation.
type writeRequest struct {
	kind  int
	key   string
	value map[string]any
	raw   []byte // serialized record bytes for opImport
	opts  Options
	done  chan error
}

// Options controls a single save call.
type Options struct {
	// Backup snapshots the existing record before overwriting it.
	Backup bool

	// Risky marks a write whose failure modes are dangerous (imports,
	// migrations). Risky implies Backup, and the write is aborted if the
	// backup cannot be created.
	Risky bool

	// Sanitize corrects fixable schema violations instead of refusing
	// the save: ill-typed leaves are coerced, out-of-range numbers
	// clamped, missing required fields filled from their defaults. The
	// corrected value is what gets persisted. Violations sanitization
	// cannot fix still abort the save.
	Sanitize bool

	// SchemaID overrides the schema bound to the key for this call.
	SchemaID string
}

// NewEngine creates a save engine and starts its write worker.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("save: Config.Store is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sp_"
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1 << 20 // 1 MiB
	}
	if cfg.Compressor == nil {
		cfg.Compressor = NopCompressor{}
	}
	if cfg.Hasher == nil {
		cfg.Hasher = integrity.NewHasher()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}

	e := &Engine{
		store:      cfg.Store,
		prefix:     cfg.Prefix,
		chunkSize:  cfg.MaxChunkSize,
		compressor: cfg.Compressor,
		hasher:     cfg.Hasher,
		registry:   cfg.Registry,
		repairer:   cfg.Repairer,
		skip:       cfg.SkipPredicate,
		bus:        notify.OrNop(cfg.Bus),
		migrate:    cfg.Migrate,
		queue:      make(chan *writeRequest, cfg.QueueDepth),
		bindings:   make(map[string]string),
		inLoad:     make(map[string]*loadCall),
	}

	e.wg.Add(1)
	go e.writeLoop()

	return e, nil
}

// writeLoop drains the FIFO write queue. Exactly one write is in flight at
// any time; this is the whole atomicity mechanism.
func (e *Engine) writeLoop() {
	defer e.wg.Done()

	for req := range e.queue {
		var err error
		switch req.kind {
		case opDelete:
			err = e.performDelete(req.key)
		case opImport:
			err = e.performImport(req.key, req.raw, req.opts)
		case opRestore:
			err = e.writeRecordBytes(req.key, req.raw)
		default:
			err = e.performSave(req.key, req.value, req.opts)
		}
		if req.kind != opSave {
			req.done <- err
			continue
		}
		if err != nil {
			e.bus.Emit(notify.EventSaveFailed, map[string]any{"key": req.key, "error": err.Error()})
		} else {
			e.bus.Emit(notify.EventSaveCompleted, map[string]any{"key": req.key})
		}
		req.done <- err
	}
}

// BindSchema associates a registered schema ID with a key. Saves and loads
// of that key validate against the schema.
func (e *Engine) BindSchema(key, schemaID string) error {
	if e.registry == nil || !e.registry.Has(schemaID) {
		return fmt.Errorf("%w: %q", schema.ErrSchemaNotFound, schemaID)
	}
	e.bindMu.Lock()
	defer e.bindMu.Unlock()
	e.bindings[key] = schemaID
	return nil
}

// schemaFor resolves the schema definition for a key, honoring a per-call
// override. Returns nil when no schema applies.
func (e *Engine) schemaFor(key, override string) *schema.Definition {
	if e.registry == nil {
		return nil
	}
	id := override
	if id == "" {
		e.bindMu.RLock()
		id = e.bindings[key]
		e.bindMu.RUnlock()
	}
	if id == "" {
		return nil
	}
	def, err := e.registry.Get(id)
	if err != nil {
		log.Printf("save: schema %q bound to %q is not registered", id, key)
		return nil
	}
	return def
}

// SetRecoveryHandler installs the recovery orchestrator consulted when a
// load fails beyond local repair.
func (e *Engine) SetRecoveryHandler(h RecoveryHandler) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	e.recover = h
}

// SetDisabled administratively disables the store. Saves become silent
// no-ops; loads still work.
func (e *Engine) SetDisabled(disabled bool) {
	e.disabled.Store(disabled)
}

// Disabled reports the administrative disable switch.
func (e *Engine) Disabled() bool {
	return e.disabled.Load()
}

// Pending is the handle for an enqueued save. The save resolves when the
// write queue drains to its entry.
type Pending struct {
	done chan error
}

// Done returns a channel that yields the save's result exactly once.
func (p *Pending) Done() <-chan error {
	return p.done
}

// Wait blocks until the save resolves or ctx is done. A context expiry
// abandons the wait only - the queued write still runs to completion;
// in-flight operations are never cancelled mid-write.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SaveAsync enqueues a save and returns immediately with its handle.
func (e *Engine) SaveAsync(key string, value map[string]any, opts Options) *Pending {
	p := &Pending{done: make(chan error, 1)}

	if e.disabled.Load() {
		p.done <- nil // administratively disabled: silently succeed
		return p
	}
	if e.skip != nil && e.skip(value) {
		p.done <- nil // no real progress yet: nothing worth persisting
		return p
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		p.done <- ErrEngineClosed
		return p
	}
	e.queue <- &writeRequest{key: key, value: value, opts: opts, done: p.done}
	return p
}

// enqueue submits a non-save mutation to the worker, guarding against a
// concurrent Close.
func (e *Engine) enqueue(req *writeRequest) error {
	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.queue <- req
	return nil
}

// Save enqueues a save and blocks until it commits or fails.
func (e *Engine) Save(ctx context.Context, key string, value map[string]any, opts Options) error {
	return e.SaveAsync(key, value, opts).Wait(ctx)
}

// Close drains the write queue and stops the worker. Pending saves
// complete; new saves fail with ErrEngineClosed.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	alreadyClosed := e.closed.Swap(true)
	if !alreadyClosed {
		close(e.queue)
	}
	e.closeMu.Unlock()

	if alreadyClosed {
		return nil
	}
	e.wg.Wait()
	return nil
}
