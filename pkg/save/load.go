// Package save - the read path. A load verifies the stored digest,
// validates against the bound schema, and runs corruption checks before a
// value is ever handed to the caller. Anything that fails is routed
// through repair and, past that, the recovery handler; corrupted data is
// never returned silently.
package save

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/orneryd/savepoint/pkg/integrity"
	"github.com/orneryd/savepoint/pkg/notify"
	"github.com/orneryd/savepoint/pkg/schema"
	"github.com/orneryd/savepoint/pkg/storage"
)

// loadCall is one in-flight load. Concurrent loads of the same key attach
// to the first call and share its outcome instead of racing the store.
type loadCall struct {
	done  chan struct{}
	value map[string]any
	err   error
}

// Load fetches, verifies, and returns the value stored under key. Each
// caller gets its own copy of the value.
//
// Returns storage.ErrNotFound when the key has never been saved, and the
// recovery handler's result (or error) when the stored record is damaged.
func (e *Engine) Load(ctx context.Context, key string) (map[string]any, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}

	e.loadMu.Lock()
	if call, ok := e.inLoad[key]; ok {
		e.loadMu.Unlock()
		select {
		case <-call.done:
			return copyValue(call.value), call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	call := &loadCall{done: make(chan struct{})}
	e.inLoad[key] = call
	e.loadMu.Unlock()

	call.value, call.err = e.doLoad(ctx, key)
	close(call.done)

	e.loadMu.Lock()
	delete(e.inLoad, key)
	e.loadMu.Unlock()

	return copyValue(call.value), call.err
}

// doLoad is the single-flight body of Load.
func (e *Engine) doLoad(ctx context.Context, key string) (map[string]any, error) {
	data, err := e.readRecordBytes(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		// Missing chunks and read failures are corruption, not absence.
		return e.recoverLoad(ctx, key, err)
	}

	value, record, err := e.decodeAndVerify(data)
	if err != nil {
		return e.recoverLoad(ctx, key, err)
	}

	def := e.schemaFor(key, "")
	if def != nil {
		result := schema.Validate(value, def, schema.Options{LogErrors: true})
		if !result.Valid {
			return e.repairOrRecover(ctx, key, value, def, result.Err())
		}
	}

	// Plausibility findings on a validation-passing load (implausible
	// timestamps, suspicious shapes) are logged, not fatal.
	if report := schema.CheckCorruption(value, def); report.Corrupted {
		log.Printf("save: load of %q passed validation with findings: %v", key, report.Issues)
	}

	if e.migrate != nil && record.Version < recordVersion {
		migrated, err := e.migrate(record.Version, value)
		if err != nil {
			return nil, fmt.Errorf("migrate %q from version %d: %w", key, record.Version, err)
		}
		value = migrated
	}

	return value, nil
}

// decodeAndVerify parses serialized record bytes, unwraps the payload, and
// checks the stored digest against the value. Verification uses the hash
// family recorded at write time, so records written by a fallback build
// still verify, while a weak digest never vouches for a strong one.
func (e *Engine) decodeAndVerify(data []byte) (map[string]any, *SaveRecord, error) {
	var record SaveRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, nil, fmt.Errorf("%w: unparseable record: %v", ErrRecordCorrupted, err)
	}

	raw, err := record.decodePayload(e.compressor)
	if err != nil {
		return nil, nil, err
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, nil, fmt.Errorf("%w: unparseable payload: %v", ErrRecordCorrupted, err)
	}

	if !record.Digest.IsZero() {
		hasher, err := integrity.HasherFor(record.Digest.Algorithm)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrRecordCorrupted, err)
		}
		if err := hasher.Verify(value, record.Digest); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrRecordCorrupted, err)
		}
		if record.Digest.Weak() {
			log.Printf("save: record verified with weak digest %s", record.Digest.Algorithm)
		}
	}

	return value, &record, nil
}

// repairOrRecover handles a value that parsed and verified but failed
// schema validation. Recoverable damage goes through the repairer; a
// repaired value that passes post-validation is persisted and returned.
// Everything else falls through to the recovery handler.
func (e *Engine) repairOrRecover(ctx context.Context, key string, value map[string]any, def *schema.Definition, cause error) (map[string]any, error) {
	report := schema.CheckCorruption(value, def)

	if e.repairer != nil && report.Recoverable {
		result := e.repairer.Repair(value)
		if repaired, ok := result.Repaired.(map[string]any); result.Valid && ok {
			log.Printf("save: repaired %q in place (%d actions)", key, len(result.Actions))
			e.bus.Emit(notify.EventLoadRecovered, map[string]any{
				"key":     key,
				"method":  "repair",
				"actions": result.Actions,
			})
			// Persist the repaired state so the next load is clean. Fire
			// and forget: the repaired value is already good to return.
			e.SaveAsync(key, repaired, Options{})
			return repaired, nil
		}
	}

	return e.recoverLoad(ctx, key, fmt.Errorf("%w: severity %s: %v", ErrRecordCorrupted, report.Severity, cause))
}

// recoverLoad hands a broken load to the recovery handler, when one is
// installed.
func (e *Engine) recoverLoad(ctx context.Context, key string, cause error) (map[string]any, error) {
	handler := e.loadRecoveryHandler()
	if handler == nil {
		return nil, cause
	}

	log.Printf("save: load of %q failed (%v), entering recovery", key, cause)
	value, err := handler.Recover(ctx, key, cause)
	if err != nil {
		return nil, err
	}

	e.bus.Emit(notify.EventLoadRecovered, map[string]any{"key": key, "method": "recovery"})
	return value, nil
}

func (e *Engine) loadRecoveryHandler() RecoveryHandler {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()
	return e.recover
}

// LoadRaw returns whatever value can be decoded for key, skipping digest
// verification, validation, and recovery. This is the salvage entry point
// for recovery strategies that want to repair data a normal Load refused;
// callers must treat the result as untrusted.
func (e *Engine) LoadRaw(key string) (map[string]any, error) {
	data, err := e.readRecordBytes(key)
	if err != nil {
		return nil, err
	}

	var record SaveRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: unparseable record: %v", ErrRecordCorrupted, err)
	}
	raw, err := record.decodePayload(e.compressor)
	if err != nil {
		return nil, err
	}

	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: unparseable payload: %v", ErrRecordCorrupted, err)
	}
	return value, nil
}

// copyValue deep-copies a loaded value so concurrent callers sharing one
// load never alias each other's maps.
func copyValue(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	out := make(map[string]any, len(value))
	for k, v := range value {
		out[k] = copyAny(v)
	}
	return out
}

func copyAny(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return copyValue(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = copyAny(item)
		}
		return out
	default:
		return v
	}
}
