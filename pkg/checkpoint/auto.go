// Package checkpoint - periodic automatic checkpoints.
package checkpoint

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// autoTrigger runs the periodic checkpoint loop.
type autoTrigger struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// StartAuto begins taking automatic checkpoints every interval. Throttled
// or shed attempts are quietly skipped; real failures are logged. A second
// call is a no-op until StopAuto.
func (m *Manager) StartAuto(interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.auto != nil {
		return
	}

	at := &autoTrigger{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.auto = at

	go func() {
		defer close(at.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-at.stop:
				return
			case <-ticker.C:
				_, err := m.Create(context.Background(), TriggerAuto, CreateOptions{})
				switch {
				case err == nil:
				case errors.Is(err, ErrTooSoon), errors.Is(err, ErrCreateInProgress):
					// Expected under load; the next tick retries.
				default:
					log.Printf("checkpoint: auto checkpoint failed: %v", err)
				}
			}
		}
	}()
}

// StopAuto stops the automatic checkpoint loop and waits for it to exit.
func (m *Manager) StopAuto() {
	m.mu.Lock()
	at := m.auto
	m.auto = nil
	m.mu.Unlock()

	if at == nil {
		return
	}
	at.once.Do(func() { close(at.stop) })
	<-at.done
}
