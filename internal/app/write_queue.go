package app

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

// DefaultConfigWriteDebounce is the quiet period before queued settings are written.
const DefaultConfigWriteDebounce = time.Second

const flushTimeout = 10 * time.Second

// FlushFunc persists a coalesced patch.
type FlushFunc func(ctx context.Context, patch domain.ProfilePatch) error

// CoalescingWriter batches settings writes for one identity. Values queued during
// the quiet period are merged, latest per key winning, and written in one call.
// A failed write is retried once; if a newer value for a key was queued since,
// the newer value is what gets retried.
type CoalescingWriter struct {
	clock      clock.Clock
	quiet      time.Duration
	identityID string
	flush      FlushFunc

	mu      sync.Mutex
	pending domain.ProfilePatch
	retries int
	epoch   uint64
	timer   clock.Timer
	closed  bool
}

func NewCoalescingWriter(clk clock.Clock, quiet time.Duration, identityID string, flush FlushFunc) *CoalescingWriter {
	if quiet <= 0 {
		quiet = DefaultConfigWriteDebounce
	}
	return &CoalescingWriter{clock: clk, quiet: quiet, identityID: identityID, flush: flush}
}

// Enqueue merges patch into the pending batch and restarts the quiet period.
func (w *CoalescingWriter) Enqueue(patch domain.ProfilePatch) {
	if len(patch) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending = w.pending.Merge(patch)
	w.retries = 0
	w.armLocked()
}

// Pending returns a copy of the queued, unwritten values.
func (w *CoalescingWriter) Pending() domain.ProfilePatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending.Clone()
}

// Flush writes whatever is queued now, without waiting for the quiet period.
func (w *CoalescingWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	w.epoch++
	w.stopLocked()
	patch := w.pending
	w.pending = nil
	w.retries = 0
	w.mu.Unlock()

	if len(patch) == 0 {
		return nil
	}
	return w.flush(ctx, patch)
}

// Close flushes the queue and stops accepting writes.
func (w *CoalescingWriter) Close(ctx context.Context) error {
	err := w.Flush(ctx)
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

func (w *CoalescingWriter) armLocked() {
	w.epoch++
	w.stopLocked()
	epoch := w.epoch
	w.timer = w.clock.AfterFunc(w.quiet, func() { w.fire(epoch) })
}

func (w *CoalescingWriter) stopLocked() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *CoalescingWriter) fire(epoch uint64) {
	w.mu.Lock()
	if epoch != w.epoch || len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	patch := w.pending
	w.pending = nil
	retries := w.retries
	w.timer = nil
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	err := w.flush(ctx, patch)
	cancel()
	if err == nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if retries >= 1 || w.closed {
		syncErr := &store.RemoteSyncError{IdentityID: w.identityID, Keys: sortedKeys(patch), Attempts: retries + 1, Err: err}
		log.Printf("level=error component=write_queue msg=\"settings sync abandoned\" err=%v", syncErr)
		return
	}
	// Requeue under anything queued while the write was in flight.
	w.pending = patch.Merge(w.pending)
	w.retries = retries + 1
	log.Printf("level=warn component=write_queue msg=\"settings write failed; retrying\" identity_id=%s err=%v", w.identityID, err)
	w.armLocked()
}

func sortedKeys(patch domain.ProfilePatch) []string {
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
