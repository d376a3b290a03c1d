package app

import (
	"sync"
	"time"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
)

// DefaultActivityDebounce is the minimum spacing between accepted activity events.
const DefaultActivityDebounce = 500 * time.Millisecond

// ActivitySink receives accepted activity.
type ActivitySink interface {
	RecordActivity(at time.Time) bool
	IsExpiring() bool
}

// ActivityMonitor turns a burst of raw interaction events into at most one
// deadline recomputation per debounce window.
type ActivityMonitor struct {
	clock    clock.Clock
	sink     ActivitySink
	debounce time.Duration

	mu           sync.Mutex
	lastAccepted time.Time
}

func NewActivityMonitor(clk clock.Clock, sink ActivitySink, debounce time.Duration) *ActivityMonitor {
	if debounce <= 0 {
		debounce = DefaultActivityDebounce
	}
	return &ActivityMonitor{clock: clk, sink: sink, debounce: debounce}
}

// RecordActivity reports an interaction of the given kind. It returns true when
// the event was forwarded to the scheduler; events within the debounce window of
// the last accepted one, and any event while sign-out is underway, are dropped.
func (m *ActivityMonitor) RecordActivity(source domain.ActivitySource) bool {
	if m.sink.IsExpiring() {
		return false
	}

	m.mu.Lock()
	now := m.clock.Now()
	if !m.lastAccepted.IsZero() && now.Sub(m.lastAccepted) < m.debounce {
		m.mu.Unlock()
		return false
	}
	m.lastAccepted = now
	m.mu.Unlock()

	return m.sink.RecordActivity(now)
}

// LastAccepted returns the time of the last forwarded event.
func (m *ActivityMonitor) LastAccepted() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastAccepted
}
