/**
 * @description
 * This package abstracts wall-clock time and one-shot timers so that the session
 * timers (warning, expiry, auto-unverify, write debounce) can be driven by a mock
 * clock in tests and by the runtime clock in production.
 *
 * @dependencies
 * - github.com/benbjohnson/clock: Real and mock clock implementations.
 */

package clock

import (
	"time"

	bclock "github.com/benbjohnson/clock"
)

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer already
	// fired or was stopped.
	Stop() bool
}

// Clock provides the current time and scheduled callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type wrapped struct {
	inner bclock.Clock
}

func (w wrapped) Now() time.Time {
	return w.inner.Now()
}

func (w wrapped) AfterFunc(d time.Duration, f func()) Timer {
	if d < 0 {
		d = 0
	}
	return w.inner.AfterFunc(d, f)
}

// Real returns a Clock backed by the runtime clock.
func Real() Clock {
	return wrapped{inner: bclock.New()}
}

// Mock is a Clock whose time only moves when Advance is called. Due callbacks
// run on the advancing goroutine in deadline order, with Now reporting each
// timer's own deadline while it runs.
type Mock struct {
	wrapped
	mock *bclock.Mock
}

// NewMock returns a Mock positioned at start.
func NewMock(start time.Time) *Mock {
	m := bclock.NewMock()
	m.Set(start)
	return &Mock{wrapped: wrapped{inner: m}, mock: m}
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Callbacks may register new timers; those fire too if they fall inside the window.
func (m *Mock) Advance(d time.Duration) {
	m.mock.Add(d)
}
