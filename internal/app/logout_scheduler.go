/**
 * @description
 * LogoutScheduler owns one tab's idle-logout deadline. It arms a warning timer
 * WarningLead before the deadline and an expiry timer at the deadline, and it
 * shares the deadline with the identity's other tabs through SharedState so that
 * activity in any tab keeps every tab alive.
 *
 * @notes
 * - Timer callbacks carry the epoch they were armed in. Any reset bumps the epoch,
 *   so a callback from a superseded arming is ignored.
 * - SharedState writes and handler callbacks run after s.mu is released: the
 *   in-memory SharedState notifies subscribers synchronously, including the writer.
 * - Cross-tab reconciliation only ever moves a deadline later.
 */

package app

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

const (
	// SharedDeadlineKey holds the latest logout deadline of the identity, as epoch milliseconds.
	SharedDeadlineKey = "scheduledLogoutDeadline"
	// SharedLastActivityKey holds the latest accepted activity of the identity, as epoch milliseconds.
	SharedLastActivityKey = "lastActivityAt"

	sharedStateTimeout = 2 * time.Second
)

// LogoutSnapshot is a point-in-time view of the scheduler.
type LogoutSnapshot struct {
	State        domain.LogoutState
	Timeout      time.Duration
	Deadline     *time.Time
	Remaining    time.Duration
	LastActivity time.Time
}

type sharedWrite struct {
	deadline      time.Time
	lastActivity  time.Time
	clearDeadline bool
}

// LogoutScheduler runs the Active -> WarningShown -> Expired state machine for one tab.
type LogoutScheduler struct {
	clock  clock.Clock
	shared store.SharedState

	mu           sync.Mutex
	onWarning    func(remaining time.Duration)
	onExpire     func(reason domain.ExpiryReason)
	timeout      time.Duration
	warningLead  time.Duration
	state        domain.LogoutState
	deadline     time.Time
	lastActivity time.Time
	epoch        uint64
	warningTimer clock.Timer
	expiryTimer  clock.Timer
	expiring     bool
	started      bool
	stopped      bool
	unsubscribe  func()
}

// NewLogoutScheduler creates an idle scheduler. shared must already be scoped to
// the identity. A zero WarningLead uses domain.DefaultWarningLead.
func NewLogoutScheduler(clk clock.Clock, shared store.SharedState, cfg domain.LogoutConfig) *LogoutScheduler {
	lead := cfg.WarningLead
	if lead <= 0 {
		lead = domain.DefaultWarningLead
	}
	return &LogoutScheduler{
		clock:       clk,
		shared:      shared,
		timeout:     cfg.Timeout,
		warningLead: lead,
		state:       domain.LogoutActive,
	}
}

// SetCallbacks installs the warning and expiry handlers. Both run outside the
// scheduler lock and may call back into the scheduler.
func (s *LogoutScheduler) SetCallbacks(onWarning func(remaining time.Duration), onExpire func(reason domain.ExpiryReason)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onWarning = onWarning
	s.onExpire = onExpire
}

// Start subscribes to cross-tab changes and, when a timeout is configured, arms
// the first deadline.
func (s *LogoutScheduler) Start() {
	unsubscribe := s.shared.Subscribe(s.OnSharedChange)

	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.started = true
	s.unsubscribe = unsubscribe
	now := s.clock.Now()
	s.lastActivity = now
	var write sharedWrite
	if s.timeout > 0 {
		write = s.resetLocked(now, true)
	}
	s.mu.Unlock()

	s.writeShared(write)
}

// RecordActivity restarts the countdown from at. It returns false once the tab is
// expiring or stopped.
func (s *LogoutScheduler) RecordActivity(at time.Time) bool {
	s.mu.Lock()
	if !s.acceptingLocked() {
		s.mu.Unlock()
		return false
	}
	write := s.resetLocked(at, true)
	s.mu.Unlock()

	s.writeShared(write)
	return true
}

// ContinueSession is the warning dialog's "stay signed in" action.
func (s *LogoutScheduler) ContinueSession() bool {
	return s.RecordActivity(s.clock.Now())
}

// Configure applies a new timeout. Zero disables automatic logout and cancels
// both timers; any other value restarts the countdown from now.
func (s *LogoutScheduler) Configure(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}

	s.mu.Lock()
	s.timeout = timeout
	if !s.started || !s.acceptingLocked() {
		s.mu.Unlock()
		return
	}

	now := s.clock.Now()
	write := s.resetLocked(now, false)
	s.mu.Unlock()

	s.writeShared(write)
}

// resetLocked restarts the countdown. activity reports whether now is a user
// interaction rather than a configuration change.
func (s *LogoutScheduler) resetLocked(now time.Time, activity bool) sharedWrite {
	s.epoch++
	s.stopTimersLocked()
	s.state = domain.LogoutActive

	var write sharedWrite
	if activity {
		s.lastActivity = now
		write.lastActivity = now
	}
	if s.timeout <= 0 {
		s.deadline = time.Time{}
		write.clearDeadline = true
		return write
	}

	s.deadline = now.Add(s.timeout)
	write.deadline = s.deadline
	s.armLocked(now)
	return write
}

// armLocked schedules the warning and expiry timers for s.deadline in the current
// epoch. A warning that is already due fires from a zero-delay timer, outside the lock.
func (s *LogoutScheduler) armLocked(now time.Time) {
	epoch := s.epoch
	remaining := s.deadline.Sub(now)
	warnIn := remaining - s.warningLead

	if warnIn > 0 {
		s.state = domain.LogoutActive
		s.warningTimer = s.clock.AfterFunc(warnIn, func() { s.fireWarning(epoch) })
	} else if s.state != domain.LogoutWarningShown {
		s.warningTimer = s.clock.AfterFunc(0, func() { s.fireWarning(epoch) })
	}
	s.expiryTimer = s.clock.AfterFunc(remaining, func() { s.fireExpiry(epoch) })
}

func (s *LogoutScheduler) stopTimersLocked() {
	if s.warningTimer != nil {
		s.warningTimer.Stop()
		s.warningTimer = nil
	}
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}

func (s *LogoutScheduler) acceptingLocked() bool {
	return !s.stopped && !s.expiring && s.state != domain.LogoutExpired
}

func (s *LogoutScheduler) fireWarning(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || s.state != domain.LogoutActive || !s.acceptingLocked() {
		s.mu.Unlock()
		return
	}
	s.state = domain.LogoutWarningShown
	remaining := s.deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	handler := s.onWarning
	s.mu.Unlock()

	if handler != nil {
		handler(remaining)
	}
}

func (s *LogoutScheduler) fireExpiry(epoch uint64) {
	s.mu.Lock()
	if epoch != s.epoch || !s.acceptingLocked() {
		s.mu.Unlock()
		return
	}
	local := s.deadline
	s.mu.Unlock()

	// Another tab may have pushed the deadline out since this timer was armed.
	ctx, cancel := context.WithTimeout(context.Background(), sharedStateTimeout)
	shared, ok := s.readSharedDeadline(ctx)
	cancel()

	s.mu.Lock()
	if epoch != s.epoch || !s.acceptingLocked() {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if ok && shared.After(local) && shared.After(now) {
		s.adoptLocked(shared, now)
		s.mu.Unlock()
		return
	}
	handler := s.beginExpiryLocked()
	s.mu.Unlock()

	if handler != nil {
		handler(domain.ReasonIdleTimeout)
	}
}

// adoptLocked moves the deadline to a later one published by another tab.
func (s *LogoutScheduler) adoptLocked(deadline, now time.Time) {
	s.epoch++
	s.stopTimersLocked()
	s.deadline = deadline
	s.armLocked(now)
}

// beginExpiryLocked transitions to Expired. It returns the expiry handler, or a
// no-op when the handler is unset, and nil if the scheduler had already expired.
func (s *LogoutScheduler) beginExpiryLocked() func(domain.ExpiryReason) {
	if s.expiring || s.state == domain.LogoutExpired {
		return nil
	}
	s.expiring = true
	s.state = domain.LogoutExpired
	s.epoch++
	s.stopTimersLocked()
	s.deadline = time.Time{}
	if s.onExpire == nil {
		return func(domain.ExpiryReason) {}
	}
	return s.onExpire
}

// ExpireNow ends the session immediately. Only the first call runs the expiry
// handler; it reports whether this call did.
func (s *LogoutScheduler) ExpireNow(reason domain.ExpiryReason) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	handler := s.beginExpiryLocked()
	s.mu.Unlock()

	if handler == nil {
		return false
	}
	handler(reason)
	return true
}

// OnVisible re-evaluates the deadline when a hidden tab becomes visible again,
// since timers in a background tab may have been delayed.
func (s *LogoutScheduler) OnVisible(ctx context.Context) {
	s.mu.Lock()
	if !s.started || !s.acceptingLocked() || s.timeout <= 0 {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	deadline := s.deadline
	s.mu.Unlock()

	shared, ok := s.readSharedDeadline(ctx)

	s.mu.Lock()
	if epoch != s.epoch || !s.acceptingLocked() {
		s.mu.Unlock()
		return
	}
	if ok && shared.After(deadline) {
		deadline = shared
	}
	now := s.clock.Now()
	if !now.Before(deadline) {
		handler := s.beginExpiryLocked()
		s.mu.Unlock()
		if handler != nil {
			handler(domain.ReasonVisibilityCheck)
		}
		return
	}
	s.adoptLocked(deadline, now)
	s.mu.Unlock()
}

// OnSharedChange handles a SharedState change published by any tab of the identity.
func (s *LogoutScheduler) OnSharedChange(key, value string) {
	if key != SharedDeadlineKey || value == "" {
		return
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		log.Printf("level=warn component=logout_scheduler msg=\"malformed shared deadline\" value=%q", value)
		return
	}
	shared := time.UnixMilli(ms)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || !s.acceptingLocked() || s.timeout <= 0 {
		return
	}
	now := s.clock.Now()
	if !shared.After(s.deadline) || !shared.After(now) {
		return
	}
	s.adoptLocked(shared, now)
}

// Stop cancels all timers and detaches from SharedState.
func (s *LogoutScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.epoch++
	s.stopTimersLocked()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// IsExpiring reports whether sign-out is underway or done.
func (s *LogoutScheduler) IsExpiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiring || s.state == domain.LogoutExpired
}

// WarningStatus reports whether the warning is showing and how long is left.
func (s *LogoutScheduler) WarningStatus() domain.WarningStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != domain.LogoutWarningShown {
		return domain.WarningStatus{}
	}
	remaining := s.deadline.Sub(s.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	return domain.WarningStatus{Visible: true, Remaining: remaining}
}

// Snapshot returns the current scheduler state.
func (s *LogoutScheduler) Snapshot() LogoutSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := LogoutSnapshot{
		State:        s.state,
		Timeout:      s.timeout,
		LastActivity: s.lastActivity,
	}
	if !s.deadline.IsZero() {
		deadline := s.deadline
		snap.Deadline = &deadline
		snap.Remaining = deadline.Sub(s.clock.Now())
		if snap.Remaining < 0 {
			snap.Remaining = 0
		}
	}
	return snap
}

func (s *LogoutScheduler) readSharedDeadline(ctx context.Context) (time.Time, bool) {
	raw, ok, err := s.shared.Get(ctx, SharedDeadlineKey)
	if err != nil {
		log.Printf("level=warn component=logout_scheduler msg=\"shared deadline read failed\" err=%v", err)
		return time.Time{}, false
	}
	if !ok || raw == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

func (s *LogoutScheduler) writeShared(write sharedWrite) {
	if write.deadline.IsZero() && write.lastActivity.IsZero() && !write.clearDeadline {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sharedStateTimeout)
	defer cancel()

	if !write.lastActivity.IsZero() {
		if err := s.shared.Set(ctx, SharedLastActivityKey, strconv.FormatInt(write.lastActivity.UnixMilli(), 10)); err != nil {
			log.Printf("level=warn component=logout_scheduler msg=\"shared activity write failed\" err=%v", err)
		}
	}
	switch {
	case !write.deadline.IsZero():
		if err := s.shared.Set(ctx, SharedDeadlineKey, strconv.FormatInt(write.deadline.UnixMilli(), 10)); err != nil {
			log.Printf("level=warn component=logout_scheduler msg=\"shared deadline write failed\" err=%v", err)
		}
	case write.clearDeadline:
		if err := s.shared.Delete(ctx, SharedDeadlineKey); err != nil {
			log.Printf("level=warn component=logout_scheduler msg=\"shared deadline clear failed\" err=%v", err)
		}
	}
}
