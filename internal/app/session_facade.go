/**
 * @description
 * SessionFacade is the single surface the dashboard talks to for one tab. It
 * combines the logout scheduler and the PIN controller into "is the session
 * usable", and it owns the sign-out sequence that runs when the session ends for
 * any reason.
 *
 * @notes
 * - Sign-out runs at most once per tab. The identity provider call is further
 *   limited per identity by a token bucket, so several tabs expiring together, or
 *   a double click on "log out", produce one provider call.
 * - A provider failure is logged and the tab is still sent to the sign-in route.
 */

package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

const (
	// SignInRoute is where a tab is sent after sign-out.
	SignInRoute = "/sign-in"
	// DefaultSignOutCooldown is the minimum spacing between provider sign-out calls.
	DefaultSignOutCooldown = 2 * time.Second

	signOutTimeout = 10 * time.Second
)

// IdentityProvider ends the identity's session with the authentication provider.
type IdentityProvider interface {
	SignOut(ctx context.Context, identityID, sessionID string) error
}

// Navigator moves a tab to another route.
type Navigator interface {
	Navigate(route string, reason domain.ExpiryReason)
}

// CredentialClearer removes per-identity data that must not outlive the session.
type CredentialClearer interface {
	ClearTransient(ctx context.Context, identityID string) error
}

// NewSignOutLimiter returns the per-identity limiter that spaces provider calls
// by cooldown.
func NewSignOutLimiter(cooldown time.Duration) *rate.Limiter {
	if cooldown <= 0 {
		cooldown = DefaultSignOutCooldown
	}
	return rate.NewLimiter(rate.Every(cooldown), 1)
}

// FacadeDeps are the collaborators of a SessionFacade.
type FacadeDeps struct {
	Clock       clock.Clock
	Identity    IdentityProvider
	Navigator   Navigator
	Credentials CredentialClearer
	Events      EventSink
	// SignOutLimiter must be shared by every tab of the identity.
	SignOutLimiter *rate.Limiter
	// SharedLimiter spaces provider calls across instances. May be nil.
	SharedLimiter   RateLimiter
	SignOutCooldown time.Duration
}

// SessionFacade is the public API of one signed-in tab.
type SessionFacade struct {
	clock       clock.Clock
	scheduler   *LogoutScheduler
	pins        *PinLockController
	identity    IdentityProvider
	navigator   Navigator
	credentials CredentialClearer
	events      EventSink
	limiter     *rate.Limiter
	shared      RateLimiter
	cooldown    time.Duration

	mu        sync.Mutex
	session   *domain.Session
	signedOut bool
}

// NewSessionFacade wires the facade to the scheduler's warning and expiry handlers.
func NewSessionFacade(session domain.Session, scheduler *LogoutScheduler, pins *PinLockController, deps FacadeDeps) *SessionFacade {
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if deps.SignOutLimiter == nil {
		deps.SignOutLimiter = NewSignOutLimiter(DefaultSignOutCooldown)
	}
	if deps.SignOutCooldown <= 0 {
		deps.SignOutCooldown = DefaultSignOutCooldown
	}
	f := &SessionFacade{
		clock:       deps.Clock,
		scheduler:   scheduler,
		pins:        pins,
		identity:    deps.Identity,
		navigator:   deps.Navigator,
		credentials: deps.Credentials,
		events:      deps.Events,
		limiter:     deps.SignOutLimiter,
		shared:      deps.SharedLimiter,
		cooldown:    deps.SignOutCooldown,
		session:     &session,
	}
	scheduler.SetCallbacks(f.handleWarning, f.handleExpired)
	return f
}

// IsUsable reports whether the tab may show protected content: an identity is
// signed in, and either no PIN is configured or this tab has verified it.
func (f *SessionFacade) IsUsable() bool {
	f.mu.Lock()
	present := f.session != nil && !f.signedOut
	f.mu.Unlock()
	if !present {
		return false
	}
	if !f.pins.HasPin() {
		return true
	}
	return f.pins.IsVerified()
}

// Logout ends the session for reason. It reports whether this call performed the
// sign-out.
func (f *SessionFacade) Logout(reason domain.ExpiryReason) bool {
	if f.scheduler.ExpireNow(reason) {
		f.mu.Lock()
		done := f.signedOut
		f.mu.Unlock()
		return done
	}
	return f.signOut(reason)
}

// ContinueSession dismisses the warning and restarts the countdown.
func (f *SessionFacade) ContinueSession() bool {
	return f.scheduler.ContinueSession()
}

// LockNow requires the PIN again before protected content is shown.
func (f *SessionFacade) LockNow() {
	f.pins.Lock()
}

// WarningStatus reports the logout warning countdown.
func (f *SessionFacade) WarningStatus() domain.WarningStatus {
	return f.scheduler.WarningStatus()
}

// PinLockStatus reports PIN presence, lockout and verification.
func (f *SessionFacade) PinLockStatus(ctx context.Context) (domain.PinLockStatus, error) {
	return f.pins.Status(ctx)
}

// SignedOut reports whether the sign-out sequence has run for this tab.
func (f *SessionFacade) SignedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signedOut
}

// Session returns the session record with the scheduler's live deadline, or false
// after sign-out.
func (f *SessionFacade) Session() (domain.Session, bool) {
	f.mu.Lock()
	if f.session == nil {
		f.mu.Unlock()
		return domain.Session{}, false
	}
	session := *f.session
	f.mu.Unlock()

	snap := f.scheduler.Snapshot()
	session.LastActivityAt = snap.LastActivity
	session.LogoutDeadline = snap.Deadline
	session.WarningActive = snap.State == domain.LogoutWarningShown
	return session, true
}

func (f *SessionFacade) handleWarning(remaining time.Duration) {
	session, ok := f.Session()
	if !ok {
		return
	}
	log.Printf("level=info component=session_facade msg=\"logout warning\" identity_id=%s tab_id=%s remaining_ms=%d", session.IdentityID, session.TabID, remaining.Milliseconds())
	f.events.Emit(domain.SessionEvent{
		Topic:       domain.TopicSessionWarning,
		IdentityID:  session.IdentityID,
		TabID:       session.TabID,
		SessionID:   uuid.NullUUID{UUID: session.ID, Valid: true},
		RemainingMs: remaining.Milliseconds(),
		OccurredAt:  f.clock.Now(),
	})
}

func (f *SessionFacade) handleExpired(reason domain.ExpiryReason) {
	f.mu.Lock()
	session := f.session
	f.mu.Unlock()
	if session != nil {
		f.events.Emit(domain.SessionEvent{
			Topic:      domain.TopicSessionExpired,
			IdentityID: session.IdentityID,
			TabID:      session.TabID,
			SessionID:  uuid.NullUUID{UUID: session.ID, Valid: true},
			Reason:     reason,
			OccurredAt: f.clock.Now(),
		})
	}
	f.signOut(reason)
}

// signOut runs the sign-out sequence once: clear transient credentials, end the
// provider session, navigate to sign-in.
func (f *SessionFacade) signOut(reason domain.ExpiryReason) bool {
	f.mu.Lock()
	if f.session == nil || f.signedOut {
		f.mu.Unlock()
		return false
	}
	f.signedOut = true
	session := *f.session
	f.session = nil
	f.mu.Unlock()

	f.pins.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), signOutTimeout)
	defer cancel()

	if f.credentials != nil {
		if err := f.credentials.ClearTransient(ctx, session.IdentityID); err != nil {
			log.Printf("level=warn component=session_facade msg=\"transient credential clear failed\" identity_id=%s err=%v", session.IdentityID, err)
		}
	}

	switch {
	case reason == domain.ReasonIdentityChanged:
		// The provider session is already gone.
	case !f.limiter.AllowN(f.clock.Now(), 1):
		log.Printf("level=info component=session_facade msg=\"provider sign-out skipped; cooldown active\" identity_id=%s tab_id=%s", session.IdentityID, session.TabID)
	case !f.sharedSignOutAllowed(ctx, session.IdentityID):
		log.Printf("level=info component=session_facade msg=\"provider sign-out skipped; another instance signed out\" identity_id=%s tab_id=%s", session.IdentityID, session.TabID)
	default:
		if err := f.identity.SignOut(ctx, session.IdentityID, session.ID.String()); err != nil {
			log.Printf("level=error component=session_facade msg=\"identity provider sign-out failed\" identity_id=%s session_id=%s err=%v", session.IdentityID, session.ID, err)
		}
	}

	if f.navigator != nil {
		f.navigator.Navigate(SignInRoute, reason)
	}

	log.Printf("level=info component=session_facade msg=\"signed out\" identity_id=%s tab_id=%s reason=%s", session.IdentityID, session.TabID, reason)
	f.events.Emit(domain.SessionEvent{
		Topic:      domain.TopicSessionSignedOut,
		IdentityID: session.IdentityID,
		TabID:      session.TabID,
		SessionID:  uuid.NullUUID{UUID: session.ID, Valid: true},
		Reason:     reason,
		OccurredAt: f.clock.Now(),
	})
	return true
}

// sharedSignOutAllowed claims the identity's cross-instance sign-out slot. A
// limiter failure allows the call.
func (f *SessionFacade) sharedSignOutAllowed(ctx context.Context, identityID string) bool {
	if f.shared == nil {
		return true
	}
	count, _, err := f.shared.ConsumeRateLimit(ctx, SignOutScope, identityID, 1, f.cooldown)
	if err != nil {
		log.Printf("level=warn component=session_facade msg=\"shared sign-out limiter unavailable\" identity_id=%s err=%v", identityID, err)
		return true
	}
	return count <= 1
}

// ProfilePurger drops the locally cached copy of a profile.
type ProfilePurger interface {
	Purge(ctx context.Context, identityID string) error
}

// TransientCredentials clears the shared deadline keys and the cached profile of
// an identity on sign-out.
type TransientCredentials struct {
	shared store.SharedState
	cache  ProfilePurger
}

// NewTransientCredentials creates a clearer. cache may be nil.
func NewTransientCredentials(shared store.SharedState, cache ProfilePurger) *TransientCredentials {
	return &TransientCredentials{shared: shared, cache: cache}
}

func (c *TransientCredentials) ClearTransient(ctx context.Context, identityID string) error {
	scoped := store.Scoped(c.shared, identityID)
	var firstErr error
	for _, key := range []string{SharedDeadlineKey, SharedLastActivityKey} {
		if err := scoped.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.cache != nil {
		if err := c.cache.Purge(ctx, identityID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
