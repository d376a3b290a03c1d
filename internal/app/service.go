/**
 * @description
 * This file contains the use cases behind the session HTTP API. The `Service`
 * resolves a caller's tab in the registry and delegates to that tab's facade,
 * monitor, scheduler and PIN controller.
 *
 * Key features:
 * - Tab lifecycle: open, poll status, close.
 * - Activity, visibility and "stay signed in" signals feeding the logout scheduler.
 * - PIN management and verification, with a distributed per-identity throttle on
 *   verification requests in front of the attempt counter.
 * - Timeout settings changes, applied locally and written back in batches.
 *
 * @dependencies
 * - internal/domain: For domain models.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/session-service/internal/domain"
)

// DefaultPinVerifyRateLimit is the number of verification requests allowed per
// identity per minute.
const DefaultPinVerifyRateLimit = 20

// ErrInvalidSettings is returned for negative or missing timeout values.
var ErrInvalidSettings = errors.New("invalid settings")

// RateLimitedError is returned when PIN verification requests arrive too fast.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many pin verification requests; retry after %ds", e.RetryAfterSeconds)
}

// TabStatus is everything a tab polls for.
type TabStatus struct {
	TabID          uuid.UUID
	SessionID      uuid.UUID
	Usable         bool
	LogoutState    domain.LogoutState
	LogoutDeadline *time.Time
	LastActivity   time.Time
	Warning        domain.WarningStatus
	Pin            domain.PinLockStatus
	Settings       Settings
	Redirect       *Redirect
}

// SettingsUpdate carries optional new timeouts in milliseconds.
type SettingsUpdate struct {
	LogoutTimeoutMs *int64
	PinTimeoutMs    *int64
}

// Service provides the session use cases.
type Service struct {
	registry       *TabRegistry
	limiter        RateLimiter
	pinVerifyLimit int
}

// NewService creates a service. limiter may be nil to disable verification throttling.
func NewService(registry *TabRegistry, limiter RateLimiter, pinVerifyLimit int) *Service {
	if pinVerifyLimit <= 0 {
		pinVerifyLimit = DefaultPinVerifyRateLimit
	}
	return &Service{
		registry:       registry,
		limiter:        limiter,
		pinVerifyLimit: pinVerifyLimit,
	}
}

// OpenTab registers a new tab for the identity.
func (s *Service) OpenTab(ctx context.Context, identityID string) (TabStatus, error) {
	tab, err := s.registry.Open(ctx, identityID)
	if err != nil {
		return TabStatus{}, err
	}
	return s.status(ctx, tab)
}

// CloseTab unregisters a tab without signing the identity out.
func (s *Service) CloseTab(ctx context.Context, identityID string, tabID uuid.UUID) error {
	return s.registry.Close(ctx, identityID, tabID)
}

// Status returns the tab's current state.
func (s *Service) Status(ctx context.Context, identityID string, tabID uuid.UUID) (TabStatus, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return TabStatus{}, err
	}
	return s.status(ctx, tab)
}

func (s *Service) status(ctx context.Context, tab *Tab) (TabStatus, error) {
	pin, err := tab.Facade.PinLockStatus(ctx)
	if err != nil {
		return TabStatus{}, err
	}
	snap := tab.Scheduler.Snapshot()
	status := TabStatus{
		TabID:          tab.ID,
		Usable:         tab.Facade.IsUsable(),
		LogoutState:    snap.State,
		LogoutDeadline: snap.Deadline,
		LastActivity:   snap.LastActivity,
		Warning:        tab.Facade.WarningStatus(),
		Pin:            pin,
		Settings:       tab.Settings.Current(),
		Redirect:       tab.Redirect(),
	}
	if session, ok := tab.Facade.Session(); ok {
		status.SessionID = session.ID
	}
	return status, nil
}

// RecordActivity reports a user interaction. It returns whether the interaction
// restarted the countdown.
func (s *Service) RecordActivity(identityID string, tabID uuid.UUID, source domain.ActivitySource) (bool, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return false, err
	}
	return tab.Monitor.RecordActivity(source), nil
}

// Visible re-checks the deadline of a tab that has come back to the foreground.
func (s *Service) Visible(ctx context.Context, identityID string, tabID uuid.UUID) (TabStatus, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return TabStatus{}, err
	}
	tab.Scheduler.OnVisible(ctx)
	return s.status(ctx, tab)
}

// ContinueSession is the warning dialog's "stay signed in" action.
func (s *Service) ContinueSession(ctx context.Context, identityID string, tabID uuid.UUID) (TabStatus, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return TabStatus{}, err
	}
	tab.Facade.ContinueSession()
	return s.status(ctx, tab)
}

// Logout signs the identity out from this tab.
func (s *Service) Logout(ctx context.Context, identityID string, tabID uuid.UUID) (TabStatus, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return TabStatus{}, err
	}
	tab.Facade.Logout(domain.ReasonUserLogout)
	return s.status(ctx, tab)
}

// LockNow requires the PIN again in this tab.
func (s *Service) LockNow(ctx context.Context, identityID string, tabID uuid.UUID) (TabStatus, error) {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return TabStatus{}, err
	}
	tab.Facade.LockNow()
	return s.status(ctx, tab)
}

// CreatePin sets the identity's first PIN.
func (s *Service) CreatePin(ctx context.Context, identityID string, tabID uuid.UUID, pin string) error {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return err
	}
	return tab.Pins.CreatePin(ctx, pin)
}

// ChangePin replaces the PIN after checking the old one.
func (s *Service) ChangePin(ctx context.Context, identityID string, tabID uuid.UUID, oldPin, newPin string) error {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return err
	}
	if err := s.throttle(ctx, identityID); err != nil {
		return err
	}
	return tab.Pins.ChangePin(ctx, oldPin, newPin)
}

// DeletePin removes the PIN after checking it.
func (s *Service) DeletePin(ctx context.Context, identityID string, tabID uuid.UUID, pin string) error {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return err
	}
	if err := s.throttle(ctx, identityID); err != nil {
		return err
	}
	return tab.Pins.DeletePin(ctx, pin)
}

// VerifyPin unlocks the tab when pin matches.
func (s *Service) VerifyPin(ctx context.Context, identityID string, tabID uuid.UUID, pin string) error {
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return err
	}
	if err := s.throttle(ctx, identityID); err != nil {
		return err
	}
	return tab.Pins.Verify(ctx, pin)
}

// UpdateSettings applies new timeouts to the tab and queues them for storage.
func (s *Service) UpdateSettings(identityID string, tabID uuid.UUID, update SettingsUpdate) (Settings, error) {
	if update.LogoutTimeoutMs == nil && update.PinTimeoutMs == nil {
		return Settings{}, ErrInvalidSettings
	}
	if !validTimeoutMs(update.LogoutTimeoutMs) || !validTimeoutMs(update.PinTimeoutMs) {
		return Settings{}, ErrInvalidSettings
	}
	tab, err := s.registry.Get(identityID, tabID)
	if err != nil {
		return Settings{}, err
	}
	if update.LogoutTimeoutMs != nil {
		tab.Settings.SetLogoutTimeout(domain.DurationFromMs(*update.LogoutTimeoutMs))
	}
	if update.PinTimeoutMs != nil {
		tab.Settings.SetPinTimeout(domain.DurationFromMs(*update.PinTimeoutMs))
	}
	return tab.Settings.Current(), nil
}

// validTimeoutMs accepts an absent value or one a time.Duration can represent.
func validTimeoutMs(ms *int64) bool {
	return ms == nil || (*ms >= 0 && *ms <= domain.MaxDurationMs)
}

// throttle counts a PIN check against the identity's request budget. A limiter
// failure is logged and the request allowed; the attempt counter still applies.
func (s *Service) throttle(ctx context.Context, identityID string) error {
	if s.limiter == nil {
		return nil
	}
	count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, PinVerifyScope, identityID, s.pinVerifyLimit, time.Minute)
	if err != nil {
		log.Printf("level=warn component=service msg=\"pin verify limiter unavailable\" identity_id=%s err=%v", identityID, err)
		return nil
	}
	if count > s.pinVerifyLimit {
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}
