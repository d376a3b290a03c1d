/**
 * @description
 * PinLockController manages the PIN that gates a signed-in tab: creating,
 * changing and deleting the credential, verifying entries against it, counting
 * failed attempts, and locking entry out for a fixed period once the attempt
 * limit is reached.
 *
 * @notes
 * - Credential and attempt state live in the ProfileStore so they are shared by
 *   every tab of the identity, across instances. Attempt counting and resets are
 *   single atomic store operations; the identity lock only orders work inside
 *   this process, and c.mu guards this tab's verification flag.
 * - An expired lockout is cleared lazily, on the next verification or lockout
 *   query. No timer is armed for it.
 * - Lock order: identity lock, then c.mu.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

// PinLockConfig holds the attempt policy and the verification window.
type PinLockConfig struct {
	MaxAttempts     int
	LockoutDuration time.Duration
	// PinTimeout is how long a verification stays valid. Zero means until the
	// tab locks explicitly.
	PinTimeout time.Duration
}

// PinLockController is the PIN state for one tab of an identity.
type PinLockController struct {
	identityID   string
	tabID        uuid.UUID
	clock        clock.Clock
	profiles     store.ProfileStore
	hasher       PinHasher
	identityLock sync.Locker
	events       EventSink
	maxAttempts  int
	lockout      time.Duration

	mu           sync.Mutex
	hasPin       bool
	verification domain.PinVerificationState
	epoch        uint64
	autoLock     clock.Timer
}

// NewPinLockController creates a controller. identityLock must be shared by all
// controllers of the same identity.
func NewPinLockController(
	identityID string,
	tabID uuid.UUID,
	clk clock.Clock,
	profiles store.ProfileStore,
	hasher PinHasher,
	identityLock sync.Locker,
	events EventSink,
	cfg PinLockConfig,
) *PinLockController {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = domain.DefaultMaxPinAttempts
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = domain.DefaultLockoutDuration
	}
	if events == nil {
		events = discardEvents{}
	}
	return &PinLockController{
		identityID:   identityID,
		tabID:        tabID,
		clock:        clk,
		profiles:     profiles,
		hasher:       hasher,
		identityLock: identityLock,
		events:       events,
		maxAttempts:  cfg.MaxAttempts,
		lockout:      cfg.LockoutDuration,
		verification: domain.PinVerificationState{PinTimeout: cfg.PinTimeout},
	}
}

// Load reads whether the identity has a PIN. A tab with a PIN starts locked.
func (c *PinLockController) Load(ctx context.Context) error {
	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hasPin = fields.Credential().Configured()
	c.mu.Unlock()
	return nil
}

// CreatePin stores a new credential and marks this tab verified.
func (c *PinLockController) CreatePin(ctx context.Context, pin string) error {
	if err := validatePin(pin); err != nil {
		return err
	}

	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return err
	}
	if fields.Credential().Configured() {
		return ErrPinAlreadyConfigured
	}
	return c.storeCredentialLocked(ctx, pin)
}

// ChangePin replaces the credential after checking oldPin. A wrong oldPin counts
// as a failed attempt.
func (c *PinLockController) ChangePin(ctx context.Context, oldPin, newPin string) error {
	if err := validatePin(newPin); err != nil {
		return err
	}

	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return err
	}
	if !fields.Credential().Configured() {
		return ErrNoPinConfigured
	}
	if err := c.checkLocked(ctx, fields, oldPin); err != nil {
		return err
	}
	return c.storeCredentialLocked(ctx, newPin)
}

// DeletePin removes the credential after checking pin. Without a PIN the tab is
// always usable.
func (c *PinLockController) DeletePin(ctx context.Context, pin string) error {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return err
	}
	if !fields.Credential().Configured() {
		return ErrNoPinConfigured
	}
	if err := c.checkLocked(ctx, fields, pin); err != nil {
		return err
	}

	patch := domain.ProfilePatch{
		domain.FieldPinHash:          nil,
		domain.FieldPinSalt:          nil,
		domain.FieldPinCreatedAt:     nil,
		domain.FieldPinAttempts:      nil,
		domain.FieldPinLockoutExpiry: nil,
	}
	if err := c.profiles.Set(ctx, c.identityID, patch); err != nil {
		return asWriteError(c.identityID, err)
	}

	c.mu.Lock()
	c.hasPin = false
	c.clearVerificationLocked()
	c.mu.Unlock()

	c.emit(domain.TopicPinChanged, nil)
	return nil
}

// Verify checks pin against the stored credential. On success the tab is
// unlocked until Lock or the PIN timeout.
func (c *PinLockController) Verify(ctx context.Context, pin string) error {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return err
	}
	if !fields.Credential().Configured() {
		c.mu.Lock()
		c.hasPin = false
		c.mu.Unlock()
		return ErrNoPinConfigured
	}
	if err := c.checkLocked(ctx, fields, pin); err != nil {
		return err
	}

	c.mu.Lock()
	c.hasPin = true
	c.markVerifiedLocked(c.clock.Now())
	c.mu.Unlock()

	c.emit(domain.TopicPinVerified, nil)
	return nil
}

// checkLocked compares pin with the credential in fields and records the
// outcome. The identity lock must be held. The count itself is kept by the
// store in one atomic step, since other instances may verify concurrently.
func (c *PinLockController) checkLocked(ctx context.Context, fields domain.ProfileFields, pin string) error {
	now := c.clock.Now()
	if record := fields.Attempts(); record.LockedAt(now) {
		return &LockedOutError{Remaining: record.RemainingAt(now)}
	}

	cred := fields.Credential()
	if pinMatches(c.hasher, pin, cred.Salt, cred.Hash) {
		record, err := c.profiles.ClearPinAttempts(ctx, c.identityID, now)
		if err != nil {
			log.Printf("level=warn component=pin_lock msg=\"attempt reset failed\" identity_id=%s err=%v", c.identityID, err)
			return nil
		}
		// Another instance may have locked entry out after fields was read.
		if record.LockedAt(now) {
			return &LockedOutError{Remaining: record.RemainingAt(now)}
		}
		return nil
	}

	outcome, err := c.profiles.RecordFailedPinAttempt(ctx, c.identityID, c.attemptPolicy(), now)
	if err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			return ErrNoPinConfigured
		}
		return asWriteError(c.identityID, err)
	}

	record := outcome.Record
	if record.LockedAt(now) {
		if outcome.Counted {
			log.Printf("level=warn component=pin_lock msg=\"pin entry locked out\" identity_id=%s tab_id=%s lockout_ms=%d", c.identityID, c.tabID, c.lockout.Milliseconds())
			c.emit(domain.TopicPinLockedOut, nil)
		}
		return &LockedOutError{Remaining: record.RemainingAt(now)}
	}

	remaining := c.maxAttempts - record.Attempts
	c.emit(domain.TopicPinMismatch, &remaining)
	return &PinMismatchError{AttemptsRemaining: remaining}
}

func (c *PinLockController) attemptPolicy() domain.AttemptPolicy {
	return domain.AttemptPolicy{MaxAttempts: c.maxAttempts, LockoutDuration: c.lockout}
}

func (c *PinLockController) storeCredentialLocked(ctx context.Context, pin string) error {
	salt, err := newPinSalt()
	if err != nil {
		return err
	}
	now := c.clock.Now()
	patch := domain.ProfilePatch{
		domain.FieldPinHash:          c.hasher.Hash(pin, salt),
		domain.FieldPinSalt:          salt,
		domain.FieldPinCreatedAt:     now,
		domain.FieldPinAttempts:      nil,
		domain.FieldPinLockoutExpiry: nil,
	}
	if err := c.profiles.Set(ctx, c.identityID, patch); err != nil {
		return asWriteError(c.identityID, err)
	}

	c.mu.Lock()
	c.hasPin = true
	c.markVerifiedLocked(now)
	c.mu.Unlock()

	c.emit(domain.TopicPinChanged, nil)
	return nil
}

// Lock clears this tab's verification.
func (c *PinLockController) Lock() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearVerificationLocked()
}

// HasPin reports the last known PIN presence for the identity.
func (c *PinLockController) HasPin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasPin
}

// IsVerified reports whether this tab holds a verification that has not expired.
func (c *PinLockController) IsVerified() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.verification.Verified && c.verification.ExpiredAt(c.clock.Now()) {
		c.clearVerificationLocked()
	}
	return c.verification.Verified
}

// LockoutRemaining reports how long PIN entry stays locked. A lapsed lockout is
// cleared in storage and reported as zero.
func (c *PinLockController) LockoutRemaining(ctx context.Context) (time.Duration, error) {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return 0, err
	}
	return c.lockoutRemainingLocked(ctx, fields), nil
}

func (c *PinLockController) lockoutRemainingLocked(ctx context.Context, fields domain.ProfileFields) time.Duration {
	now := c.clock.Now()
	record := fields.Attempts()
	if record.LockedAt(now) {
		return record.RemainingAt(now)
	}
	if record.Lapsed(now) {
		cleared, err := c.profiles.ClearPinAttempts(ctx, c.identityID, now)
		if err != nil {
			log.Printf("level=warn component=pin_lock msg=\"lapsed lockout reset failed\" identity_id=%s err=%v", c.identityID, err)
			return 0
		}
		if cleared.LockedAt(now) {
			return cleared.RemainingAt(now)
		}
	}
	return 0
}

// Status combines PIN presence, lockout and verification into one view.
func (c *PinLockController) Status(ctx context.Context) (domain.PinLockStatus, error) {
	c.identityLock.Lock()
	defer c.identityLock.Unlock()

	fields, err := c.profiles.Get(ctx, c.identityID)
	if err != nil {
		return domain.PinLockStatus{}, err
	}
	configured := fields.Credential().Configured()

	c.mu.Lock()
	c.hasPin = configured
	c.mu.Unlock()

	if !configured {
		return domain.PinLockStatus{State: domain.PinNone}, nil
	}
	if remaining := c.lockoutRemainingLocked(ctx, fields); remaining > 0 {
		return domain.PinLockStatus{State: domain.PinLockedOut, LockedOut: true, Remaining: remaining}, nil
	}
	if c.IsVerified() {
		return domain.PinLockStatus{State: domain.PinUnlocked}, nil
	}
	return domain.PinLockStatus{State: domain.PinLocked}, nil
}

// SetPinTimeout changes the verification window. A current verification is
// re-timed from when it was granted.
func (c *PinLockController) SetPinTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.verification.PinTimeout = timeout
	if !c.verification.Verified || c.verification.VerifiedAt == nil {
		return
	}
	c.epoch++
	c.stopAutoLockLocked()
	if timeout == 0 {
		return
	}
	left := timeout - c.clock.Now().Sub(*c.verification.VerifiedAt)
	if left <= 0 {
		c.clearVerificationLocked()
		return
	}
	c.armAutoLockLocked(left)
}

// PinTimeout returns the current verification window.
func (c *PinLockController) PinTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verification.PinTimeout
}

// OnCredentialChanged records a PIN created or removed by another tab.
func (c *PinLockController) OnCredentialChanged(configured bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPin = configured
}

// Close cancels the auto-lock timer.
func (c *PinLockController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	c.stopAutoLockLocked()
}

func (c *PinLockController) markVerifiedLocked(now time.Time) {
	c.epoch++
	c.stopAutoLockLocked()
	c.verification.Verified = true
	c.verification.VerifiedAt = &now
	if c.verification.PinTimeout > 0 {
		c.armAutoLockLocked(c.verification.PinTimeout)
	}
}

func (c *PinLockController) clearVerificationLocked() {
	c.epoch++
	c.stopAutoLockLocked()
	c.verification.Verified = false
	c.verification.VerifiedAt = nil
}

func (c *PinLockController) armAutoLockLocked(d time.Duration) {
	epoch := c.epoch
	c.autoLock = c.clock.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if epoch != c.epoch {
			return
		}
		c.verification.Verified = false
		c.verification.VerifiedAt = nil
		c.autoLock = nil
	})
}

func (c *PinLockController) stopAutoLockLocked() {
	if c.autoLock != nil {
		c.autoLock.Stop()
		c.autoLock = nil
	}
}

func (c *PinLockController) emit(topic string, attemptsRemaining *int) {
	c.events.Emit(domain.SessionEvent{
		Topic:             topic,
		IdentityID:        c.identityID,
		TabID:             c.tabID,
		AttemptsRemaining: attemptsRemaining,
		OccurredAt:        c.clock.Now(),
	})
}

func asWriteError(identityID string, err error) error {
	var writeErr *store.StorageWriteError
	if errors.As(err, &writeErr) {
		return err
	}
	return &store.StorageWriteError{IdentityID: identityID, Err: err}
}
