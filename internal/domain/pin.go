package domain

import "time"

const (
	DefaultMaxPinAttempts  = 5
	DefaultLockoutDuration = 15 * time.Minute
	MinPinLength           = 4
	MaxPinLength           = 6
)

// PinCredential is the stored, salted hash of a user's PIN. An empty Hash means
// no PIN is configured and the protected area is open.
type PinCredential struct {
	Hash      []byte     `json:"hash"`
	Salt      []byte     `json:"salt"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// Configured reports whether a PIN exists.
func (c PinCredential) Configured() bool {
	return len(c.Hash) > 0
}

// AttemptRecord counts consecutive failed PIN attempts for one identity.
type AttemptRecord struct {
	Attempts      int        `json:"attempts"`
	LockoutExpiry *time.Time `json:"lockout_expiry,omitempty"`
}

// LockedAt reports whether the record is locked out at now.
func (a AttemptRecord) LockedAt(now time.Time) bool {
	return a.LockoutExpiry != nil && now.Before(*a.LockoutExpiry)
}

// Lapsed reports whether a lockout was set and has since passed.
func (a AttemptRecord) Lapsed(now time.Time) bool {
	return a.LockoutExpiry != nil && !now.Before(*a.LockoutExpiry)
}

// RemainingAt returns how long the lockout lasts past now, or zero.
func (a AttemptRecord) RemainingAt(now time.Time) time.Duration {
	if !a.LockedAt(now) {
		return 0
	}
	return a.LockoutExpiry.Sub(now)
}

// AttemptPolicy bounds failed PIN entries before entry is locked out.
type AttemptPolicy struct {
	MaxAttempts     int
	LockoutDuration time.Duration
}

// AttemptOutcome is the stored attempt record after a failed entry was recorded.
type AttemptOutcome struct {
	Record AttemptRecord
	// Counted is false when entry was already locked out and the attempt was refused.
	Counted bool
}

// Fail applies one failed entry at now. A lapsed lockout, or a full count with
// no expiry, starts a new series. A record locked at now is returned unchanged.
func (a AttemptRecord) Fail(now time.Time, p AttemptPolicy) AttemptOutcome {
	if a.LockedAt(now) {
		return AttemptOutcome{Record: a}
	}
	next := AttemptRecord{Attempts: a.Attempts + 1}
	if a.Lapsed(now) || (a.LockoutExpiry == nil && a.Attempts >= p.MaxAttempts) {
		next.Attempts = 1
	}
	if next.Attempts >= p.MaxAttempts {
		expiry := now.Add(p.LockoutDuration)
		next.LockoutExpiry = &expiry
	}
	return AttemptOutcome{Record: next, Counted: true}
}

// Patch renders the record under its profile keys. Zero values become removals.
func (a AttemptRecord) Patch() ProfilePatch {
	patch := ProfilePatch{FieldPinAttempts: nil, FieldPinLockoutExpiry: nil}
	if a.Attempts != 0 {
		patch[FieldPinAttempts] = a.Attempts
	}
	if a.LockoutExpiry != nil {
		patch[FieldPinLockoutExpiry] = *a.LockoutExpiry
	}
	return patch
}

// PinVerificationState tracks whether the current tab has unlocked the protected area.
type PinVerificationState struct {
	Verified   bool          `json:"verified"`
	VerifiedAt *time.Time    `json:"verified_at,omitempty"`
	PinTimeout time.Duration `json:"pin_timeout"`
}

// ExpiredAt reports whether a verification has aged past the PIN timeout.
// A zero timeout never expires.
func (v PinVerificationState) ExpiredAt(now time.Time) bool {
	if !v.Verified || v.VerifiedAt == nil || v.PinTimeout <= 0 {
		return false
	}
	return now.Sub(*v.VerifiedAt) >= v.PinTimeout
}

// PinState is the per-identity PIN lock state machine.
type PinState int

const (
	PinNone PinState = iota
	PinLocked
	PinUnlocked
	PinLockedOut
)

func (s PinState) String() string {
	switch s {
	case PinNone:
		return "no_pin"
	case PinLocked:
		return "locked"
	case PinUnlocked:
		return "unlocked"
	case PinLockedOut:
		return "locked_out"
	default:
		return "unknown"
	}
}

// PinLockStatus is what a lock screen needs to render a lockout countdown.
type PinLockStatus struct {
	State     PinState      `json:"state"`
	LockedOut bool          `json:"locked_out"`
	Remaining time.Duration `json:"remaining"`
}
