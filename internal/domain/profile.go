package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Persisted profile keys. The dotted names match the layout the dashboard already
// stores in its per-user document.
const (
	FieldLogoutTimeoutMs  = "logoutTimeoutMs"
	FieldPinTimeoutMs     = "pinTimeoutMs"
	FieldPinHash          = "pin.hash"
	FieldPinSalt          = "pin.salt"
	FieldPinCreatedAt     = "pin.createdAt"
	FieldPinAttempts      = "pin.attempts"
	FieldPinLockoutExpiry = "pin.lockoutExpiry"
)

// ProfileFields is the typed view of a user's stored profile document.
type ProfileFields struct {
	LogoutTimeoutMs  *int64     `json:"logoutTimeoutMs,omitempty"`
	PinTimeoutMs     *int64     `json:"pinTimeoutMs,omitempty"`
	PinHash          []byte     `json:"pin.hash,omitempty"`
	PinSalt          []byte     `json:"pin.salt,omitempty"`
	PinCreatedAt     *time.Time `json:"pin.createdAt,omitempty"`
	PinAttempts      int        `json:"pin.attempts,omitempty"`
	PinLockoutExpiry *time.Time `json:"pin.lockoutExpiry,omitempty"`
}

// Credential extracts the PIN credential.
func (f ProfileFields) Credential() PinCredential {
	return PinCredential{Hash: f.PinHash, Salt: f.PinSalt, CreatedAt: f.PinCreatedAt}
}

// Attempts extracts the attempt record.
func (f ProfileFields) Attempts() AttemptRecord {
	return AttemptRecord{Attempts: f.PinAttempts, LockoutExpiry: f.PinLockoutExpiry}
}

// LogoutTimeout returns the stored logout timeout, if any.
func (f ProfileFields) LogoutTimeout() (time.Duration, bool) {
	if f.LogoutTimeoutMs == nil {
		return 0, false
	}
	return DurationFromMs(*f.LogoutTimeoutMs), true
}

// PinTimeout returns the stored PIN auto-lock timeout, if any.
func (f ProfileFields) PinTimeout() (time.Duration, bool) {
	if f.PinTimeoutMs == nil {
		return 0, false
	}
	return DurationFromMs(*f.PinTimeoutMs), true
}

// AsPatch renders the full document as a patch; absent fields become removals so
// applying it replaces whatever was stored before.
func (f ProfileFields) AsPatch() ProfilePatch {
	patch := ProfilePatch{
		FieldLogoutTimeoutMs:  nil,
		FieldPinTimeoutMs:     nil,
		FieldPinHash:          nil,
		FieldPinSalt:          nil,
		FieldPinCreatedAt:     nil,
		FieldPinAttempts:      nil,
		FieldPinLockoutExpiry: nil,
	}
	if f.LogoutTimeoutMs != nil {
		patch[FieldLogoutTimeoutMs] = *f.LogoutTimeoutMs
	}
	if f.PinTimeoutMs != nil {
		patch[FieldPinTimeoutMs] = *f.PinTimeoutMs
	}
	if len(f.PinHash) > 0 {
		patch[FieldPinHash] = f.PinHash
	}
	if len(f.PinSalt) > 0 {
		patch[FieldPinSalt] = f.PinSalt
	}
	if f.PinCreatedAt != nil {
		patch[FieldPinCreatedAt] = *f.PinCreatedAt
	}
	if f.PinAttempts != 0 {
		patch[FieldPinAttempts] = f.PinAttempts
	}
	if f.PinLockoutExpiry != nil {
		patch[FieldPinLockoutExpiry] = *f.PinLockoutExpiry
	}
	return patch
}

// ProfilePatch is a partial update of a profile document. A nil value removes the key.
type ProfilePatch map[string]any

// Clone returns a shallow copy of the patch.
func (p ProfilePatch) Clone() ProfilePatch {
	out := make(ProfilePatch, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge returns a patch holding p overlaid by newer; keys in newer win.
func (p ProfilePatch) Merge(newer ProfilePatch) ProfilePatch {
	out := p.Clone()
	for k, v := range newer {
		out[k] = v
	}
	return out
}

// Touches reports whether the patch writes any of the given keys.
func (p ProfilePatch) Touches(keys ...string) bool {
	for _, k := range keys {
		if _, ok := p[k]; ok {
			return true
		}
	}
	return false
}

// Encode renders each patch value as JSON. Removed keys map to a nil RawMessage.
func (p ProfilePatch) Encode() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(p))
	for k, v := range p {
		if v == nil {
			out[k] = nil
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode profile field %s: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

// ApplyTo merges the patch into a raw profile document in place.
func (p ProfilePatch) ApplyTo(doc map[string]json.RawMessage) error {
	encoded, err := p.Encode()
	if err != nil {
		return err
	}
	for k, v := range encoded {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return nil
}

// DecodeProfile converts a raw profile document into ProfileFields.
func DecodeProfile(doc map[string]json.RawMessage) (ProfileFields, error) {
	var fields ProfileFields
	if len(doc) == 0 {
		return fields, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return fields, err
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fields, fmt.Errorf("decode profile: %w", err)
	}
	return fields, nil
}

// MaxDurationMs is the largest millisecond count a time.Duration can hold.
const MaxDurationMs = math.MaxInt64 / int64(time.Millisecond)

// DurationFromMs converts a stored millisecond count, clamped to [0, MaxDurationMs].
func DurationFromMs(ms int64) time.Duration {
	switch {
	case ms <= 0:
		return 0
	case ms > MaxDurationMs:
		ms = MaxDurationMs
	}
	return time.Duration(ms) * time.Millisecond
}

// DurationMs converts a duration to the millisecond integer stored in profiles.
func DurationMs(d time.Duration) int64 {
	return d.Milliseconds()
}
