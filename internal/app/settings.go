package app

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

// Settings are the user-adjustable timeouts of an identity.
type Settings struct {
	LogoutTimeout time.Duration `json:"logout_timeout"`
	PinTimeout    time.Duration `json:"pin_timeout"`
}

// SettingsSync keeps one tab's scheduler and PIN controller in step with the
// identity's stored timeouts. Local changes apply immediately and are written
// through the coalescing writer; changes written by other tabs arrive through the
// profile store subscription.
type SettingsSync struct {
	identityID string
	profiles   store.ProfileStore
	scheduler  *LogoutScheduler
	pins       *PinLockController
	writer     *CoalescingWriter

	mu          sync.Mutex
	current     Settings
	unsubscribe func()
}

func NewSettingsSync(identityID string, profiles store.ProfileStore, scheduler *LogoutScheduler, pins *PinLockController, writer *CoalescingWriter, defaults Settings) *SettingsSync {
	return &SettingsSync{
		identityID: identityID,
		profiles:   profiles,
		scheduler:  scheduler,
		pins:       pins,
		writer:     writer,
		current:    defaults,
	}
}

// Load applies the stored timeouts, keeping the defaults for any that are absent
// or unreadable, and subscribes to changes from other tabs.
func (s *SettingsSync) Load(ctx context.Context) Settings {
	fields, err := s.profiles.Get(ctx, s.identityID)
	if err != nil {
		log.Printf("level=warn component=settings msg=\"profile read failed; using defaults\" identity_id=%s err=%v", s.identityID, err)
	}

	s.mu.Lock()
	if err == nil {
		if d, ok := fields.LogoutTimeout(); ok {
			s.current.LogoutTimeout = d
		}
		if d, ok := fields.PinTimeout(); ok {
			s.current.PinTimeout = d
		}
	}
	current := s.current
	if s.unsubscribe == nil {
		s.unsubscribe = s.profiles.Subscribe(s.identityID, s.onProfileChange)
	}
	s.mu.Unlock()

	s.scheduler.Configure(current.LogoutTimeout)
	s.pins.SetPinTimeout(current.PinTimeout)
	return current
}

// Current returns the timeouts in effect.
func (s *SettingsSync) Current() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SetLogoutTimeout applies a new logout timeout and queues it for storage. Zero
// disables automatic logout.
func (s *SettingsSync) SetLogoutTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.current.LogoutTimeout = d
	s.mu.Unlock()

	s.scheduler.Configure(d)
	s.writer.Enqueue(domain.ProfilePatch{domain.FieldLogoutTimeoutMs: domain.DurationMs(d)})
}

// SetPinTimeout applies a new PIN auto-lock timeout and queues it for storage.
func (s *SettingsSync) SetPinTimeout(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.current.PinTimeout = d
	s.mu.Unlock()

	s.pins.SetPinTimeout(d)
	s.writer.Enqueue(domain.ProfilePatch{domain.FieldPinTimeoutMs: domain.DurationMs(d)})
}

// Close detaches from the profile store.
func (s *SettingsSync) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (s *SettingsSync) onProfileChange(patch domain.ProfilePatch) {
	if patch.Touches(domain.FieldPinHash) {
		s.pins.OnCredentialChanged(patch[domain.FieldPinHash] != nil)
	}

	var applyLogout, applyPin bool
	s.mu.Lock()
	if d, ok := patchDuration(patch, domain.FieldLogoutTimeoutMs); ok && d != s.current.LogoutTimeout {
		s.current.LogoutTimeout = d
		applyLogout = true
	}
	if d, ok := patchDuration(patch, domain.FieldPinTimeoutMs); ok && d != s.current.PinTimeout {
		s.current.PinTimeout = d
		applyPin = true
	}
	current := s.current
	s.mu.Unlock()

	if applyLogout {
		s.scheduler.Configure(current.LogoutTimeout)
	}
	if applyPin {
		s.pins.SetPinTimeout(current.PinTimeout)
	}
}

// patchDuration reads a millisecond value from a patch. A removed key reads as zero.
func patchDuration(patch domain.ProfilePatch, key string) (time.Duration, bool) {
	raw, ok := patch[key]
	if !ok {
		return 0, false
	}
	var ms int64
	switch v := raw.(type) {
	case nil:
		ms = 0
	case int64:
		ms = v
	case int:
		ms = int64(v)
	case float64:
		if v > float64(domain.MaxDurationMs) {
			v = float64(domain.MaxDurationMs)
		}
		ms = int64(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		ms = n
	default:
		return 0, false
	}
	return domain.DurationFromMs(ms), true
}
