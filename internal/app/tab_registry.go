/**
 * @description
 * TabRegistry owns the live dashboard tabs served by this instance. Opening a tab
 * builds its activity monitor, logout scheduler, PIN controller, settings sync and
 * facade; closing it tears them down. Per-identity state that tabs must share
 * (the PIN read-modify-write lock and the sign-out limiter) lives here.
 *
 * @dependencies
 * - github.com/google/uuid: tab and session identifiers.
 * - golang.org/x/time/rate: per-identity sign-out limiter.
 */

package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

// ErrTabNotFound is returned for an unknown tab or a tab owned by another identity.
var ErrTabNotFound = errors.New("tab not found")

const (
	DefaultTabIdleTTL     = time.Hour
	DefaultSignedOutGrace = time.Minute
	DefaultPinTimeout     = 5 * time.Minute
	DefaultLogoutTimeout  = 15 * time.Minute
)

// RegistryConfig holds the defaults applied to every new tab.
type RegistryConfig struct {
	LogoutTimeout       time.Duration
	WarningLead         time.Duration
	PinTimeout          time.Duration
	MaxPinAttempts      int
	LockoutDuration     time.Duration
	ActivityDebounce    time.Duration
	SignOutCooldown     time.Duration
	ConfigWriteDebounce time.Duration
	TabIdleTTL          time.Duration
	SignedOutGrace      time.Duration
}

// RegistryDeps are the shared collaborators of every tab.
type RegistryDeps struct {
	Clock    clock.Clock
	Profiles store.ProfileStore
	Shared   store.SharedState
	Hasher   PinHasher
	Identity IdentityProvider
	Events   EventSink
	// Cache is purged on sign-out. May be nil.
	Cache ProfilePurger
	// SignOutLimiter spaces provider sign-out across instances. May be nil.
	SignOutLimiter RateLimiter
}

// Redirect is the navigation a signed-out tab must perform.
type Redirect struct {
	Route  string              `json:"route"`
	Reason domain.ExpiryReason `json:"reason"`
	At     time.Time           `json:"at"`
}

// Tab is one registered dashboard tab.
type Tab struct {
	ID         uuid.UUID
	IdentityID string

	Monitor   *ActivityMonitor
	Scheduler *LogoutScheduler
	Pins      *PinLockController
	Settings  *SettingsSync
	Facade    *SessionFacade

	writer   *CoalescingWriter
	registry *TabRegistry

	mu       sync.Mutex
	lastSeen time.Time
	redirect *Redirect
}

// Navigate records the redirect for the client and tells sibling tabs the
// identity has gone.
func (t *Tab) Navigate(route string, reason domain.ExpiryReason) {
	t.mu.Lock()
	t.redirect = &Redirect{Route: route, Reason: reason, At: t.registry.clock.Now()}
	t.mu.Unlock()

	t.registry.propagateSignOut(t.IdentityID, t.ID)
}

// Redirect returns the pending redirect, if the tab has been signed out.
func (t *Tab) Redirect() *Redirect {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.redirect == nil {
		return nil
	}
	r := *t.redirect
	return &r
}

// Touch marks the tab as seen.
func (t *Tab) Touch() {
	now := t.registry.clock.Now()
	t.mu.Lock()
	t.lastSeen = now
	t.mu.Unlock()
}

func (t *Tab) idle(now time.Time, ttl, grace time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.redirect != nil && now.Sub(t.redirect.At) >= grace {
		return true
	}
	return now.Sub(t.lastSeen) >= ttl
}

func (t *Tab) shutdown(ctx context.Context) {
	t.Scheduler.Stop()
	t.Pins.Close()
	t.Settings.Close()
	if err := t.writer.Close(ctx); err != nil {
		log.Printf("level=warn component=tab_registry msg=\"settings flush on close failed\" identity_id=%s tab_id=%s err=%v", t.IdentityID, t.ID, err)
	}
}

type identityState struct {
	lock    sync.Mutex
	limiter *rate.Limiter
	tabs    map[uuid.UUID]*Tab
	opening int
}

// TabRegistry tracks live tabs by id and by identity.
type TabRegistry struct {
	cfg   RegistryConfig
	deps  RegistryDeps
	clock clock.Clock

	mu         sync.Mutex
	tabs       map[uuid.UUID]*Tab
	identities map[string]*identityState
}

func NewTabRegistry(cfg RegistryConfig, deps RegistryDeps) *TabRegistry {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Hasher == nil {
		deps.Hasher = NewPBKDF2Hasher(0)
	}
	if deps.Events == nil {
		deps.Events = discardEvents{}
	}
	if cfg.TabIdleTTL <= 0 {
		cfg.TabIdleTTL = DefaultTabIdleTTL
	}
	if cfg.SignedOutGrace <= 0 {
		cfg.SignedOutGrace = DefaultSignedOutGrace
	}
	return &TabRegistry{
		cfg:        cfg,
		deps:       deps,
		clock:      deps.Clock,
		tabs:       make(map[uuid.UUID]*Tab),
		identities: make(map[string]*identityState),
	}
}

func (r *TabRegistry) identityLocked(identityID string) *identityState {
	state, ok := r.identities[identityID]
	if !ok {
		state = &identityState{
			limiter: NewSignOutLimiter(r.cfg.SignOutCooldown),
			tabs:    make(map[uuid.UUID]*Tab),
		}
		r.identities[identityID] = state
	}
	return state
}

// Open registers a new tab for identityID and starts its timers.
func (r *TabRegistry) Open(ctx context.Context, identityID string) (*Tab, error) {
	if identityID == "" {
		return nil, errors.New("identity id is required")
	}

	r.mu.Lock()
	ident := r.identityLocked(identityID)
	ident.opening++
	r.mu.Unlock()

	tabID := uuid.New()
	now := r.clock.Now()
	shared := store.Scoped(r.deps.Shared, identityID)

	scheduler := NewLogoutScheduler(r.clock, shared, domain.LogoutConfig{
		Timeout:     r.cfg.LogoutTimeout,
		WarningLead: r.cfg.WarningLead,
	})
	pins := NewPinLockController(identityID, tabID, r.clock, r.deps.Profiles, r.deps.Hasher, &ident.lock, r.deps.Events, PinLockConfig{
		MaxAttempts:     r.cfg.MaxPinAttempts,
		LockoutDuration: r.cfg.LockoutDuration,
		PinTimeout:      r.cfg.PinTimeout,
	})
	writer := NewCoalescingWriter(r.clock, r.cfg.ConfigWriteDebounce, identityID, func(ctx context.Context, patch domain.ProfilePatch) error {
		return r.deps.Profiles.Set(ctx, identityID, patch)
	})
	settings := NewSettingsSync(identityID, r.deps.Profiles, scheduler, pins, writer, Settings{
		LogoutTimeout: r.cfg.LogoutTimeout,
		PinTimeout:    r.cfg.PinTimeout,
	})

	tab := &Tab{
		ID:         tabID,
		IdentityID: identityID,
		Scheduler:  scheduler,
		Pins:       pins,
		Settings:   settings,
		writer:     writer,
		registry:   r,
		lastSeen:   now,
	}
	tab.Facade = NewSessionFacade(domain.Session{
		ID:             uuid.New(),
		IdentityID:     identityID,
		TabID:          tabID,
		StartedAt:      now,
		LastActivityAt: now,
	}, scheduler, pins, FacadeDeps{
		Clock:           r.clock,
		Identity:        r.deps.Identity,
		Navigator:       tab,
		Credentials:     NewTransientCredentials(r.deps.Shared, r.deps.Cache),
		Events:          r.deps.Events,
		SignOutLimiter:  ident.limiter,
		SharedLimiter:   r.deps.SignOutLimiter,
		SignOutCooldown: r.cfg.SignOutCooldown,
	})
	tab.Monitor = NewActivityMonitor(r.clock, scheduler, r.cfg.ActivityDebounce)

	if err := pins.Load(ctx); err != nil {
		r.mu.Lock()
		ident.opening--
		r.mu.Unlock()
		return nil, err
	}
	settings.Load(ctx)
	scheduler.Start()

	r.mu.Lock()
	ident.opening--
	r.tabs[tabID] = tab
	ident.tabs[tabID] = tab
	r.mu.Unlock()

	log.Printf("level=info component=tab_registry msg=\"tab opened\" identity_id=%s tab_id=%s", identityID, tabID)
	return tab, nil
}

// Get returns the tab if it exists and belongs to identityID.
func (r *TabRegistry) Get(identityID string, tabID uuid.UUID) (*Tab, error) {
	r.mu.Lock()
	tab, ok := r.tabs[tabID]
	r.mu.Unlock()
	if !ok || tab.IdentityID != identityID {
		return nil, ErrTabNotFound
	}
	tab.Touch()
	return tab, nil
}

// Close unregisters a tab and stops its timers. The identity stays signed in.
func (r *TabRegistry) Close(ctx context.Context, identityID string, tabID uuid.UUID) error {
	r.mu.Lock()
	tab, ok := r.tabs[tabID]
	if !ok || tab.IdentityID != identityID {
		r.mu.Unlock()
		return ErrTabNotFound
	}
	r.removeLocked(tab)
	r.mu.Unlock()

	tab.shutdown(ctx)
	log.Printf("level=info component=tab_registry msg=\"tab closed\" identity_id=%s tab_id=%s", identityID, tabID)
	return nil
}

func (r *TabRegistry) removeLocked(tab *Tab) {
	delete(r.tabs, tab.ID)
	if ident, ok := r.identities[tab.IdentityID]; ok {
		delete(ident.tabs, tab.ID)
	}
}

// CloseIdentity signs out every tab of identityID with reason. It returns how many
// tabs went from signed in to signed out.
func (r *TabRegistry) CloseIdentity(identityID string, reason domain.ExpiryReason) int {
	tabs := r.tabsOf(identityID, uuid.Nil)
	live := make([]*Tab, 0, len(tabs))
	for _, tab := range tabs {
		if !tab.Facade.SignedOut() {
			live = append(live, tab)
		}
	}
	for _, tab := range live {
		tab.Facade.Logout(reason)
	}
	closed := 0
	for _, tab := range live {
		if tab.Facade.SignedOut() {
			closed++
		}
	}
	return closed
}

func (r *TabRegistry) propagateSignOut(identityID string, originTabID uuid.UUID) {
	for _, tab := range r.tabsOf(identityID, originTabID) {
		tab.Facade.Logout(domain.ReasonIdentityChanged)
	}
}

func (r *TabRegistry) tabsOf(identityID string, exceptTabID uuid.UUID) []*Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	ident, ok := r.identities[identityID]
	if !ok {
		return nil
	}
	tabs := make([]*Tab, 0, len(ident.tabs))
	for id, tab := range ident.tabs {
		if id != exceptTabID {
			tabs = append(tabs, tab)
		}
	}
	return tabs
}

// Reap closes tabs that have not been seen within the idle TTL, and signed-out
// tabs whose redirect grace has passed. It returns the number of tabs closed.
func (r *TabRegistry) Reap(ctx context.Context) int {
	now := r.clock.Now()

	r.mu.Lock()
	var stale []*Tab
	for _, tab := range r.tabs {
		if tab.idle(now, r.cfg.TabIdleTTL, r.cfg.SignedOutGrace) {
			stale = append(stale, tab)
			r.removeLocked(tab)
		}
	}
	for id, ident := range r.identities {
		if len(ident.tabs) == 0 && ident.opening == 0 && ident.limiter.TokensAt(now) >= 1 {
			delete(r.identities, id)
		}
	}
	r.mu.Unlock()

	for _, tab := range stale {
		tab.shutdown(ctx)
	}
	return len(stale)
}

// Count returns the number of live tabs.
func (r *TabRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tabs)
}

// Shutdown closes every tab.
func (r *TabRegistry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	tabs := make([]*Tab, 0, len(r.tabs))
	for _, tab := range r.tabs {
		tabs = append(tabs, tab)
	}
	r.tabs = make(map[uuid.UUID]*Tab)
	r.identities = make(map[string]*identityState)
	r.mu.Unlock()

	for _, tab := range tabs {
		tab.shutdown(ctx)
	}
}
