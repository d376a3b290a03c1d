package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/transfa/session-service/internal/clock"
	"github.com/transfa/session-service/internal/domain"
	"github.com/transfa/session-service/internal/store"
)

var testEpoch = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

var (
	testTabID     = uuid.MustParse("6b1f7a52-3c1e-4a8e-9d0b-2f3c4d5e6f70")
	testSessionID = uuid.MustParse("0c9d8e7f-6a5b-4c3d-8e2f-1a0b9c8d7e6f")
)

var testHasher = PBKDF2Hasher{Iterations: 1000}

func newTestClock() *clock.Mock {
	return clock.NewMock(testEpoch)
}

func elapsed(clk clock.Clock) time.Duration {
	return clk.Now().Sub(testEpoch)
}

type recordingEvents struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *recordingEvents) Emit(event domain.SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic)
	}
	return out
}

type stubIdentity struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (s *stubIdentity) SignOut(ctx context.Context, identityID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, identityID+"/"+sessionID)
	return s.err
}

func (s *stubIdentity) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type navigation struct {
	route  string
	reason domain.ExpiryReason
}

type recordingNavigator struct {
	mu   sync.Mutex
	navs []navigation
}

func (n *recordingNavigator) Navigate(route string, reason domain.ExpiryReason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.navs = append(n.navs, navigation{route: route, reason: reason})
}

func (n *recordingNavigator) all() []navigation {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]navigation(nil), n.navs...)
}

var errRemoteDown = errors.New("remote unavailable")

// flakyProfileStore wraps the in-memory store and fails writes on demand.
type flakyProfileStore struct {
	*store.MemoryProfileStore
	mu       sync.Mutex
	failSets int
	sets     []domain.ProfilePatch
}

func newFlakyProfileStore() *flakyProfileStore {
	return &flakyProfileStore{MemoryProfileStore: store.NewMemoryProfileStore()}
}

func (s *flakyProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	s.mu.Lock()
	s.sets = append(s.sets, patch.Clone())
	if s.failSets > 0 {
		s.failSets--
		s.mu.Unlock()
		return errRemoteDown
	}
	s.mu.Unlock()
	return s.MemoryProfileStore.Set(ctx, identityID, patch)
}

func (s *flakyProfileStore) RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error) {
	s.mu.Lock()
	if s.failSets > 0 {
		s.failSets--
		s.mu.Unlock()
		return domain.AttemptOutcome{}, errRemoteDown
	}
	s.mu.Unlock()
	return s.MemoryProfileStore.RecordFailedPinAttempt(ctx, identityID, policy, now)
}

func (s *flakyProfileStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSets = n
}

func (s *flakyProfileStore) writes() []domain.ProfilePatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ProfilePatch(nil), s.sets...)
}

// silentSharedState stores values but never notifies, as if change events were lost.
type silentSharedState struct {
	store.SharedState
}

func (silentSharedState) Subscribe(func(key, value string)) func() {
	return func() {}
}
