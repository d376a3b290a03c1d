/**
 * @description
 * This file defines the storage contracts used by the session-service: the
 * per-identity ProfileStore (settings and PIN credential fields) and the
 * SharedState channel that stands in for same-origin browser storage shared by
 * the tabs of one identity.
 *
 * @dependencies
 * - context, sync, time: Standard Go libraries.
 * - internal/domain: For the profile document types.
 */

package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/transfa/session-service/internal/domain"
)

// ProfileStore reads and patches per-identity profile documents and announces changes.
//
// The attempt methods read and write the PIN attempt record in one atomic step
// against the backing store, so instances sharing that store never lose a count.
type ProfileStore interface {
	Get(ctx context.Context, identityID string) (domain.ProfileFields, error)
	Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error
	Subscribe(identityID string, onChange func(domain.ProfilePatch)) (unsubscribe func())
	// RecordFailedPinAttempt counts one failed entry, locking entry out once the
	// policy's limit is reached. An entry made while locked out is not counted.
	RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error)
	// ClearPinAttempts resets the attempt record unless a lockout is active at now,
	// and returns the record as stored afterwards.
	ClearPinAttempts(ctx context.Context, identityID string, now time.Time) (domain.AttemptRecord, error)
}

// attemptUpdate computes the next attempt record and whether it must be written.
type attemptUpdate func(current domain.AttemptRecord) (domain.AttemptRecord, bool)

func failAttempt(policy domain.AttemptPolicy, now time.Time) attemptUpdate {
	return func(current domain.AttemptRecord) (domain.AttemptRecord, bool) {
		outcome := current.Fail(now, policy)
		return outcome.Record, outcome.Counted
	}
}

func clearAttempts(now time.Time) attemptUpdate {
	return func(current domain.AttemptRecord) (domain.AttemptRecord, bool) {
		if current.LockedAt(now) || (current.Attempts == 0 && current.LockoutExpiry == nil) {
			return current, false
		}
		return domain.AttemptRecord{}, true
	}
}

// ProfileCache is a local ProfileStore that can tell a missing entry from an empty one.
type ProfileCache interface {
	ProfileStore
	Lookup(ctx context.Context, identityID string) (domain.ProfileFields, bool, error)
	Purge(ctx context.Context, identityID string) error
}

// SharedState is a best-effort key/value channel shared by every tab of one identity.
// Writers do not wait for readers; readers learn of changes through Subscribe.
type SharedState interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Subscribe(onChange func(key, value string)) (unsubscribe func())
}

// changeNotifier fans profile patches out to per-identity subscribers.
type changeNotifier struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]func(domain.ProfilePatch)
}

func newChangeNotifier() *changeNotifier {
	return &changeNotifier{subs: make(map[string]map[uint64]func(domain.ProfilePatch))}
}

func (n *changeNotifier) subscribe(identityID string, fn func(domain.ProfilePatch)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.subs[identityID] == nil {
		n.subs[identityID] = make(map[uint64]func(domain.ProfilePatch))
	}
	n.subs[identityID][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[identityID], id)
			if len(n.subs[identityID]) == 0 {
				delete(n.subs, identityID)
			}
		})
	}
}

func (n *changeNotifier) publish(identityID string, patch domain.ProfilePatch) {
	n.mu.Lock()
	fns := make([]func(domain.ProfilePatch), 0, len(n.subs[identityID]))
	for _, fn := range n.subs[identityID] {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(patch.Clone())
	}
}

type scopedSharedState struct {
	inner  SharedState
	prefix string
}

// Scoped returns a view of state whose keys live under scope. Notifications for
// keys outside the scope are filtered out.
func Scoped(state SharedState, scope string) SharedState {
	return &scopedSharedState{inner: state, prefix: scope + ":"}
}

func (s *scopedSharedState) Get(ctx context.Context, key string) (string, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scopedSharedState) Set(ctx context.Context, key, value string) error {
	return s.inner.Set(ctx, s.prefix+key, value)
}

func (s *scopedSharedState) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, s.prefix+key)
}

func (s *scopedSharedState) Subscribe(onChange func(key, value string)) func() {
	return s.inner.Subscribe(func(key, value string) {
		if !strings.HasPrefix(key, s.prefix) {
			return
		}
		onChange(strings.TrimPrefix(key, s.prefix), value)
	})
}
