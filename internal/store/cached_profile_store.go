package store

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/transfa/session-service/internal/domain"
)

// CachedProfileStore reads through a remote store into a local cache. When the
// remote read fails the last cached document is served with a warning, so a
// flaky remote never blocks the dashboard.
type CachedProfileStore struct {
	remote   ProfileStore
	cache    ProfileCache
	notifier *changeNotifier
}

// NewCachedProfileStore composes a remote store with a local cache.
func NewCachedProfileStore(remote ProfileStore, cache ProfileCache) *CachedProfileStore {
	return &CachedProfileStore{
		remote:   remote,
		cache:    cache,
		notifier: newChangeNotifier(),
	}
}

func (s *CachedProfileStore) Get(ctx context.Context, identityID string) (domain.ProfileFields, error) {
	fields, err := s.remote.Get(ctx, identityID)
	if err == nil {
		if cacheErr := s.cache.Set(ctx, identityID, fields.AsPatch()); cacheErr != nil {
			log.Printf("level=warn component=profile_store msg=\"cache refresh failed\" identity_id=%s err=%v", identityID, cacheErr)
		}
		return fields, nil
	}

	cached, found, cacheErr := s.cache.Lookup(ctx, identityID)
	if cacheErr != nil || !found {
		if cacheErr != nil {
			log.Printf("level=error component=profile_store msg=\"remote and cache read failed\" identity_id=%s remote_err=%v cache_err=%v", identityID, err, cacheErr)
		}
		return domain.ProfileFields{}, &StorageReadError{IdentityID: identityID, Err: err}
	}

	log.Printf("level=warn component=profile_store msg=\"remote read failed; serving cached profile\" identity_id=%s err=%v", identityID, err)
	return cached, nil
}

func (s *CachedProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	if len(patch) == 0 {
		return nil
	}
	if err := s.remote.Set(ctx, identityID, patch); err != nil {
		return &StorageWriteError{IdentityID: identityID, Err: err}
	}
	if err := s.cache.Set(ctx, identityID, patch); err != nil {
		log.Printf("level=warn component=profile_store msg=\"cache write failed\" identity_id=%s err=%v", identityID, err)
	}

	s.notifier.publish(identityID, patch)
	return nil
}

// RecordFailedPinAttempt counts on the remote store, which owns the atomic step,
// then mirrors the resulting record into the cache.
func (s *CachedProfileStore) RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error) {
	outcome, err := s.remote.RecordFailedPinAttempt(ctx, identityID, policy, now)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return outcome, err
		}
		return outcome, &StorageWriteError{IdentityID: identityID, Err: err}
	}
	if outcome.Counted {
		s.mirrorAttempts(ctx, identityID, outcome.Record)
	}
	return outcome, nil
}

func (s *CachedProfileStore) ClearPinAttempts(ctx context.Context, identityID string, now time.Time) (domain.AttemptRecord, error) {
	record, err := s.remote.ClearPinAttempts(ctx, identityID, now)
	if err != nil {
		return record, &StorageWriteError{IdentityID: identityID, Err: err}
	}
	s.mirrorAttempts(ctx, identityID, record)
	return record, nil
}

func (s *CachedProfileStore) mirrorAttempts(ctx context.Context, identityID string, record domain.AttemptRecord) {
	patch := record.Patch()
	if err := s.cache.Set(ctx, identityID, patch); err != nil {
		log.Printf("level=warn component=profile_store msg=\"cache write failed\" identity_id=%s err=%v", identityID, err)
	}
	s.notifier.publish(identityID, patch)
}

// Purge drops the cached copy of an identity's profile.
func (s *CachedProfileStore) Purge(ctx context.Context, identityID string) error {
	return s.cache.Purge(ctx, identityID)
}

func (s *CachedProfileStore) Subscribe(identityID string, onChange func(domain.ProfilePatch)) func() {
	return s.notifier.subscribe(identityID, onChange)
}
