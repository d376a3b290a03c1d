package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/transfa/session-service/internal/domain"
)

// MemoryProfileStore keeps profile documents in process memory. It backs local
// development and tests, and satisfies ProfileCache.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	docs     map[string]map[string]json.RawMessage
	notifier *changeNotifier
}

// NewMemoryProfileStore creates an empty in-memory profile store.
func NewMemoryProfileStore() *MemoryProfileStore {
	return &MemoryProfileStore{
		docs:     make(map[string]map[string]json.RawMessage),
		notifier: newChangeNotifier(),
	}
}

func (s *MemoryProfileStore) Get(ctx context.Context, identityID string) (domain.ProfileFields, error) {
	fields, _, err := s.Lookup(ctx, identityID)
	return fields, err
}

func (s *MemoryProfileStore) Lookup(ctx context.Context, identityID string) (domain.ProfileFields, bool, error) {
	s.mu.RLock()
	doc, ok := s.docs[identityID]
	var snapshot map[string]json.RawMessage
	if ok {
		snapshot = make(map[string]json.RawMessage, len(doc))
		for k, v := range doc {
			snapshot[k] = v
		}
	}
	s.mu.RUnlock()

	if !ok {
		return domain.ProfileFields{}, false, nil
	}
	fields, err := domain.DecodeProfile(snapshot)
	return fields, true, err
}

func (s *MemoryProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	if len(patch) == 0 {
		return nil
	}
	s.mu.Lock()
	doc, ok := s.docs[identityID]
	if !ok {
		doc = make(map[string]json.RawMessage)
	}
	if err := patch.ApplyTo(doc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.docs[identityID] = doc
	s.mu.Unlock()

	s.notifier.publish(identityID, patch)
	return nil
}

func (s *MemoryProfileStore) Purge(ctx context.Context, identityID string) error {
	s.mu.Lock()
	delete(s.docs, identityID)
	s.mu.Unlock()
	return nil
}

func (s *MemoryProfileStore) Subscribe(identityID string, onChange func(domain.ProfilePatch)) func() {
	return s.notifier.subscribe(identityID, onChange)
}

func (s *MemoryProfileStore) RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error) {
	record, counted, err := s.updateAttempts(identityID, failAttempt(policy, now))
	return domain.AttemptOutcome{Record: record, Counted: counted}, err
}

func (s *MemoryProfileStore) ClearPinAttempts(ctx context.Context, identityID string, now time.Time) (domain.AttemptRecord, error) {
	record, _, err := s.updateAttempts(identityID, clearAttempts(now))
	if errors.Is(err, ErrProfileNotFound) {
		return domain.AttemptRecord{}, nil
	}
	return record, err
}

// updateAttempts reads and rewrites the attempt record under the write lock.
func (s *MemoryProfileStore) updateAttempts(identityID string, update attemptUpdate) (domain.AttemptRecord, bool, error) {
	s.mu.Lock()
	doc, ok := s.docs[identityID]
	if !ok {
		s.mu.Unlock()
		return domain.AttemptRecord{}, false, ErrProfileNotFound
	}
	fields, err := domain.DecodeProfile(doc)
	if err != nil {
		s.mu.Unlock()
		return domain.AttemptRecord{}, false, err
	}
	next, write := update(fields.Attempts())
	var patch domain.ProfilePatch
	if write {
		patch = next.Patch()
		if err := patch.ApplyTo(doc); err != nil {
			s.mu.Unlock()
			return domain.AttemptRecord{}, false, err
		}
	}
	s.mu.Unlock()

	if patch != nil {
		s.notifier.publish(identityID, patch)
	}
	return next, write, nil
}
