package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transfa/session-service/internal/domain"
)

const maxAttemptTxRetries = 16

// RedisProfileStore keeps one Redis hash per identity. It is used as the local
// cache in front of the Postgres store.
type RedisProfileStore struct {
	client   redis.UniversalClient
	prefix   string
	notifier *changeNotifier
}

// NewRedisProfileStore creates a Redis-backed profile cache.
func NewRedisProfileStore(client redis.UniversalClient, prefix string) *RedisProfileStore {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "transfa:session"
	}
	return &RedisProfileStore{
		client:   client,
		prefix:   trimmed,
		notifier: newChangeNotifier(),
	}
}

func (s *RedisProfileStore) key(identityID string) string {
	return fmt.Sprintf("%s:profile:%s", s.prefix, identityID)
}

func (s *RedisProfileStore) Get(ctx context.Context, identityID string) (domain.ProfileFields, error) {
	fields, _, err := s.Lookup(ctx, identityID)
	return fields, err
}

func (s *RedisProfileStore) Lookup(ctx context.Context, identityID string) (domain.ProfileFields, bool, error) {
	values, err := s.client.HGetAll(ctx, s.key(identityID)).Result()
	if err != nil {
		return domain.ProfileFields{}, false, err
	}
	if len(values) == 0 {
		return domain.ProfileFields{}, false, nil
	}
	fields, err := decodeHash(values)
	return fields, true, err
}

func decodeHash(values map[string]string) (domain.ProfileFields, error) {
	doc := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		doc[k] = json.RawMessage(v)
	}
	return domain.DecodeProfile(doc)
}

func (s *RedisProfileStore) Set(ctx context.Context, identityID string, patch domain.ProfilePatch) error {
	if len(patch) == 0 {
		return nil
	}
	pipe := s.client.TxPipeline()
	if err := queuePatch(ctx, pipe, s.key(identityID), patch); err != nil {
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	s.notifier.publish(identityID, patch)
	return nil
}

// queuePatch adds the HSET and HDEL commands for patch to pipe.
func queuePatch(ctx context.Context, pipe redis.Pipeliner, key string, patch domain.ProfilePatch) error {
	encoded, err := patch.Encode()
	if err != nil {
		return err
	}
	setValues := make(map[string]any)
	var removed []string
	for k, v := range encoded {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		setValues[k] = string(v)
	}
	if len(setValues) > 0 {
		pipe.HSet(ctx, key, setValues)
	}
	if len(removed) > 0 {
		pipe.HDel(ctx, key, removed...)
	}
	return nil
}

func (s *RedisProfileStore) RecordFailedPinAttempt(ctx context.Context, identityID string, policy domain.AttemptPolicy, now time.Time) (domain.AttemptOutcome, error) {
	record, counted, err := s.updateAttempts(ctx, identityID, failAttempt(policy, now))
	return domain.AttemptOutcome{Record: record, Counted: counted}, err
}

func (s *RedisProfileStore) ClearPinAttempts(ctx context.Context, identityID string, now time.Time) (domain.AttemptRecord, error) {
	record, _, err := s.updateAttempts(ctx, identityID, clearAttempts(now))
	if errors.Is(err, ErrProfileNotFound) {
		return domain.AttemptRecord{}, nil
	}
	return record, err
}

// updateAttempts rewrites the attempt record inside a WATCH transaction on the
// profile hash, retrying when another writer touched the hash first.
func (s *RedisProfileStore) updateAttempts(ctx context.Context, identityID string, update attemptUpdate) (domain.AttemptRecord, bool, error) {
	key := s.key(identityID)
	var (
		record domain.AttemptRecord
		patch  domain.ProfilePatch
	)
	txf := func(tx *redis.Tx) error {
		record, patch = domain.AttemptRecord{}, nil
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(values) == 0 {
			return ErrProfileNotFound
		}
		fields, err := decodeHash(values)
		if err != nil {
			return err
		}
		next, write := update(fields.Attempts())
		record = next
		if !write {
			return nil
		}
		pending := next.Patch()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return queuePatch(ctx, pipe, key, pending)
		})
		if err == nil {
			patch = pending
		}
		return err
	}

	for i := 0; i < maxAttemptTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.AttemptRecord{}, false, err
		}
		if patch != nil {
			s.notifier.publish(identityID, patch)
		}
		return record, patch != nil, nil
	}
	return domain.AttemptRecord{}, false, fmt.Errorf("attempt update for %s: %w", identityID, redis.TxFailedErr)
}

func (s *RedisProfileStore) Purge(ctx context.Context, identityID string) error {
	return s.client.Del(ctx, s.key(identityID)).Err()
}

func (s *RedisProfileStore) Subscribe(identityID string, onChange func(domain.ProfilePatch)) func() {
	return s.notifier.subscribe(identityID, onChange)
}
