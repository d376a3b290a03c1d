package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultSharedStateTTL = 24 * time.Hour

type sharedStateChange struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RedisSharedState stores shared tab state as plain Redis keys and announces every
// write on a pub/sub channel, the server-side stand-in for the browser storage event.
type RedisSharedState struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(key, value string)
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// NewRedisSharedState creates a Redis-backed shared state channel. Values expire
// after ttl so abandoned identities do not accumulate keys.
func NewRedisSharedState(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSharedState {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "transfa:session"
	}
	if ttl <= 0 {
		ttl = defaultSharedStateTTL
	}
	return &RedisSharedState{
		client: client,
		prefix: trimmed,
		ttl:    ttl,
		subs:   make(map[uint64]func(key, value string)),
	}
}

func (s *RedisSharedState) key(key string) string {
	return fmt.Sprintf("%s:shared:%s", s.prefix, key)
}

func (s *RedisSharedState) channel() string {
	return s.prefix + ":shared:changes"
}

func (s *RedisSharedState) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisSharedState) Set(ctx context.Context, key, value string) error {
	payload, err := json.Marshal(sharedStateChange{Key: key, Value: value})
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.key(key), value, s.ttl)
	pipe.Publish(ctx, s.channel(), payload)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisSharedState) Delete(ctx context.Context, key string) error {
	payload, err := json.Marshal(sharedStateChange{Key: key})
	if err != nil {
		return err
	}
	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.key(key))
	pipe.Publish(ctx, s.channel(), payload)
	_, err = pipe.Exec(ctx)
	return err
}

// Subscribe registers onChange for every change published by any instance. The
// underlying Redis subscription is opened on first use and confirmed before
// Subscribe returns.
func (s *RedisSharedState) Subscribe(onChange func(key, value string)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() {}
	}
	if s.pubsub == nil {
		if err := s.startLocked(); err != nil {
			log.Printf("level=error component=shared_state msg=\"redis subscribe failed\" channel=%s err=%v", s.channel(), err)
		}
	}

	s.nextID++
	id := s.nextID
	s.subs[id] = onChange

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *RedisSharedState) startLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.client.Subscribe(ctx, s.channel())

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, 5*time.Second)
	defer cancelConfirm()
	if _, err := ps.Receive(confirmCtx); err != nil {
		cancel()
		_ = ps.Close()
		return err
	}

	s.pubsub = ps
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.dispatch(ps.Channel(), s.done)
	return nil
}

func (s *RedisSharedState) dispatch(messages <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range messages {
		var change sharedStateChange
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			log.Printf("level=warn component=shared_state msg=\"malformed change payload\" err=%v", err)
			continue
		}

		s.mu.Lock()
		fns := make([]func(string, string), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.mu.Unlock()

		for _, fn := range fns {
			fn(change.Key, change.Value)
		}
	}
}

// Close stops the subscription goroutine.
func (s *RedisSharedState) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSharedStateClosed
	}
	s.closed = true
	ps, cancel, done := s.pubsub, s.cancel, s.done
	s.mu.Unlock()

	if ps == nil {
		return nil
	}
	cancel()
	err := ps.Close()
	<-done
	return err
}
