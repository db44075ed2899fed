package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subscriber-dash/authcore/internal/autherr"
)

// Store keeps at most one Session per email. Put replaces the whole value.
type Store interface {
	Get(ctx context.Context, email string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, email string) error
}

const defaultKeyPrefix = "session:"

// RedisStore keeps sessions as JSON values expiring with the session.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// NewRedisStore builds a redis-backed store. An empty prefix uses "session:".
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) key(email string) string {
	return s.prefix + email
}

func (s *RedisStore) Get(ctx context.Context, email string) (Session, error) {
	raw, err := s.client.Get(ctx, s.key(email)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, autherr.ErrNotFound
		}
		return Session{}, fmt.Errorf("session get: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		// Unreadable entries are treated as a miss and replaced on next write.
		return Session{}, autherr.ErrNotFound
	}
	return sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess Session) error {
	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return s.Delete(ctx, sess.Email)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(sess.Email), payload, ttl).Err(); err != nil {
		return fmt.Errorf("session put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, email string) error {
	if err := s.client.Del(ctx, s.key(email)).Err(); err != nil {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// MemoryStore is the in-process store used by the client façade and in
// development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]Session)}
}

func (s *MemoryStore) Get(_ context.Context, email string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[email]
	if !ok {
		return Session{}, autherr.ErrNotFound
	}
	return sess, nil
}

func (s *MemoryStore) Put(_ context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.Email] = sess
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, email)
	return nil
}
