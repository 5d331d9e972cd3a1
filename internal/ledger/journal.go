package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Journal records which ledger mutations of an approval have already been
// applied, so a retried approval does not resend them. Steps are grouped by a
// scope that identifies one request and one staged edits payload.
type Journal interface {
	// Applied reports whether step was already applied in scope.
	Applied(ctx context.Context, scope, step string) (bool, error)

	// MarkApplied records step as applied in scope.
	MarkApplied(ctx context.Context, scope, step string) error

	// Clear forgets every step of scope once the approval is committed.
	Clear(ctx context.Context, scope string) error
}

// ScopeKey derives the journal scope of an approval. A changed staged edits
// payload yields a different scope, so edited directives are applied afresh.
func ScopeKey(requestID int64, stagedEdits string) string {
	sum := sha256.Sum256([]byte(stagedEdits))
	return fmt.Sprintf("ledger:replay:%d:%s", requestID, hex.EncodeToString(sum[:8]))
}

// --- MemoryJournal ---

// MemoryJournal is an in-memory Journal with TTL support. Suitable for tests
// and single-instance deployments.
type MemoryJournal struct {
	mu     sync.Mutex
	ttl    time.Duration
	scopes map[string]*memScope
}

type memScope struct {
	steps     map[string]time.Time
	expiresAt time.Time
}

// NewMemoryJournal creates an empty journal whose scopes expire ttl after
// their last write.
func NewMemoryJournal(ttl time.Duration) *MemoryJournal {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &MemoryJournal{ttl: ttl, scopes: make(map[string]*memScope)}
}

// Applied implements Journal.
func (j *MemoryJournal) Applied(_ context.Context, scope, step string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, ok := j.scopes[scope]
	if !ok {
		return false, nil
	}
	if time.Now().After(s.expiresAt) {
		delete(j.scopes, scope)
		return false, nil
	}
	_, done := s.steps[step]
	return done, nil
}

// MarkApplied implements Journal.
func (j *MemoryJournal) MarkApplied(_ context.Context, scope, step string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	s, ok := j.scopes[scope]
	if !ok || time.Now().After(s.expiresAt) {
		s = &memScope{steps: make(map[string]time.Time)}
		j.scopes[scope] = s
	}
	s.steps[step] = time.Now()
	s.expiresAt = time.Now().Add(j.ttl)
	return nil
}

// Clear implements Journal.
func (j *MemoryJournal) Clear(_ context.Context, scope string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.scopes, scope)
	return nil
}

// HealthCheck always succeeds.
func (j *MemoryJournal) HealthCheck(context.Context) error {
	return nil
}

// Len returns the number of scopes held, including expired ones. For testing.
func (j *MemoryJournal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.scopes)
}

// --- RedisJournal ---

// RedisJournal keeps each scope as a Redis hash of step → applied-at unix
// time, expiring ttl after its last write.
type RedisJournal struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisJournal creates a Redis-backed journal.
func NewRedisJournal(client redis.Cmdable, ttl time.Duration) *RedisJournal {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisJournal{client: client, ttl: ttl}
}

// Applied implements Journal.
func (j *RedisJournal) Applied(ctx context.Context, scope, step string) (bool, error) {
	done, err := j.client.HExists(ctx, scope, step).Result()
	if err != nil {
		return false, fmt.Errorf("redis hexists %q: %w", scope, err)
	}
	return done, nil
}

// MarkApplied implements Journal.
func (j *RedisJournal) MarkApplied(ctx context.Context, scope, step string) error {
	_, err := j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, scope, step, time.Now().Unix())
		pipe.Expire(ctx, scope, j.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis hset %q: %w", scope, err)
	}
	return nil
}

// Clear implements Journal.
func (j *RedisJournal) Clear(ctx context.Context, scope string) error {
	if err := j.client.Del(ctx, scope).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", scope, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (j *RedisJournal) HealthCheck(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}
