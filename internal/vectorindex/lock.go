package vectorindex

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quarry-ai/ragcore/internal/observability"
)

// Locker is the advisory per-KB lock. It only reduces wasted merge attempts;
// the conditional KB update remains the sole correctness guarantee, so a
// failed acquisition never blocks a merge.
type Locker interface {
	// Acquire tries to take the lock once. When ok is true, release frees
	// it; release is safe to call exactly once. Errors are advisory too.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisLocker implements Locker with SET NX + TTL. Release deletes the key
// only when it still holds this owner's token, so an expired lock taken over
// by another worker is never released by the first one.
type RedisLocker struct {
	client *redis.Client
	logger *observability.Logger
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker wraps an existing Redis client.
func NewRedisLocker(client *redis.Client, logger *observability.Logger) *RedisLocker {
	return &RedisLocker{client: client, logger: logger.WithComponent("lock")}
}

func lockKey(key string) string {
	return "ragcore:lock:" + key
}

// Acquire takes the lock with a fresh owner token.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	name := lockKey(key)

	ok, err := l.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Best effort: compare the token before deleting.
		current, err := l.client.Get(context.Background(), name).Result()
		if err != nil || current != token {
			return
		}
		if err := l.client.Del(context.Background(), name).Err(); err != nil {
			l.logger.Warn().Str("key", key).Err(err).Msg("Advisory lock release failed")
		}
	}
	return release, true, nil
}

// MemoryLocker is an in-process Locker for tests and single-node runs.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]string
	until map[string]time.Time
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string]string),
		until: make(map[string]time.Time),
	}
}

// Acquire takes the lock unless it is held and unexpired.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken && time.Now().Before(l.until[key]) {
		return nil, false, nil
	}

	token := uuid.NewString()
	l.held[key] = token
	l.until[key] = time.Now().Add(ttl)

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[key] == token {
			delete(l.held, key)
			delete(l.until, key)
		}
	}
	return release, true, nil
}

// NopLocker always grants the lock. Used when the advisory lock is disabled.
type NopLocker struct{}

var _ Locker = (*NopLocker)(nil)

// Acquire grants immediately.
func (NopLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	return func() {}, true, nil
}
