package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/stewardlabs/veract/pkg/contracts"
)

// redisReleaseScript releases a lock only when the stored token matches, so
// an expired-and-reacquired lock is never released by the old holder.
// KEYS[1] = lock key
// ARGV[1] = holder token
var redisReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX. The TTL bounds how long a
// crashed holder can wedge an action; it should exceed the dispatch timeout.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a locker backed by Redis.
func NewRedisLocker(addr, password string, db int, ttl time.Duration) *RedisLocker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLocker{client: rdb, ttl: ttl}
}

// NewRedisLockerWithClient wraps an existing client. Used by tests and by
// callers sharing one connection pool.
func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.New().String()
	lockKey := fmt.Sprintf("execlock:%s", key)

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock error: %w", err)
	}
	if !ok {
		return nil, contracts.NewDomainError(contracts.ErrorTypeStateConflict,
			"another run is already in progress for this action", nil).
			WithDetail("action_id", key)
	}

	release := func() {
		// Release must not inherit a canceled request context.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = redisReleaseScript.Run(ctx, l.client, []string{lockKey}, token).Err()
	}
	return release, nil
}
