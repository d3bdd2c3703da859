package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-session/internal/config"
)

var (
	// releaseLockScript deletes the owner key only if token still holds it.
	releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
	// refreshLockScript extends the owner key only if token still holds it.
	refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
)

// AttemptLock pins an attempt to one live connection. The key expires on
// its own if a connection dies without releasing it.
type AttemptLock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewAttemptLock creates a new AttemptLock.
func NewAttemptLock(rdb *redis.Client, ttl time.Duration) *AttemptLock {
	return &AttemptLock{rdb: rdb, ttl: ttl}
}

// Acquire takes the lock for token. It reports false if another token holds it.
func (l *AttemptLock) Acquire(ctx context.Context, attemptID, token string) (bool, error) {
	return l.rdb.SetNX(ctx, config.CacheKey.AttemptOwnerKey(attemptID), token, l.ttl).Result()
}

// Refresh extends the lock. It reports false if token no longer holds it.
func (l *AttemptLock) Refresh(ctx context.Context, attemptID, token string) (bool, error) {
	n, err := refreshLockScript.Run(ctx, l.rdb,
		[]string{config.CacheKey.AttemptOwnerKey(attemptID)}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops the lock if token still holds it.
func (l *AttemptLock) Release(ctx context.Context, attemptID, token string) error {
	return releaseLockScript.Run(ctx, l.rdb,
		[]string{config.CacheKey.AttemptOwnerKey(attemptID)}, token).Err()
}

// Held reports whether any connection currently holds the attempt.
func (l *AttemptLock) Held(ctx context.Context, attemptID string) (bool, error) {
	n, err := l.rdb.Exists(ctx, config.CacheKey.AttemptOwnerKey(attemptID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
