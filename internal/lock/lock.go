// Package lock coordinates sync passes across independent client instances
// that share one remote authority. The default Locker does nothing; a Redis
// backed Locker is used when a Redis address is configured.
package lock

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/kimhsiao/screensync/internal/errors"
	"github.com/kimhsiao/screensync/internal/logging"
)

// ErrNotObtained is returned when another instance holds the lock.
var ErrNotObtained = stderrors.New("lock not obtained")

// Locker obtains a named lease.
type Locker interface {
	// Obtain acquires the lease or returns ErrNotObtained. The returned
	// release function must be called once the protected work is done.
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// NoopLocker always succeeds.
type NoopLocker struct{}

// Obtain implements Locker.
func (NoopLocker) Obtain(context.Context, string, time.Duration) (func(), error) {
	return func() {}, nil
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
}

// NewRedisLocker connects to addr and verifies the connection.
func NewRedisLocker(ctx context.Context, addr string) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "connect redis "+addr, err)
	}
	return NewRedisLockerFromClient(rdb), nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{client: rdb, locker: redislock.New(rdb)}
}

// Obtain implements Locker. It does not wait for a held lock.
func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lease, err := l.locker.Obtain(ctx, key, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrNotObtained
	} else if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConnectivity, "obtain lock "+key, err)
	}

	release := func() {
		// The pass has finished; its own ctx may already be cancelled.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil && err != redislock.ErrLockNotHeld {
			logging.Warn("Failed to release sync lock", map[string]interface{}{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return release, nil
}

// Close closes the Redis connection.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
