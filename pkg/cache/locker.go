package cache

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only if the caller still holds it, so
// a lease that expired and was re-acquired elsewhere cannot be
// released by the old holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Locker hands out named leases backed by Redis. Locks are advisory:
// each lifecycle handler runs under its own name, so concurrent rounds
// on different control-plane nodes cannot process the same batch.
type Locker struct {
	rdb *redis.Client
}

// NewLocker creates a Locker sharing the cache's Redis connection
func NewLocker(c *Cache) *Locker {
	return &Locker{rdb: c.rdb}
}

// Lock is a held named lease
type Lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// TryAcquire attempts to take the named lock for the lease duration.
// It returns nil without error when another holder has it.
func (l *Locker) TryAcquire(ctx context.Context, name string, lease time.Duration) (*Lock, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, key, token, lease).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lock{rdb: l.rdb, key: key, token: token}, nil
}

// Acquire blocks until the lock is taken, the timeout elapses, or ctx
// is cancelled. A zero Lock return with nil error means timeout.
func (l *Locker) Acquire(ctx context.Context, name string, lease, timeout time.Duration) (*Lock, error) {
	deadline := time.Now().Add(timeout)
	for {
		lock, err := l.TryAcquire(ctx, name, lease)
		if err != nil || lock != nil {
			return lock, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release frees the lock if this holder still owns it
func (lk *Lock) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, lk.rdb, []string{lk.key}, lk.token).Err()
}
