package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrLockHeld means another instance holds the lock.
var ErrLockHeld = errors.New("lock held by another instance")

const lockKeyPrefix = "grove:lock:"

// Compare-and-delete so an instance never releases a lock that expired and
// was taken over.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a single-holder redis lease for periodic jobs such as token
// cleanup. A nil Locker, used when redis is not configured, always grants.
type Locker struct {
	client redis.UniversalClient
}

func NewLocker(client redis.UniversalClient) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// TryLock takes the lease on name for ttl and returns the token that
// releases it.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	if l == nil {
		return "", true, nil
	}
	if name == "" || ttl <= 0 {
		return "", false, errors.New("lock name and positive ttl are required")
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *Locker) Release(ctx context.Context, name, token string) error {
	if l == nil || name == "" || token == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.client, []string{lockKeyPrefix + name}, token).Err()
}

// WithLock runs fn while holding name. It returns ErrLockHeld without
// calling fn when another holder has it. The lease is released on a fresh
// context so a cancelled ctx does not leave it to expire.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := l.TryLock(ctx, name, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}

	fnErr := fn(ctx)
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(fnErr, l.Release(releaseCtx, name, token))
}
