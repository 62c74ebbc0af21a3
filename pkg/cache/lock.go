package cache

import (
	"context"
	"fmt"
	"time"

	"trimatrix/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the key only while it still holds our token, so an
// expired lock re-acquired by another process is left alone.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// LockManager hands out TTL-bounded Redis locks.
type LockManager struct {
	client *redis.Client
	prefix string
}

func NewLockManager(client *redis.Client) *LockManager {
	return &LockManager{client: client, prefix: "lock:"}
}

// Acquire takes key for at most ttl. It returns errors.ErrLockHeld when
// another owner holds it. The returned func releases the lock.
func (l *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, errors.Wrap(errors.ErrLockHeld, key)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = unlockScript.Run(ctx, l.client, []string{fullKey}, token).Err()
	}, nil
}
