package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opendonate/quickbooks-gateway/internal/oauth"
	"github.com/redis/go-redis/v9"
)

// Lua script for safe lock release (only owner can release)
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// RefreshLock is a SET-NX lock serializing token refresh across gateway
// instances that share one credential record. Two nearly-simultaneous
// refreshes would invalidate each other's refresh token at the provider.
type RefreshLock struct {
	client     *redis.Client
	key        string
	value      string
	ttl        time.Duration
	retryDelay time.Duration
	acquired   bool
}

// NewRefreshLockFactory returns a factory producing one lock per refresh
// attempt, as the token manager expects.
func NewRefreshLockFactory(client *redis.Client, ttl time.Duration) func() oauth.RefreshLock {
	return func() oauth.RefreshLock {
		return &RefreshLock{
			client:     client,
			key:        "quickbooks:token:refresh:lock",
			value:      uuid.New().String(),
			ttl:        ttl,
			retryDelay: 200 * time.Millisecond,
		}
	}
}

// Acquire blocks until the lock is held or ctx is done. A holder crashing
// mid-refresh releases via the TTL.
func (l *RefreshLock) Acquire(ctx context.Context) error {
	for {
		ok, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
		if err != nil {
			return fmt.Errorf("acquire refresh lock: %w", err)
		}
		if ok {
			l.acquired = true
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}
}

// Release releases the lock if this instance still owns it.
func (l *RefreshLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	result, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("release refresh lock: %w", err)
	}
	if val, ok := result.(int64); !ok || val == 0 {
		return errors.New("refresh lock not held or already released")
	}
	l.acquired = false
	return nil
}
