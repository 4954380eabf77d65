package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const statePrefix = "quickbooks:oauth:state:"

// StateStore holds pending authorization state nonces with a TTL. Consume is
// a single GETDEL so a nonce can never be accepted twice, even across
// instances.
type StateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

func (s *StateStore) Save(ctx context.Context, nonce string, ttl time.Duration) error {
	if err := s.client.Set(ctx, statePrefix+nonce, "1", ttl).Err(); err != nil {
		return fmt.Errorf("save state nonce: %w", err)
	}
	return nil
}

func (s *StateStore) Consume(ctx context.Context, nonce string) (bool, error) {
	val, err := s.client.GetDel(ctx, statePrefix+nonce).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume state nonce: %w", err)
	}
	return val != "", nil
}
