// Package block stores user-to-user blocks in Redis. A block is directional
// when written but the policy check treats the pair symmetrically:
//
//	Key:   block:<blocker>:<blocked>
//	Value: unix time of the block
package block

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Prefix is the Redis key prefix for block records.
const Prefix = "block:"

// Store manages block records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new block store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(blocker, blocked int64) string {
	return fmt.Sprintf("%s%d:%d", Prefix, blocker, blocked)
}

// IsBlocked reports whether either user has blocked the other. Redis errors
// are returned so the caller decides the failure policy.
func (s *Store) IsBlocked(ctx context.Context, x, y int64) (bool, error) {
	n, err := s.client.Exists(ctx, key(x, y), key(y, x)).Result()
	if err != nil {
		return false, fmt.Errorf("block: exists: %w", err)
	}
	return n > 0, nil
}

// Block records that blocker no longer accepts chats or messages from
// blocked. Blocks do not expire.
func (s *Store) Block(ctx context.Context, blocker, blocked int64) error {
	if err := s.client.Set(ctx, key(blocker, blocked), time.Now().Unix(), 0).Err(); err != nil {
		return fmt.Errorf("block: set: %w", err)
	}
	return nil
}

// Unblock removes a block written by blocker.
func (s *Store) Unblock(ctx context.Context, blocker, blocked int64) error {
	if err := s.client.Del(ctx, key(blocker, blocked)).Err(); err != nil {
		return fmt.Errorf("block: del: %w", err)
	}
	return nil
}

// AllowAll is the gate used when no block storage is configured.
type AllowAll struct{}

// IsBlocked always reports false.
func (AllowAll) IsBlocked(context.Context, int64, int64) (bool, error) { return false, nil }
