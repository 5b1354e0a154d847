package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// Prefix is the Redis key prefix for connection session hashes.
	Prefix = "session:"

	// UserPrefix indexes the live connection ids of a user.
	UserPrefix = "user_sessions:"

	// TTL is the time-to-live for session keys; Touch extends it.
	TTL = 1 * time.Hour
)

// Session is one live socket connection.
type Session struct {
	ID         string `redis:"id"`
	UserID     int64  `redis:"user_id"`
	Server     string `redis:"server"`
	Rooms      string `redis:"rooms"` // comma-separated chat rooms joined
	CreatedAt  int64  `redis:"created_at"`
	LastActive int64  `redis:"last_active"`
}

// RoomList splits Rooms into its entries.
func (s *Session) RoomList() []string {
	if s.Rooms == "" {
		return nil
	}
	return strings.Split(s.Rooms, ",")
}

// Store manages connection sessions in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create records a new connection for userID.
func (s *Store) Create(ctx context.Context, sessionID string, userID int64) error {
	key := Prefix + sessionID
	userKey := UserPrefix + strconv.FormatInt(userID, 10)
	now := time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"id":          sessionID,
		"user_id":     userID,
		"server":      s.serverName,
		"rooms":       "",
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, TTL)
	pipe.SAdd(ctx, userKey, sessionID)
	pipe.Expire(ctx, userKey, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, Prefix+sessionID).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// ForUser returns the ids of userID's live connections across all servers.
func (s *Store) ForUser(ctx context.Context, userID int64) ([]string, error) {
	ids, err := s.client.SMembers(ctx, UserPrefix+strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: for user: %w", err)
	}
	return ids, nil
}

// Live returns userID's live sessions across all servers. Index entries
// whose session hash already expired are pruned.
func (s *Store) Live(ctx context.Context, userID int64) ([]Session, error) {
	ids, err := s.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess == nil {
			s.client.SRem(ctx, UserPrefix+strconv.FormatInt(userID, 10), id)
			continue
		}
		out = append(out, *sess)
	}
	return out, nil
}

// AddRoom appends room to the session's joined rooms and refreshes its TTL.
func (s *Store) AddRoom(ctx context.Context, sessionID, room string) error {
	key := Prefix + sessionID
	current, err := s.client.HGet(ctx, key, "rooms").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("session: add room: %w", err)
	}
	for _, r := range strings.Split(current, ",") {
		if r == room {
			return s.Touch(ctx, sessionID)
		}
	}
	if current != "" {
		current += ","
	}
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "rooms", current+room, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add room: %w", err)
	}
	return nil
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	key := Prefix + sessionID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a session and its user index entry.
func (s *Store) Delete(ctx context.Context, sessionID string, userID int64) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, Prefix+sessionID)
	pipe.SRem(ctx, UserPrefix+strconv.FormatInt(userID, 10), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}
