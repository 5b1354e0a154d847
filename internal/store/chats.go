package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/whisper/dmchat/internal/chat"
)

// Chats manages the chats table.
type Chats struct {
	db *sql.DB
}

// NewChats creates a chat store backed by the given database handle.
func NewChats(db *sql.DB) *Chats {
	return &Chats{db: db}
}

const chatColumns = `id, user_low, user_high, created_at`

// FindByPair returns the chat for a canonical pair, or nil when none exists.
func (s *Chats) FindByPair(ctx context.Context, low, high int64) (*chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats WHERE user_low = $1 AND user_high = $2`
	c, err := scanChat(s.db.QueryRowContext(ctx, query, low, high))
	if err != nil {
		return nil, fmt.Errorf("store: find chat by pair: %w", err)
	}
	return c, nil
}

// Insert creates a chat. A concurrent insert of the same pair surfaces as
// chat.ErrDuplicateKey.
func (s *Chats) Insert(ctx context.Context, low, high int64) (*chat.Chat, error) {
	const query = `
		INSERT INTO chats (user_low, user_high)
		VALUES ($1, $2)
		RETURNING ` + chatColumns

	c, err := scanChat(s.db.QueryRowContext(ctx, query, low, high))
	if isUniqueViolation(err) {
		return nil, chat.ErrDuplicateKey
	}
	if err != nil {
		return nil, fmt.Errorf("store: insert chat: %w", err)
	}
	return c, nil
}

// Get returns the chat with the given id, or nil when none exists.
func (s *Chats) Get(ctx context.Context, chatID int64) (*chat.Chat, error) {
	const query = `SELECT ` + chatColumns + ` FROM chats WHERE id = $1`
	c, err := scanChat(s.db.QueryRowContext(ctx, query, chatID))
	if err != nil {
		return nil, fmt.Errorf("store: get chat: %w", err)
	}
	return c, nil
}

// ListForUser returns every chat userID participates in, newest first.
func (s *Chats) ListForUser(ctx context.Context, userID int64) ([]chat.Chat, error) {
	const query = `
		SELECT ` + chatColumns + `
		FROM chats
		WHERE user_low = $1 OR user_high = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	defer rows.Close()

	var out []chat.Chat
	for rows.Next() {
		var c chat.Chat
		if err := rows.Scan(&c.ID, &c.LowUserID, &c.HighUserID, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan chat: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list chats: %w", err)
	}
	return out, nil
}

// scanChat maps sql.ErrNoRows to (nil, nil).
func scanChat(row *sql.Row) (*chat.Chat, error) {
	var c chat.Chat
	err := row.Scan(&c.ID, &c.LowUserID, &c.HighUserID, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
