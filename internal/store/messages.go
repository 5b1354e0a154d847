package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/whisper/dmchat/internal/chat"
)

// Messages manages the messages table.
type Messages struct {
	db *sql.DB
}

// NewMessages creates a message store backed by the given database handle.
func NewMessages(db *sql.DB) *Messages {
	return &Messages{db: db}
}

const messageColumns = `id, chat_id, sender_id, recipient_id, body, client_token, created_at`

// Append inserts a message. When the client token was already stored for
// the chat the existing row is returned with Created=false.
func (s *Messages) Append(ctx context.Context, m chat.NewMessage) (chat.AppendResult, error) {
	const insert = `
		INSERT INTO messages (chat_id, sender_id, recipient_id, body, client_token)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (chat_id, client_token) WHERE client_token IS NOT NULL DO NOTHING
		RETURNING ` + messageColumns

	var token sql.NullString
	if m.ClientToken != "" {
		token = sql.NullString{String: m.ClientToken, Valid: true}
	}

	msg, err := scanMessage(s.db.QueryRowContext(ctx, insert,
		m.ChatID, m.SenderID, m.RecipientID, m.Body, token))
	if err == nil {
		return chat.AppendResult{Message: msg, Created: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || !token.Valid {
		return chat.AppendResult{}, fmt.Errorf("store: insert message: %w", err)
	}

	// DO NOTHING returned no row: the token is taken.
	const existing = `SELECT ` + messageColumns + ` FROM messages WHERE chat_id = $1 AND client_token = $2`
	msg, err = scanMessage(s.db.QueryRowContext(ctx, existing, m.ChatID, token.String))
	if err != nil {
		return chat.AppendResult{}, fmt.Errorf("store: reread message: %w", err)
	}
	return chat.AppendResult{Message: msg}, nil
}

// History returns a window of chatID's messages, newest first.
func (s *Messages) History(ctx context.Context, chatID int64, limit, offset int) ([]chat.Message, error) {
	const query = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE chat_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	out := make([]chat.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		m     chat.Message
		token sql.NullString
	)
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.RecipientID, &m.Body, &token, &m.CreatedAt); err != nil {
		return chat.Message{}, err
	}
	if token.Valid {
		t := token.String
		m.ClientToken = &t
	}
	return m, nil
}
