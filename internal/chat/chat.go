// Package chat implements the direct-chat core: canonical chat identity,
// membership checks, message submission with idempotency, and history.
// Storage, block policy and live fan-out are injected collaborators.
package chat

import (
	"fmt"
	"time"
)

// Chat is a 1:1 conversation. The participant ids are stored in canonical
// order so that a pair maps to exactly one row.
type Chat struct {
	ID         int64     `json:"id"`
	LowUserID  int64     `json:"userLow"`
	HighUserID int64     `json:"userHigh"`
	CreatedAt  time.Time `json:"createdAt"`
}

// IsParticipant reports whether userID is one of the two chat members.
func (c *Chat) IsParticipant(userID int64) bool {
	return userID == c.LowUserID || userID == c.HighUserID
}

// Partner returns the other participant, or 0 if userID is not a member.
func (c *Chat) Partner(userID int64) int64 {
	switch userID {
	case c.LowUserID:
		return c.HighUserID
	case c.HighUserID:
		return c.LowUserID
	}
	return 0
}

// Message is a single stored chat utterance. Messages are immutable once
// stored; ID is the total order within a chat.
type Message struct {
	ID          int64     `json:"id"`
	ChatID      int64     `json:"chatId"`
	SenderID    int64     `json:"senderId"`
	RecipientID int64     `json:"recipientId"`
	Body        string    `json:"body"`
	ClientToken *string   `json:"clientToken,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// NewMessage is the input to MessageStore.Append. Body is already trimmed.
type NewMessage struct {
	ChatID      int64
	SenderID    int64
	RecipientID int64
	Body        string
	ClientToken string // empty means no dedup guarantee
}

// AppendResult distinguishes a freshly stored message from one resolved
// through its idempotency token.
type AppendResult struct {
	Message Message
	Created bool
}

// Canonical orders a participant pair so lookups are order independent.
func Canonical(a, b int64) (low, high int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// RoomID names a broadcast channel that live connections subscribe to.
type RoomID string

// RoomFor returns the room carrying pushes for a chat.
func RoomFor(chatID int64) RoomID {
	return RoomID(fmt.Sprintf("chat:%d", chatID))
}

// PersonalRoomFor returns the notification room every connection of a user
// joins on connect.
func PersonalRoomFor(userID int64) RoomID {
	return RoomID(fmt.Sprintf("user:%d", userID))
}

// Push event names emitted through the Publisher.
const (
	EventMessageNew    = "message:new"
	EventMessageNotify = "message:notify"
	EventChatNew       = "chat:new"
)
