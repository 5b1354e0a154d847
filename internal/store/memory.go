package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/dmchat/internal/chat"
)

// Memory keeps chats and messages in process memory with the same
// uniqueness rules as the PostgreSQL schema. It backs development runs
// without a database and transport tests.
type Memory struct {
	mu         sync.Mutex
	chatSeq    int64
	messageSeq int64
	chats      map[int64]*chat.Chat
	pairs      map[[2]int64]int64
	messages   map[int64][]chat.Message // per chat, oldest first
	tokens     map[tokenKey]chat.Message
}

type tokenKey struct {
	chatID int64
	token  string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		chats:    make(map[int64]*chat.Chat),
		pairs:    make(map[[2]int64]int64),
		messages: make(map[int64][]chat.Message),
		tokens:   make(map[tokenKey]chat.Message),
	}
}

func (m *Memory) FindByPair(_ context.Context, low, high int64) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.pairs[[2]int64{low, high}]
	if !ok {
		return nil, nil
	}
	c := *m.chats[id]
	return &c, nil
}

func (m *Memory) Insert(_ context.Context, low, high int64) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pairs[[2]int64{low, high}]; ok {
		return nil, chat.ErrDuplicateKey
	}
	m.chatSeq++
	c := &chat.Chat{ID: m.chatSeq, LowUserID: low, HighUserID: high, CreatedAt: time.Now().UTC()}
	m.chats[c.ID] = c
	m.pairs[[2]int64{low, high}] = c.ID
	out := *c
	return &out, nil
}

func (m *Memory) Get(_ context.Context, chatID int64) (*chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[chatID]
	if !ok {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (m *Memory) ListForUser(_ context.Context, userID int64) ([]chat.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []chat.Chat
	for _, c := range m.chats {
		if c.IsParticipant(userID) {
			out = append(out, *c)
		}
	}
	// Ids grow with creation time, so they break timestamp ties.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (m *Memory) Append(_ context.Context, nm chat.NewMessage) (chat.AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tokenKey{chatID: nm.ChatID, token: nm.ClientToken}
	if nm.ClientToken != "" {
		if existing, ok := m.tokens[key]; ok {
			return chat.AppendResult{Message: existing}, nil
		}
	}
	m.messageSeq++
	msg := chat.Message{
		ID:          m.messageSeq,
		ChatID:      nm.ChatID,
		SenderID:    nm.SenderID,
		RecipientID: nm.RecipientID,
		Body:        nm.Body,
		CreatedAt:   time.Now().UTC(),
	}
	if nm.ClientToken != "" {
		token := nm.ClientToken
		msg.ClientToken = &token
		m.tokens[key] = msg
	}
	m.messages[nm.ChatID] = append(m.messages[nm.ChatID], msg)
	return chat.AppendResult{Message: msg, Created: true}, nil
}

func (m *Memory) History(_ context.Context, chatID int64, limit, offset int) ([]chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[chatID]
	out := make([]chat.Message, 0, limit)
	for i := len(all) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}
