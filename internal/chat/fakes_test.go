package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// memChats emulates the chats table including its pair uniqueness.
type memChats struct {
	mu      sync.Mutex
	nextID  int64
	rows    map[int64]*Chat
	inserts int

	// beforeInsert runs once before the first Insert; tests use it to slip a
	// concurrent creator in between lookup and insert.
	beforeInsert func()
}

func newMemChats() *memChats {
	return &memChats{nextID: 41, rows: make(map[int64]*Chat)}
}

func (m *memChats) FindByPair(_ context.Context, low, high int64) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.LowUserID == low && c.HighUserID == high {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memChats) Insert(ctx context.Context, low, high int64) (*Chat, error) {
	if hook := m.beforeInsert; hook != nil {
		m.beforeInsert = nil
		hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.rows {
		if c.LowUserID == low && c.HighUserID == high {
			return nil, ErrDuplicateKey
		}
	}
	m.nextID++
	m.inserts++
	c := &Chat{ID: m.nextID, LowUserID: low, HighUserID: high, CreatedAt: time.Unix(m.nextID, 0)}
	m.rows[c.ID] = c
	cp := *c
	return &cp, nil
}

func (m *memChats) Get(_ context.Context, id int64) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memChats) ListForUser(_ context.Context, userID int64) ([]Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Chat
	for _, c := range m.rows {
		if c.IsParticipant(userID) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// memMessages emulates the messages table and its (chat, token) uniqueness.
type memMessages struct {
	mu     sync.Mutex
	nextID int64
	rows   []Message
	fail   error
}

func newMemMessages() *memMessages { return &memMessages{nextID: 99} }

func (m *memMessages) Append(_ context.Context, nm NewMessage) (AppendResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return AppendResult{}, m.fail
	}
	if nm.ClientToken != "" {
		for _, r := range m.rows {
			if r.ChatID == nm.ChatID && r.ClientToken != nil && *r.ClientToken == nm.ClientToken {
				return AppendResult{Message: r}, nil
			}
		}
	}
	m.nextID++
	msg := Message{
		ID:          m.nextID,
		ChatID:      nm.ChatID,
		SenderID:    nm.SenderID,
		RecipientID: nm.RecipientID,
		Body:        nm.Body,
		CreatedAt:   time.Unix(m.nextID, 0),
	}
	if nm.ClientToken != "" {
		tok := nm.ClientToken
		msg.ClientToken = &tok
	}
	m.rows = append(m.rows, msg)
	return AppendResult{Message: msg, Created: true}, nil
}

func (m *memMessages) History(_ context.Context, chatID int64, limit, offset int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Message
	for i := len(m.rows) - 1; i >= 0; i-- {
		if m.rows[i].ChatID == chatID {
			all = append(all, m.rows[i])
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *memMessages) count(chatID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rows {
		if r.ChatID == chatID {
			n++
		}
	}
	return n
}

type fakeBlocks struct {
	pairs map[[2]int64]bool
	err   error
}

func (f *fakeBlocks) IsBlocked(_ context.Context, x, y int64) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.pairs[[2]int64{x, y}] || f.pairs[[2]int64{y, x}], nil
}

type published struct {
	room    RoomID
	event   string
	payload any
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, room RoomID, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{room: room, event: event, payload: payload})
	return p.err
}

func (p *recordingPublisher) to(room RoomID) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, s := range p.sent {
		if s.room == room {
			out = append(out, s)
		}
	}
	return out
}

// denyThrottle rejects every hit. With err set it reports an outage and
// still answers false.
type denyThrottle struct{ err error }

func (d denyThrottle) Allow(context.Context, int64) (bool, error) {
	return false, d.err
}

var errStorage = errors.New("connection refused")
