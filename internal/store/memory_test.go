package store

import (
	"context"
	"errors"
	"testing"

	"github.com/whisper/dmchat/internal/chat"
)

func TestMemory_ChatUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	c, err := m.Insert(ctx, 5, 9)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Insert(ctx, 5, 9); !errors.Is(err, chat.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	found, err := m.FindByPair(ctx, 5, 9)
	if err != nil || found == nil || found.ID != c.ID {
		t.Fatalf("FindByPair() = %+v, %v", found, err)
	}
	if missing, _ := m.Get(ctx, c.ID+1); missing != nil {
		t.Errorf("Get(missing) = %+v", missing)
	}
}

func TestMemory_ListForUser(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for _, p := range [][2]int64{{1, 2}, {1, 3}, {2, 3}} {
		if _, err := m.Insert(ctx, p[0], p[1]); err != nil {
			t.Fatal(err)
		}
	}
	list, _ := m.ListForUser(ctx, 3)
	if len(list) != 2 || list[0].LowUserID != 2 || list[1].LowUserID != 1 {
		t.Errorf("ListForUser(3) = %+v", list)
	}
}

func TestMemory_AppendAndHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	c, _ := m.Insert(ctx, 5, 9)

	first, err := m.Append(ctx, chat.NewMessage{ChatID: c.ID, SenderID: 5, RecipientID: 9, Body: "a", ClientToken: "t1"})
	if err != nil || !first.Created {
		t.Fatalf("Append() = %+v, %v", first, err)
	}
	again, _ := m.Append(ctx, chat.NewMessage{ChatID: c.ID, SenderID: 5, RecipientID: 9, Body: "a", ClientToken: "t1"})
	if again.Created || again.Message.ID != first.Message.ID {
		t.Fatalf("retry = %+v", again)
	}
	for _, body := range []string{"b", "c", "d"} {
		if _, err := m.Append(ctx, chat.NewMessage{ChatID: c.ID, SenderID: 9, RecipientID: 5, Body: body}); err != nil {
			t.Fatal(err)
		}
	}

	page, _ := m.History(ctx, c.ID, 2, 1)
	if len(page) != 2 || page[0].Body != "c" || page[1].Body != "b" {
		t.Errorf("History(2, 1) = %+v", page)
	}
	if tail, _ := m.History(ctx, c.ID, 10, 10); len(tail) != 0 {
		t.Errorf("History past end = %+v", tail)
	}
}
