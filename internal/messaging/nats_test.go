package messaging

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
)

func TestSubject(t *testing.T) {
	if got := Subject(chat.RoomFor(42)); got != "rooms.chat:42" {
		t.Errorf("Subject() = %q", got)
	}
}

func TestDecode(t *testing.T) {
	raw, _ := json.Marshal(envelope{Origin: "ws-1", Room: "chat:1", Frame: json.RawMessage(`{"event":"x"}`)})
	origin, room, frame, err := decode(raw)
	if err != nil {
		t.Fatalf("decode() error: %v", err)
	}
	if origin != "ws-1" || room != "chat:1" || string(frame) != `{"event":"x"}` {
		t.Errorf("decode() = %q %q %s", origin, room, frame)
	}

	for _, bad := range []string{`nope`, `{"origin":"a"}`, `{"room":"chat:1"}`} {
		if _, _, _, err := decode([]byte(bad)); err == nil {
			t.Errorf("decode(%s): expected error", bad)
		}
	}
}

// TestRelay requires a NATS server on the default URL and skips otherwise.
func TestRelay(t *testing.T) {
	cfgA := DefaultNATSConfig()
	cfgA.Name = "test-a"
	cfgA.MaxReconnects = 0
	a, err := NewNATSClient(cfgA, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer a.Close()
	cfgB := cfgA
	cfgB.Name = "test-b"
	b, err := NewNATSClient(cfgB, zerolog.Nop())
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	defer b.Close()

	gotA := make(chan string, 4)
	gotB := make(chan string, 4)
	if err := a.SubscribeRooms(func(room chat.RoomID, frame []byte) { gotA <- string(room) }); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeRooms(func(room chat.RoomID, frame []byte) { gotB <- string(room) }); err != nil {
		t.Fatal(err)
	}
	if err := a.SubscribeRooms(func(chat.RoomID, []byte) {}); err == nil {
		t.Error("expected second subscription to fail")
	}
	if err := a.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error: %v", err)
	}
	if err := b.conn.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := a.Broadcast("chat:5", []byte(`{"event":"message:new"}`)); err != nil {
		t.Fatalf("Broadcast() error: %v", err)
	}

	select {
	case room := <-gotB:
		if room != "chat:5" {
			t.Errorf("b received room %q", room)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("b did not receive the relayed frame")
	}
	select {
	case room := <-gotA:
		t.Errorf("origin received its own frame for %q", room)
	case <-time.After(100 * time.Millisecond):
	}
}
