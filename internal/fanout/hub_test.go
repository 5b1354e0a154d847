package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
)

type recorder struct {
	id      string
	mu      sync.Mutex
	frames  [][]byte
	fail    bool
	dropped chan struct{}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Drop() {
	if r.dropped != nil {
		close(r.dropped)
	}
}

func (r *recorder) Send(frame []byte) error {
	if r.fail {
		return errors.New("broken pipe")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type fakeBus struct {
	rooms []chat.RoomID
	err   error
}

func (b *fakeBus) Broadcast(room chat.RoomID, _ []byte) error {
	b.rooms = append(b.rooms, room)
	return b.err
}

func TestPublish_OnlyRoomMembers(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	a, b, c := &recorder{id: "a"}, &recorder{id: "b"}, &recorder{id: "c"}
	hub.Join("chat:42", a)
	hub.Join("chat:42", b)
	hub.Join("chat:7", c)

	if err := hub.Publish(context.Background(), "chat:42", chat.EventMessageNew, map[string]int{"id": 100}); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Errorf("expected members to receive one frame, got a=%d b=%d", a.count(), b.count())
	}
	if c.count() != 0 {
		t.Errorf("non-member received %d frames", c.count())
	}

	var frame struct {
		Event string         `json:"event"`
		Data  map[string]int `json:"data"`
	}
	if err := json.Unmarshal(a.frames[0], &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Event != chat.EventMessageNew || frame.Data["id"] != 100 {
		t.Errorf("unexpected frame %s", a.frames[0])
	}
}

func TestJoin_Idempotent(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	a := &recorder{id: "a"}
	hub.Join("chat:1", a)
	hub.Join("chat:1", a)
	if n := hub.Members("chat:1"); n != 1 {
		t.Fatalf("expected 1 member, got %d", n)
	}
	hub.Deliver("chat:1", []byte("x"))
	if a.count() != 1 {
		t.Errorf("expected a single delivery, got %d", a.count())
	}
}

func TestLeaveAll(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	a, b := &recorder{id: "a"}, &recorder{id: "b"}
	hub.Join("chat:1", a)
	hub.Join("chat:2", a)
	hub.Join("user:5", a)
	hub.Join("chat:1", b)

	hub.LeaveAll(a)
	if len(hub.Rooms(a)) != 0 {
		t.Errorf("expected no rooms after LeaveAll, got %v", hub.Rooms(a))
	}
	if n := hub.Members("chat:1"); n != 1 {
		t.Errorf("expected b to remain in chat:1, got %d members", n)
	}
	if n := hub.Members("chat:2"); n != 0 {
		t.Errorf("expected chat:2 to be empty, got %d", n)
	}
	hub.Deliver("chat:2", []byte("x"))
	if a.count() != 0 {
		t.Error("disconnected subscriber received a frame")
	}
}

func TestLeave(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	a := &recorder{id: "a"}
	hub.Join("chat:1", a)
	hub.Join("chat:2", a)
	hub.Leave("chat:1", a)
	rooms := hub.Rooms(a)
	if len(rooms) != 1 || rooms[0] != "chat:2" {
		t.Errorf("Rooms() = %v, want [chat:2]", rooms)
	}
}

func TestDeliver_DropsFailedSubscriber(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	broken := &recorder{id: "broken", fail: true, dropped: make(chan struct{})}
	ok := &recorder{id: "ok"}
	hub.Join("chat:1", broken)
	hub.Join("user:9", broken)
	hub.Join("chat:1", ok)

	hub.Deliver("chat:1", []byte("x"))
	if ok.count() != 1 {
		t.Errorf("healthy subscriber missed the frame")
	}
	if n := hub.Members("chat:1"); n != 1 {
		t.Errorf("chat:1 members = %d, want 1", n)
	}
	if n := hub.Members("user:9"); n != 0 {
		t.Errorf("failed subscriber still in user:9")
	}
	select {
	case <-broken.dropped:
	case <-time.After(time.Second):
		t.Fatal("failed subscriber was not dropped")
	}

	// Later frames no longer reach it.
	hub.Deliver("chat:1", []byte("y"))
	if ok.count() != 2 {
		t.Errorf("healthy subscriber frames = %d, want 2", ok.count())
	}
}

func TestPublish_NoRetroactiveDelivery(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	if err := hub.Publish(context.Background(), "chat:1", "message:new", 1); err != nil {
		t.Fatal(err)
	}
	late := &recorder{id: "late"}
	hub.Join("chat:1", late)
	if late.count() != 0 {
		t.Errorf("late joiner received %d frames", late.count())
	}
}

func TestPublish_RelaysToBus(t *testing.T) {
	bus := &fakeBus{}
	hub := NewHub(bus, zerolog.Nop())
	a := &recorder{id: "a"}
	hub.Join("chat:9", a)

	if err := hub.Publish(context.Background(), "chat:9", "message:new", 1); err != nil {
		t.Fatal(err)
	}
	if a.count() != 1 {
		t.Error("expected local delivery")
	}
	if len(bus.rooms) != 1 || bus.rooms[0] != "chat:9" {
		t.Errorf("expected relay of chat:9, got %v", bus.rooms)
	}

	bus.err = errors.New("nats down")
	if err := hub.Publish(context.Background(), "chat:9", "message:new", 2); err == nil {
		t.Error("expected bus error to surface")
	}
	if a.count() != 2 {
		t.Error("local delivery must not depend on the bus")
	}
}

func TestPublish_PreservesOrder(t *testing.T) {
	hub := NewHub(nil, zerolog.Nop())
	a := &recorder{id: "a"}
	hub.Join("chat:1", a)
	for i := 0; i < 50; i++ {
		if err := hub.Publish(context.Background(), "chat:1", "message:new", i); err != nil {
			t.Fatal(err)
		}
	}
	for i, f := range a.frames {
		var frame struct {
			Data int `json:"data"`
		}
		if err := json.Unmarshal(f, &frame); err != nil {
			t.Fatal(err)
		}
		if frame.Data != i {
			t.Fatalf("frame %d carried %d", i, frame.Data)
		}
	}
}
