// Package fanout delivers push frames to the live subscribers of a room.
// Delivery is best effort and at most once: subscribers that join after a
// publish never see it, and a subscriber whose send fails is unsubscribed
// everywhere and dropped instead of retried.
package fanout

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/protocol"
)

// Subscriber is a live connection that can receive frames. Drop tears the
// connection down after a failed send.
type Subscriber interface {
	ID() string
	Send(frame []byte) error
	Drop()
}

// Bus relays frames to the hubs of other server processes.
type Bus interface {
	Broadcast(room chat.RoomID, frame []byte) error
}

// Hub is the room registry of one process.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[chat.RoomID]map[string]Subscriber
	joined map[string]map[chat.RoomID]struct{}
	bus    Bus
	log    zerolog.Logger
}

// NewHub creates an empty hub. bus may be nil for a single process.
func NewHub(bus Bus, log zerolog.Logger) *Hub {
	return &Hub{
		rooms:  make(map[chat.RoomID]map[string]Subscriber),
		joined: make(map[string]map[chat.RoomID]struct{}),
		bus:    bus,
		log:    log.With().Str("component", "fanout").Logger(),
	}
}

// Join subscribes sub to room. Joining twice is a no-op.
func (h *Hub) Join(room chat.RoomID, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]Subscriber)
		h.rooms[room] = members
	}
	members[sub.ID()] = sub

	rooms, ok := h.joined[sub.ID()]
	if !ok {
		rooms = make(map[chat.RoomID]struct{})
		h.joined[sub.ID()] = rooms
	}
	rooms[room] = struct{}{}
}

// Leave unsubscribes sub from room.
func (h *Hub) Leave(room chat.RoomID, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, sub.ID())
	if rooms := h.joined[sub.ID()]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(h.joined, sub.ID())
		}
	}
}

// LeaveAll drops every subscription of sub. It is called on disconnect.
func (h *Hub) LeaveAll(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joined[sub.ID()] {
		h.leaveLocked(room, sub.ID())
	}
	delete(h.joined, sub.ID())
}

func (h *Hub) leaveLocked(room chat.RoomID, id string) {
	members := h.rooms[room]
	if members == nil {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Members returns the number of local subscribers of room.
func (h *Hub) Members(room chat.RoomID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Rooms returns the rooms sub has joined.
func (h *Hub) Rooms(sub Subscriber) []chat.RoomID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]chat.RoomID, 0, len(h.joined[sub.ID()]))
	for room := range h.joined[sub.ID()] {
		out = append(out, room)
	}
	return out
}

// Deliver writes frame to every local subscriber of room. The member set is
// snapshotted first so slow sends never hold the registry lock.
func (h *Hub) Deliver(room chat.RoomID, frame []byte) {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.rooms[room]))
	for _, sub := range h.rooms[room] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	for _, sub := range members {
		if err := sub.Send(frame); err != nil {
			h.log.Debug().Err(err).Str("room", string(room)).Str("subscriber", sub.ID()).Msg("deliver failed, dropping subscriber")
			// A partial write leaves the stream unusable.
			h.LeaveAll(sub)
			go sub.Drop()
		}
	}
}

// Publish encodes a push frame and delivers it locally, then relays it to
// other processes when a bus is configured. It satisfies chat.Publisher.
func (h *Hub) Publish(_ context.Context, room chat.RoomID, event string, payload any) error {
	frame, err := protocol.NewPush(event, payload)
	if err != nil {
		return err
	}
	h.Deliver(room, frame)
	if h.bus != nil {
		if err := h.bus.Broadcast(room, frame); err != nil {
			return err
		}
	}
	return nil
}
