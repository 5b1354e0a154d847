// Package realtime implements the socket events on top of the chat service
// and the room hub. Each handler re-derives authorization from storage;
// joining a room is never a precondition for sending.
package realtime

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/fanout"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
	"github.com/whisper/dmchat/internal/ws"
)

// RoomRecorder keeps a record of the rooms a connection joined.
type RoomRecorder interface {
	AddRoom(ctx context.Context, sessionID, room string) error
}

// Handlers binds socket events to the chat pipeline.
type Handlers struct {
	svc   *chat.Service
	hub   *fanout.Hub
	rooms RoomRecorder
	log   zerolog.Logger
}

// New creates the socket handlers. rooms may be nil.
func New(svc *chat.Service, hub *fanout.Hub, rooms RoomRecorder, log zerolog.Logger) *Handlers {
	return &Handlers{
		svc:   svc,
		hub:   hub,
		rooms: rooms,
		log:   log.With().Str("component", "realtime").Logger(),
	}
}

// Register installs the event handlers on d.
func (h *Handlers) Register(d *ws.Dispatcher) {
	d.Register(protocol.EventJoin, h.join)
	d.Register(protocol.EventGetOrCreate, h.getOrCreate)
	d.Register(protocol.EventSend, h.send)
}

// OnConnect subscribes the connection to its user's personal room.
func (h *Handlers) OnConnect(c *ws.Connection) {
	h.hub.Join(chat.PersonalRoomFor(c.UserID()), c)
}

// OnDisconnect releases every room binding of the connection.
func (h *Handlers) OnDisconnect(c *ws.Connection) {
	h.hub.LeaveAll(c)
}

func (h *Handlers) join(ctx context.Context, c *ws.Connection, f protocol.ClientFrame) (protocol.AckData, error) {
	var in protocol.JoinData
	if err := f.Decode(&in); err != nil {
		return protocol.AckData{}, chat.Errorf(chat.KindInvalidArgument, "invalid chat:join payload")
	}
	ch, err := h.svc.AssertMember(ctx, int64(in.ChatID), c.UserID())
	if err != nil {
		return protocol.AckData{}, err
	}

	room := chat.RoomFor(ch.ID)
	h.hub.Join(room, c)
	metrics.RoomJoins.Inc()
	if h.rooms != nil {
		if err := h.rooms.AddRoom(ctx, c.ID(), string(room)); err != nil {
			h.log.Warn().Err(err).Str("conn", c.ID()).Msg("record room failed")
		}
	}
	h.log.Debug().Int64("user_id", c.UserID()).Str("room", string(room)).Msg("joined")
	return protocol.AckData{}, nil
}

func (h *Handlers) getOrCreate(ctx context.Context, c *ws.Connection, f protocol.ClientFrame) (protocol.AckData, error) {
	var in protocol.GetOrCreateData
	if err := f.Decode(&in); err != nil {
		return protocol.AckData{}, chat.Errorf(chat.KindInvalidArgument, "invalid chat:get_or_create payload")
	}
	res, err := h.svc.GetOrCreateChat(ctx, c.UserID(), int64(in.To))
	if err != nil {
		return protocol.AckData{}, err
	}
	return protocol.AckData{ChatID: res.Chat.ID, Created: protocol.Bool(res.Created)}, nil
}

func (h *Handlers) send(ctx context.Context, c *ws.Connection, f protocol.ClientFrame) (protocol.AckData, error) {
	var in protocol.SendData
	if err := f.Decode(&in); err != nil {
		return protocol.AckData{}, chat.Errorf(chat.KindInvalidArgument, "invalid message:send payload")
	}
	token := in.Token
	if token == "" {
		token = uuid.NewString()
	}
	res, err := h.svc.Send(ctx, chat.SendRequest{
		ChatID: int64(in.ChatID),
		From:   c.UserID(),
		To:     int64(in.To),
		Body:   in.Body,
		Token:  token,
	})
	if err != nil {
		return protocol.AckData{}, err
	}
	return protocol.AckData{Message: res.Message, Dedup: protocol.Bool(!res.Created)}, nil
}
