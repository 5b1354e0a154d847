// Package messaging relays room pushes between chat server processes over
// NATS. Each process publishes on rooms.<room> and consumes rooms.> through
// a single subscription, so relayed frames arrive in publish order.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
)

// SubjectRooms prefixes the subject of every relayed room push.
const SubjectRooms = "rooms"

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // server name, also the relay origin
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // -1 for infinite
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "dmchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// envelope is the relay wire format. Origin lets a process skip its own
// frames, which it already delivered locally.
type envelope struct {
	Origin string          `json:"origin"`
	Room   chat.RoomID     `json:"room"`
	Frame  json.RawMessage `json:"frame"`
}

// NATSClient wraps the NATS connection used for room relay.
type NATSClient struct {
	conn   *nats.Conn
	origin string
	log    zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATSClient connects to NATS and returns a ready client. It returns an
// error if the initial connection fails.
func NewNATSClient(config NATSConfig, log zerolog.Logger) (*NATSClient, error) {
	log = log.With().Str("component", "nats").Logger()
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("connected")

	return &NATSClient{conn: nc, origin: config.Name, log: log}, nil
}

// Subject returns the NATS subject for a room.
func Subject(room chat.RoomID) string {
	return SubjectRooms + "." + string(room)
}

// Broadcast relays a push frame for room to the other processes.
func (c *NATSClient) Broadcast(room chat.RoomID, frame []byte) error {
	data, err := json.Marshal(envelope{Origin: c.origin, Room: room, Frame: frame})
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	if err := c.conn.Publish(Subject(room), data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", room, err)
	}
	return nil
}

// SubscribeRooms delivers every frame relayed by other processes to handler.
// Frames published by this process are skipped.
func (c *NATSClient) SubscribeRooms(handler func(room chat.RoomID, frame []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub != nil {
		return fmt.Errorf("messaging: already subscribed to %s.>", SubjectRooms)
	}

	sub, err := c.conn.Subscribe(SubjectRooms+".>", func(msg *nats.Msg) {
		origin, room, frame, err := decode(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping relay frame")
			return
		}
		if origin == c.origin {
			return
		}
		handler(room, frame)
	})
	if err != nil {
		return fmt.Errorf("messaging: subscribe %s.>: %w", SubjectRooms, err)
	}
	c.sub = sub
	return nil
}

func decode(data []byte) (string, chat.RoomID, []byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", "", nil, fmt.Errorf("messaging: decode envelope: %w", err)
	}
	if env.Room == "" || len(env.Frame) == 0 {
		return "", "", nil, fmt.Errorf("messaging: envelope missing room or frame")
	}
	return env.Origin, env.Room, env.Frame, nil
}

// Ping round-trips to the server, failing when the connection is down.
func (c *NATSClient) Ping(ctx context.Context) error {
	if !c.conn.IsConnected() {
		return fmt.Errorf("messaging: nats %s", c.conn.Status())
	}
	if err := c.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("messaging: nats flush: %w", err)
	}
	return nil
}

// Close drains the room subscription and the connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.log.Warn().Err(err).Msg("subscription drain")
		}
		c.sub = nil
	}
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		c.log.Warn().Err(err).Msg("connection drain")
	}
}
