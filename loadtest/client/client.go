// Package client provides a reusable socket load test client for the
// dmchat server. It connects using gobwas/ws (the same library the server
// uses), waits for the connected push, correlates acks with the events that
// caused them, and tracks per-connection performance metrics.
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server events (local equivalents of the server's protocol
// constants).
const (
	EventJoin        = "chat:join"
	EventGetOrCreate = "chat:get_or_create"
	EventSend        = "message:send"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventConnected     = "connected"
	EventAck           = "ack"
	EventPong          = "pong"
	EventError         = "error"
	EventMessageNew    = "message:new"
	EventMessageNotify = "message:notify"
	EventChatNew       = "chat:new"
)

// ErrClosed is returned by Emit once the connection has gone away.
var ErrClosed = errors.New("client: connection closed")

// Frame is a server frame as seen on the wire.
type Frame struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the reply to a client event.
type Ack struct {
	OK      bool            `json:"ok"`
	Error   string          `json:"error,omitempty"`
	Detail  string          `json:"detail,omitempty"`
	ChatID  int64           `json:"chatId,omitempty"`
	Created *bool           `json:"created,omitempty"`
	Message json.RawMessage `json:"message,omitempty"`
	Dedup   *bool           `json:"dedup,omitempty"`
}

// Message is the subset of a stored message the load tools inspect.
type Message struct {
	ID       int64     `json:"id"`
	ChatID   int64     `json:"chatId"`
	SenderID int64     `json:"senderId"`
	Body     string    `json:"body"`
	Created  time.Time `json:"createdAt"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	EventsSent       int64
	Errors           int64
}

// Client represents a single simulated user connection.
type Client struct {
	conn         net.Conn
	userID       int64
	connectionID string

	writeMu sync.Mutex
	nextAck atomic.Uint64

	mu       sync.Mutex
	pending  map[uint64]chan Ack
	handlers map[string]func(Frame)

	connected     chan struct{}
	connectedOnce sync.Once
	done          chan struct{}
	closeOnce     sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// New dials baseURL as userID and starts reading. Call WaitConnected before
// emitting events.
func New(ctx context.Context, baseURL string, userID int64) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("userId", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if br != nil {
		// The server may push before the handshake response is consumed.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := &Client{
		conn:           conn,
		userID:         userID,
		pending:        make(map[uint64]chan Ack),
		handlers:       make(map[string]func(Frame)),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	go c.readLoop()
	return c, nil
}

// UserID returns the user this client connected as.
func (c *Client) UserID() int64 { return c.userID }

// ConnectionID returns the id assigned in the connected push.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// WaitConnected blocks until the connected push arrives.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers a handler for a push event. Handlers run on the read
// goroutine and should not block. Registering twice replaces the first.
func (c *Client) On(event string, handler func(Frame)) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// Emit sends event with data and waits for its ack.
func (c *Client) Emit(ctx context.Context, event string, data any) (Ack, error) {
	id := c.nextAck.Add(1)
	reply := make(chan Ack, 1)
	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(map[string]any{"event": event, "ack": id, "data": data}); err != nil {
		c.errors.Add(1)
		return Ack{}, err
	}
	select {
	case ack := <-reply:
		return ack, nil
	case <-c.done:
		return Ack{}, ErrClosed
	case <-ctx.Done():
		c.errors.Add(1)
		return Ack{}, ctx.Err()
	}
}

// Ping sends a ping event. The server answers with a pong push.
func (c *Client) Ping() error {
	return c.write(map[string]any{"event": EventPing})
}

func (c *Client) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		EventsSent:       c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		switch f.Event {
		case EventConnected:
			var body struct {
				ConnectionID string `json:"connectionId"`
			}
			_ = json.Unmarshal(f.Data, &body)
			c.mu.Lock()
			c.connectionID = body.ConnectionID
			c.mu.Unlock()
			c.connectedOnce.Do(func() { close(c.connected) })
			continue
		case EventAck:
			var ack Ack
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				continue
			}
			c.mu.Lock()
			reply := c.pending[f.Ack]
			c.mu.Unlock()
			if reply != nil {
				reply <- ack
			}
			continue
		}

		c.mu.Lock()
		handler := c.handlers[f.Event]
		c.mu.Unlock()
		if handler != nil {
			handler(f)
		}
	}
}

// DecodeMessage extracts the stored message carried by an ack or a
// message push.
func DecodeMessage(raw json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }
