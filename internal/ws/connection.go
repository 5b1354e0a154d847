package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection is one authenticated socket. The user id is fixed at handshake
// and reused for every event on the connection.
type Connection struct {
	id           string
	userID       int64
	conn         net.Conn
	fd           int // -1 when the socket is not epoll capable
	writeTimeout time.Duration
	onDrop       func(*Connection)

	lastActive atomic.Int64 // unix nanoseconds of the last frame read
	processing atomic.Bool  // guards against duplicate epoll dispatch
	polled     atomic.Bool  // registered with the poller
	writeMu    sync.Mutex
}

// NewConnection wraps an upgraded net.Conn.
func NewConnection(id string, userID int64, conn net.Conn, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		userID:       userID,
		conn:         conn,
		fd:           socketFD(conn),
		writeTimeout: writeTimeout,
	}
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the id of the authenticated user.
func (c *Connection) UserID() int64 { return c.userID }

// Send writes a text frame. The write mutex keeps concurrent pushes, acks
// and pings from interleaving their bytes.
func (c *Connection) Send(frame []byte) error {
	return c.write(func() error {
		return wsutil.WriteServerMessage(c.conn, ws.OpText, frame)
	})
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

func (c *Connection) writeControl(f ws.Frame) error {
	return c.write(func() error { return ws.WriteFrame(c.conn, f) })
}

func (c *Connection) write(fn func() error) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return fn()
}

// Drop disconnects c through its server, releasing every binding the way a
// read error would. Unattached connections are simply closed.
func (c *Connection) Drop() {
	if c.onDrop != nil {
		c.onDrop(c)
		return
	}
	c.Close()
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.conn.Close()
}

func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *Connection) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// ConnectionManager is a thread-safe registry of live connections, indexed
// by connection id.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(c *Connection) {
	cm.mu.Lock()
	cm.byID[c.id] = c
	cm.mu.Unlock()
}

// Remove unregisters a connection and closes it. It reports false when the
// connection was already gone, so racing removers clean up exactly once.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	c, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of all live connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, c := range cm.byID {
		conns = append(conns, c)
	}
	cm.mu.RUnlock()
	return conns
}
