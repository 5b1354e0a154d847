// Package ws serves the persistent-connection transport: it authenticates
// and upgrades HTTP requests with gobwas/ws, tracks live connections, reads
// frames through epoll (or a read goroutine where epoll is unavailable) and
// hands complete text frames to the dispatcher on a bounded worker pool.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
)

// ServerConfig holds tunable parameters for the socket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent frame handlers
	MaxConnections int           // hard cap on live connections
	MaxFrameBytes  int64         // largest accepted client message
	ReadTimeout    time.Duration // bound on reading a frame once data is ready
	WriteTimeout   time.Duration // bound on each outbound frame
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameBytes:  64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// SessionStore records live connections outside the process.
type SessionStore interface {
	Create(ctx context.Context, sessionID string, userID int64) error
	Delete(ctx context.Context, sessionID string, userID int64) error
}

// ConnectLimiter throttles handshakes per remote address.
type ConnectLimiter interface {
	AllowConnect(ctx context.Context, addr string) (bool, error)
}

// Server owns every live connection of the process.
type Server struct {
	config       ServerConfig
	poller       *poller
	conns        *ConnectionManager
	sessions     SessionStore
	limiter      ConnectLimiter
	workerPool   chan struct{}
	onMessage    func(c *Connection, data []byte)
	onConnect    func(c *Connection)
	onDisconnect func(c *Connection)
	log          zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	loops     sync.WaitGroup
	startedAt time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame; frames of one connection are handled one
// at a time and in arrival order. sessions may be nil.
func NewServer(config ServerConfig, sessions SessionStore, onMessage func(c *Connection, data []byte), log zerolog.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		log:        log.With().Str("component", "ws").Logger(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetOnConnect registers a callback run after a connection is registered
// and before its first frame is read.
func (s *Server) SetOnConnect(fn func(c *Connection)) { s.onConnect = fn }

// SetOnDisconnect registers a callback run once when a connection is
// removed, before its session record is deleted.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) { s.onDisconnect = fn }

// SetConnectLimiter enables per-address handshake throttling.
func (s *Server) SetConnectLimiter(l ConnectLimiter) { s.limiter = l }

// Start launches the epoll event loop and the heartbeat monitor. Without
// epoll every connection is read by its own goroutine.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		p, err := newPoller()
		if err != nil {
			s.log.Warn().Err(err).Msg("epoll unavailable, using read goroutines")
		} else {
			s.poller = p
			s.loops.Add(1)
			go s.eventLoop()
		}
		s.loops.Add(1)
		go s.heartbeat(s.config.Heartbeat)
		s.log.Info().
			Int("workers", s.config.WorkerPoolSize).
			Int("max_conns", s.config.MaxConnections).
			Bool("epoll", s.poller != nil).
			Msg("socket server started")
	})
}

// ServeHTTP authenticates and upgrades a handshake. The user id comes from
// the userId query parameter; a missing or invalid id is rejected with 401
// before the upgrade.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("userId"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, "missing or invalid userId", http.StatusUnauthorized)
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.limiter != nil {
		ok, err := s.limiter.AllowConnect(r.Context(), remoteHost(r))
		if err != nil {
			s.log.Warn().Err(err).Msg("connect limiter unavailable")
		}
		if !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}
	s.Attach(NewConnection(uuid.NewString(), userID, conn, s.config.WriteTimeout))
}

// Attach registers an upgraded connection and starts reading from it.
func (s *Server) Attach(c *Connection) {
	c.onDrop = s.RemoveConnection
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.id, c.userID); err != nil {
			s.log.Warn().Err(err).Str("conn", c.id).Msg("session create failed")
		}
		cancel()
	}
	if s.onConnect != nil {
		s.onConnect(c)
	}
	s.push(c, protocol.EventConnected, protocol.ConnectedData{ConnectionID: c.id, UserID: c.userID})

	s.log.Info().Str("conn", c.id).Int64("user_id", c.userID).Int("total", s.conns.Count()).Msg("connection opened")

	// Hijacked conns keep the HTTP server's read deadline.
	_ = c.conn.SetReadDeadline(time.Time{})
	if s.poller != nil && c.fd >= 0 {
		c.polled.Store(true)
		err := s.poller.add(c)
		if err == nil {
			return
		}
		c.polled.Store(false)
		s.log.Warn().Err(err).Str("conn", c.id).Msg("epoll add failed, using read goroutine")
	}
	go s.readLoop(c)
}

// eventLoop dispatches epoll readiness to the worker pool.
func (s *Server) eventLoop() {
	defer s.loops.Done()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		ready, err := s.poller.wait(100)
		if err != nil {
			s.log.Error().Err(err).Msg("epoll wait")
			continue
		}
		for _, c := range ready {
			// Level-triggered epoll reports a socket again while a worker is
			// still reading it.
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func(c *Connection) {
				defer func() {
					<-s.workerPool
					c.processing.Store(false)
				}()
				if s.config.ReadTimeout > 0 {
					_ = c.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
				}
				err := s.readFrame(c)
				_ = c.conn.SetReadDeadline(time.Time{})
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					// Stale readiness; the heartbeat handles dead peers.
					return
				}
				if err != nil {
					s.RemoveConnection(c)
				}
			}(c)
		}
	}
}

// readLoop reads one connection until it fails or closes.
func (s *Server) readLoop(c *Connection) {
	for {
		if err := s.readFrame(c); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug().Err(err).Str("conn", c.id).Msg("read failed")
			}
			s.RemoveConnection(c)
			return
		}
	}
}

var errClosedByPeer = errors.New("ws: closed by peer")

// readFrame reads and handles one frame. A text message is dispatched on a
// worker slot; control frames are answered inline.
func (s *Server) readFrame(c *Connection) error {
	header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
	if err != nil {
		return err
	}
	c.touch()

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return err
		}
		switch header.OpCode {
		case ws.OpClose:
			_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
			return errClosedByPeer
		case ws.OpPing:
			return c.writeControl(ws.NewPongFrame(payload))
		}
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxFrameBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > s.config.MaxFrameBytes {
		_ = c.writeControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusMessageTooBig, "")))
		return fmt.Errorf("ws: frame exceeds %d bytes", s.config.MaxFrameBytes)
	}
	if header.OpCode != ws.OpText || len(data) == 0 || s.onMessage == nil {
		return nil
	}

	if c.polled.Load() {
		// Already running on a worker slot.
		s.onMessage(c, data)
		return nil
	}
	select {
	case s.workerPool <- struct{}{}:
	case <-s.done:
		return net.ErrClosed
	}
	defer func() { <-s.workerPool }()
	s.onMessage(c, data)
	return nil
}

// RemoveConnection unregisters and closes c. Concurrent callers (read error
// and heartbeat eviction) clean up exactly once.
func (s *Server) RemoveConnection(c *Connection) {
	if c.polled.Load() && s.poller != nil {
		_ = s.poller.remove(c)
	}
	if !s.conns.Remove(c.id) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.id, c.userID); err != nil {
			s.log.Warn().Err(err).Str("conn", c.id).Msg("session delete failed")
		}
		cancel()
	}
	s.log.Info().Str("conn", c.id).Int64("user_id", c.userID).Int("total", s.conns.Count()).Msg("connection closed")
}

func (s *Server) push(c *Connection, event string, data any) {
	frame, err := protocol.NewPush(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("build push")
		return
	}
	if err := c.Send(frame); err != nil {
		s.log.Debug().Err(err).Str("conn", c.id).Str("event", event).Msg("push failed")
	}
}

// Connections exposes the registry, e.g. for health reporting.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Uptime returns how long the server has been running.
func (s *Server) Uptime() time.Duration { return time.Since(s.startedAt) }

// Shutdown stops the loops and closes every live connection, running the
// disconnect path for each.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	waited := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
	if s.poller != nil {
		_ = s.poller.close()
	}
	s.log.Info().Msg("socket server stopped")
	return nil
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
