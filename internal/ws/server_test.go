package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/protocol"
)

type memSessions struct {
	mu      sync.Mutex
	live    map[string]int64
	deleted chan string
}

func newMemSessions() *memSessions {
	return &memSessions{live: make(map[string]int64), deleted: make(chan string, 8)}
}

func (m *memSessions) Create(_ context.Context, id string, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live[id] = userID
	return nil
}

func (m *memSessions) Delete(_ context.Context, id string, _ int64) error {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	m.deleted <- id
	return nil
}

// echo acks every frame with ok and the connection's user id as chatId.
func echo() func(c *Connection, data []byte) {
	d := NewDispatcher(context.Background(), zerolog.Nop())
	d.Register("echo", func(_ context.Context, c *Connection, _ protocol.ClientFrame) (protocol.AckData, error) {
		return protocol.AckData{ChatID: c.UserID()}, nil
	})
	return d.Dispatch
}

func startServer(t *testing.T, config ServerConfig, withLoop bool) (*Server, *memSessions, string) {
	t.Helper()
	sessions := newMemSessions()
	srv := NewServer(config, sessions, echo(), zerolog.Nop())
	if withLoop {
		srv.Start()
	}
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return srv, sessions, "ws" + strings.TrimPrefix(hs.URL, "http")
}

// bufferedConn reads through the handshake reader, which may already hold
// the first server frame.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b bufferedConn) Read(p []byte) (int, error) { return b.r.Read(p) }

func dial(t *testing.T, url string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	if br != nil {
		return bufferedConn{Conn: conn, r: br}
	}
	return conn
}

func readFrame(t *testing.T, conn net.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return m
}

func TestUpgrade_RejectsMissingUser(t *testing.T) {
	_, _, url := startServer(t, DefaultServerConfig(), false)
	httpURL := "http" + strings.TrimPrefix(url, "ws")

	for _, q := range []string{"", "?userId=", "?userId=abc", "?userId=0", "?userId=-4"} {
		resp, err := http.Get(httpURL + q)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("query %q: expected 401, got %d", q, resp.StatusCode)
		}
	}
}

func TestConnect_EventAckDisconnect(t *testing.T) {
	for _, withLoop := range []bool{false, true} {
		name := "read goroutine"
		if withLoop {
			name = "event loop"
		}
		t.Run(name, func(t *testing.T) {
			srv, sessions, url := startServer(t, DefaultServerConfig(), withLoop)
			connected := make(chan int64, 1)
			disconnected := make(chan int64, 1)
			srv.SetOnConnect(func(c *Connection) { connected <- c.UserID() })
			srv.SetOnDisconnect(func(c *Connection) { disconnected <- c.UserID() })

			conn := dial(t, url+"?userId=5")

			hello := readFrame(t, conn)
			if hello["event"] != protocol.EventConnected {
				t.Fatalf("expected connected push, got %v", hello)
			}
			if got := <-connected; got != 5 {
				t.Errorf("onConnect user = %d", got)
			}
			if n := srv.Connections().Count(); n != 1 {
				t.Errorf("expected 1 connection, got %d", n)
			}

			for i := 1; i <= 3; i++ {
				frame := `{"event":"echo","ack":` + strconv.Itoa(i) + `}`
				if err := wsutil.WriteClientText(conn, []byte(frame)); err != nil {
					t.Fatal(err)
				}
				ack := readFrame(t, conn)
				if ack["ack"] != float64(i) {
					t.Fatalf("expected ack %d in order, got %v", i, ack)
				}
				data := ack["data"].(map[string]any)
				if data["ok"] != true || data["chatId"] != float64(5) {
					t.Errorf("unexpected ack data %v", data)
				}
			}

			conn.Close()
			select {
			case got := <-disconnected:
				if got != 5 {
					t.Errorf("onDisconnect user = %d", got)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("disconnect not observed")
			}
			<-sessions.deleted
			if n := srv.Connections().Count(); n != 0 {
				t.Errorf("expected 0 connections, got %d", n)
			}
		})
	}
}

func TestUpgrade_MaxConnections(t *testing.T) {
	config := DefaultServerConfig()
	config.MaxConnections = 1
	_, _, url := startServer(t, config, false)

	conn := dial(t, url+"?userId=1")
	readFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, _, err := ws.Dial(ctx, url+"?userId=2"); err == nil {
		t.Fatal("expected second connection to be refused")
	}
}

type denyConnect struct{}

func (denyConnect) AllowConnect(context.Context, string) (bool, error) { return false, nil }

func TestUpgrade_ConnectLimiter(t *testing.T) {
	srv, _, url := startServer(t, DefaultServerConfig(), false)
	srv.SetConnectLimiter(denyConnect{})

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws") + "?userId=3")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", resp.StatusCode)
	}
}

func TestHeartbeat_EvictsIdle(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil, zerolog.Nop())
	server, client := net.Pipe()
	defer client.Close()
	go func() {
		// Drain the connected push.
		_, _ = wsutil.ReadServerText(client)
	}()
	c := NewConnection("idle", 1, server, time.Second)
	srv.Attach(c)

	hb := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	srv.checkConnections(time.Now().Add(5*time.Second), hb)
	if srv.Connections().Count() != 0 {
		t.Fatal("expected idle connection to be evicted")
	}
}

func TestDrop_ReleasesConnection(t *testing.T) {
	sessions := newMemSessions()
	srv := NewServer(DefaultServerConfig(), sessions, nil, zerolog.Nop())
	disconnected := make(chan string, 1)
	srv.SetOnDisconnect(func(c *Connection) { disconnected <- c.ID() })

	server, client := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = wsutil.ReadServerText(client)
	}()
	c := NewConnection("slow", 1, server, time.Second)
	srv.Attach(c)

	c.Drop()
	select {
	case id := <-disconnected:
		if id != "slow" {
			t.Errorf("onDisconnect for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("drop did not run the disconnect path")
	}
	if id := <-sessions.deleted; id != "slow" {
		t.Errorf("session deleted = %q", id)
	}
	if n := srv.Connections().Count(); n != 0 {
		t.Errorf("expected 0 connections, got %d", n)
	}
}
