// Package httpapi serves the synchronous JSON API over chi. It calls the
// same chat pipeline as the socket transport and maps the error taxonomy to
// HTTP statuses in one place.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/session"
	"github.com/whisper/dmchat/internal/ws"
)

// HeaderUserID carries the acting user. Deriving it from credentials is the
// job of whatever sits in front of this service.
const HeaderUserID = "X-User-Id"

// HeaderReplay marks a POST /messages response resolved to an earlier
// message through its idempotency token.
const HeaderReplay = "Idempotent-Replay"

// HealthCheck probes a dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Socket is the persistent-connection endpoint mounted at /ws.
type Socket interface {
	http.Handler
	Connections() *ws.ConnectionManager
	Uptime() time.Duration
}

// Presence lists a user's live socket sessions across servers.
type Presence interface {
	Live(ctx context.Context, userID int64) ([]session.Session, error)
}

// Deps are the collaborators of the router. Socket, Presence and Checks may
// be nil.
type Deps struct {
	Service        *chat.Service
	Socket         Socket
	Presence       Presence
	Checks         map[string]HealthCheck
	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         zerolog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) *chi.Mux {
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 64 << 10
	}
	log := d.Logger.With().Str("component", "http").Logger()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(log))
	r.Use(Metrics)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID},
		ExposedHeaders:   []string{HeaderReplay},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &Handler{
		svc:      d.Service,
		socket:   d.Socket,
		presence: d.Presence,
		checks:   d.Checks,
		maxBody:  d.MaxBodyBytes,
		log:      log,
		started:  time.Now(),
	}

	r.Handle("/metrics", metrics.Handler())
	r.Get("/health", h.Health)

	r.Post("/chats", h.CreateChat)
	r.Get("/chats", h.ListChats)
	r.Get("/chats/{id}/messages", h.ListMessages)
	r.Post("/messages", h.CreateMessage)

	if d.Presence != nil {
		r.Get("/users/{id}/sessions", h.ListSessions)
	}
	if d.Socket != nil {
		r.Get("/ws", d.Socket.ServeHTTP)
	}
	return r
}
