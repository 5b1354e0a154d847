package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/protocol"
)

// Handler holds the dependencies shared by every route.
type Handler struct {
	svc      *chat.Service
	socket   Socket
	presence Presence
	checks   map[string]HealthCheck
	maxBody  int64
	log      zerolog.Logger
	started  time.Time
}

type createChatRequest struct {
	UserA protocol.ID `json:"userA"`
	UserB protocol.ID `json:"userB"`
}

type createChatResponse struct {
	ChatID  int64 `json:"chatId"`
	Created bool  `json:"created"`
}

type createMessageRequest struct {
	ChatID protocol.ID `json:"chatId"`
	From   protocol.ID `json:"from"`
	To     protocol.ID `json:"to"`
	Body   string      `json:"body"`
	Token  string      `json:"clientIdempotencyToken"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type pageResponse struct {
	Items  []chat.Message `json:"items"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type sessionResponse struct {
	ID         string    `json:"id"`
	Server     string    `json:"server"`
	Rooms      []string  `json:"rooms"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// CreateChat resolves the chat between two users, creating it on first
// contact. 201 means it was created by this call.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	var in createChatRequest
	if err := h.decode(w, r, &in); err != nil {
		h.Error(w, r, err)
		return
	}
	res, err := h.svc.GetOrCreateChat(r.Context(), int64(in.UserA), int64(in.UserB))
	if err != nil {
		h.Error(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	h.JSON(w, status, createChatResponse{ChatID: res.Chat.ID, Created: res.Created})
}

// ListChats returns the chats of the user named by the userId query
// parameter or, failing that, the actor header.
func (h *Handler) ListChats(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("userId")
	if raw == "" {
		raw = r.Header.Get(HeaderUserID)
	}
	userID, err := parseID(raw, "userId")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	chats, err := h.svc.ListChats(r.Context(), userID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if chats == nil {
		chats = []chat.Chat{}
	}
	h.JSON(w, http.StatusOK, listResponse[chat.Chat]{Items: chats})
}

// ListMessages pages through a chat's history, newest first. When the
// actor header is present the actor must be a participant.
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	chatID, err := parseID(chi.URLParam(r, "id"), "chat id")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), chat.DefaultPageLimit, "limit")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), 0, "offset")
	if err != nil {
		h.Error(w, r, err)
		return
	}

	var page chat.Page
	if raw := r.Header.Get(HeaderUserID); raw != "" {
		actor, perr := parseID(raw, HeaderUserID)
		if perr != nil {
			h.Error(w, r, perr)
			return
		}
		page, err = h.svc.MemberHistory(r.Context(), chatID, actor, limit, offset)
	} else {
		page, err = h.svc.History(r.Context(), chatID, limit, offset)
	}
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if page.Items == nil {
		page.Items = []chat.Message{}
	}
	h.JSON(w, http.StatusOK, pageResponse{Items: page.Items, Limit: page.Limit, Offset: page.Offset})
}

// CreateMessage stores a message and fans it out. A request resolved to an
// earlier message through its idempotency token answers 200 with that
// message and the replay header instead of 201.
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var in createMessageRequest
	if err := h.decode(w, r, &in); err != nil {
		h.Error(w, r, err)
		return
	}
	if raw := r.Header.Get(HeaderUserID); raw != "" {
		actor, err := parseID(raw, HeaderUserID)
		if err != nil {
			h.Error(w, r, err)
			return
		}
		if actor != int64(in.From) {
			h.Error(w, r, chat.Errorf(chat.KindForbidden, "cannot send on behalf of another user"))
			return
		}
	}

	res, err := h.svc.Send(r.Context(), chat.SendRequest{
		ChatID: int64(in.ChatID),
		From:   int64(in.From),
		To:     int64(in.To),
		Body:   in.Body,
		Token:  in.Token,
	})
	if err != nil {
		h.Error(w, r, err)
		return
	}
	if !res.Created {
		w.Header().Set(HeaderReplay, "true")
		h.JSON(w, http.StatusOK, res.Message)
		return
	}
	h.JSON(w, http.StatusCreated, res.Message)
}

// ListSessions reports where a user is connected and which rooms each
// connection joined.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, err := parseID(chi.URLParam(r, "id"), "user id")
	if err != nil {
		h.Error(w, r, err)
		return
	}
	live, err := h.presence.Live(r.Context(), userID)
	if err != nil {
		h.Error(w, r, err)
		return
	}
	items := make([]sessionResponse, 0, len(live))
	for _, s := range live {
		rooms := s.RoomList()
		if rooms == nil {
			rooms = []string{}
		}
		items = append(items, sessionResponse{
			ID:         s.ID,
			Server:     s.Server,
			Rooms:      rooms,
			CreatedAt:  time.Unix(s.CreatedAt, 0).UTC(),
			LastActive: time.Unix(s.LastActive, 0).UTC(),
		})
	}
	h.JSON(w, http.StatusOK, listResponse[sessionResponse]{Items: items})
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Debug().Err(err).Msg("write response")
	}
}

// Error maps err onto its HTTP status and writes the error body. Internal
// causes are logged and replaced by a generic message.
func (h *Handler) Error(w http.ResponseWriter, r *http.Request, err error) {
	kind := chat.KindOf(err)
	if kind == chat.KindInternal {
		h.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	h.JSON(w, statusFor(kind), errorResponse{Error: chat.PublicMessage(err), Code: kind.String()})
}

func statusFor(kind chat.Kind) int {
	switch kind {
	case chat.KindInvalidArgument:
		return http.StatusBadRequest
	case chat.KindForbidden:
		return http.StatusForbidden
	case chat.KindConflict:
		return http.StatusConflict
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBody)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return chat.Errorf(chat.KindInvalidArgument, "request body too large")
		}
		return chat.Errorf(chat.KindInvalidArgument, "invalid JSON body")
	}
	return nil
}

func parseID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, chat.Errorf(chat.KindInvalidArgument, "%s must be a positive integer", field)
	}
	return id, nil
}

// queryInt parses an optional integer parameter. Range clamping is left to
// the service.
func queryInt(raw string, def int, field string) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, chat.Errorf(chat.KindInvalidArgument, "%s must be an integer", field)
	}
	return n, nil
}
