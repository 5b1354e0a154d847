package chat

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ChatStore persists chats. Insert returns ErrDuplicateKey when the
// canonical pair already exists. Lookups return (nil, nil) when absent.
type ChatStore interface {
	FindByPair(ctx context.Context, low, high int64) (*Chat, error)
	Insert(ctx context.Context, low, high int64) (*Chat, error)
	Get(ctx context.Context, chatID int64) (*Chat, error)
	ListForUser(ctx context.Context, userID int64) ([]Chat, error)
}

// MessageStore persists messages. Append resolves an idempotency-token
// collision to the stored row with Created=false instead of failing.
// History returns messages newest first.
type MessageStore interface {
	Append(ctx context.Context, m NewMessage) (AppendResult, error)
	History(ctx context.Context, chatID int64, limit, offset int) ([]Message, error)
}

// BlockChecker reports whether either user has blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, x, y int64) (bool, error)
}

// Publisher delivers a push event to the live subscribers of a room.
type Publisher interface {
	Publish(ctx context.Context, room RoomID, event string, payload any) error
}

// Throttle limits how often a user may send.
type Throttle interface {
	Allow(ctx context.Context, userID int64) (bool, error)
}

// EventSink receives stored messages for downstream consumers.
type EventSink interface {
	MessageCreated(ctx context.Context, m Message) error
}

// Observer is notified of pipeline outcomes, typically for metrics.
type Observer interface {
	ChatCreated()
	MessageStored(created bool)
	MessageRejected(kind Kind)
}

// Deps are the collaborators of a Service. Chats, Messages, Blocks and
// Publisher are required; the rest may be nil.
type Deps struct {
	Chats     ChatStore
	Messages  MessageStore
	Blocks    BlockChecker
	Publisher Publisher
	Throttle  Throttle
	Events    EventSink
	Observer  Observer
	Logger    zerolog.Logger
}

// Service is the single pipeline both transports call into. It holds no
// chat or message state between calls.
type Service struct {
	chats     ChatStore
	messages  MessageStore
	blocks    BlockChecker
	publisher Publisher
	throttle  Throttle
	events    EventSink
	observer  Observer
	log       zerolog.Logger
	locks     *keyedMutex
}

// NewService wires a Service from its collaborators.
func NewService(d Deps) *Service {
	return &Service{
		chats:     d.Chats,
		messages:  d.Messages,
		blocks:    d.Blocks,
		publisher: d.Publisher,
		throttle:  d.Throttle,
		events:    d.Events,
		observer:  d.Observer,
		log:       d.Logger.With().Str("component", "chat").Logger(),
		locks:     newKeyedMutex(),
	}
}

// Resolution is the outcome of GetOrCreateChat.
type Resolution struct {
	Chat    Chat
	Created bool
}

// GetOrCreateChat returns the chat for the unordered pair {a, b}, creating it
// on first use. Concurrent creators converge on the same row.
func (s *Service) GetOrCreateChat(ctx context.Context, a, b int64) (Resolution, error) {
	if err := validateUserID(a, "userA"); err != nil {
		return Resolution{}, err
	}
	if err := validateUserID(b, "userB"); err != nil {
		return Resolution{}, err
	}
	if a == b {
		return Resolution{}, invalidArgument("cannot open a chat with yourself")
	}
	if err := s.checkBlocked(ctx, a, b, "users are blocked"); err != nil {
		return Resolution{}, err
	}

	low, high := Canonical(a, b)
	existing, err := s.chats.FindByPair(ctx, low, high)
	if err != nil {
		return Resolution{}, internal("find chat", err)
	}
	if existing != nil {
		return Resolution{Chat: *existing}, nil
	}

	created, err := s.chats.Insert(ctx, low, high)
	if errors.Is(err, ErrDuplicateKey) {
		// Lost the race to a concurrent creator; the row exists now.
		existing, err = s.chats.FindByPair(ctx, low, high)
		if err != nil {
			return Resolution{}, internal("reread chat", err)
		}
		if existing == nil {
			return Resolution{}, internal("reread chat", errors.New("chat vanished after duplicate insert"))
		}
		return Resolution{Chat: *existing}, nil
	}
	if err != nil {
		return Resolution{}, internal("insert chat", err)
	}

	s.log.Info().Int64("chat_id", created.ID).Int64("low", low).Int64("high", high).Msg("chat created")
	if s.observer != nil {
		s.observer.ChatCreated()
	}
	s.publish(ctx, PersonalRoomFor(low), EventChatNew, created)
	s.publish(ctx, PersonalRoomFor(high), EventChatNew, created)
	return Resolution{Chat: *created, Created: true}, nil
}

// AssertMember returns the chat when actorID participates in it. A missing
// chat is reported as Forbidden as well, so membership probes cannot tell
// the two apart.
func (s *Service) AssertMember(ctx context.Context, chatID, actorID int64) (*Chat, error) {
	if chatID <= 0 {
		return nil, invalidArgument("chatId must be a positive integer")
	}
	if err := validateUserID(actorID, "actor"); err != nil {
		return nil, err
	}
	c, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return nil, internal("get chat", err)
	}
	if c == nil || !c.IsParticipant(actorID) {
		return nil, forbidden("not a member of this chat")
	}
	return c, nil
}

// ListChats returns the chats userID participates in, newest first.
func (s *Service) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	if err := validateUserID(userID, "userId"); err != nil {
		return nil, err
	}
	chats, err := s.chats.ListForUser(ctx, userID)
	if err != nil {
		return nil, internal("list chats", err)
	}
	if chats == nil {
		chats = []Chat{}
	}
	return chats, nil
}

// Page is a window of history together with the effective bounds.
type Page struct {
	Items  []Message `json:"items"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// History returns messages of chatID newest first after clamping the window.
func (s *Service) History(ctx context.Context, chatID int64, limit, offset int) (Page, error) {
	if chatID <= 0 {
		return Page{}, invalidArgument("chatId must be a positive integer")
	}
	c, err := s.chats.Get(ctx, chatID)
	if err != nil {
		return Page{}, internal("get chat", err)
	}
	if c == nil {
		return Page{}, notFound("chat not found")
	}
	return s.page(ctx, chatID, limit, offset)
}

// MemberHistory is History gated by AssertMember.
func (s *Service) MemberHistory(ctx context.Context, chatID, actorID int64, limit, offset int) (Page, error) {
	if _, err := s.AssertMember(ctx, chatID, actorID); err != nil {
		return Page{}, err
	}
	return s.page(ctx, chatID, limit, offset)
}

func (s *Service) page(ctx context.Context, chatID int64, limit, offset int) (Page, error) {
	limit, offset = ClampPage(limit, offset)
	items, err := s.messages.History(ctx, chatID, limit, offset)
	if err != nil {
		return Page{}, internal("history", err)
	}
	if items == nil {
		items = []Message{}
	}
	return Page{Items: items, Limit: limit, Offset: offset}, nil
}

// SendRequest is a message submission from either transport.
type SendRequest struct {
	ChatID int64
	From   int64
	To     int64
	Body   string
	Token  string
}

// Send stores a message and fans it out. A retry carrying a token already
// stored in the chat by the same sender resolves to that message
// (Created=false) and is not broadcast again.
func (s *Service) Send(ctx context.Context, req SendRequest) (AppendResult, error) {
	res, err := s.send(ctx, req)
	if err != nil && s.observer != nil {
		s.observer.MessageRejected(KindOf(err))
	}
	return res, err
}

func (s *Service) send(ctx context.Context, req SendRequest) (AppendResult, error) {
	if req.ChatID <= 0 {
		return AppendResult{}, invalidArgument("chatId must be a positive integer")
	}
	if err := validateUserID(req.From, "from"); err != nil {
		return AppendResult{}, err
	}
	if err := validateUserID(req.To, "to"); err != nil {
		return AppendResult{}, err
	}
	body, err := ValidateBody(req.Body)
	if err != nil {
		return AppendResult{}, err
	}

	if err := s.checkBlocked(ctx, req.From, req.To, "cannot send messages: users are blocked"); err != nil {
		return AppendResult{}, err
	}
	c, err := s.AssertMember(ctx, req.ChatID, req.From)
	if err != nil {
		return AppendResult{}, err
	}
	if c.Partner(req.From) != req.To {
		return AppendResult{}, invalidArgument("recipient is not the other participant of this chat")
	}
	if err := s.allow(ctx, req.From); err != nil {
		return AppendResult{}, err
	}

	start := time.Now()
	unlock := s.locks.Lock(req.ChatID)
	res, err := s.messages.Append(ctx, NewMessage{
		ChatID:      req.ChatID,
		SenderID:    req.From,
		RecipientID: req.To,
		Body:        body,
		ClientToken: req.Token,
	})
	if err != nil {
		unlock()
		return AppendResult{}, internal("append message", err)
	}
	if !res.Created {
		unlock()
		if res.Message.SenderID != req.From {
			return AppendResult{}, conflict("idempotency token already used in this chat")
		}
		s.log.Debug().Int64("chat_id", req.ChatID).Int64("message_id", res.Message.ID).Msg("duplicate send resolved")
		if s.observer != nil {
			s.observer.MessageStored(false)
		}
		return res, nil
	}

	// Publishing under the chat lock keeps push order equal to commit order
	// in the chat room and in the recipient's personal room.
	s.publish(ctx, RoomFor(req.ChatID), EventMessageNew, res.Message)
	s.publish(ctx, PersonalRoomFor(req.To), EventMessageNotify, res.Message)
	unlock()

	if s.events != nil {
		if err := s.events.MessageCreated(ctx, res.Message); err != nil {
			s.log.Warn().Err(err).Int64("message_id", res.Message.ID).Msg("event sink failed")
		}
	}
	if s.observer != nil {
		s.observer.MessageStored(true)
	}
	s.log.Debug().
		Int64("chat_id", req.ChatID).
		Int64("message_id", res.Message.ID).
		Dur("latency", time.Since(start)).
		Msg("message stored")
	return res, nil
}

func (s *Service) checkBlocked(ctx context.Context, x, y int64, msg string) error {
	blocked, err := s.blocks.IsBlocked(ctx, x, y)
	if err != nil {
		return internal("block check", err)
	}
	if blocked {
		return forbidden(msg)
	}
	return nil
}

func (s *Service) allow(ctx context.Context, userID int64) error {
	if s.throttle == nil {
		return nil
	}
	ok, err := s.throttle.Allow(ctx, userID)
	if err != nil {
		// Limiter outages fail open.
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("throttle unavailable")
		return nil
	}
	if !ok {
		return rateLimited("too many messages, slow down")
	}
	return nil
}

// publish is best effort: a failed push never fails the operation that
// already committed.
func (s *Service) publish(ctx context.Context, room RoomID, event string, payload any) {
	if err := s.publisher.Publish(ctx, room, event, payload); err != nil {
		s.log.Warn().Err(err).Str("room", string(room)).Str("event", event).Msg("publish failed")
	}
}
