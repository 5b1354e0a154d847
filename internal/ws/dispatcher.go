package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/dmchat/internal/chat"
	"github.com/whisper/dmchat/internal/metrics"
	"github.com/whisper/dmchat/internal/protocol"
)

// HandlerFunc handles one client event. A returned error is reported to the
// client through the ack; the ack payload is only used on success.
type HandlerFunc func(ctx context.Context, c *Connection, f protocol.ClientFrame) (protocol.AckData, error)

// Dispatcher routes client frames to the handler registered for their
// event. Every frame that names an event is answered with exactly one ack,
// including unknown events, handler errors and handler panics.
type Dispatcher struct {
	ctx      context.Context
	handlers map[string]HandlerFunc
	log      zerolog.Logger
}

// NewDispatcher creates a Dispatcher whose handlers run under ctx.
func NewDispatcher(ctx context.Context, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		ctx:      ctx,
		handlers: make(map[string]HandlerFunc),
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Register associates a handler with an event, replacing any previous one.
func (d *Dispatcher) Register(event string, h HandlerFunc) {
	d.handlers[event] = h
}

// Dispatch is the server's onMessage callback.
func (d *Dispatcher) Dispatch(c *Connection, data []byte) {
	f, err := protocol.ParseClientFrame(data)
	if err != nil {
		d.log.Debug().Err(err).Str("conn", c.ID()).Msg("malformed frame")
		d.send(c, protocol.EventError, protocol.ErrorData{
			Error:   chat.KindInvalidArgument.String(),
			Message: "invalid frame format",
		})
		return
	}

	if f.Event == protocol.EventPing {
		d.send(c, protocol.EventPong, nil)
		return
	}

	start := time.Now()
	ack := d.handle(c, f)
	metrics.ObserveEvent(d.metricLabel(f.Event), start)

	frame, err := protocol.NewAck(f.Ack, ack)
	if err != nil {
		d.log.Error().Err(err).Str("event", f.Event).Msg("build ack")
		frame, _ = protocol.NewAck(f.Ack, failure(chat.ErrInternal))
	}
	if err := c.Send(frame); err != nil {
		d.log.Debug().Err(err).Str("conn", c.ID()).Str("event", f.Event).Msg("ack not delivered")
	}
}

// metricLabel bounds the latency series to registered events.
func (d *Dispatcher) metricLabel(event string) string {
	if _, ok := d.handlers[event]; ok {
		return event
	}
	return metrics.UnknownEvent
}

func (d *Dispatcher) handle(c *Connection, f protocol.ClientFrame) (ack protocol.AckData) {
	h, ok := d.handlers[f.Event]
	if !ok {
		d.log.Debug().Str("event", f.Event).Str("conn", c.ID()).Msg("unsupported event")
		return protocol.AckData{
			Error:  chat.KindInvalidArgument.String(),
			Detail: fmt.Sprintf("unsupported event %q", f.Event),
		}
	}

	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Str("event", f.Event).Str("conn", c.ID()).Msg("handler panic")
			ack = failure(chat.ErrInternal)
		}
	}()

	result, err := h(d.ctx, c, f)
	if err != nil {
		lvl := d.log.Debug()
		if chat.KindOf(err) == chat.KindInternal {
			lvl = d.log.Error()
		}
		lvl.Err(err).Str("event", f.Event).Int64("user_id", c.UserID()).Msg("event failed")
		return failure(err)
	}
	result.OK = true
	return result
}

// failure builds the ack of a failed event. Internal causes stay in the log.
func failure(err error) protocol.AckData {
	return protocol.AckData{
		Error:  chat.KindOf(err).String(),
		Detail: chat.PublicMessage(err),
	}
}

func (d *Dispatcher) send(c *Connection, event string, data any) {
	frame, err := protocol.NewPush(event, data)
	if err != nil {
		d.log.Error().Err(err).Str("event", event).Msg("build push")
		return
	}
	if err := c.Send(frame); err != nil {
		d.log.Debug().Err(err).Str("conn", c.ID()).Msg("push failed")
	}
}
