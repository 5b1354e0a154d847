// Package events publishes stored messages to Kafka for consumers outside
// the chat server, such as notification or search indexing services.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/whisper/dmchat/internal/chat"
)

// TypeMessageCreated is the event type written for every new message.
const TypeMessageCreated = "message.created"

// Event is the record value written to the topic.
type Event struct {
	Type       string       `json:"type"`
	Message    chat.Message `json:"message"`
	OccurredAt time.Time    `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer writes message events keyed by chat id, so the events of one
// chat land on one partition in commit order.
type Producer struct {
	writer messageWriter
	log    zerolog.Logger
}

// NewProducer creates an asynchronous producer. Delivery failures are
// logged from the writer's completion callback and never reach senders.
func NewProducer(brokers []string, topic string, log zerolog.Logger) *Producer {
	log = log.With().Str("component", "events").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Error().Err(err).Int("count", len(msgs)).Msg("kafka delivery failed")
			}
		},
	}
	return &Producer{writer: w, log: log}
}

// MessageCreated enqueues the event for m. It satisfies chat.EventSink.
func (p *Producer) MessageCreated(ctx context.Context, m chat.Message) error {
	value, err := json.Marshal(Event{
		Type:       TypeMessageCreated,
		Message:    m,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(m.ChatID, 10)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(TypeMessageCreated)},
		},
	})
	if err != nil {
		return fmt.Errorf("events: write: %w", err)
	}
	return nil
}

// Close flushes pending events and closes the writer.
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("events: close: %w", err)
	}
	return nil
}
