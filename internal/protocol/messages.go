// Package protocol defines the socket wire format. Every frame is a JSON
// object with an "event" discriminator; client frames may carry an "ack"
// number that the server echoes on the acknowledgement frame.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Client -> Server events.
const (
	EventJoin        = "chat:join"
	EventGetOrCreate = "chat:get_or_create"
	EventSend        = "message:send"
	EventPing        = "ping"
)

// Server -> Client events.
const (
	EventAck       = "ack"
	EventConnected = "connected"
	EventPong      = "pong"
	EventError     = "error"
)

// ClientFrame is a decoded client frame. Data is decoded later into the
// payload struct of the event.
type ClientFrame struct {
	Event string          `json:"event"`
	Ack   uint64          `json:"ack,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseClientFrame decodes raw frame bytes and checks the discriminator.
func ParseClientFrame(raw []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if f.Event == "" {
		return ClientFrame{}, fmt.Errorf("protocol: missing or empty \"event\" field")
	}
	return f, nil
}

// Decode unmarshals the frame payload into v. An absent payload decodes as
// an empty object.
func (f ClientFrame) Decode(v any) error {
	data := f.Data
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: invalid %q payload: %w", f.Event, err)
	}
	return nil
}

// ID is a positive identifier that clients may send as a JSON number or as a
// numeric string.
type ID int64

func (id *ID) UnmarshalJSON(b []byte) error {
	s := string(b)
	if s == "null" {
		*id = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("protocol: id %s is not an integer", b)
	}
	*id = ID(n)
	return nil
}

// JoinData is the payload of chat:join.
type JoinData struct {
	ChatID ID `json:"chatId"`
}

// GetOrCreateData is the payload of chat:get_or_create.
type GetOrCreateData struct {
	To ID `json:"to"`
}

// SendData is the payload of message:send.
type SendData struct {
	ChatID ID     `json:"chatId"`
	To     ID     `json:"to"`
	Body   string `json:"body"`
	Token  string `json:"clientIdempotencyToken,omitempty"`
}

// AckData is the acknowledgement body. On failure Error holds the category
// (e.g. "Forbidden") and Detail the human readable text. Message carries the
// stored message of a message:send.
type AckData struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
	ChatID  int64  `json:"chatId,omitempty"`
	Created *bool  `json:"created,omitempty"`
	Message any    `json:"message,omitempty"`
	Dedup   *bool  `json:"dedup,omitempty"`
}

// ConnectedData is pushed once after a successful handshake.
type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
	UserID       int64  `json:"userId"`
}

// ErrorData is pushed when a frame cannot be attributed to an ack.
type ErrorData struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type serverFrame struct {
	Event string `json:"event"`
	Ack   uint64 `json:"ack,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// NewPush encodes a server push frame.
func NewPush(event string, data any) ([]byte, error) {
	out, err := json.Marshal(serverFrame{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q push: %w", event, err)
	}
	return out, nil
}

// NewAck encodes the acknowledgement for the client frame numbered ack.
func NewAck(ack uint64, data AckData) ([]byte, error) {
	out, err := json.Marshal(serverFrame{Event: EventAck, Ack: ack, Data: data})
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal ack: %w", err)
	}
	return out, nil
}

// Bool returns a pointer for the optional ack flags.
func Bool(b bool) *bool { return &b }
