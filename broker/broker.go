package broker

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Message is the unit carried on a pub/sub channel. Type names the event,
// Data holds its JSON body untouched so consumers decode it against their
// own schema.
type Message struct {
	Type     string          `json:"type,omitempty"`
	Source   string          `json:"source,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals data into a Message of the given type.
func NewMessage(msgType, source string, data any) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: msgType, Source: source, Data: raw}, nil
}

// ErrUntypedMessage is returned when encoding a message with no Type; no
// consumer could route it.
var ErrUntypedMessage = errors.New("message has no type")

// MarshalBinary encodes m as the JSON payload both transports carry.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.Type == "" {
		return nil, ErrUntypedMessage
	}
	return json.Marshal(m)
}

// UnmarshalBinary decodes a payload written by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	return errors.Wrap(json.Unmarshal(data, m), "decode message")
}

// describe tags a log event with the fields that identify m.
func (m Message) describe(e *zerolog.Event) *zerolog.Event {
	e = e.Str("type", m.Type)
	if m.Source != "" {
		e = e.Str("source", m.Source)
	}
	if m.ClientID != "" {
		e = e.Str("client_id", m.ClientID)
	}
	return e
}

type MessageBroker interface {
	Publish(ctx context.Context, channel string, message Message) error

	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Close() error
}
