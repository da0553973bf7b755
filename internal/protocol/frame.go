// Package protocol implements the text frame codec spoken over the session
// socket and the dispatcher that fans decoded events out to subscribers.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame types understood on the wire.
const (
	TypeMessage            = "message"
	TypeConversationUpdate = "conversation_update"
)

var (
	ErrEmptyContent        = errors.New("message content is empty")
	ErrMissingConversation = errors.New("conversation id is required")
	ErrMissingType         = errors.New("frame has no type")
)

// ID is an opaque identifier. Servers may send ids as JSON strings or numbers;
// both decode to the same string form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Identity is a display snapshot of a participant.
type Identity struct {
	ID        ID     `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// WireMessage is the server representation of a chat message.
type WireMessage struct {
	ID             ID        `json:"id"`
	ConversationID ID        `json:"conversationId"`
	Sender         Identity  `json:"sender"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Status         string    `json:"status,omitempty"`
	ClientID       string    `json:"clientId,omitempty"`
}

// Event is a decoded inbound frame.
type Event interface {
	EventType() string
}

// NewMessage carries a message pushed by the server.
type NewMessage struct {
	Message WireMessage
}

func (NewMessage) EventType() string { return TypeMessage }

// ConversationChanged asks the client to re-fetch its conversation list.
// ConversationID is empty when the server does not say which one changed.
type ConversationChanged struct {
	ConversationID ID
}

func (ConversationChanged) EventType() string { return TypeConversationUpdate }

// Unknown is a well-formed frame with a type this client does not handle.
type Unknown struct {
	Type string
}

func (u Unknown) EventType() string { return u.Type }

// DecodeError reports a frame that could not be decoded.
type DecodeError struct {
	Excerpt string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %v", e.Excerpt, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const excerptLen = 120

type envelope struct {
	Type           string          `json:"type"`
	Message        json.RawMessage `json:"message,omitempty"`
	ConversationID ID              `json:"conversationId,omitempty"`
}

// Decode parses one inbound frame. It never panics; every failure is a
// *DecodeError.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr(raw, err)
	}
	switch env.Type {
	case "":
		return nil, decodeErr(raw, ErrMissingType)
	case TypeMessage:
		if len(env.Message) == 0 {
			return nil, decodeErr(raw, errors.New("message frame has no message"))
		}
		var msg WireMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return nil, decodeErr(raw, err)
		}
		if err := validateInbound(msg); err != nil {
			return nil, decodeErr(raw, err)
		}
		return NewMessage{Message: msg}, nil
	case TypeConversationUpdate:
		return ConversationChanged{ConversationID: env.ConversationID}, nil
	default:
		return Unknown{Type: env.Type}, nil
	}
}

func validateInbound(m WireMessage) error {
	switch {
	case m.ID == "":
		return errors.New("message has no id")
	case m.ConversationID == "":
		return ErrMissingConversation
	case m.Sender.ID == "":
		return errors.New("message has no sender")
	case m.Timestamp.IsZero():
		return errors.New("message has no timestamp")
	}
	return nil
}

func decodeErr(raw []byte, err error) *DecodeError {
	excerpt := string(raw)
	if len(excerpt) > excerptLen {
		excerpt = excerpt[:excerptLen] + "..."
	}
	return &DecodeError{Excerpt: excerpt, Err: err}
}

// OutboundIntent is a request to send text into a conversation.
type OutboundIntent struct {
	ConversationID string
	Text           string
	CorrelationID  string
}

type outboundFrame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	ClientID       string `json:"client_id,omitempty"`
}

// Encode serialises an outbound intent. Whitespace-only text is rejected
// before anything reaches the transport.
func Encode(intent OutboundIntent) ([]byte, error) {
	if strings.TrimSpace(intent.ConversationID) == "" {
		return nil, ErrMissingConversation
	}
	if strings.TrimSpace(intent.Text) == "" {
		return nil, ErrEmptyContent
	}
	return json.Marshal(outboundFrame{
		Type:           TypeMessage,
		ConversationID: intent.ConversationID,
		Text:           intent.Text,
		ClientID:       intent.CorrelationID,
	})
}
