package conversation

import (
	"errors"
	"time"

	"github.com/matheus3301/parley/internal/protocol"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward progression of a message. Failed sits outside it.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// ParseStatus maps a wire status to a Status. Empty or unrecognised values
// mean the server has the message, so they map to StatusSent.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusDelivered, StatusRead:
		return Status(s)
	default:
		return StatusSent
	}
}

var (
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownCorrelation  = errors.New("unknown correlation id")
	ErrNotPending          = errors.New("message is not pending")
	ErrNotFailed           = errors.New("message is not failed")
	ErrEmptyContent        = errors.New("message content is empty")
)

// Participant is a display snapshot of a user.
type Participant struct {
	ID        string
	Name      string
	AvatarURL string
}

// Message is one entry in a conversation. ID is empty until the server
// confirms it; CorrelationID is set for messages sent from this client.
type Message struct {
	ID             string
	CorrelationID  string
	ConversationID string
	Sender         Participant
	Content        string
	Timestamp      time.Time
	Status         Status

	seq    uint64
	sentAt time.Time // local send time, zero for server-originated entries
}

// Confirmed reports whether the server has assigned an id.
func (m Message) Confirmed() bool { return m.ID != "" }

func (m *Message) copy() Message { return *m }

// Key returns the id a UI should use for the entry: the server id once
// confirmed, the correlation id before.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.CorrelationID
}

// Preview is the cached summary of a conversation's newest message.
type Preview struct {
	Text      string
	Timestamp time.Time
	Outgoing  bool
}

// Conversation is a messaging thread with one counterpart.
type Conversation struct {
	ID           string
	Interlocutor Participant
	LastMessage  *Preview
	UnreadCount  int
}

// FromWire converts a server message.
func FromWire(w protocol.WireMessage) Message {
	return Message{
		ID:             w.ID.String(),
		ConversationID: w.ConversationID.String(),
		Sender: Participant{
			ID:        w.Sender.ID.String(),
			Name:      w.Sender.Name,
			AvatarURL: w.Sender.AvatarURL,
		},
		Content:   w.Content,
		Timestamp: w.Timestamp,
		Status:    ParseStatus(w.Status),
	}
}

// ApplyOutcome describes what ApplyInbound did with a message.
type ApplyOutcome int

const (
	// Inserted means the message was new.
	Inserted ApplyOutcome = iota
	// Reconciled means the message confirmed a pending local send.
	Reconciled
	// Updated means the message was already known; its status may have advanced.
	Updated
	// Deferred means the conversation is unknown; the message is held until it appears.
	Deferred
	// Ignored means the event carried nothing to apply.
	Ignored
)

func (o ApplyOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Reconciled:
		return "reconciled"
	case Updated:
		return "updated"
	case Deferred:
		return "deferred"
	default:
		return "ignored"
	}
}

// ApplyResult is returned by ApplyInbound.
type ApplyResult struct {
	Outcome        ApplyOutcome
	ConversationID string
	CorrelationID  string
	NeedsRefresh   bool
}
