package store

// Conversation is a cached conversation row.
type Conversation struct {
	ID                  string
	InterlocutorID      string
	InterlocutorName    string
	InterlocutorAvatar  string
	UnreadCount         int
	LastMessageAt       int64
	LastMessagePreview  string
	LastMessageOutgoing bool
}

// Message is a cached, server-confirmed message.
type Message struct {
	ID             int64
	ConversationID string
	MsgID          string
	SenderID       string
	SenderName     string
	SenderAvatar   string
	Body           string
	Status         string
	Timestamp      int64
}

// OutboxEntry is the journal record of one outbound send.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID string
	Body           string
	Status         string // queued, written, sent, failed
	ErrorMessage   string
	Attempts       int
}
