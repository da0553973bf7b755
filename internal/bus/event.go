package bus

import "time"

// Event represents a session event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so "connection." receives
// every connectivity event.
const (
	KindConnectionState  = "connection.state_changed"
	KindConnectionOpened = "connection.opened"
	KindConnectionClosed = "connection.closed"
	KindConnectionError  = "connection.error"

	KindMessageUpserted   = "message.upserted"
	KindMessageRemoved    = "message.removed"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindConversationUpdated  = "conversation.updated"
	KindConversationsSynced  = "conversation.list_synced"
	KindConversationsEvicted = "conversation.evicted"

	KindFetchStarted  = "fetch.started"
	KindFetchFinished = "fetch.finished"
)
