package sync

import (
	"fmt"
	"time"

	"github.com/matheus3301/parley/internal/conversation"
	"github.com/matheus3301/parley/internal/store"
	"go.uber.org/zap"
)

const syncedKey = "conversations_synced_at"

// Cache mirrors the conversation store into the SQLite cache and restores
// it when a session opens.
type Cache struct {
	db     *store.DB
	conv   *conversation.Store
	logger *zap.Logger
}

// NewCache creates a cache over db for conv.
func NewCache(db *store.DB, conv *conversation.Store, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: db, conv: conv, logger: logger}
}

// Save writes one conversation and its confirmed messages.
func (c *Cache) Save(conversationID string) error {
	cv, ok := c.conv.Conversation(conversationID)
	if !ok {
		return nil
	}
	return c.db.SaveSnapshot(ConversationRow(cv), MessageRows(c.conv.MessagesFor(conversationID)))
}

// SaveAll writes every conversation and records when the list was synced.
func (c *Cache) SaveAll() error {
	for _, cv := range c.conv.ListConversations() {
		if err := c.db.SaveSnapshot(ConversationRow(cv), MessageRows(c.conv.MessagesFor(cv.ID))); err != nil {
			return fmt.Errorf("save conversation %s: %w", cv.ID, err)
		}
	}
	return c.db.SetCheckpoint(syncedKey, time.Now().UTC().Format(time.RFC3339))
}

// LastSynced returns when the conversation list was last written by
// SaveAll. The zero time means never.
func (c *Cache) LastSynced() (time.Time, error) {
	v, err := c.db.Checkpoint(syncedKey)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, v)
}

// Hydrate loads cached conversations and messages into the store. It
// returns how many conversations were restored.
func (c *Cache) Hydrate() (int, error) {
	rows, err := c.db.ListConversations(0, 0)
	if err != nil {
		return 0, fmt.Errorf("list cached conversations: %w", err)
	}
	convs := make([]conversation.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, FromConversationRow(r))
	}
	c.conv.UpsertConversations(convs)

	for _, r := range rows {
		msgs, err := c.db.ListMessages(r.ID, 0, 0)
		if err != nil {
			return 0, fmt.Errorf("list cached messages for %s: %w", r.ID, err)
		}
		if _, err := c.conv.MergeHistory(r.ID, FromMessageRows(msgs)); err != nil {
			return 0, fmt.Errorf("merge cached messages for %s: %w", r.ID, err)
		}
	}
	c.logger.Info("restored conversations from cache", zap.Int("conversations", len(rows)))
	return len(rows), nil
}

// Purge deletes everything cached.
func (c *Cache) Purge() error {
	return c.db.Purge()
}

// ConversationRow converts a conversation to its cache row.
func ConversationRow(cv conversation.Conversation) *store.Conversation {
	row := &store.Conversation{
		ID:                 cv.ID,
		InterlocutorID:     cv.Interlocutor.ID,
		InterlocutorName:   cv.Interlocutor.Name,
		InterlocutorAvatar: cv.Interlocutor.AvatarURL,
		UnreadCount:        cv.UnreadCount,
	}
	if p := cv.LastMessage; p != nil {
		row.LastMessageAt = p.Timestamp.UnixMilli()
		row.LastMessagePreview = truncate(p.Text, 100)
		row.LastMessageOutgoing = p.Outgoing
	}
	return row
}

// MessageRows converts confirmed messages to cache rows. Unconfirmed
// entries are skipped.
func MessageRows(msgs []conversation.Message) []store.Message {
	rows := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Confirmed() {
			continue
		}
		rows = append(rows, store.Message{
			ConversationID: m.ConversationID,
			MsgID:          m.ID,
			SenderID:       m.Sender.ID,
			SenderName:     m.Sender.Name,
			SenderAvatar:   m.Sender.AvatarURL,
			Body:           m.Content,
			Status:         string(m.Status),
			Timestamp:      m.Timestamp.UnixMilli(),
		})
	}
	return rows
}

// FromConversationRow converts a cache row to a conversation.
func FromConversationRow(r store.Conversation) conversation.Conversation {
	cv := conversation.Conversation{
		ID: r.ID,
		Interlocutor: conversation.Participant{
			ID:        r.InterlocutorID,
			Name:      r.InterlocutorName,
			AvatarURL: r.InterlocutorAvatar,
		},
		UnreadCount: r.UnreadCount,
	}
	if r.LastMessageAt > 0 {
		cv.LastMessage = &conversation.Preview{
			Text:      r.LastMessagePreview,
			Timestamp: time.UnixMilli(r.LastMessageAt).UTC(),
			Outgoing:  r.LastMessageOutgoing,
		}
	}
	return cv
}

// FromMessageRows converts cache rows to messages.
func FromMessageRows(rows []store.Message) []conversation.Message {
	msgs := make([]conversation.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, conversation.Message{
			ID:             r.MsgID,
			ConversationID: r.ConversationID,
			Sender:         conversation.Participant{ID: r.SenderID, Name: r.SenderName, AvatarURL: r.SenderAvatar},
			Content:        r.Body,
			Timestamp:      time.UnixMilli(r.Timestamp).UTC(),
			Status:         conversation.ParseStatus(r.Status),
		})
	}
	return msgs
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
