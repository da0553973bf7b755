package store

import (
	"fmt"
	"time"
)

const upsertMessageSQL = `
	INSERT INTO messages (conversation_id, msg_id, sender_id, sender_name, sender_avatar, body, status, timestamp, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
		sender_name = excluded.sender_name,
		sender_avatar = excluded.sender_avatar,
		body = excluded.body,
		status = excluded.status,
		timestamp = excluded.timestamp`

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	_, err := db.Exec(upsertMessageSQL,
		m.ConversationID, m.MsgID, m.SenderID, m.SenderName, m.SenderAvatar, m.Body, m.Status, m.Timestamp,
		time.Now().UnixMilli())
	return err
}

// SaveSnapshot writes a conversation and its messages in one transaction.
func (db *DB) SaveSnapshot(c *Conversation, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, interlocutor_id, interlocutor_name, interlocutor_avatar, unread_count,
			last_message_at, last_message_preview, last_message_outgoing, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			interlocutor_id = excluded.interlocutor_id,
			interlocutor_name = excluded.interlocutor_name,
			interlocutor_avatar = excluded.interlocutor_avatar,
			unread_count = excluded.unread_count,
			last_message_at = excluded.last_message_at,
			last_message_preview = excluded.last_message_preview,
			last_message_outgoing = excluded.last_message_outgoing,
			updated_at = excluded.updated_at`,
		c.ID, c.InterlocutorID, c.InterlocutorName, c.InterlocutorAvatar, c.UnreadCount,
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageOutgoing, now); err != nil {
		return fmt.Errorf("upsert conversation in snapshot: %w", err)
	}

	for _, m := range msgs {
		if m.MsgID == "" {
			continue
		}
		if _, err := tx.Exec(upsertMessageSQL,
			c.ID, m.MsgID, m.SenderID, m.SenderName, m.SenderAvatar, m.Body, m.Status, m.Timestamp, now); err != nil {
			return fmt.Errorf("upsert message in snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// ListMessages returns up to limit of the newest messages of a conversation
// older than beforeTs, oldest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, sender_name, sender_avatar, body, status, timestamp
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND timestamp < ?
			ORDER BY timestamp DESC, msg_id DESC
			LIMIT ?
		)
		ORDER BY timestamp ASC, msg_id ASC`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.SenderName, &m.SenderAvatar,
			&m.Body, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
