package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
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
		c.LastMessageAt, c.LastMessagePreview, c.LastMessageOutgoing, now)
	return err
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, interlocutor_id, interlocutor_name, interlocutor_avatar, unread_count,
			last_message_at, last_message_preview, last_message_outgoing
		FROM conversations
		ORDER BY last_message_at DESC, id ASC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.InterlocutorID, &c.InterlocutorName, &c.InterlocutorAvatar, &c.UnreadCount,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageOutgoing); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if it is not cached.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, interlocutor_id, interlocutor_name, interlocutor_avatar, unread_count,
			last_message_at, last_message_preview, last_message_outgoing
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.InterlocutorID, &c.InterlocutorName, &c.InterlocutorAvatar, &c.UnreadCount,
			&c.LastMessageAt, &c.LastMessagePreview, &c.LastMessageOutgoing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
