package store

import "time"

// QueueOutbox records a send as queued. Queuing an existing entry again (a
// retry) resets it and bumps its attempt counter.
func (db *DB) QueueOutbox(clientMsgID, conversationID, body string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO UPDATE SET
			status = 'queued',
			error_message = '',
			attempts = outbox.attempts + 1,
			updated_at = excluded.updated_at`,
		clientMsgID, conversationID, body, now, now)
	return err
}

// MarkOutboxWritten records that the frame was handed to the connection.
func (db *DB) MarkOutboxWritten(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, "written", "")
}

// MarkOutboxSent records the server's confirmation.
func (db *DB) MarkOutboxSent(clientMsgID string) error {
	return db.setOutboxStatus(clientMsgID, "sent", "")
}

// MarkOutboxFailed records a failed send with its reason.
func (db *DB) MarkOutboxFailed(clientMsgID, reason string) error {
	return db.setOutboxStatus(clientMsgID, "failed", reason)
}

func (db *DB) setOutboxStatus(clientMsgID, status, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = ?, error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		status, reason, now, clientMsgID)
	return err
}

// GetOutboxEntry returns one journal entry, or nil.
func (db *DB) GetOutboxEntry(clientMsgID string) (*OutboxEntry, error) {
	entries, err := db.queryOutbox(`WHERE client_msg_id = ?`, clientMsgID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// UnresolvedOutbox returns entries that never reached sent or failed, in
// submission order. A non-empty result at startup means the previous
// process exited with sends in flight.
func (db *DB) UnresolvedOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`WHERE status IN ('queued', 'written') ORDER BY id ASC`)
}

// ResolveStaleOutbox marks every unresolved entry failed.
func (db *DB) ResolveStaleOutbox(reason string) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE status IN ('queued', 'written')`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) queryOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, body, status, error_message, attempts
		FROM outbox `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.Body, &e.Status, &e.ErrorMessage, &e.Attempts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
