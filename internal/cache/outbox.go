package cache

import "time"

// OutboxEntry is a journaled outgoing message. The journal survives process
// restarts; entries still queued or failed at startup are offered back to
// the send pipeline.
type OutboxEntry struct {
	ID           int64
	TempID       string
	ReceiverID   string
	Body         string
	MessageType  string
	Status       string // queued, sending, sent, failed
	ErrorMessage string
	ServerMsgID  string
}

// QueueOutbox journals a message before the first transmit attempt.
func (db *DB) QueueOutbox(tempID, receiverID, body, messageType string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (temp_id, receiver_id, body, message_type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		tempID, receiverID, body, messageType, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(tempID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', updated_at = ? WHERE temp_id = ?`, now, tempID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(tempID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE temp_id = ?`, serverMsgID, now, tempID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(tempID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE temp_id = ?`, errMsg, now, tempID)
	return err
}

// DeleteOutbox removes a journal entry, used when a send is superseded by a
// retry under a fresh temp id.
func (db *DB) DeleteOutbox(tempID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID)
	return err
}

// PendingOutbox returns entries never confirmed sent, oldest first.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, temp_id, receiver_id, body, message_type, status, error_message, server_msg_id
		FROM outbox WHERE status IN ('queued', 'sending', 'failed') ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.TempID, &e.ReceiverID, &e.Body, &e.MessageType, &e.Status, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
