package cache

import (
	"time"

	"github.com/workbridge/messaging/internal/store"
)

// UpsertMessage inserts or updates one message row, idempotent on the pair
// (conversation, message key). The key is the server id when stamped, else
// the client temp id; replayed frames collapse onto the existing row.
func (db *DB) UpsertMessage(conversationID string, m *store.Message) error {
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_key, sender_id, receiver_id, body, message_type, is_read, delivery_state, job_application_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_key) DO UPDATE SET
			body = excluded.body,
			is_read = excluded.is_read,
			delivery_state = excluded.delivery_state,
			created_at = excluded.created_at`,
		conversationID, m.Key(), m.SenderID, m.ReceiverID, m.Body, string(m.MessageType),
		m.IsRead, string(m.DeliveryState), m.JobApplicationID, m.CreatedAt)
	return err
}

// ReconcileMessage rewrites a pending row under its server identity once the
// ack arrives: the temp key is replaced by the server id and the row goes
// SENT with the authoritative timestamp. A no-op if the temp row is gone.
func (db *DB) ReconcileMessage(conversationID, tempID string, confirmed *store.Message) error {
	// If a replayed frame already inserted the confirmed row, just drop the
	// pending one instead of violating the key constraint.
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_key = ?`,
		conversationID, confirmed.ID).Scan(&n)
	if err != nil {
		return err
	}
	if n > 0 {
		_, err = db.Exec(`
			DELETE FROM messages WHERE conversation_id = ? AND msg_key = ?`,
			conversationID, tempID)
		return err
	}

	_, err = db.Exec(`
		UPDATE messages
		SET msg_key = ?, delivery_state = ?, created_at = ?, body = ?
		WHERE conversation_id = ? AND msg_key = ?`,
		confirmed.ID, string(store.DeliverySent), confirmed.CreatedAt, confirmed.Body,
		conversationID, tempID)
	return err
}

// MarkMessageFailed flips a pending row to FAILED so it survives restarts
// as retryable.
func (db *DB) MarkMessageFailed(conversationID, tempID string) error {
	_, err := db.Exec(`
		UPDATE messages SET delivery_state = ?
		WHERE conversation_id = ? AND msg_key = ?`,
		string(store.DeliveryFailed), conversationID, tempID)
	return err
}

// DeleteMessage removes one row, used when a failed send is abandoned or
// re-queued under a fresh temp id.
func (db *DB) DeleteMessage(conversationID, key string) error {
	_, err := db.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND msg_key = ?`,
		conversationID, key)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest page first. Rows come back ascending within the page.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]store.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT msg_key, sender_id, receiver_id, body, message_type, is_read, delivery_state, job_application_id, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var key, msgType, delivery string
		if err := rows.Scan(&key, &m.SenderID, &m.ReceiverID, &m.Body, &msgType,
			&m.IsRead, &delivery, &m.JobApplicationID, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.MessageType = store.MessageType(msgType)
		m.DeliveryState = store.DeliveryState(delivery)
		if m.DeliveryState == store.DeliverySent {
			m.ID = key
		} else {
			m.TempID = key
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
