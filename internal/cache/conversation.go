package cache

import (
	"time"

	"github.com/workbridge/messaging/internal/store"
)

// UpsertConversation inserts or updates a conversation summary and its
// participant record (idempotent on participant id).
func (db *DB) UpsertConversation(c *store.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO participants (id, name, email, account_type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			account_type = excluded.account_type`,
		c.OtherParticipantID, c.OtherParticipant.Name, c.OtherParticipant.Email, string(c.OtherParticipant.AccountType))
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO conversations (participant_id, unread_count, total_messages, last_message_body, last_message_type, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(participant_id) DO UPDATE SET
			unread_count = excluded.unread_count,
			total_messages = excluded.total_messages,
			last_message_body = excluded.last_message_body,
			last_message_type = excluded.last_message_type,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`,
		c.OtherParticipantID, c.UnreadCount, c.TotalMessages, c.LastMessageBody, string(c.LastMessageType), c.LastMessageAt, now)
	return err
}

// ListConversations returns cached summaries sorted by last message time
// descending, participant attributes joined in.
func (db *DB) ListConversations(limit int) ([]store.Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT c.participant_id,
			COALESCE(p.name, ''), COALESCE(p.email, ''), COALESCE(p.account_type, ''),
			c.unread_count, c.total_messages, c.last_message_body, c.last_message_type, c.last_message_at
		FROM conversations c
		LEFT JOIN participants p ON c.participant_id = p.id
		ORDER BY c.last_message_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []store.Conversation
	for rows.Next() {
		var c store.Conversation
		var accountType, msgType string
		if err := rows.Scan(&c.OtherParticipantID,
			&c.OtherParticipant.Name, &c.OtherParticipant.Email, &accountType,
			&c.UnreadCount, &c.TotalMessages, &c.LastMessageBody, &msgType, &c.LastMessageAt); err != nil {
			return nil, err
		}
		c.OtherParticipant.ID = c.OtherParticipantID
		c.OtherParticipant.AccountType = store.AccountType(accountType)
		c.LastMessageType = store.MessageType(msgType)
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// MarkConversationRead zeroes the unread counter and flips every cached
// inbound message in the conversation to read.
func (db *DB) MarkConversationRead(participantID string) error {
	now := time.Now().UnixMilli()
	if _, err := db.Exec(`
		UPDATE conversations SET unread_count = 0, updated_at = ?
		WHERE participant_id = ?`, now, participantID); err != nil {
		return err
	}
	_, err := db.Exec(`
		UPDATE messages SET is_read = 1
		WHERE conversation_id = ? AND sender_id = ? AND is_read = 0`,
		participantID, participantID)
	return err
}
