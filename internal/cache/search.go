package cache

import "github.com/workbridge/messaging/internal/store"

// SearchResult holds a matched message with a highlighted snippet.
type SearchResult struct {
	ConversationID string
	Message        store.Message
	Snippet        string
}

// SearchMessages performs a full-text search on cached message bodies.
// conversationID narrows the search to one conversation when non-empty.
func (db *DB) SearchMessages(query, conversationID string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `
		SELECT m.conversation_id, m.msg_key, m.sender_id, m.receiver_id, m.body,
		       m.message_type, m.is_read, m.delivery_state, m.created_at,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`

	args := []any{query}
	if conversationID != "" {
		q += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	q += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var key, msgType, delivery string
		if err := rows.Scan(
			&r.ConversationID, &key, &r.Message.SenderID, &r.Message.ReceiverID,
			&r.Message.Body, &msgType, &r.Message.IsRead, &delivery,
			&r.Message.CreatedAt, &r.Snippet,
		); err != nil {
			return nil, err
		}
		r.Message.MessageType = store.MessageType(msgType)
		r.Message.DeliveryState = store.DeliveryState(delivery)
		if r.Message.DeliveryState == store.DeliverySent {
			r.Message.ID = key
		} else {
			r.Message.TempID = key
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
