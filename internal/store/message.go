package store

import (
	"sort"
	"sync"
)

// looseMatchWindowMs bounds the timestamp distance for content-based
// matching of a pending send against a server copy that lost its temp id.
const looseMatchWindowMs = 5_000

// MessageStore holds per-conversation ordered message history, merging
// REST-loaded history with live deliveries. Within a conversation the
// history is always sorted non-decreasing by CreatedAt, and no two entries
// share a final id. All methods are safe for concurrent use.
type MessageStore struct {
	mu     sync.RWMutex
	selfID string
	hist   map[string][]*Message
	seen   map[string]map[string]bool // conversation key -> Message.Key() set
	temps  map[string]string          // temp id -> conversation key
}

// NewMessageStore creates an empty store scoped to the given user id.
func NewMessageStore(selfID string) *MessageStore {
	return &MessageStore{
		selfID: selfID,
		hist:   make(map[string][]*Message),
		seen:   make(map[string]map[string]bool),
		temps:  make(map[string]string),
	}
}

// FindPendingTwin returns the temp id of a still-pending send in conv that
// matches confirmed by sender, body and timestamp proximity, or "". This is
// the fallback ack correlation for server echoes that lost the temp id.
func (s *MessageStore) FindPendingTwin(conv string, confirmed Message) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findPendingTwinLocked(conv, &confirmed)
}

// Append inserts a message preserving the CreatedAt sort invariant.
// Duplicate keys (same final id, or same temp id) are dropped. Returns
// whether the message was inserted.
func (s *MessageStore) Append(m *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(m.CounterpartID(s.selfID), m)
}

func (s *MessageStore) insertLocked(conv string, m *Message) bool {
	if conv == "" || m.Key() == "" {
		return false
	}
	keys := s.seen[conv]
	if keys == nil {
		keys = make(map[string]bool)
		s.seen[conv] = keys
	}
	if keys[m.Key()] {
		return false
	}

	cp := *m
	list := s.hist[conv]
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].CreatedAt > cp.CreatedAt
	})
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = &cp
	s.hist[conv] = list

	keys[m.Key()] = true
	if cp.ID == "" && cp.TempID != "" {
		s.temps[cp.TempID] = conv
	}
	return true
}

// MergeHistory merges a REST-loaded history page for one conversation into
// the buffered live messages, deduplicating by final id. A history entry
// whose id is unknown but whose sender, body and timestamp line up with a
// still-pending local send replaces that pending copy; the confirmation
// was lost, not the message. Returns how many messages were newly inserted.
func (s *MessageStore) MergeHistory(conv string, msgs []Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for i := range msgs {
		m := msgs[i]
		if m.ID == "" {
			continue
		}
		if s.seen[conv][m.ID] {
			continue
		}
		if temp := s.findPendingTwinLocked(conv, &m); temp != "" {
			if s.reconcileLocked(temp, &m) {
				inserted++
			}
			continue
		}
		if s.insertLocked(conv, &m) {
			inserted++
		}
	}
	return inserted
}

// findPendingTwinLocked returns the temp id of a pending message in conv
// matching m by content, or "".
func (s *MessageStore) findPendingTwinLocked(conv string, m *Message) string {
	for _, existing := range s.hist[conv] {
		if existing.DeliveryState != DeliveryPending {
			continue
		}
		if existing.SenderID == m.SenderID && existing.Body == m.Body &&
			absMs(existing.CreatedAt-m.CreatedAt) <= looseMatchWindowMs {
			return existing.TempID
		}
	}
	return ""
}

// ReconcilePending replaces the PENDING message identified by tempID with
// the confirmed server copy. If no pending message matches (reconnect
// replay, duplicate ack), the confirmed message is appended instead, with
// the final-id guard preventing double insertion. Applying the same
// reconciliation twice leaves the store unchanged the second time.
func (s *MessageStore) ReconcilePending(tempID string, confirmed Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(tempID, &confirmed)
}

func (s *MessageStore) reconcileLocked(tempID string, confirmed *Message) bool {
	cp := *confirmed
	cp.TempID = ""
	cp.DeliveryState = DeliverySent

	conv, ok := s.temps[tempID]
	if !ok {
		return s.insertLocked(cp.CounterpartID(s.selfID), &cp)
	}
	if s.seen[conv][cp.ID] {
		// Already reconciled by an earlier ack; just drop the pending copy.
		s.removeLocked(conv, tempID)
		return false
	}

	s.removeLocked(conv, tempID)
	return s.insertLocked(conv, &cp)
}

// Pending returns a copy of the still-pending message with tempID, for ack
// frames that carry only the id mapping and need the original content.
func (s *MessageStore) Pending(tempID string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.temps[tempID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.hist[conv] {
		if m.TempID == tempID && m.DeliveryState == DeliveryPending {
			return *m, true
		}
	}
	return Message{}, false
}

// MarkFailed transitions a PENDING message to FAILED in place. The message
// stays in the history so the UI can offer a retry. Returns a copy of the
// failed message so the caller can undo its summary effects.
func (s *MessageStore) MarkFailed(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.temps[tempID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.hist[conv] {
		if m.TempID == tempID && m.DeliveryState == DeliveryPending {
			m.DeliveryState = DeliveryFailed
			return *m, true
		}
	}
	return Message{}, false
}

// TakeFailed removes a FAILED message and returns a copy of it, for the
// retry path which re-sends the same body under a fresh temp id.
func (s *MessageStore) TakeFailed(tempID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.temps[tempID]
	if !ok {
		return Message{}, false
	}
	for _, m := range s.hist[conv] {
		if m.TempID == tempID && m.DeliveryState == DeliveryFailed {
			cp := *m
			s.removeLocked(conv, tempID)
			return cp, true
		}
	}
	return Message{}, false
}

// removeLocked deletes the message keyed by key (temp or final id) from a
// conversation, along with its indexes.
func (s *MessageStore) removeLocked(conv, key string) {
	list := s.hist[conv]
	for i, m := range list {
		if m.Key() == key {
			s.hist[conv] = append(list[:i], list[i+1:]...)
			delete(s.seen[conv], key)
			delete(s.temps, key)
			return
		}
	}
}

// ApplyReadReceipt flips IsRead on every message from the counterpart with
// CreatedAt at or before readAt. Returns how many messages changed.
func (s *MessageStore) ApplyReadReceipt(conv string, readAt int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for _, m := range s.hist[conv] {
		if m.SenderID != conv || m.IsRead || m.CreatedAt > readAt {
			continue
		}
		m.IsRead = true
		changed++
	}
	return changed
}

// History returns a copy of one conversation's messages, oldest first.
func (s *MessageStore) History(conv string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.hist[conv]
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = *m
	}
	return out
}

// UnreadCount counts unread inbound messages in one conversation. FAILED
// entries never count: they are this client's own sends.
func (s *MessageStore) UnreadCount(conv string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.hist[conv] {
		if m.SenderID == conv && !m.IsRead {
			n++
		}
	}
	return n
}

// Reset wipes all state. Called on identity teardown.
func (s *MessageStore) Reset() {
	s.mu.Lock()
	s.hist = make(map[string][]*Message)
	s.seen = make(map[string]map[string]bool)
	s.temps = make(map[string]string)
	s.mu.Unlock()
}

func absMs(d int64) int64 {
	if d < 0 {
		return -d
	}
	return d
}
