package store

import (
	"sort"
	"sync"
)

// ConversationStore is the authoritative in-memory conversation list for a
// single authenticated identity. It is keyed by the other participant's id;
// there is never more than one conversation per counterpart. All methods
// are safe for concurrent use; mutations and the ordering they imply are
// applied atomically under the store lock.
type ConversationStore struct {
	mu     sync.RWMutex
	selfID string
	convs  map[string]*Conversation
	active string
}

// NewConversationStore creates an empty store scoped to the given user id.
func NewConversationStore(selfID string) *ConversationStore {
	return &ConversationStore{
		selfID: selfID,
		convs:  make(map[string]*Conversation),
	}
}

// SelfID returns the identity this store belongs to.
func (s *ConversationStore) SelfID() string {
	return s.selfID
}

// MergeSummaries merges REST-loaded conversation summaries into the current
// state: union by participant id, preferring the record with the newest
// last-message timestamp. Participant display attributes are taken from the
// summary either way, since the server side is fresher than anything
// denormalized locally.
func (s *ConversationStore) MergeSummaries(summaries []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range summaries {
		if in.OtherParticipantID == "" {
			continue
		}
		existing, ok := s.convs[in.OtherParticipantID]
		if !ok || in.LastMessageAt >= existing.LastMessageAt {
			c := in
			s.convs[in.OtherParticipantID] = &c
			continue
		}
		existing.OtherParticipant = in.OtherParticipant
		if in.TotalMessages > existing.TotalMessages {
			existing.TotalMessages = in.TotalMessages
		}
	}
}

// ApplyMessage finds-or-creates the conversation for the message's
// counterpart and updates its denormalized fields. The caller guarantees it
// is invoked at most once per stored message id (the message store dedupes
// first), which makes repeated application of the same message a no-op at
// the message layer and keeps unread accounting exact.
//
// Returns the conversation key and whether the unread count was
// incremented.
func (s *ConversationStore) ApplyMessage(m *Message) (key string, unreadBumped bool) {
	key = m.CounterpartID(s.selfID)
	if key == "" {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[key]
	if !ok {
		conv = &Conversation{
			OtherParticipantID: key,
			OtherParticipant:   Participant{ID: key},
		}
		s.convs[key] = conv
	}

	// Failed sends stay out of the summary entirely.
	if m.DeliveryState == DeliveryFailed {
		return key, false
	}

	conv.TotalMessages++
	if m.CreatedAt >= conv.LastMessageAt {
		conv.LastMessageBody = m.Body
		conv.LastMessageType = m.MessageType
		conv.LastMessageAt = m.CreatedAt
	}

	inbound := m.SenderID != s.selfID
	if inbound && !m.IsRead && s.active != key {
		conv.UnreadCount++
		unreadBumped = true
	}
	return key, unreadBumped
}

// TouchLastMessage refreshes the denormalized last-message fields without
// touching counters. Used when a confirmed server copy replaces an
// optimistic one and the authoritative timestamp differs.
func (s *ConversationStore) TouchLastMessage(key string, m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok || m.DeliveryState == DeliveryFailed {
		return
	}
	if m.CreatedAt >= conv.LastMessageAt {
		conv.LastMessageBody = m.Body
		conv.LastMessageType = m.MessageType
		conv.LastMessageAt = m.CreatedAt
	}
}

// RetractFailed rolls one newly FAILED send back out of a conversation's
// summary. The message count drops by one; if the failed send was the
// summary's last message, the last-message fields are recomputed from the
// surviving history (FAILED entries excluded). history is the
// conversation's chronological message list including the failed send.
func (s *ConversationStore) RetractFailed(key string, failed Message, history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok {
		return
	}
	if conv.TotalMessages > 0 {
		conv.TotalMessages--
	}
	if conv.LastMessageAt != failed.CreatedAt || conv.LastMessageBody != failed.Body {
		return
	}
	conv.LastMessageBody = ""
	conv.LastMessageType = ""
	conv.LastMessageAt = 0
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].DeliveryState == DeliveryFailed {
			continue
		}
		conv.LastMessageBody = history[i].Body
		conv.LastMessageType = history[i].MessageType
		conv.LastMessageAt = history[i].CreatedAt
		break
	}
}

// MarkRead zeroes the unread count for one conversation. Other
// conversations are untouched. Returns false if the conversation is unknown
// or already at zero.
func (s *ConversationStore) MarkRead(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[key]
	if !ok || conv.UnreadCount == 0 {
		return false
	}
	conv.UnreadCount = 0
	return true
}

// MarkAllRead zeroes every conversation's unread count and returns how many
// conversations changed.
func (s *ConversationStore) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, conv := range s.convs {
		if conv.UnreadCount > 0 {
			conv.UnreadCount = 0
			changed++
		}
	}
	return changed
}

// SetActive marks a conversation as the one currently open in the UI.
// Inbound messages for the active conversation do not increment its unread
// count. At most one conversation is active.
func (s *ConversationStore) SetActive(key string) {
	s.mu.Lock()
	s.active = key
	s.mu.Unlock()
}

// ClearActive drops the active mark if it is currently on key.
func (s *ConversationStore) ClearActive(key string) {
	s.mu.Lock()
	if s.active == key {
		s.active = ""
	}
	s.mu.Unlock()
}

// Active returns the currently open conversation key, or "".
func (s *ConversationStore) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Get returns a copy of one conversation.
func (s *ConversationStore) Get(key string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[key]
	if !ok {
		return Conversation{}, false
	}
	return *conv, true
}

// List returns all conversations ordered by last message timestamp
// descending, ties broken by conversation key ascending so the order is
// deterministic.
func (s *ConversationStore) List() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Conversation, 0, len(s.convs))
	for _, conv := range s.convs {
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt != out[j].LastMessageAt {
			return out[i].LastMessageAt > out[j].LastMessageAt
		}
		return out[i].OtherParticipantID < out[j].OtherParticipantID
	})
	return out
}

// TotalUnread returns the sum of unread counts across all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, conv := range s.convs {
		total += conv.UnreadCount
	}
	return total
}

// Reset wipes all state. Called on identity teardown so nothing leaks into
// the next login.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.convs = make(map[string]*Conversation)
	s.active = ""
	s.mu.Unlock()
}
