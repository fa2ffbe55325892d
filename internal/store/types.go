package store

// AccountType is the marketplace account category of a participant.
type AccountType string

const (
	AccountWorker   AccountType = "WORKER"
	AccountBusiness AccountType = "BUSINESS"
)

// MessageType distinguishes user chat from system-generated notifications
// interleaved into the same conversation.
type MessageType string

const (
	TypeChat                MessageType = "CHAT"
	TypeSystem              MessageType = "SYSTEM"
	TypeApplicationAccepted MessageType = "APPLICATION_ACCEPTED"
	TypeApplicationRejected MessageType = "APPLICATION_REJECTED"
)

// DeliveryState is the client-side delivery state of a message.
type DeliveryState string

const (
	// DeliveryPending is an optimistic message not yet acknowledged.
	DeliveryPending DeliveryState = "PENDING"
	// DeliverySent is a server-confirmed message. Terminal for delivery.
	DeliverySent DeliveryState = "SENT"
	// DeliveryFailed is a send that errored or timed out. The message stays
	// visible for retry but is excluded from unread and last-message fields.
	DeliveryFailed DeliveryState = "FAILED"
)

// Participant holds denormalized display attributes of a counterpart.
type Participant struct {
	ID          string
	Name        string
	Email       string
	AccountType AccountType
}

// Conversation is the client-side summary of a one-to-one conversation.
// The counterpart's user id is the conversation key.
type Conversation struct {
	OtherParticipantID string
	OtherParticipant   Participant
	LastMessageBody    string
	LastMessageType    MessageType
	LastMessageAt      int64 // unix ms
	UnreadCount        int
	TotalMessages      int
}

// Message is a single chat or system message. ID is the server-assigned
// identifier, set once the server confirms; TempID is the client-generated
// identifier of an optimistic send. Exactly one of the two identifies the
// message at any time: reconciliation replaces TempID with ID, never keeps
// both live.
type Message struct {
	ID               string
	TempID           string
	SenderID         string
	ReceiverID       string
	Body             string
	MessageType      MessageType
	CreatedAt        int64 // unix ms
	IsRead           bool
	DeliveryState    DeliveryState
	JobApplicationID string
}

// Key returns the identifier under which the message is deduplicated: the
// server id when confirmed, the temp id while optimistic.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// CounterpartID returns the other participant relative to selfID.
func (m *Message) CounterpartID(selfID string) string {
	if m.SenderID == selfID {
		return m.ReceiverID
	}
	return m.SenderID
}
