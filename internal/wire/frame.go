package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Frame type discriminators as sent by the messaging gateway.
const (
	TypeChat        = "CHAT"
	TypeReadReceipt = "READ_RECEIPT"
	TypeAck         = "ACK"
	TypePresence    = "PRESENCE"
)

// ErrUnknownType is returned by Decode for a frame whose type discriminator
// is not one the client understands. Callers drop such frames.
var ErrUnknownType = errors.New("unknown frame type")

// envelope is the minimal shape every frame shares.
type envelope struct {
	Type string `json:"type"`
}

// ChatFrame carries a chat message. Outbound frames set ReceiverID, Message,
// MessageType and TempID; inbound frames additionally carry the
// server-assigned ID, SenderID and CreatedAt. An inbound frame echoing one
// of this client's own sends keeps its TempID so the sender can correlate.
type ChatFrame struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	Message     string `json:"message"`
	MessageType string `json:"message_type,omitempty"`
	TempID      string `json:"temp_id,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ReadReceiptFrame marks every message exchanged with a participant up to
// ReadAt as read. It flows both ways: outbound when this client opens a
// conversation, inbound when the server (or another device of the same
// account) confirms a read.
type ReadReceiptFrame struct {
	Type              string `json:"type"`
	WithParticipantID string `json:"with_participant_id"`
	ReadAt            string `json:"read_at"`
}

// AckFrame is the lightweight server acknowledgment of an outbound chat
// frame, used when the server does not echo the full message.
type AckFrame struct {
	Type      string `json:"type"`
	TempID    string `json:"temp_id"`
	ID        string `json:"id"`
	CreatedAt string `json:"created_at,omitempty"`
}

// PresenceFrame reports another participant going online or offline.
type PresenceFrame struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
	Status        string `json:"status"`
}

// NewChatFrame builds an outbound chat frame.
func NewChatFrame(receiverID, message, messageType, tempID string) *ChatFrame {
	return &ChatFrame{
		Type:        TypeChat,
		ReceiverID:  receiverID,
		Message:     message,
		MessageType: messageType,
		TempID:      tempID,
	}
}

// NewReadReceiptFrame builds an outbound read receipt for a conversation.
func NewReadReceiptFrame(withParticipantID string, readAt time.Time) *ReadReceiptFrame {
	return &ReadReceiptFrame{
		Type:              TypeReadReceipt,
		WithParticipantID: withParticipantID,
		ReadAt:            FormatTime(readAt.UnixMilli()),
	}
}

// Encode serializes an outbound frame.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a raw inbound frame into its typed form. It returns one of
// *ChatFrame, *ReadReceiptFrame, *AckFrame or *PresenceFrame. Malformed
// JSON, a missing discriminator or missing required fields are errors; the
// dispatch loop logs and drops them.
func Decode(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeChat:
		var f ChatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode chat frame: %w", err)
		}
		if f.ID == "" || f.SenderID == "" {
			return nil, errors.New("chat frame missing id or sender_id")
		}
		return &f, nil
	case TypeReadReceipt:
		var f ReadReceiptFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode read receipt frame: %w", err)
		}
		if f.WithParticipantID == "" {
			return nil, errors.New("read receipt frame missing with_participant_id")
		}
		return &f, nil
	case TypeAck:
		var f AckFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode ack frame: %w", err)
		}
		if f.TempID == "" || f.ID == "" {
			return nil, errors.New("ack frame missing temp_id or id")
		}
		return &f, nil
	case TypePresence:
		var f PresenceFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode presence frame: %w", err)
		}
		if f.ParticipantID == "" {
			return nil, errors.New("presence frame missing participant_id")
		}
		return &f, nil
	case "":
		return nil, errors.New("frame missing type discriminator")
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// ParseTime converts a gateway RFC 3339 timestamp to unix milliseconds.
func ParseTime(s string) (int64, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UnixMilli(), nil
}

// FormatTime converts unix milliseconds to the gateway RFC 3339 format.
func FormatTime(unixMs int64) string {
	return time.UnixMilli(unixMs).UTC().Format(time.RFC3339)
}
