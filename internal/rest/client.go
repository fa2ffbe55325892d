package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/wire"
	"go.uber.org/zap"
)

// Client talks to the messaging REST endpoints: initial conversation and
// history loads, the mark-read confirmation, and the send fallback used
// when the gateway socket is down. Every call takes a context so a view
// that navigated away can cancel its load; callers must treat a cancelled
// call as "discard the result", never as a user-facing error.
//
// Calls go through a circuit breaker so a struggling backend degrades into
// fast local failures instead of piling up blocked loads.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// New creates a REST client scoped to one authenticated identity.
func New(baseURL, token string, logger *zap.Logger) *Client {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "messaging-rest",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		cb:      cb,
		logger:  logger,
	}
}

// conversationDTO mirrors the backend conversation summary shape.
type conversationDTO struct {
	OtherUser     participantDTO `json:"other_user"`
	LastMessage   string         `json:"last_message"`
	LastMessageAt string         `json:"last_message_time"`
	LastMsgType   string         `json:"last_message_type"`
	UnreadCount   int            `json:"unread_count"`
	TotalMessages int            `json:"total_messages"`
}

type participantDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	AccountType string `json:"account_type"`
}

// messageDTO mirrors the backend message shape.
type messageDTO struct {
	ID             string `json:"id"`
	Sender         string `json:"sender"`
	Receiver       string `json:"receiver"`
	Message        string `json:"message"`
	MessageType    string `json:"message_type"`
	IsRead         bool   `json:"is_read"`
	CreatedAt      string `json:"created_at"`
	JobApplication string `json:"job_application,omitempty"`
}

type messagesPage struct {
	Results []messageDTO `json:"results"`
}

// Conversations fetches the conversation summaries for the current user.
func (c *Client) Conversations(ctx context.Context) ([]store.Conversation, error) {
	var dtos []conversationDTO
	if err := c.get(ctx, "/messaging/conversations/", &dtos); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	out := make([]store.Conversation, 0, len(dtos))
	for _, d := range dtos {
		at, err := wire.ParseTime(d.LastMessageAt)
		if err != nil {
			// A summary with an unparseable timestamp still renders, it just
			// sorts to the bottom.
			c.logger.Warn("bad last_message_time in conversation summary",
				zap.String("other_user", d.OtherUser.ID), zap.Error(err))
		}
		out = append(out, store.Conversation{
			OtherParticipantID: d.OtherUser.ID,
			OtherParticipant: store.Participant{
				ID:          d.OtherUser.ID,
				Name:        d.OtherUser.Name,
				Email:       d.OtherUser.Email,
				AccountType: store.AccountType(d.OtherUser.AccountType),
			},
			LastMessageBody: d.LastMessage,
			LastMessageType: store.MessageType(d.LastMsgType),
			LastMessageAt:   at,
			UnreadCount:     d.UnreadCount,
			TotalMessages:   d.TotalMessages,
		})
	}
	return out, nil
}

// Messages fetches the ordered history for one conversation.
func (c *Client) Messages(ctx context.Context, otherUserID string) ([]store.Message, error) {
	var page messagesPage
	path := "/messaging/messages/?other_user=" + url.QueryEscape(otherUserID)
	if err := c.get(ctx, path, &page); err != nil {
		return nil, fmt.Errorf("load messages with %s: %w", otherUserID, err)
	}

	out := make([]store.Message, 0, len(page.Results))
	for _, d := range page.Results {
		m, err := c.toMessage(d)
		if err != nil {
			c.logger.Warn("dropping malformed history message", zap.String("id", d.ID), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// SendMessage posts a message over REST. Used as the fallback transmit path
// when the gateway socket is not open; returns the confirmed message.
func (c *Client) SendMessage(ctx context.Context, receiverID, body string, msgType store.MessageType) (store.Message, error) {
	req := map[string]string{
		"receiver":     receiverID,
		"message":      body,
		"message_type": string(msgType),
	}
	var d messageDTO
	if err := c.post(ctx, "/messaging/messages/", req, &d); err != nil {
		return store.Message{}, fmt.Errorf("send message: %w", err)
	}
	return c.toMessage(d)
}

// MarkRead confirms server-side that everything from otherUserID is read.
// Redundant with the gateway receipt frame; both paths converge on the same
// server state.
func (c *Client) MarkRead(ctx context.Context, otherUserID string) (int, error) {
	req := map[string]string{"other_user_id": otherUserID}
	var resp struct {
		MarkedCount int `json:"marked_count"`
	}
	if err := c.post(ctx, "/messaging/messages/mark-read/", req, &resp); err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return resp.MarkedCount, nil
}

// MarkAllRead confirms server-side that every conversation is read.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var resp struct {
		MarkedCount int `json:"marked_count"`
	}
	if err := c.post(ctx, "/messaging/messages/mark-all-read/", struct{}{}, &resp); err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return resp.MarkedCount, nil
}

// UnreadCount fetches the aggregate unread counter and its per-type split.
func (c *Client) UnreadCount(ctx context.Context) (int, map[string]int, error) {
	var resp struct {
		UnreadCount  int            `json:"unread_count"`
		UnreadByType map[string]int `json:"unread_by_type"`
	}
	if err := c.get(ctx, "/messaging/messages/unread-count/", &resp); err != nil {
		return 0, nil, fmt.Errorf("unread count: %w", err)
	}
	return resp.UnreadCount, resp.UnreadByType, nil
}

func (c *Client) toMessage(d messageDTO) (store.Message, error) {
	at, err := wire.ParseTime(d.CreatedAt)
	if err != nil {
		return store.Message{}, err
	}
	return store.Message{
		ID:               d.ID,
		SenderID:         d.Sender,
		ReceiverID:       d.Receiver,
		Body:             d.Message,
		MessageType:      store.MessageType(d.MessageType),
		CreatedAt:        at,
		IsRead:           d.IsRead,
		DeliveryState:    store.DeliverySent,
		JobApplicationID: d.JobApplication,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, data, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	result, err := c.cb.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	data := result.([]byte)
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
