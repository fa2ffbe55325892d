package receipts

import (
	"context"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/cache"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/wire"
	"go.uber.org/zap"
)

// Transport emits receipt frames to the gateway; a send failure is tolerated
// because the REST confirmation covers the same ground.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// Confirmer is the REST mark-read surface.
type Confirmer interface {
	MarkRead(ctx context.Context, otherUserID string) (int, error)
	MarkAllRead(ctx context.Context) (int, error)
}

// Coordinator keeps read state consistent across the local stores, the
// gateway socket and the REST backend. Opening a conversation zeroes its
// unread counter immediately; the server is told on both channels and
// neither confirmation is waited on.
type Coordinator struct {
	convs     *store.ConversationStore
	msgs      *store.MessageStore
	transport Transport
	rest      Confirmer
	journal   *cache.DB // nil when the local cache is disabled
	bus       *bus.Bus
	logger    *zap.Logger
}

// Options wires a Coordinator. Transport, Confirmer and Journal may be nil.
type Options struct {
	Convs     *store.ConversationStore
	Messages  *store.MessageStore
	Transport Transport
	Rest      Confirmer
	Journal   *cache.DB
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	return &Coordinator{
		convs:     opts.Convs,
		msgs:      opts.Messages,
		transport: opts.Transport,
		rest:      opts.Rest,
		journal:   opts.Journal,
		bus:       opts.Bus,
		logger:    opts.Logger.Named("receipts"),
	}
}

// ConversationOpened marks a conversation active and read. Every inbound
// message in it flips to read locally before any network I/O; new arrivals
// while it stays active never bump the unread counter.
func (c *Coordinator) ConversationOpened(ctx context.Context, key string) {
	c.convs.SetActive(key)

	now := time.Now().UnixMilli()
	changed := c.msgs.ApplyReadReceipt(key, now)
	wasUnread := c.convs.MarkRead(key)

	if wasUnread || changed > 0 {
		if c.journal != nil {
			if err := c.journal.MarkConversationRead(key); err != nil {
				c.logger.Warn("journal mark read failed", zap.Error(err))
			}
		}
		c.publish("receipt.sent", ReadState{ConversationKey: key, ReadAt: now})
	}

	// The receipt goes out even when nothing was unread locally, so other
	// devices of the same user learn the conversation was viewed.
	c.confirm(ctx, key, now)
}

// ConversationClosed clears the active marker; arrivals from key start
// counting as unread again.
func (c *Coordinator) ConversationClosed(key string) {
	c.convs.ClearActive(key)
}

// MarkAllRead zeroes every unread counter locally and confirms server-side.
// Returns how many conversations changed.
func (c *Coordinator) MarkAllRead(ctx context.Context) int {
	changed := c.convs.MarkAllRead()
	now := time.Now().UnixMilli()
	for _, conv := range c.convs.List() {
		c.msgs.ApplyReadReceipt(conv.OtherParticipantID, now)
		if c.journal != nil {
			if err := c.journal.MarkConversationRead(conv.OtherParticipantID); err != nil {
				c.logger.Warn("journal mark read failed", zap.Error(err))
			}
		}
	}

	if c.rest != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if _, err := c.rest.MarkAllRead(rctx); err != nil {
				c.logger.Warn("rest mark-all-read failed", zap.Error(err))
			}
		}()
	}
	return changed
}

// ReceiptReceived applies a server-confirmed receipt frame, typically an
// echo of this user reading the conversation on another device or tab. It
// takes the same path opening the conversation locally does: counterpart
// messages up to readAt flip to read and the unread count drops to zero.
func (c *Coordinator) ReceiptReceived(conversationKey string, readAt int64) {
	flipped := c.msgs.ApplyReadReceipt(conversationKey, readAt)
	cleared := c.convs.MarkRead(conversationKey)
	if flipped == 0 && !cleared {
		return
	}
	if c.journal != nil {
		if err := c.journal.MarkConversationRead(conversationKey); err != nil {
			c.logger.Warn("journal mark read failed", zap.Error(err))
		}
	}
	c.publish("receipt.applied", ReadState{ConversationKey: conversationKey, ReadAt: readAt})
}

// ReadState is the payload for receipt.sent and receipt.applied events.
type ReadState struct {
	ConversationKey string
	ReadAt          int64
}

// confirm tells the server on both channels, without blocking the caller on
// either. The socket frame is the fast path; REST is the durable one.
func (c *Coordinator) confirm(ctx context.Context, key string, readAt int64) {
	if c.transport != nil {
		frame := wire.NewReadReceiptFrame(key, time.UnixMilli(readAt))
		if data, err := wire.Encode(frame); err == nil {
			if err := c.transport.Send(ctx, data); err != nil {
				c.logger.Debug("receipt frame not sent", zap.Error(err))
			}
		}
	}
	if c.rest != nil {
		go func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			if _, err := c.rest.MarkRead(rctx, key); err != nil {
				c.logger.Warn("rest mark-read failed", zap.Error(err))
			}
		}()
	}
}

func (c *Coordinator) publish(kind string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
