package dispatch

import (
	"context"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/cache"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/wire"
	"go.uber.org/zap"
)

// AckSink settles in-flight sends, implemented by the outbox pipeline.
type AckSink interface {
	Acknowledge(tempID string, confirmed store.Message)
	AcknowledgeLoose(confirmed store.Message) bool
}

// ReceiptSink handles read state, implemented by the receipts coordinator.
type ReceiptSink interface {
	ConversationOpened(ctx context.Context, key string)
	ReceiptReceived(conversationKey string, readAt int64)
}

// Router consumes raw gateway frames off the bus and routes each to the
// stores, the send pipeline or the receipts coordinator by type. It is the
// single decode point: the connection layer never inspects frames and the
// stores never see JSON. A malformed frame is logged and dropped without
// touching any state.
type Router struct {
	selfID   string
	msgs     *store.MessageStore
	convs    *store.ConversationStore
	acks     AckSink
	receipts ReceiptSink
	journal  *cache.DB // nil when the local cache is disabled
	bus      *bus.Bus
	logger   *zap.Logger
}

// Options wires a Router. Journal may be nil.
type Options struct {
	SelfID   string
	Messages *store.MessageStore
	Convs    *store.ConversationStore
	Acks     AckSink
	Receipts ReceiptSink
	Journal  *cache.DB
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// New creates a Router.
func New(opts Options) *Router {
	return &Router{
		selfID:   opts.SelfID,
		msgs:     opts.Messages,
		convs:    opts.Convs,
		acks:     opts.Acks,
		receipts: opts.Receipts,
		journal:  opts.Journal,
		bus:      opts.Bus,
		logger:   opts.Logger.Named("dispatch"),
	}
}

// Run consumes ws.frame events until ctx is cancelled. Frames are handled
// sequentially so per-conversation ordering is preserved end to end.
func (r *Router) Run(ctx context.Context) {
	frames, unsub := r.bus.Subscribe("ws.", 256)
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-frames:
			data, ok := evt.Payload.([]byte)
			if !ok {
				continue
			}
			r.HandleFrame(ctx, data)
		}
	}
}

// HandleFrame decodes and routes one raw frame.
func (r *Router) HandleFrame(ctx context.Context, data []byte) {
	frame, err := wire.Decode(data)
	if err != nil {
		r.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch f := frame.(type) {
	case *wire.ChatFrame:
		r.handleChat(ctx, f)
	case *wire.AckFrame:
		r.handleAck(f)
	case *wire.ReadReceiptFrame:
		r.handleReceipt(f)
	case *wire.PresenceFrame:
		r.publish("presence.changed", Presence{ParticipantID: f.ParticipantID, Status: f.Status})
	}
}

func (r *Router) handleChat(ctx context.Context, f *wire.ChatFrame) {
	at, err := wire.ParseTime(f.CreatedAt)
	if err != nil {
		at = time.Now().UnixMilli()
	}
	m := store.Message{
		ID:            f.ID,
		SenderID:      f.SenderID,
		ReceiverID:    f.ReceiverID,
		Body:          f.Message,
		MessageType:   store.MessageType(f.MessageType),
		CreatedAt:     at,
		DeliveryState: store.DeliverySent,
	}
	if m.MessageType == "" {
		m.MessageType = store.TypeChat
	}

	if f.SenderID == r.selfID {
		r.handleEcho(f, m)
		return
	}

	if !r.msgs.Append(&m) {
		// Replayed frame after a reconnect; already in the history.
		return
	}
	key, _ := r.convs.ApplyMessage(&m)
	r.persist(key, &m)

	r.publish("message.received", m)
	r.publish("conversation.updated", key)

	// On-screen conversation: flip it read right away, receipt and all.
	if r.convs.Active() == key && r.receipts != nil {
		r.receipts.ConversationOpened(ctx, key)
	}
}

// handleEcho settles the server copy of this client's own send. The temp id
// is the primary correlation; echoes that lost it fall back to content
// matching, and an echo with no pending twin (another device of the same
// account) lands as a plain history entry.
func (r *Router) handleEcho(f *wire.ChatFrame, m store.Message) {
	if f.TempID != "" {
		r.acks.Acknowledge(f.TempID, m)
		return
	}
	if r.acks.AcknowledgeLoose(m) {
		return
	}
	if !r.msgs.Append(&m) {
		return
	}
	key, _ := r.convs.ApplyMessage(&m)
	r.persist(key, &m)
	r.publish("message.upserted", m)
	r.publish("conversation.updated", key)
}

func (r *Router) handleAck(f *wire.AckFrame) {
	pending, ok := r.msgs.Pending(f.TempID)
	if !ok {
		// Already settled by an echo, or a stray ack. Nothing to do.
		r.logger.Debug("ack with no pending send", zap.String("temp_id", f.TempID))
		return
	}
	confirmed := pending
	confirmed.TempID = ""
	confirmed.ID = f.ID
	confirmed.DeliveryState = store.DeliverySent
	if at, err := wire.ParseTime(f.CreatedAt); err == nil {
		confirmed.CreatedAt = at
	}
	r.acks.Acknowledge(f.TempID, confirmed)
}

func (r *Router) handleReceipt(f *wire.ReadReceiptFrame) {
	at, err := wire.ParseTime(f.ReadAt)
	if err != nil {
		at = time.Now().UnixMilli()
	}
	if r.receipts != nil {
		r.receipts.ReceiptReceived(f.WithParticipantID, at)
	}
}

// persist writes a routed message and its conversation summary through to
// the local cache.
func (r *Router) persist(key string, m *store.Message) {
	if r.journal == nil {
		return
	}
	if err := r.journal.UpsertMessage(key, m); err != nil {
		r.logger.Warn("cache message write failed", zap.Error(err))
	}
	if cv, ok := r.convs.Get(key); ok {
		if err := r.journal.UpsertConversation(&cv); err != nil {
			r.logger.Warn("cache conversation write failed", zap.Error(err))
		}
	}
}

func (r *Router) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// Presence is the payload for presence.changed events.
type Presence struct {
	ParticipantID string
	Status        string
}
