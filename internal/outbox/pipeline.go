package outbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/cache"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/wire"
	"github.com/workbridge/messaging/internal/ws"
	"go.uber.org/zap"
)

// Validation and transmit errors surfaced to callers of Send.
var (
	ErrEmptyMessage  = errors.New("outbox: message body is empty")
	ErrNoRecipient   = errors.New("outbox: no recipient")
	ErrSelfRecipient = errors.New("outbox: cannot message yourself")
)

// Transport is the socket send path. ErrNotConnected from the ws package
// routes the message to the REST fallback instead.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// Fallback transmits over REST when the socket is down.
type Fallback interface {
	SendMessage(ctx context.Context, receiverID, body string, msgType store.MessageType) (store.Message, error)
}

// Pipeline owns the outbound send path: validate, insert an optimistic
// PENDING copy, journal, transmit, and settle on ack or timeout. A send that
// gets no acknowledgement within ackTimeout flips to FAILED and stays in the
// history for retry; it is never silently dropped.
type Pipeline struct {
	selfID     string
	msgs       *store.MessageStore
	convs      *store.ConversationStore
	transport  Transport
	fallback   Fallback
	journal    *cache.DB // nil when the local cache is disabled
	bus        *bus.Bus
	logger     *zap.Logger
	ackTimeout time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// Options wires a Pipeline. Journal and Fallback may be nil.
type Options struct {
	SelfID     string
	Messages   *store.MessageStore
	Convs      *store.ConversationStore
	Transport  Transport
	Fallback   Fallback
	Journal    *cache.DB
	Bus        *bus.Bus
	Logger     *zap.Logger
	AckTimeout time.Duration
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	return &Pipeline{
		selfID:     opts.SelfID,
		msgs:       opts.Messages,
		convs:      opts.Convs,
		transport:  opts.Transport,
		fallback:   opts.Fallback,
		journal:    opts.Journal,
		bus:        opts.Bus,
		logger:     opts.Logger.Named("outbox"),
		ackTimeout: opts.AckTimeout,
		timers:     make(map[string]*time.Timer),
	}
}

// Send validates and transmits one chat message. The optimistic PENDING copy
// is visible in the history before any network I/O happens. Returns the temp
// id identifying the in-flight send.
func (p *Pipeline) Send(ctx context.Context, receiverID, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyMessage
	}
	if receiverID == "" {
		return "", ErrNoRecipient
	}
	if receiverID == p.selfID {
		return "", ErrSelfRecipient
	}

	tempID := uuid.NewString()
	m := &store.Message{
		TempID:        tempID,
		SenderID:      p.selfID,
		ReceiverID:    receiverID,
		Body:          body,
		MessageType:   store.TypeChat,
		CreatedAt:     time.Now().UnixMilli(),
		DeliveryState: store.DeliveryPending,
	}

	p.msgs.Append(m)
	p.convs.ApplyMessage(m)
	p.publish("message.upserted", *m)

	if p.journal != nil {
		if err := p.journal.QueueOutbox(tempID, receiverID, body, string(store.TypeChat)); err != nil {
			p.logger.Warn("journal queue failed", zap.Error(err))
		}
		if err := p.journal.UpsertMessage(receiverID, m); err != nil {
			p.logger.Warn("journal message failed", zap.Error(err))
		}
	}

	p.transmit(ctx, tempID, m)
	return tempID, nil
}

// Retry re-sends a FAILED message under a fresh temp id. The failed copy is
// removed and a new PENDING one takes its place.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (string, error) {
	old, ok := p.msgs.TakeFailed(tempID)
	if !ok {
		return "", errors.New("outbox: no failed message with that id")
	}
	if p.journal != nil {
		if err := p.journal.DeleteMessage(old.ReceiverID, tempID); err != nil {
			p.logger.Warn("journal delete failed", zap.Error(err))
		}
		if err := p.journal.DeleteOutbox(tempID); err != nil {
			p.logger.Warn("journal delete failed", zap.Error(err))
		}
	}
	return p.Send(ctx, old.ReceiverID, old.Body)
}

// Acknowledge settles an in-flight send against its server-confirmed copy.
// Safe to call twice for the same temp id; the second call is a no-op.
func (p *Pipeline) Acknowledge(tempID string, confirmed store.Message) {
	p.stopTimer(tempID)

	p.msgs.ReconcilePending(tempID, confirmed)
	conv := confirmed.CounterpartID(p.selfID)
	p.convs.TouchLastMessage(conv, &confirmed)

	if p.journal != nil {
		if err := p.journal.ReconcileMessage(conv, tempID, &confirmed); err != nil {
			p.logger.Warn("journal reconcile failed", zap.Error(err))
		}
		if err := p.journal.MarkOutboxSent(tempID, confirmed.ID); err != nil {
			p.logger.Warn("journal mark sent failed", zap.Error(err))
		}
	}

	p.publish("message.send_ack", confirmed)
}

// AcknowledgeLoose settles a confirmed echo that carries no temp id, by
// content-matching it against a pending send. Returns false when nothing
// pending matches; the caller then treats the echo as a plain inbound copy.
func (p *Pipeline) AcknowledgeLoose(confirmed store.Message) bool {
	conv := confirmed.CounterpartID(p.selfID)
	tempID := p.msgs.FindPendingTwin(conv, confirmed)
	if tempID == "" {
		return false
	}
	p.Acknowledge(tempID, confirmed)
	return true
}

// Resume re-offers journaled sends that never got confirmed, called once at
// startup after the stores warm up. Each entry goes out under a fresh temp
// id to keep ack correlation unambiguous.
func (p *Pipeline) Resume(ctx context.Context) int {
	if p.journal == nil {
		return 0
	}
	entries, err := p.journal.PendingOutbox()
	if err != nil {
		p.logger.Warn("journal scan failed", zap.Error(err))
		return 0
	}
	resumed := 0
	for _, e := range entries {
		if err := p.journal.DeleteMessage(e.ReceiverID, e.TempID); err != nil {
			p.logger.Warn("journal delete failed", zap.Error(err))
		}
		if err := p.journal.DeleteOutbox(e.TempID); err != nil {
			p.logger.Warn("journal delete failed", zap.Error(err))
		}
		if _, err := p.Send(ctx, e.ReceiverID, e.Body); err != nil {
			p.logger.Warn("resume send failed", zap.String("temp_id", e.TempID), zap.Error(err))
			continue
		}
		resumed++
	}
	return resumed
}

// Close cancels every pending ack timer.
func (p *Pipeline) Close() {
	p.mu.Lock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.mu.Unlock()
}

func (p *Pipeline) transmit(ctx context.Context, tempID string, m *store.Message) {
	frame := wire.NewChatFrame(m.ReceiverID, m.Body, string(m.MessageType), tempID)
	data, err := wire.Encode(frame)
	if err != nil {
		p.fail(tempID, err)
		return
	}

	err = p.transport.Send(ctx, data)
	if err == nil {
		if p.journal != nil {
			if jerr := p.journal.MarkOutboxSending(tempID); jerr != nil {
				p.logger.Warn("journal mark sending failed", zap.Error(jerr))
			}
		}
		p.armTimer(tempID)
		return
	}

	if !errors.Is(err, ws.ErrNotConnected) {
		p.fail(tempID, err)
		return
	}

	// Socket down: try the REST path so the message still goes out.
	if p.fallback == nil {
		p.fail(tempID, err)
		return
	}
	confirmed, ferr := p.fallback.SendMessage(ctx, m.ReceiverID, m.Body, m.MessageType)
	if ferr != nil {
		p.fail(tempID, ferr)
		return
	}
	p.logger.Info("sent over rest fallback", zap.String("temp_id", tempID), zap.String("id", confirmed.ID))
	p.Acknowledge(tempID, confirmed)
}

func (p *Pipeline) fail(tempID string, cause error) {
	p.stopTimer(tempID)
	failed, ok := p.msgs.MarkFailed(tempID)
	if !ok {
		return
	}
	p.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(cause))

	// The optimistic summary bump from Send is undone; a failed send must
	// not remain the conversation's last message.
	conv := failed.CounterpartID(p.selfID)
	p.convs.RetractFailed(conv, failed, p.msgs.History(conv))

	if p.journal != nil {
		if err := p.journal.MarkMessageFailed(conv, tempID); err != nil {
			p.logger.Warn("journal mark failed", zap.Error(err))
		}
		if err := p.journal.MarkOutboxFailed(tempID, cause.Error()); err != nil {
			p.logger.Warn("journal mark failed", zap.Error(err))
		}
	}
	p.publish("message.send_failed", SendFailure{TempID: tempID, Cause: cause.Error()})
}

func (p *Pipeline) armTimer(tempID string) {
	t := time.AfterFunc(p.ackTimeout, func() {
		p.mu.Lock()
		_, live := p.timers[tempID]
		delete(p.timers, tempID)
		p.mu.Unlock()
		if live {
			p.fail(tempID, errors.New("ack timeout"))
		}
	})
	p.mu.Lock()
	p.timers[tempID] = t
	p.mu.Unlock()
}

func (p *Pipeline) stopTimer(tempID string) {
	p.mu.Lock()
	if t, ok := p.timers[tempID]; ok {
		t.Stop()
		delete(p.timers, tempID)
	}
	p.mu.Unlock()
}

func (p *Pipeline) publish(kind string, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// SendFailure is the payload for message.send_failed events.
type SendFailure struct {
	TempID string
	Cause  string
}
