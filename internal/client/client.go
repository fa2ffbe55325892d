package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/cache"
	"github.com/workbridge/messaging/internal/dispatch"
	"github.com/workbridge/messaging/internal/outbox"
	"github.com/workbridge/messaging/internal/receipts"
	"github.com/workbridge/messaging/internal/rest"
	"github.com/workbridge/messaging/internal/status"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/ws"
	"go.uber.org/zap"
)

// Client is the messaging facade handed to the presentation layer. It owns
// one identity's stores, socket and pipelines for the duration of a session;
// Close tears all of it down so a following sign-in starts from nothing.
type Client struct {
	selfID   string
	convs    *store.ConversationStore
	msgs     *store.MessageStore
	pipeline *outbox.Pipeline
	receipts *receipts.Coordinator
	router   *dispatch.Router
	conn     *ws.Conn
	rest     *rest.Client
	cacheDB  *cache.DB // nil when the local cache is disabled
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger

	mu         sync.Mutex
	routerStop context.CancelFunc
	started    bool
	closed     bool
}

// Deps carries everything a Client needs, provided by the fx module.
type Deps struct {
	SelfID   string
	Convs    *store.ConversationStore
	Messages *store.MessageStore
	Pipeline *outbox.Pipeline
	Receipts *receipts.Coordinator
	Router   *dispatch.Router
	Conn     *ws.Conn
	Rest     *rest.Client
	Cache    *cache.DB
	Machine  *status.Machine
	Bus      *bus.Bus
	Logger   *zap.Logger
}

// NewClient assembles a Client. Nothing runs until Start.
func NewClient(d Deps) *Client {
	return &Client{
		selfID:   d.SelfID,
		convs:    d.Convs,
		msgs:     d.Messages,
		pipeline: d.Pipeline,
		receipts: d.Receipts,
		router:   d.Router,
		conn:     d.Conn,
		rest:     d.Rest,
		cacheDB:  d.Cache,
		machine:  d.Machine,
		bus:      d.Bus,
		logger:   d.Logger.Named("client"),
	}
}

// Start warms the stores from the local cache, starts the dispatch loop,
// opens the gateway connection and re-offers journaled sends. A failed first
// dial is not fatal; the connection manager keeps retrying behind it.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	routerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.routerStop = cancel
	c.mu.Unlock()

	c.warmStart()
	go c.router.Run(routerCtx)

	if err := c.conn.Connect(routerCtx); err != nil {
		c.logger.Warn("initial connect failed, retrying in background", zap.Error(err))
	}
	if n := c.pipeline.Resume(ctx); n > 0 {
		c.logger.Info("resumed journaled sends", zap.Int("count", n))
	}
	return nil
}

// Close tears the session down: socket, pipelines, dispatch loop, and every
// piece of in-memory state. The cache file stays on disk for the next
// sign-in of the same identity.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.routerStop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.pipeline.Close()
	err := c.conn.Close()

	c.msgs.Reset()
	c.convs.Reset()

	if c.cacheDB != nil {
		if cerr := c.cacheDB.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	c.logger.Info("session closed")
	return err
}

// LoadConversations fetches the summary list over REST and merges it into
// the store. A cancelled ctx discards the response without touching state.
func (c *Client) LoadConversations(ctx context.Context) error {
	summaries, err := c.rest.Conversations(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.convs.MergeSummaries(summaries)
	if c.cacheDB != nil {
		for i := range summaries {
			if err := c.cacheDB.UpsertConversation(&summaries[i]); err != nil {
				c.logger.Warn("cache conversation write failed", zap.Error(err))
			}
		}
	}
	c.publishConversationsUpdated()
	return nil
}

// LoadHistory fetches one conversation's messages over REST and merges them
// into the buffered live history. Returns how many messages were new.
func (c *Client) LoadHistory(ctx context.Context, otherUserID string) (int, error) {
	msgs, err := c.rest.Messages(ctx, otherUserID)
	if err != nil {
		return 0, err
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	inserted := c.msgs.MergeHistory(otherUserID, msgs)
	if c.cacheDB != nil {
		for i := range msgs {
			if err := c.cacheDB.UpsertMessage(otherUserID, &msgs[i]); err != nil {
				c.logger.Warn("cache message write failed", zap.Error(err))
			}
		}
	}
	c.bus.Publish(bus.Event{Kind: "history.loaded", Timestamp: time.Now(), Payload: otherUserID})
	return inserted, nil
}

// Conversations returns the current summaries, newest activity first.
func (c *Client) Conversations() []store.Conversation {
	return c.convs.List()
}

// History returns one conversation's buffered messages, oldest first.
func (c *Client) History(otherUserID string) []store.Message {
	return c.msgs.History(otherUserID)
}

// Send transmits a chat message to otherUserID, optimistically visible in
// History right away. Returns the temp id of the in-flight send.
func (c *Client) Send(ctx context.Context, otherUserID, body string) (string, error) {
	return c.pipeline.Send(ctx, otherUserID, body)
}

// Retry re-sends a failed message under a fresh temp id.
func (c *Client) Retry(ctx context.Context, tempID string) (string, error) {
	return c.pipeline.Retry(ctx, tempID)
}

// OpenConversation marks a conversation on-screen: unread drops to zero and
// the server is told on both channels.
func (c *Client) OpenConversation(ctx context.Context, otherUserID string) {
	c.receipts.ConversationOpened(ctx, otherUserID)
}

// CloseConversation marks the conversation off-screen again.
func (c *Client) CloseConversation(otherUserID string) {
	c.receipts.ConversationClosed(otherUserID)
}

// MarkAllRead zeroes every unread counter, locally and server-side.
func (c *Client) MarkAllRead(ctx context.Context) int {
	return c.receipts.MarkAllRead(ctx)
}

// TotalUnread is the aggregate unread count across conversations, suitable
// for a navigation badge.
func (c *Client) TotalUnread() int {
	return c.convs.TotalUnread()
}

// RefreshUnread reconciles the badge against the server's aggregate count.
func (c *Client) RefreshUnread(ctx context.Context) (int, map[string]int, error) {
	return c.rest.UnreadCount(ctx)
}

// Search runs a full-text search over the cached history. Returns nil when
// the cache is disabled.
func (c *Client) Search(query, otherUserID string, limit int) ([]cache.SearchResult, error) {
	if c.cacheDB == nil {
		return nil, nil
	}
	return c.cacheDB.SearchMessages(query, otherUserID, limit)
}

// ConnectionState reports the gateway connection state.
func (c *Client) ConnectionState() status.State {
	return c.machine.Current()
}

// Events subscribes the caller to bus events whose kind starts with prefix.
// The second return value removes the subscription.
func (c *Client) Events(prefix string, bufSize int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe(prefix, bufSize)
}

// warmStart fills the stores from the local cache so the first paint shows
// data before any network round trip.
func (c *Client) warmStart() {
	if c.cacheDB == nil {
		return
	}
	convs, err := c.cacheDB.ListConversations(0)
	if err != nil {
		c.logger.Warn("cache warm start failed", zap.Error(err))
		return
	}
	c.convs.MergeSummaries(convs)
	for _, cv := range convs {
		msgs, err := c.cacheDB.ListMessages(cv.OtherParticipantID, 0, 100)
		if err != nil {
			c.logger.Warn("cache history read failed", zap.Error(err))
			continue
		}
		c.msgs.MergeHistory(cv.OtherParticipantID, msgs)
	}
	if len(convs) > 0 {
		c.logger.Info("warm start from cache", zap.Int("conversations", len(convs)))
		c.publishConversationsUpdated()
	}
}

func (c *Client) publishConversationsUpdated() {
	c.bus.Publish(bus.Event{Kind: "conversation.updated", Timestamp: time.Now(), Payload: ""})
}
