package ws

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/status"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Send when no socket is open. Callers decide
// the fallback (queue the frame, or transmit over REST instead).
var ErrNotConnected = errors.New("ws: not connected")

// Options configures a Conn.
type Options struct {
	// URL is the gateway endpoint, e.g. "wss://host/ws/chat/".
	URL   string
	Token string

	HeartbeatInterval  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	// SendRatePerSec caps outbound frames. Zero disables the limiter.
	SendRatePerSec int
}

// Conn owns one WebSocket connection to the messaging gateway for one
// authenticated identity. It reads frames and republishes them raw on the
// bus as "ws.frame" events; decoding and routing belong to the dispatch
// layer. The connection is created per session and torn down on logout,
// never shared between identities.
//
// A dropped connection reconnects on its own with exponential backoff and
// never gives up; only Close stops the cycle.
type Conn struct {
	opts    Options
	machine *status.Machine
	bus     *bus.Bus
	recon   *reconnector
	limiter *rate.Limiter
	logger  *zap.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	cancel   context.CancelFunc
	closed   bool
	runCtx   context.Context
	runStop  context.CancelFunc
	retrying bool
}

// New creates a connection manager. The socket is not dialed until Connect.
func New(opts Options, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Conn {
	var limiter *rate.Limiter
	if opts.SendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.SendRatePerSec), opts.SendRatePerSec)
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 25 * time.Second
	}
	if opts.ReconnectBaseDelay <= 0 {
		opts.ReconnectBaseDelay = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = 30 * time.Second
	}
	return &Conn{
		opts:    opts,
		machine: machine,
		bus:     b,
		recon:   newReconnector(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay),
		limiter: limiter,
		logger:  logger.Named("ws"),
	}
}

// Connect starts the connection manager. It dials immediately; if the first
// dial fails the manager keeps retrying in the background and the error is
// returned so the caller can log it. ctx bounds the whole lifetime of the
// manager, not just the dial.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("ws: connection manager is closed")
	}
	if c.runCtx != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, runStop := context.WithCancel(ctx)
	c.runCtx = runCtx
	c.runStop = runStop
	c.mu.Unlock()

	if err := c.dial(runCtx); err != nil {
		c.transition(status.Error)
		c.transition(status.Reconnecting)
		c.scheduleReconnect()
		return err
	}
	return nil
}

// Close tears the connection down for good: logout or identity switch.
// Pending reconnect timers are cancelled and Send fails from here on.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.runStop != nil {
		c.runStop()
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.transition(status.Closed)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	return nil
}

// Send transmits one encoded frame. Returns ErrNotConnected when the socket
// is down. The rate limiter blocks until a slot is free or ctx expires.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// State reports the current connection state.
func (c *Conn) State() status.State {
	return c.machine.Current()
}

func (c *Conn) dial(ctx context.Context) error {
	c.transition(status.Connecting)

	endpoint := c.opts.URL + "?token=" + url.QueryEscape(c.opts.Token)
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	cancel()
	if err != nil {
		c.logger.Warn("dial failed", zap.Error(err))
		return err
	}

	connCtx, connCancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return errors.New("ws: connection manager is closed")
	}
	c.conn = conn
	c.cancel = connCancel
	c.mu.Unlock()

	c.transition(status.Open)
	c.recon.markConnected()
	c.logger.Info("connected", zap.String("url", c.opts.URL))

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			if c.conn == conn {
				c.conn = nil
				if c.cancel != nil {
					c.cancel()
					c.cancel = nil
				}
			}
			c.mu.Unlock()

			if closed {
				return
			}
			c.logger.Warn("connection lost", zap.Error(err))
			// The fault is surfaced as ERROR before the recovery cycle
			// takes over, so the UI can distinguish a drop from a retry.
			c.transition(status.Error)
			c.transition(status.Reconnecting)
			c.scheduleReconnect()
			return
		}

		c.bus.Publish(bus.Event{
			Kind:      "ws.frame",
			Timestamp: time.Now(),
			Payload:   data,
		})
	}
}

// heartbeatLoop keeps the link warm and detects half-open connections. A
// failed ping force-closes the socket so the read loop notices and starts
// the reconnect cycle.
func (c *Conn) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Warn("heartbeat failed", zap.Error(err))
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.retrying || c.closed || c.runCtx == nil {
		c.mu.Unlock()
		return
	}
	c.retrying = true
	ctx := c.runCtx
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.retrying = false
			c.mu.Unlock()
		}()

		for {
			delay := c.recon.nextDelay()
			c.logger.Info("reconnecting",
				zap.Int("attempt", c.recon.attempts()),
				zap.Duration("delay", delay))

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := c.dial(ctx); err == nil {
				return
			}
			c.transition(status.Reconnecting)
		}
	}()
}

func (c *Conn) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("state transition rejected", zap.Error(err))
	}
}
