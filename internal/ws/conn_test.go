package ws

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/status"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func wsURL(srv *httptest.Server) string {
	return strings.Replace(srv.URL, "http://", "ws://", 1)
}

func newConn(t *testing.T, srv *httptest.Server, b *bus.Bus) (*Conn, *status.Machine) {
	t.Helper()
	machine := status.NewMachine(b)
	c := New(Options{
		URL:                wsURL(srv),
		Token:              "tok",
		HeartbeatInterval:  time.Minute,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, machine, b, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c, machine
}

func waitForState(t *testing.T, m *status.Machine, want status.State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Current() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.Current(), want)
}

func TestConnectPublishesInboundFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "tok" {
			t.Errorf("token = %q", got)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"CHAT"}`))
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	frames, unsub := b.Subscribe("ws.", 8)
	defer unsub()

	c, machine := newConn(t, srv, b)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, machine, status.Open)

	select {
	case evt := <-frames:
		if evt.Kind != "ws.frame" {
			t.Errorf("kind = %s", evt.Kind)
		}
		if string(evt.Payload.([]byte)) != `{"type":"CHAT"}` {
			t.Errorf("payload = %s", evt.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame published")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	b := bus.New()
	c := New(Options{URL: "ws://127.0.0.1:0", Token: "tok"}, status.NewMachine(b), b, zap.NewNop())
	defer func() { _ = c.Close() }()

	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	var accepts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		if accepts.Add(1) == 1 {
			// Drop the first connection straight away.
			_ = conn.Close(websocket.StatusGoingAway, "bye")
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	c, machine := newConn(t, srv, b)
	events, unsub := b.Subscribe("conn.", 64)
	defer unsub()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// The first connection drops; the manager must dial again on its own.
	waitForState(t, machine, status.Open)
	deadline := time.Now().Add(3 * time.Second)
	for accepts.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if accepts.Load() < 2 {
		t.Fatalf("server saw %d connections, want at least 2", accepts.Load())
	}
	waitForState(t, machine, status.Open)

	// The drop itself is reported as ERROR before the retry cycle starts.
	sawError := false
	for done := false; !done; {
		select {
		case ev := <-events:
			if sc, ok := ev.Payload.(status.StatusChange); ok && sc.To == status.Error {
				sawError = true
			}
		default:
			done = true
		}
	}
	if !sawError {
		t.Error("no ERROR state change observed for the dropped connection")
	}
}

func TestCloseIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := websocket.Accept(w, r, nil); err != nil {
			return
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	c, machine := newConn(t, srv, b)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, machine, status.Open)

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := machine.Current(); got != status.Closed {
		t.Errorf("state after Close = %s, want CLOSED", got)
	}
	if err := c.Send(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send after Close = %v, want ErrNotConnected", err)
	}
	if err := c.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}

func TestSendRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, data, err := conn.Read(r.Context())
		if err == nil {
			received <- data
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	b := bus.New()
	c, machine := newConn(t, srv, b)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitForState(t, machine, status.Open)

	if err := c.Send(context.Background(), []byte(`{"type":"READ_RECEIPT"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case data := <-received:
		if string(data) != `{"type":"READ_RECEIPT"}` {
			t.Errorf("server received %s", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the frame")
	}
}

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(100*time.Millisecond, 400*time.Millisecond)

	first := r.nextDelay()
	if first < 100*time.Millisecond || first > 150*time.Millisecond {
		t.Errorf("first delay = %v, want base plus up to half jitter", first)
	}
	for i := 0; i < 10; i++ {
		if d := r.nextDelay(); d > 400*time.Millisecond {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}

	r.reset()
	if got := r.nextDelay(); got > 150*time.Millisecond {
		t.Errorf("delay after reset = %v, want back at base", got)
	}
}
