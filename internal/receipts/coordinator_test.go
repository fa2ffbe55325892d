package receipts

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/store"
	"go.uber.org/zap"
)

const self = "u1"

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *frameSink) Send(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *frameSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

type restRecorder struct {
	mu      sync.Mutex
	read    []string
	readAll int
}

func (r *restRecorder) MarkRead(_ context.Context, otherUserID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, otherUserID)
	return 1, nil
}

func (r *restRecorder) MarkAllRead(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readAll++
	return 1, nil
}

func (r *restRecorder) readCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.read)
}

func setup(t *testing.T) (*Coordinator, *store.ConversationStore, *store.MessageStore, *frameSink, *restRecorder) {
	t.Helper()
	convs := store.NewConversationStore(self)
	msgs := store.NewMessageStore(self)
	sink := &frameSink{}
	rec := &restRecorder{}
	c := New(Options{
		Convs:     convs,
		Messages:  msgs,
		Transport: sink,
		Rest:      rec,
		Bus:       bus.New(),
		Logger:    zap.NewNop(),
	})
	return c, convs, msgs, sink, rec
}

func inbound(id string, at int64) *store.Message {
	return &store.Message{
		ID: id, SenderID: "u2", ReceiverID: self, Body: "hi",
		MessageType: store.TypeChat, CreatedAt: at, DeliveryState: store.DeliverySent,
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConversationOpenedMarksReadEverywhere(t *testing.T) {
	c, convs, msgs, sink, rec := setup(t)

	m := inbound("m1", 1000)
	msgs.Append(m)
	convs.ApplyMessage(m)
	if cv, _ := convs.Get("u2"); cv.UnreadCount != 1 {
		t.Fatalf("precondition: unread = %d", cv.UnreadCount)
	}

	c.ConversationOpened(context.Background(), "u2")

	if cv, _ := convs.Get("u2"); cv.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", cv.UnreadCount)
	}
	if hist := msgs.History("u2"); !hist[0].IsRead {
		t.Error("inbound message not flipped to read")
	}
	if sink.count() != 1 {
		t.Errorf("receipt frames sent = %d, want 1", sink.count())
	}
	var frame map[string]any
	sink.mu.Lock()
	_ = json.Unmarshal(sink.frames[0], &frame)
	sink.mu.Unlock()
	if frame["type"] != "READ_RECEIPT" || frame["with_participant_id"] != "u2" {
		t.Errorf("frame = %v", frame)
	}
	waitFor(t, func() bool { return rec.readCalls() == 1 }, "rest mark-read")
}

func TestOpenWithNothingUnreadStillEmitsReceipt(t *testing.T) {
	c, convs, msgs, sink, rec := setup(t)

	m := inbound("m1", 1000)
	m.IsRead = true
	msgs.Append(m)
	convs.ApplyMessage(m)

	// Other devices learn about the view even when nothing changed here.
	c.ConversationOpened(context.Background(), "u2")

	if sink.count() != 1 {
		t.Errorf("receipt frames sent = %d, want 1", sink.count())
	}
	waitFor(t, func() bool { return rec.readCalls() == 1 }, "rest mark-read")
}

func TestActiveConversationSkipsUnreadBump(t *testing.T) {
	c, convs, msgs, _, _ := setup(t)

	first := inbound("m1", 1000)
	msgs.Append(first)
	convs.ApplyMessage(first)
	c.ConversationOpened(context.Background(), "u2")

	// A message arriving while the conversation is on screen.
	second := inbound("m2", 2000)
	msgs.Append(second)
	convs.ApplyMessage(second)
	if cv, _ := convs.Get("u2"); cv.UnreadCount != 0 {
		t.Errorf("unread while active = %d, want 0", cv.UnreadCount)
	}

	c.ConversationClosed("u2")
	third := inbound("m3", 3000)
	msgs.Append(third)
	convs.ApplyMessage(third)
	if cv, _ := convs.Get("u2"); cv.UnreadCount != 1 {
		t.Errorf("unread after close = %d, want 1", cv.UnreadCount)
	}
}

func TestReceiptEchoClearsUnread(t *testing.T) {
	c, convs, msgs, _, _ := setup(t)

	// The same user read this conversation on another device; the echo
	// must converge this device to the same read state.
	for i, at := range []int64{1000, 2000} {
		m := inbound("m"+string(rune('1'+i)), at)
		msgs.Append(m)
		convs.ApplyMessage(m)
	}
	if cv, _ := convs.Get("u2"); cv.UnreadCount != 2 {
		t.Fatalf("precondition: unread = %d", cv.UnreadCount)
	}

	c.ReceiptReceived("u2", 5000)

	if cv, _ := convs.Get("u2"); cv.UnreadCount != 0 {
		t.Errorf("unread after receipt echo = %d, want 0", cv.UnreadCount)
	}
	for _, m := range msgs.History("u2") {
		if !m.IsRead {
			t.Errorf("message %s still unread after receipt echo", m.ID)
		}
	}
}

func TestReceiptEchoHonorsWatermark(t *testing.T) {
	c, convs, msgs, _, _ := setup(t)

	early := inbound("m1", 1000)
	late := inbound("m2", 9000)
	msgs.Append(early)
	convs.ApplyMessage(early)
	msgs.Append(late)
	convs.ApplyMessage(late)

	c.ReceiptReceived("u2", 5000)

	hist := msgs.History("u2")
	if !hist[0].IsRead {
		t.Error("message at 1000 not marked read")
	}
	if hist[1].IsRead {
		t.Error("message at 9000 marked read past the receipt watermark")
	}
}

func TestMarkAllRead(t *testing.T) {
	c, convs, msgs, _, rec := setup(t)

	for i, other := range []string{"u2", "u3"} {
		m := &store.Message{
			ID: string(rune('a' + i)), SenderID: other, ReceiverID: self, Body: "x",
			MessageType: store.TypeChat, CreatedAt: 1000, DeliveryState: store.DeliverySent,
		}
		msgs.Append(m)
		convs.ApplyMessage(m)
	}
	if convs.TotalUnread() != 2 {
		t.Fatalf("precondition: total unread = %d", convs.TotalUnread())
	}

	if changed := c.MarkAllRead(context.Background()); changed != 2 {
		t.Errorf("changed = %d, want 2", changed)
	}
	if convs.TotalUnread() != 0 {
		t.Errorf("total unread = %d, want 0", convs.TotalUnread())
	}
	waitFor(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.readAll == 1
	}, "rest mark-all-read")
}
