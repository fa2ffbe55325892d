package cache

import (
	"path/filepath"
	"testing"

	"github.com/workbridge/messaging/internal/store"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestConversationUpsertAndList(t *testing.T) {
	db := testDB(t)

	conv := &store.Conversation{
		OtherParticipantID: "u2",
		OtherParticipant:   store.Participant{ID: "u2", Name: "Bea", AccountType: store.AccountBusiness},
		LastMessageBody:    "hello",
		LastMessageType:    store.TypeChat,
		LastMessageAt:      1000,
		UnreadCount:        1,
		TotalMessages:      5,
	}
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	// Update unread on the same row.
	conv.UnreadCount = 3
	conv.OtherParticipant.Name = "Beatrice"
	if err := db.UpsertConversation(conv); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 {
		t.Fatalf("got %d conversations, want 1", len(convs))
	}
	got := convs[0]
	if got.UnreadCount != 3 || got.OtherParticipant.Name != "Beatrice" {
		t.Errorf("conversation = %+v", got)
	}
	if got.OtherParticipant.AccountType != store.AccountBusiness {
		t.Errorf("account type = %s", got.OtherParticipant.AccountType)
	}
}

func TestListConversationsOrder(t *testing.T) {
	db := testDB(t)

	for _, c := range []store.Conversation{
		{OtherParticipantID: "old", LastMessageAt: 1000},
		{OtherParticipantID: "new", LastMessageAt: 3000},
		{OtherParticipantID: "mid", LastMessageAt: 2000},
	} {
		c := c
		if err := db.UpsertConversation(&c); err != nil {
			t.Fatal(err)
		}
	}

	convs, err := db.ListConversations(10)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"new", "mid", "old"}
	for i, id := range want {
		if convs[i].OtherParticipantID != id {
			t.Errorf("convs[%d] = %s, want %s", i, convs[i].OtherParticipantID, id)
		}
	}
}

func TestMessageUpsertIsIdempotent(t *testing.T) {
	db := testDB(t)

	m := &store.Message{ID: "m1", SenderID: "u2", ReceiverID: "u1", Body: "hi", MessageType: store.TypeChat, CreatedAt: 1000, DeliveryState: store.DeliverySent}
	if err := db.UpsertMessage("u2", m); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage("u2", m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("u2", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].Body != "hi" {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestListMessagesChronological(t *testing.T) {
	db := testDB(t)

	for _, m := range []store.Message{
		{ID: "m2", SenderID: "u2", ReceiverID: "u1", Body: "b", CreatedAt: 2000, DeliveryState: store.DeliverySent},
		{ID: "m1", SenderID: "u2", ReceiverID: "u1", Body: "a", CreatedAt: 1000, DeliveryState: store.DeliverySent},
		{ID: "m3", SenderID: "u1", ReceiverID: "u2", Body: "c", CreatedAt: 3000, DeliveryState: store.DeliverySent},
	} {
		m := m
		if err := db.UpsertMessage("u2", &m); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessages("u2", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].ID != want {
			t.Errorf("msgs[%d] = %s, want %s", i, msgs[i].ID, want)
		}
	}
}

func TestReconcileMessage(t *testing.T) {
	db := testDB(t)

	pending := &store.Message{TempID: "t1", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: 1000, DeliveryState: store.DeliveryPending}
	if err := db.UpsertMessage("u2", pending); err != nil {
		t.Fatal(err)
	}

	confirmed := &store.Message{ID: "m9", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: 1100, DeliveryState: store.DeliverySent}
	if err := db.ReconcileMessage("u2", "t1", confirmed); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("u2", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (reconciled in place)", len(msgs))
	}
	if msgs[0].ID != "m9" || msgs[0].DeliveryState != store.DeliverySent || msgs[0].CreatedAt != 1100 {
		t.Errorf("message = %+v", msgs[0])
	}
}

func TestReconcileAfterReplayedFrame(t *testing.T) {
	db := testDB(t)

	pending := &store.Message{TempID: "t1", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: 1000, DeliveryState: store.DeliveryPending}
	if err := db.UpsertMessage("u2", pending); err != nil {
		t.Fatal(err)
	}
	confirmed := &store.Message{ID: "m9", SenderID: "u1", ReceiverID: "u2", Body: "hi", CreatedAt: 1100, DeliveryState: store.DeliverySent}
	// The confirmed row landed first via a replayed frame.
	if err := db.UpsertMessage("u2", confirmed); err != nil {
		t.Fatal(err)
	}

	if err := db.ReconcileMessage("u2", "t1", confirmed); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages("u2", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestMarkConversationRead(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertConversation(&store.Conversation{OtherParticipantID: "u2", UnreadCount: 2}); err != nil {
		t.Fatal(err)
	}
	inbound := &store.Message{ID: "m1", SenderID: "u2", ReceiverID: "u1", Body: "x", CreatedAt: 1000, DeliveryState: store.DeliverySent}
	if err := db.UpsertMessage("u2", inbound); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkConversationRead("u2"); err != nil {
		t.Fatal(err)
	}

	convs, err := db.ListConversations(10)
	if err != nil {
		t.Fatal(err)
	}
	if convs[0].UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", convs[0].UnreadCount)
	}
	msgs, err := db.ListMessages("u2", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].IsRead {
		t.Error("inbound message not flipped to read")
	}
}

func TestOutboxLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.QueueOutbox("t1", "u2", "hello", "CHAT"); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("t2", "u2", "again", "CHAT"); err != nil {
		t.Fatal(err)
	}

	if err := db.MarkOutboxSending("t1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent("t1", "m1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed("t2", "socket down"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1 (sent excluded, failed retryable)", len(pending))
	}
	if pending[0].TempID != "t2" || pending[0].Status != "failed" || pending[0].ErrorMessage != "socket down" {
		t.Errorf("entry = %+v", pending[0])
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	for _, m := range []store.Message{
		{ID: "m1", SenderID: "u2", ReceiverID: "u1", Body: "the plumbing estimate", CreatedAt: 1000, DeliveryState: store.DeliverySent},
		{ID: "m2", SenderID: "u3", ReceiverID: "u1", Body: "garden work schedule", CreatedAt: 2000, DeliveryState: store.DeliverySent},
	} {
		m := m
		conv := m.SenderID
		if err := db.UpsertMessage(conv, &m); err != nil {
			t.Fatal(err)
		}
	}

	results, err := db.SearchMessages("plumbing", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" || results[0].ConversationID != "u2" {
		t.Errorf("result = %+v", results[0])
	}

	// Scoped search misses the other conversation.
	results, err = db.SearchMessages("garden", "u2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("scoped search returned %d results, want 0", len(results))
	}
}
