package readtracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"chatsync/internal/delivery"
	"chatsync/internal/provider"
	"chatsync/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeGateway struct {
	acked    []string
	failOn   string
	presence []provider.Presence
}

func (f *fakeGateway) MarkRead(ctx context.Context, messageID, address string, fromMe bool) error {
	if messageID == f.failOn {
		return errors.New("gateway rejected receipt")
	}
	f.acked = append(f.acked, messageID)
	return nil
}

func (f *fakeGateway) SetPresence(ctx context.Context, address string, p provider.Presence) error {
	f.presence = append(f.presence, p)
	return nil
}

func seedMessage(t *testing.T, db *store.DB, msgID string, dir store.Direction, status delivery.Status) store.Message {
	t.Helper()
	chat, err := db.UpsertChat(&store.Chat{TenantID: "t1", Address: "5511999"})
	if err != nil {
		t.Fatal(err)
	}
	m := store.Message{
		ChatID: chat.ID, TenantID: "t1", Address: "5511999",
		MsgID: msgID, Direction: dir, Kind: "text", Body: "oi",
		Status: status, Timestamp: 1000,
	}
	if err := db.InsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestMarkReadAcksAndAdvances(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	tr := New(db, gw, nil)

	m1 := seedMessage(t, db, "m1", store.Inbound, delivery.Received)
	m2 := seedMessage(t, db, "m2", store.Outbound, delivery.Sent)
	m3 := seedMessage(t, db, "m3", store.Inbound, delivery.Read)

	tr.MarkRead(context.Background(), []store.Message{m1, m2, m3})

	if len(gw.acked) != 1 || gw.acked[0] != "m1" {
		t.Fatalf("acked %v, want only m1", gw.acked)
	}
	got, err := db.GetMessage("t1", "5511999", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != delivery.Read {
		t.Errorf("m1 status = %v, want read", got.Status)
	}
}

func TestMarkReadKeepsUnackedUnread(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{failOn: "m1"}
	tr := New(db, gw, nil)

	m1 := seedMessage(t, db, "m1", store.Inbound, delivery.Received)
	tr.MarkRead(context.Background(), []store.Message{m1})

	got, err := db.GetMessage("t1", "5511999", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != delivery.Received {
		t.Errorf("status = %v, want received after rejected receipt", got.Status)
	}
}

func TestTypingPresence(t *testing.T) {
	gw := &fakeGateway{}
	tr := New(testDB(t), gw, nil)

	ctx := context.Background()
	tr.Typing(ctx, "5511999", true)
	tr.Typing(ctx, "5511999", false)

	if len(gw.presence) != 2 || gw.presence[0] != provider.Composing || gw.presence[1] != provider.Paused {
		t.Errorf("presence sequence = %v", gw.presence)
	}
}
