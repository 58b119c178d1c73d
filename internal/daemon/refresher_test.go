package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chatsync/internal/delivery"
	"chatsync/internal/provider"
	"chatsync/internal/store"
	syncpkg "chatsync/internal/sync"
)

func (f *fakeProvider) FindChats(ctx context.Context) ([]provider.ChatSummary, error) {
	return f.chats, nil
}

func TestRefresherSeedsAndSyncs(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fp := &fakeProvider{
		chats: []provider.ChatSummary{{
			JID:     "5511999@s.whatsapp.net",
			Address: "5511999",
			Name:    "Alice",
		}},
		records: []provider.Record{{
			ID:        "m1",
			Content:   provider.Content{Kind: provider.KindText, Text: "oi"},
			Status:    delivery.Received,
			Timestamp: 1000,
		}},
	}
	r := NewRefresher(db, syncpkg.NewReconciler(db, fp, nil, nil, nil, nil, nil), fp, "t1", 20, time.Hour, nil)

	r.cycle(context.Background())

	chats, err := db.ListChats("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 1 || chats[0].Name != "Alice" {
		t.Fatalf("chats = %+v", chats)
	}
	msgs, err := db.ListMessages("t1", "5511999", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m1" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestRefresherStartStop(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	fp := &fakeProvider{}
	r := NewRefresher(db, syncpkg.NewReconciler(db, fp, nil, nil, nil, nil, nil), fp, "t1", 20, 10*time.Millisecond, nil)

	r.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	r.Stop()
}
