package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatsync/internal/bus"
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
	mu      sync.Mutex
	records []provider.Record
	err     error
	calls   int
	block   chan struct{}
	avatar  string
}

func (f *fakeGateway) FindMessages(ctx context.Context, address string, limit int) ([]provider.Record, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	recs, err := f.records, f.err
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	out := make([]provider.Record, len(recs))
	copy(out, recs)
	return out, nil
}

func (f *fakeGateway) ProfilePictureURL(ctx context.Context, address string) (string, error) {
	return f.avatar, nil
}

func (f *fakeGateway) set(recs []provider.Record, err error) {
	f.mu.Lock()
	f.records, f.err = recs, err
	f.mu.Unlock()
}

func inboundText(id, body string, ts int64) provider.Record {
	return provider.Record{
		ID:        id,
		Content:   provider.Content{Kind: provider.KindText, Text: body},
		Status:    delivery.Received,
		Timestamp: ts,
	}
}

func TestSyncMergesNewHistory(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{avatar: "https://cdn.example/pic.jpg"}
	gw.set([]provider.Record{
		inboundText("m1", "oi", 1000),
		{ID: "m2", FromMe: true, Content: provider.Content{Kind: provider.KindText, Text: "tudo bem?"}, Status: delivery.Sent, Timestamp: 2000},
		inboundText("m3", "tudo sim", 3000),
	}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	msgs, err := r.Sync(context.Background(), "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if msgs[i].MsgID != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].MsgID, want)
		}
	}
	if msgs[1].Direction != store.Outbound {
		t.Errorf("m2 direction = %v, want outbound", msgs[1].Direction)
	}

	chat, err := db.FindChat("t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil {
		t.Fatal("chat not created")
	}
	if chat.LastMessage != "tudo sim" || chat.LastMessageAt != 3000 {
		t.Errorf("summary = %q @ %d, want latest message", chat.LastMessage, chat.LastMessageAt)
	}
	if chat.AvatarURL != "https://cdn.example/pic.jpg" {
		t.Errorf("avatar = %q", chat.AvatarURL)
	}
	if chat.UnreadCount != 2 {
		t.Errorf("unread = %d, want 2", chat.UnreadCount)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{
		inboundText("m1", "oi", 1000),
		inboundText("m2", "sumiu?", 2000),
	}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	ctx := context.Background()
	if _, err := r.Sync(ctx, "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}
	msgs, err := r.Sync(ctx, "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("second merge changed history: %d messages, want 2", len(msgs))
	}
	chat, _ := db.FindChat("t1", "5511999")
	if chat.UnreadCount != 2 {
		t.Errorf("unread = %d after repeat merge, want 2", chat.UnreadCount)
	}
}

func TestSyncInterleavesOverlappingPage(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{inboundText("m1", "a", 1000), inboundText("m3", "c", 3000)}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	ctx := context.Background()
	if _, err := r.Sync(ctx, "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}
	gw.set([]provider.Record{inboundText("m2", "b", 2000), inboundText("m3", "c", 3000), inboundText("m4", "d", 4000)}, nil)
	msgs, err := r.Sync(ctx, "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"m1", "m2", "m3", "m4"}
	if len(msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(want))
	}
	for i := range want {
		if msgs[i].MsgID != want[i] {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].MsgID, want[i])
		}
	}
}

func TestSyncDegradesToLocalHistory(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{inboundText("m1", "oi", 1000)}, nil)
	b := bus.New()
	degraded, cancel := b.Subscribe(bus.KindSyncDegraded, 4)
	defer cancel()
	r := NewReconciler(db, gw, nil, nil, nil, b, nil)

	ctx := context.Background()
	if _, err := r.Sync(ctx, "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}

	gw.set(nil, provider.ErrUnreachable)
	msgs, err := r.Sync(ctx, "t1", "5511999", 20)
	if !errors.Is(err, ErrSyncUnavailable) {
		t.Fatalf("err = %v, want ErrSyncUnavailable", err)
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m1" {
		t.Fatalf("degraded view lost local history: %+v", msgs)
	}
	select {
	case <-degraded:
	case <-time.After(time.Second):
		t.Fatal("no sync.degraded event")
	}
}

func TestSyncTreatsMalformedPageAsEmpty(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{inboundText("m1", "oi", 1000)}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	ctx := context.Background()
	if _, err := r.Sync(ctx, "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}

	gw.set(nil, provider.ErrMalformed)
	msgs, err := r.Sync(ctx, "t1", "5511999", 20)
	if err != nil {
		t.Fatalf("malformed page should not fail the merge: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestSyncAdvancesKnownStatuses(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	rec := provider.Record{ID: "m1", FromMe: true, Content: provider.Content{Kind: provider.KindText, Text: "oi"}, Status: delivery.Sent, Timestamp: 1000}
	gw.set([]provider.Record{rec}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	ctx := context.Background()
	if _, err := r.Sync(ctx, "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}

	rec.Status = delivery.Read
	gw.set([]provider.Record{rec}, nil)
	msgs, err := r.Sync(ctx, "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != delivery.Read {
		t.Errorf("status = %v, want read", msgs[0].Status)
	}

	// A stale page must never move the status backwards.
	rec.Status = delivery.Delivered
	gw.set([]provider.Record{rec}, nil)
	msgs, err = r.Sync(ctx, "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != delivery.Read {
		t.Errorf("status regressed to %v", msgs[0].Status)
	}
}

type stubTracker struct {
	mu   sync.Mutex
	seen []store.Message
}

func (s *stubTracker) MarkRead(ctx context.Context, msgs []store.Message) {
	s.mu.Lock()
	s.seen = append(s.seen, msgs...)
	s.mu.Unlock()
}

func TestSyncHandsInboundToTracker(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{
		inboundText("m1", "oi", 1000),
		{ID: "m2", FromMe: true, Content: provider.Content{Kind: provider.KindText, Text: "oi"}, Status: delivery.Sent, Timestamp: 2000},
		{ID: "m3", Content: provider.Content{Kind: provider.KindText, Text: "ok"}, Status: delivery.Read, Timestamp: 3000},
	}, nil)
	tracker := &stubTracker{}
	r := NewReconciler(db, gw, tracker, nil, nil, nil, nil)

	if _, err := r.Sync(context.Background(), "t1", "5511999", 20); err != nil {
		t.Fatal(err)
	}
	if len(tracker.seen) != 1 || tracker.seen[0].MsgID != "m1" {
		t.Fatalf("tracker got %+v, want only the unread inbound message", tracker.seen)
	}
}

type stubPending struct {
	ids  map[string]bool
	msgs []store.Message
}

func (s *stubPending) KnownProviderID(id string) bool { return s.ids[id] }
func (s *stubPending) Snapshot(tenantID, address string) []store.Message {
	return s.msgs
}

func TestSyncSkipsPendingEchoesAndShowsOptimistic(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{}
	gw.set([]provider.Record{
		inboundText("m1", "oi", 1000),
		{ID: "prov-9", FromMe: true, Content: provider.Content{Kind: provider.KindText, Text: "sending now"}, Status: delivery.Sent, Timestamp: 2000},
	}, nil)
	pending := &stubPending{
		ids: map[string]bool{"prov-9": true},
		msgs: []store.Message{{
			TenantID: "t1", Address: "5511999", MsgID: "local-1",
			Direction: store.Outbound, Body: "sending now",
			Status: delivery.Sending, Timestamp: 2000,
		}},
	}
	r := NewReconciler(db, gw, nil, pending, nil, nil, nil)

	msgs, err := r.Sync(context.Background(), "t1", "5511999", 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2 (echo skipped, optimistic shown)", len(msgs))
	}
	if msgs[1].MsgID != "local-1" || msgs[1].Status != delivery.Sending {
		t.Errorf("optimistic record missing from view: %+v", msgs[1])
	}

	ids, err := db.MessageIDs("t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ids["prov-9"]; ok {
		t.Error("pending echo was persisted by the reconciler")
	}
}

func TestSyncCoalescesConcurrentCalls(t *testing.T) {
	db := testDB(t)
	gw := &fakeGateway{block: make(chan struct{})}
	gw.set([]provider.Record{inboundText("m1", "oi", 1000)}, nil)
	r := NewReconciler(db, gw, nil, nil, nil, nil, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Sync(ctx, "t1", "5511999", 20)
		}()
	}
	// Let the goroutines pile onto the in-flight call before releasing it.
	time.Sleep(50 * time.Millisecond)
	close(gw.block)
	wg.Wait()

	gw.mu.Lock()
	calls := gw.calls
	gw.mu.Unlock()
	if calls != 1 {
		t.Errorf("provider called %d times, want 1", calls)
	}
}

func TestPreviewRendersContentSummaries(t *testing.T) {
	doc := store.Message{Kind: string(provider.KindDocument), FileName: "contrato.pdf"}
	if got := Preview(doc); got != "[document] contrato.pdf" {
		t.Errorf("document preview = %q", got)
	}
	long := store.Message{Kind: string(provider.KindText), Body: strings.Repeat("a", 150)}
	if got := Preview(long); len([]rune(got)) != 100 || !strings.HasSuffix(got, "…") {
		t.Errorf("long preview = %q", got)
	}
	if got := Preview(store.Message{Kind: string(provider.KindUnsupported)}); got != "[message]" {
		t.Errorf("fallback preview = %q", got)
	}
}
