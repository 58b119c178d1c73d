package outbound

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
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

type fakeSender struct {
	sendErr  error
	nextID   int
	lastBody string
	media    []provider.Media
	exists   bool
	checkErr error
	checked  int
}

func (f *fakeSender) SendText(ctx context.Context, address, body string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.lastBody = body
	return fmt.Sprintf("PROV%03d", f.nextID), nil
}

func (f *fakeSender) SendMedia(ctx context.Context, address string, m provider.Media) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.nextID++
	f.media = append(f.media, m)
	return fmt.Sprintf("PROVM%03d", f.nextID), nil
}

func (f *fakeSender) CheckNumber(ctx context.Context, address string) (bool, error) {
	f.checked++
	return f.exists, f.checkErr
}

func newController(t *testing.T, sender *fakeSender) (*Controller, *store.DB) {
	t.Helper()
	db := testDB(t)
	return NewController(db, sender, nil, nil, nil, nil, nil, false), db
}

func TestSendPersistsUnderProviderID(t *testing.T) {
	sender := &fakeSender{exists: true}
	c, db := newController(t, sender)

	msg, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != delivery.Sent {
		t.Errorf("status = %v, want sent", msg.Status)
	}
	if strings.HasPrefix(msg.MsgID, "local-") {
		t.Errorf("returned record still carries optimistic id %q", msg.MsgID)
	}

	stored, err := db.GetMessage("t1", "5511999", msg.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if stored == nil {
		t.Fatal("confirmed send not persisted")
	}
	if stored.Direction != store.Outbound || stored.Body != "oi" {
		t.Errorf("stored = %+v", stored)
	}
	if n := len(c.Pending().Snapshot("t1", "5511999")); n != 0 {
		t.Errorf("%d records left pending after ack", n)
	}

	chat, err := db.FindChat("t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if chat == nil || chat.LastMessage != "oi" {
		t.Errorf("chat summary not updated: %+v", chat)
	}
}

func TestSendFailureKeepsVisibleFailedRecord(t *testing.T) {
	sender := &fakeSender{exists: true, sendErr: provider.ErrUnreachable}
	c, db := newController(t, sender)

	msg, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if err == nil {
		t.Fatal("want error from failed send")
	}
	if msg == nil || msg.Status != delivery.Failed {
		t.Fatalf("msg = %+v, want failed record", msg)
	}

	// The failed record is in the in-flight view, never in the store.
	snap := c.Pending().Snapshot("t1", "5511999")
	if len(snap) != 1 || snap[0].Status != delivery.Failed {
		t.Fatalf("pending snapshot = %+v", snap)
	}
	ids, err := db.MessageIDs("t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("failed send left %d persisted rows", len(ids))
	}

	e, err := db.GetOutbox(msg.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Status != store.OutboxFailed {
		t.Fatalf("ledger entry = %+v, want failed", e)
	}

	// Summary was written at dispatch time and is not rolled back.
	chat, _ := db.FindChat("t1", "5511999")
	if chat == nil || chat.LastMessage != "oi" {
		t.Errorf("chat summary = %+v", chat)
	}
}

func TestSendBlocksUnknownRecipient(t *testing.T) {
	sender := &fakeSender{exists: false}
	c, _ := newController(t, sender)

	_, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if !errors.Is(err, ErrRecipientUnknown) {
		t.Fatalf("err = %v, want ErrRecipientUnknown", err)
	}
	if sender.nextID != 0 {
		t.Error("send reached the provider despite failed probe")
	}
}

func TestSendSkipsProbeForKnownChat(t *testing.T) {
	sender := &fakeSender{exists: true}
	c, db := newController(t, sender)
	if _, err := db.UpsertChat(&store.Chat{TenantID: "t1", Address: "5511999"}); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Send(context.Background(), "t1", "5511999", "oi"); err != nil {
		t.Fatal(err)
	}
	if sender.checked != 0 {
		t.Errorf("probe ran %d times for an established chat", sender.checked)
	}
}

func TestRetryReusesClientID(t *testing.T) {
	sender := &fakeSender{exists: true, sendErr: provider.ErrUnreachable}
	c, db := newController(t, sender)

	msg, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if err == nil {
		t.Fatal("want initial send to fail")
	}
	clientID := msg.MsgID

	sender.sendErr = nil
	retried, err := c.Retry(context.Background(), clientID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.Status != delivery.Sent {
		t.Errorf("status = %v, want sent", retried.Status)
	}

	e, err := db.GetOutbox(clientID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != store.OutboxSent || e.ProviderMsgID != retried.MsgID {
		t.Errorf("ledger = %+v", e)
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	sender := &fakeSender{exists: true}
	c, _ := newController(t, sender)

	msg, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if err != nil {
		t.Fatal(err)
	}
	// msg.MsgID is the provider id; the ledger is keyed by client id.
	if _, err := c.Retry(context.Background(), msg.MsgID); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("retry by provider id: err = %v, want ErrUnknownMessage", err)
	}

	entries, err := sentEntries(c, "t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("ledger entries = %d, want 1", len(entries))
	}
	if _, err := c.Retry(context.Background(), entries[0]); !errors.Is(err, ErrNotFailed) {
		t.Errorf("retry of sent entry: err = %v, want ErrNotFailed", err)
	}
}

func sentEntries(c *Controller, tenantID, address string) ([]string, error) {
	rows, err := c.db.Query(`SELECT client_msg_id FROM outbox WHERE tenant_id = ? AND address = ? AND status = 'sent'`, tenantID, address)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func TestSendMediaUsesCaptionAsBody(t *testing.T) {
	sender := &fakeSender{exists: true}
	c, db := newController(t, sender)

	media := provider.Media{
		Kind:     provider.KindImage,
		URL:      "https://cdn.example/a.jpg",
		Caption:  "olha isso",
		FileName: "a.jpg",
	}
	msg, err := c.SendMedia(context.Background(), "t1", "5511999", media)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Kind != string(provider.KindImage) || msg.Body != "olha isso" || msg.MediaURL != media.URL {
		t.Errorf("msg = %+v", msg)
	}
	if len(sender.media) != 1 || sender.media[0].URL != media.URL {
		t.Errorf("provider got %+v", sender.media)
	}

	chat, _ := db.FindChat("t1", "5511999")
	if chat == nil || chat.LastMessage != "olha isso" {
		t.Errorf("summary = %+v", chat)
	}
}

func TestDiscardRemovesFromPendingView(t *testing.T) {
	sender := &fakeSender{exists: true, sendErr: provider.ErrUnreachable}
	c, db := newController(t, sender)

	msg, err := c.Send(context.Background(), "t1", "5511999", "oi")
	if err == nil {
		t.Fatal("want failed send")
	}
	if err := c.Discard(msg.MsgID); err != nil {
		t.Fatal(err)
	}
	if n := len(c.Pending().Snapshot("t1", "5511999")); n != 0 {
		t.Errorf("%d records still pending after discard", n)
	}
	// The ledger entry survives as discarded and stops listing as failed.
	e, err := db.GetOutbox(msg.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Status != store.OutboxDiscarded {
		t.Errorf("ledger = %+v", e)
	}
	failed, err := db.FailedOutbox("t1", "5511999")
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 0 {
		t.Errorf("discarded entry still listed as failed: %+v", failed)
	}
	if _, err := c.Retry(context.Background(), msg.MsgID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("retry of discarded entry: err = %v, want ErrNotFailed", err)
	}
	if err := c.Discard(msg.MsgID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("second discard: err = %v, want ErrNotFailed", err)
	}
}

func TestRetryKeepsDocumentFileName(t *testing.T) {
	sender := &fakeSender{exists: true, sendErr: provider.ErrUnreachable}
	c, _ := newController(t, sender)

	media := provider.Media{
		Kind:     provider.KindDocument,
		URL:      "https://cdn.example/contrato.pdf",
		FileName: "contrato.pdf",
	}
	msg, err := c.SendMedia(context.Background(), "t1", "5511999", media)
	if err == nil {
		t.Fatal("want failed send")
	}

	sender.sendErr = nil
	retried, err := c.Retry(context.Background(), msg.MsgID)
	if err != nil {
		t.Fatal(err)
	}
	if retried.FileName != "contrato.pdf" {
		t.Errorf("retried file name = %q", retried.FileName)
	}
	if len(sender.media) != 1 || sender.media[0].FileName != "contrato.pdf" {
		t.Errorf("provider got %+v", sender.media)
	}
}
