package outbound

import (
	"testing"

	"chatsync/internal/delivery"
	"chatsync/internal/store"
)

func TestPendingLifecycle(t *testing.T) {
	p := NewPending()
	p.Add(store.Message{TenantID: "t1", Address: "a", MsgID: "local-2", Status: delivery.Sending, Timestamp: 2000})
	p.Add(store.Message{TenantID: "t1", Address: "a", MsgID: "local-1", Status: delivery.Sending, Timestamp: 1000})
	p.Add(store.Message{TenantID: "t1", Address: "b", MsgID: "local-3", Status: delivery.Sending, Timestamp: 500})

	snap := p.Snapshot("t1", "a")
	if len(snap) != 2 || snap[0].MsgID != "local-1" || snap[1].MsgID != "local-2" {
		t.Fatalf("snapshot = %+v, want local-1 then local-2", snap)
	}

	p.Confirm("local-1", "PROV1")
	if !p.KnownProviderID("PROV1") {
		t.Error("confirmed provider id not known")
	}
	p.Remove("local-1")
	if p.KnownProviderID("PROV1") {
		t.Error("provider id survived removal")
	}
	if _, ok := p.Get("local-1"); ok {
		t.Error("record survived removal")
	}

	p.Fail("local-2")
	m, ok := p.Get("local-2")
	if !ok || m.Status != delivery.Failed {
		t.Errorf("failed record = %+v", m)
	}
}
