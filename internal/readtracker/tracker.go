// Package readtracker acknowledges inbound messages to the provider and
// mirrors the acknowledgement into the local store. Receipts are best
// effort: a failed acknowledgement is logged and retried naturally on
// the next merge, never queued.
package readtracker

import (
	"context"

	"go.uber.org/zap"

	"chatsync/internal/delivery"
	"chatsync/internal/provider"
	"chatsync/internal/store"
)

// Gateway is the slice of the provider client the tracker needs.
type Gateway interface {
	MarkRead(ctx context.Context, messageID, address string, fromMe bool) error
	SetPresence(ctx context.Context, address string, p provider.Presence) error
}

// Tracker sends read receipts and typing presence.
type Tracker struct {
	db      *store.DB
	gateway Gateway
	logger  *zap.Logger
}

func New(db *store.DB, gateway Gateway, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{db: db, gateway: gateway, logger: logger}
}

// MarkRead acknowledges each inbound, not-yet-read message to the
// provider and advances its local status to read. The local write only
// happens after the provider accepted the receipt, so an unacknowledged
// message stays visibly unread.
func (t *Tracker) MarkRead(ctx context.Context, msgs []store.Message) {
	for _, m := range msgs {
		if m.Direction != store.Inbound || m.Status == delivery.Read {
			continue
		}
		if err := t.gateway.MarkRead(ctx, m.MsgID, m.Address, false); err != nil {
			t.logger.Warn("read receipt rejected",
				zap.String("address", m.Address),
				zap.String("msg_id", m.MsgID),
				zap.Error(err))
			continue
		}
		if _, err := t.db.ApplyStatus(m.TenantID, m.Address, m.MsgID, delivery.Read); err != nil {
			t.logger.Warn("local read status update failed",
				zap.String("msg_id", m.MsgID), zap.Error(err))
		}
	}
}

// Typing signals composing presence to the peer. Purely cosmetic, so
// failures are logged and swallowed.
func (t *Tracker) Typing(ctx context.Context, address string, active bool) {
	p := provider.Paused
	if active {
		p = provider.Composing
	}
	if err := t.gateway.SetPresence(ctx, address, p); err != nil {
		t.logger.Debug("presence update failed",
			zap.String("address", address), zap.Error(err))
	}
}
