// Package sync reconciles the local message store with the remote
// provider. Merges are additive: remote history is folded into the local
// copy without ever deleting or rewriting rows, so repeated merges over
// the same window are idempotent.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"chatsync/internal/bus"
	"chatsync/internal/delivery"
	"chatsync/internal/provider"
	"chatsync/internal/store"
)

// ErrSyncUnavailable reports that the provider could not be reached or
// refused the request. The local history returned alongside it is still
// valid, just possibly stale.
var ErrSyncUnavailable = errors.New("sync unavailable")

// Gateway is the slice of the provider client the reconciler needs.
type Gateway interface {
	FindMessages(ctx context.Context, address string, limit int) ([]provider.Record, error)
	ProfilePictureURL(ctx context.Context, address string) (string, error)
}

// ReadTracker receives inbound messages that still owe a read receipt
// after a merge. Implementations must tolerate partial failure.
type ReadTracker interface {
	MarkRead(ctx context.Context, msgs []store.Message)
}

// PendingView exposes in-flight optimistic sends. The reconciler skips
// provider echoes of pending messages (their owner persists them) and
// folds the optimistic records into the merged view.
type PendingView interface {
	KnownProviderID(id string) bool
	Snapshot(tenantID, address string) []store.Message
}

// Reconciler merges provider pages into the store. Concurrent Sync calls
// for the same conversation are coalesced into one provider round trip.
type Reconciler struct {
	db      *store.DB
	gateway Gateway
	tracker ReadTracker
	pending PendingView
	locks   *KeyedMutex
	bus     *bus.Bus
	logger  *zap.Logger

	group singleflight.Group
}

// NewReconciler wires a reconciler. tracker and pending may be nil.
func NewReconciler(db *store.DB, gateway Gateway, tracker ReadTracker, pending PendingView, locks *KeyedMutex, b *bus.Bus, logger *zap.Logger) *Reconciler {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		db:      db,
		gateway: gateway,
		tracker: tracker,
		pending: pending,
		locks:   locks,
		bus:     b,
		logger:  logger,
	}
}

// Sync fetches the most recent window of provider history for the
// conversation, merges it into the store and returns the full merged
// view in ascending timestamp order, optimistic in-flight sends
// included. When the provider is unavailable the local history is
// returned together with ErrSyncUnavailable.
func (r *Reconciler) Sync(ctx context.Context, tenantID, address string, window int) ([]store.Message, error) {
	v, err, _ := r.group.Do(SyncKey(tenantID, address), func() (any, error) {
		return r.merge(ctx, tenantID, address, window)
	})
	msgs, _ := v.([]store.Message)
	return msgs, err
}

func (r *Reconciler) merge(ctx context.Context, tenantID, address string, window int) ([]store.Message, error) {
	unlock := r.locks.Lock(SyncKey(tenantID, address))
	defer unlock()

	local, err := r.db.ListMessages(tenantID, address, 0)
	if err != nil {
		return nil, err
	}
	known, err := r.db.MessageIDs(tenantID, address)
	if err != nil {
		return nil, err
	}

	records, err := r.gateway.FindMessages(ctx, address, window)
	if err != nil {
		if errors.Is(err, provider.ErrMalformed) {
			// A garbled page is treated as an empty one; the local
			// history stays authoritative until the provider recovers.
			r.logger.Warn("discarding malformed provider page",
				zap.String("address", address), zap.Error(err))
			records = nil
		} else {
			r.logger.Warn("provider unavailable, serving local history",
				zap.String("address", address), zap.Error(err))
			r.publish(bus.KindSyncDegraded, tenantID, address, "")
			return r.view(tenantID, address, local), fmt.Errorf("%w: %w", ErrSyncUnavailable, err)
		}
	}

	var fresh []provider.Record
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := known[rec.ID]; ok {
			// Already stored; only the delivery status may move forward.
			advanced, err := r.db.ApplyStatus(tenantID, address, rec.ID, rec.Status)
			if err != nil {
				r.logger.Warn("status refresh failed",
					zap.String("msg_id", rec.ID), zap.Error(err))
			} else if advanced {
				for i := range local {
					if local[i].MsgID == rec.ID {
						if next, ok := delivery.Advance(local[i].Status, rec.Status); ok {
							local[i].Status = next
						}
						break
					}
				}
			}
			continue
		}
		if r.pending != nil && r.pending.KnownProviderID(rec.ID) {
			// Echo of an in-flight send; the outbound controller owns it.
			continue
		}
		known[rec.ID] = struct{}{}
		fresh = append(fresh, rec)
	}

	if len(fresh) > 0 {
		inserted, err := r.fold(ctx, tenantID, address, fresh)
		if err != nil {
			return nil, err
		}
		local = append(local, inserted...)
	}

	r.publish(bus.KindSyncCompleted, tenantID, address, "")
	return r.view(tenantID, address, local), nil
}

// fold persists the new records, bumps the chat summary and unread
// counter, and hands inbound messages that owe a receipt to the tracker.
func (r *Reconciler) fold(ctx context.Context, tenantID, address string, fresh []provider.Record) ([]store.Message, error) {
	chat, err := r.ensureChat(ctx, tenantID, address, fresh)
	if err != nil {
		return nil, err
	}

	inserted := make([]store.Message, 0, len(fresh))
	var unread int
	var owed []store.Message
	for _, rec := range fresh {
		m := store.Message{
			ChatID:    chat.ID,
			TenantID:  tenantID,
			Address:   address,
			MsgID:     rec.ID,
			Kind:      string(rec.Content.Kind),
			Body:      rec.Content.Text,
			MediaURL:  rec.Content.MediaURL,
			FileName:  rec.Content.FileName,
			Status:    rec.Status,
			Timestamp: rec.Timestamp,
		}
		if rec.FromMe {
			m.Direction = store.Outbound
		} else {
			m.Direction = store.Inbound
		}
		if err := r.db.InsertMessage(&m); err != nil {
			if store.IsConflict(err) {
				// A concurrent merge won the race; the row exists.
				continue
			}
			return nil, err
		}
		inserted = append(inserted, m)
		if m.Direction == store.Inbound && m.Status != delivery.Read {
			unread++
			owed = append(owed, m)
		}
		r.publish(bus.KindMessageUpserted, tenantID, address, m.MsgID)
	}

	if unread > 0 {
		if err := r.db.IncrementUnread(tenantID, address, unread); err != nil {
			r.logger.Warn("unread counter update failed", zap.Error(err))
		}
	}
	if err := r.updateSummary(tenantID, address, inserted); err != nil {
		r.logger.Warn("chat summary update failed", zap.Error(err))
	}
	r.publish(bus.KindChatUpdated, tenantID, address, "")

	if len(owed) > 0 && r.tracker != nil {
		r.tracker.MarkRead(ctx, owed)
	}
	return inserted, nil
}

// ensureChat resolves the chat row, creating it on first contact. The
// avatar fetch is best effort; a missing picture never blocks a merge.
func (r *Reconciler) ensureChat(ctx context.Context, tenantID, address string, fresh []provider.Record) (*store.Chat, error) {
	chat, err := r.db.FindChat(tenantID, address)
	if err != nil {
		return nil, err
	}
	c := store.Chat{TenantID: tenantID, Address: address}
	for _, rec := range fresh {
		if !rec.FromMe && rec.PushName != "" {
			c.Name = rec.PushName
		}
	}
	if chat == nil {
		if url, err := r.gateway.ProfilePictureURL(ctx, address); err == nil {
			c.AvatarURL = url
		}
	}
	return r.db.UpsertChat(&c)
}

func (r *Reconciler) updateSummary(tenantID, address string, inserted []store.Message) error {
	if len(inserted) == 0 {
		return nil
	}
	latest := inserted[0]
	for _, m := range inserted[1:] {
		if m.Timestamp >= latest.Timestamp {
			latest = m
		}
	}
	_, err := r.db.UpsertChat(&store.Chat{
		TenantID:      tenantID,
		Address:       address,
		LastMessage:   Preview(latest),
		LastMessageAt: latest.Timestamp,
	})
	return err
}

// view folds the in-flight optimistic sends into the merged history and
// restores ascending timestamp order. The sort is stable so records
// sharing a timestamp keep their store order.
func (r *Reconciler) view(tenantID, address string, msgs []store.Message) []store.Message {
	if r.pending != nil {
		msgs = append(msgs, r.pending.Snapshot(tenantID, address)...)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})
	return msgs
}

func (r *Reconciler) publish(kind, tenantID, address, msgID string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.NewEvent(kind, bus.MessageRef{
		TenantID: tenantID,
		Address:  address,
		MsgID:    msgID,
	}))
}

// Preview renders the one-line chat summary for a message, truncated to
// a displayable length.
func Preview(m store.Message) string {
	c := provider.Content{
		Kind:     provider.ContentKind(m.Kind),
		Text:     m.Body,
		MediaURL: m.MediaURL,
		FileName: m.FileName,
	}
	if p := c.Preview(); p != "" {
		return truncate(p, 100)
	}
	return "[message]"
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
