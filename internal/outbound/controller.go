// Package outbound dispatches messages to the provider with optimistic
// local records. A message is visible as "sending" the moment the caller
// hands it over, swaps to the provider identifier on confirmation, and
// turns "failed" in place when the gateway rejects it.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/delivery"
	"chatsync/internal/provider"
	"chatsync/internal/store"
	syncpkg "chatsync/internal/sync"
)

// ErrUnknownMessage reports a retry or discard for a client id the
// ledger has never seen.
var ErrUnknownMessage = errors.New("unknown outbound message")

// ErrNotFailed reports a retry of a message that is not in failed state.
var ErrNotFailed = errors.New("message is not failed")

// ErrRecipientUnknown reports that the address is not a messaging
// account according to the provider.
var ErrRecipientUnknown = errors.New("recipient is not a messaging account")

// Sender is the slice of the provider client the controller needs.
type Sender interface {
	SendText(ctx context.Context, address, body string) (string, error)
	SendMedia(ctx context.Context, address string, m provider.Media) (string, error)
	CheckNumber(ctx context.Context, address string) (bool, error)
}

// Notifier signals typing presence around a send. May be nil.
type Notifier interface {
	Typing(ctx context.Context, address string, active bool)
}

// Controller owns the outbound path for one engine instance. Sends for
// the same conversation are serialized against each other and against
// merges through the shared keyed mutex.
type Controller struct {
	db       *store.DB
	sender   Sender
	notifier Notifier
	pending  *Pending
	locks    *syncpkg.KeyedMutex
	bus      *bus.Bus
	logger   *zap.Logger
	typing   bool
}

func NewController(db *store.DB, sender Sender, notifier Notifier, pending *Pending, locks *syncpkg.KeyedMutex, b *bus.Bus, logger *zap.Logger, typing bool) *Controller {
	if pending == nil {
		pending = NewPending()
	}
	if locks == nil {
		locks = syncpkg.NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		db:       db,
		sender:   sender,
		notifier: notifier,
		pending:  pending,
		locks:    locks,
		bus:      b,
		logger:   logger,
		typing:   typing,
	}
}

// Pending exposes the in-flight registry for the reconciler to fold
// optimistic records into merged views.
func (c *Controller) Pending() *Pending { return c.pending }

// Send dispatches a text message. The returned record carries the
// provider identifier and sent status on success, or the optimistic
// identifier and failed status together with a non-nil error.
func (c *Controller) Send(ctx context.Context, tenantID, address, body string) (*store.Message, error) {
	m := store.Message{
		TenantID:  tenantID,
		Address:   address,
		Direction: store.Outbound,
		Kind:      string(provider.KindText),
		Body:      body,
	}
	return c.dispatch(ctx, m, func(ctx context.Context) (string, error) {
		return c.sender.SendText(ctx, address, body)
	})
}

// SendMedia dispatches a media message. The caption, if any, becomes the
// record body.
func (c *Controller) SendMedia(ctx context.Context, tenantID, address string, media provider.Media) (*store.Message, error) {
	m := store.Message{
		TenantID:  tenantID,
		Address:   address,
		Direction: store.Outbound,
		Kind:      string(media.Kind),
		Body:      media.Caption,
		MediaURL:  media.URL,
		FileName:  media.FileName,
	}
	return c.dispatch(ctx, m, func(ctx context.Context) (string, error) {
		return c.sender.SendMedia(ctx, address, media)
	})
}

// Retry re-dispatches a failed ledger entry under its original client
// id, so the caller-facing identity of the message is stable across
// attempts.
func (c *Controller) Retry(ctx context.Context, clientMsgID string) (*store.Message, error) {
	e, err := c.db.GetOutbox(clientMsgID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, ErrUnknownMessage
	}
	if e.Status != store.OutboxFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, clientMsgID, e.Status)
	}

	m := store.Message{
		TenantID:  e.TenantID,
		Address:   e.Address,
		MsgID:     e.ClientMsgID,
		Direction: store.Outbound,
		Kind:      e.Kind,
		Body:      e.Body,
		MediaURL:  e.MediaURL,
		FileName:  e.FileName,
	}
	send := func(ctx context.Context) (string, error) {
		if e.Kind == string(provider.KindText) {
			return c.sender.SendText(ctx, e.Address, e.Body)
		}
		return c.sender.SendMedia(ctx, e.Address, provider.Media{
			Kind:     provider.ContentKind(e.Kind),
			URL:      e.MediaURL,
			Caption:  e.Body,
			FileName: e.FileName,
		})
	}
	return c.dispatch(ctx, m, send)
}

// Discard drops a failed send from the in-flight view and marks the
// ledger entry discarded, so it stops surfacing as retryable.
func (c *Controller) Discard(clientMsgID string) error {
	e, err := c.db.GetOutbox(clientMsgID)
	if err != nil {
		return err
	}
	if e == nil {
		return ErrUnknownMessage
	}
	if e.Status != store.OutboxFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, clientMsgID, e.Status)
	}
	c.pending.Remove(clientMsgID)
	return c.db.MarkOutboxDiscarded(clientMsgID)
}

func (c *Controller) dispatch(ctx context.Context, m store.Message, send func(context.Context) (string, error)) (*store.Message, error) {
	fresh := m.MsgID == ""
	if fresh {
		m.MsgID = "local-" + uuid.NewString()
	}
	m.Status = delivery.Sending
	m.Timestamp = time.Now().UnixMilli()

	c.pending.Add(m)
	c.publish(bus.KindMessagePending, m)
	if fresh {
		if err := c.db.QueueOutbox(&store.OutboxEntry{
			ClientMsgID: m.MsgID,
			TenantID:    m.TenantID,
			Address:     m.Address,
			Body:        m.Body,
			Kind:        m.Kind,
			MediaURL:    m.MediaURL,
			FileName:    m.FileName,
		}); err != nil {
			c.logger.Warn("outbox write failed", zap.String("client_id", m.MsgID), zap.Error(err))
		}
	}

	unlock := c.locks.Lock(syncpkg.SyncKey(m.TenantID, m.Address))
	defer unlock()

	chat, err := c.db.FindChat(m.TenantID, m.Address)
	if err != nil {
		return c.fail(m, err)
	}
	if chat == nil {
		// First contact: probe the address before paying for a doomed
		// send. A probe error is not conclusive, so only a definite
		// "no" blocks.
		if exists, err := c.sender.CheckNumber(ctx, m.Address); err == nil && !exists {
			return c.fail(m, ErrRecipientUnknown)
		}
	}

	// The chat summary reflects the outgoing message immediately and is
	// not rolled back if the send fails.
	if chat, err = c.db.UpsertChat(&store.Chat{
		TenantID:      m.TenantID,
		Address:       m.Address,
		LastMessage:   syncpkg.Preview(m),
		LastMessageAt: m.Timestamp,
	}); err != nil {
		return c.fail(m, err)
	}
	c.publish(bus.KindChatUpdated, store.Message{TenantID: m.TenantID, Address: m.Address})

	if err := c.db.MarkOutboxSending(m.MsgID); err != nil {
		c.logger.Warn("outbox update failed", zap.Error(err))
	}

	if c.typing && c.notifier != nil {
		c.notifier.Typing(ctx, m.Address, true)
		defer c.notifier.Typing(ctx, m.Address, false)
	}

	providerID, err := send(ctx)
	if err != nil {
		return c.fail(m, err)
	}
	c.pending.Confirm(m.MsgID, providerID)

	confirmed := m
	confirmed.MsgID = providerID
	confirmed.Status = delivery.Sent
	confirmed.ChatID = chat.ID
	if err := c.db.InsertMessage(&confirmed); err != nil && !store.IsConflict(err) {
		// The provider accepted the message; the next merge will
		// restore the missing row from its history.
		c.logger.Error("persisting confirmed send failed",
			zap.String("provider_id", providerID), zap.Error(err))
	}
	if err := c.db.MarkOutboxSent(m.MsgID, providerID); err != nil {
		c.logger.Warn("outbox update failed", zap.Error(err))
	}
	c.pending.Remove(m.MsgID)
	c.publish(bus.KindMessageSendAck, confirmed)

	return &confirmed, nil
}

// fail flips the optimistic record to failed and keeps it visible. The
// record is returned alongside the error so callers can render it.
func (c *Controller) fail(m store.Message, cause error) (*store.Message, error) {
	m.Status = delivery.Failed
	c.pending.Fail(m.MsgID)
	if err := c.db.MarkOutboxFailed(m.MsgID, cause.Error()); err != nil {
		c.logger.Warn("outbox update failed", zap.Error(err))
	}
	c.publish(bus.KindMessageSendFailed, m)
	c.logger.Warn("send failed",
		zap.String("address", m.Address),
		zap.String("client_id", m.MsgID),
		zap.Error(cause))
	return &m, fmt.Errorf("send to %s: %w", m.Address, cause)
}

func (c *Controller) publish(kind string, m store.Message) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(bus.NewEvent(kind, bus.MessageRef{
		TenantID: m.TenantID,
		Address:  m.Address,
		MsgID:    m.MsgID,
	}))
}
