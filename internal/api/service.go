// Package api is the caller-facing surface of the engine. It composes
// the reconciler, the outbound controller and the read tracker into the
// operations the daemon exposes.
package api

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"chatsync/internal/bus"
	"chatsync/internal/delivery"
	"chatsync/internal/outbound"
	"chatsync/internal/provider"
	"chatsync/internal/store"
	syncpkg "chatsync/internal/sync"
)

// Conversation is one chat plus its failed-send ledger entries, ready
// for rendering.
type Conversation struct {
	Chat        store.Chat
	FailedSends []store.OutboxEntry
}

// MessagesView is a merged conversation history. Degraded is set when
// the provider could not be reached and the history is local only.
type MessagesView struct {
	Messages []store.Message
	Degraded bool
}

// Tracker is what the service needs from the read tracker.
type Tracker interface {
	MarkRead(ctx context.Context, msgs []store.Message)
}

// ConversationService exposes the engine operations. All methods are
// tenant scoped; the service never crosses tenants.
type ConversationService struct {
	db         *store.DB
	reconciler *syncpkg.Reconciler
	controller *outbound.Controller
	tracker    Tracker
	bus        *bus.Bus
	logger     *zap.Logger
	window     int
}

func NewConversationService(db *store.DB, r *syncpkg.Reconciler, c *outbound.Controller, t Tracker, b *bus.Bus, logger *zap.Logger, window int) *ConversationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = 20
	}
	return &ConversationService{
		db:         db,
		reconciler: r,
		controller: c,
		tracker:    t,
		bus:        b,
		logger:     logger,
		window:     window,
	}
}

// GetConversations lists the tenant's chats, most recently active first,
// with any failed sends attached so callers can offer retry.
func (s *ConversationService) GetConversations(ctx context.Context, tenantID string) ([]Conversation, error) {
	chats, err := s.db.ListChats(tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(chats))
	for _, chat := range chats {
		failed, err := s.db.FailedOutbox(tenantID, chat.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, Conversation{Chat: chat, FailedSends: failed})
	}
	return out, nil
}

// GetMessages syncs the conversation with the provider and returns the
// merged view. When the provider is unreachable the local history is
// returned with Degraded set instead of an error. Rejected credentials
// are fatal and come back as an error; no amount of retrying a sync
// fixes a bad key.
func (s *ConversationService) GetMessages(ctx context.Context, tenantID, address string) (*MessagesView, error) {
	msgs, err := s.reconciler.Sync(ctx, tenantID, address, s.window)
	if err != nil {
		if errors.Is(err, provider.ErrAuth) {
			return nil, err
		}
		if errors.Is(err, syncpkg.ErrSyncUnavailable) {
			return &MessagesView{Messages: msgs, Degraded: true}, nil
		}
		return nil, err
	}
	return &MessagesView{Messages: msgs}, nil
}

// SendMessage dispatches a text message. On failure the returned record
// is the visible failed message, alongside the error.
func (s *ConversationService) SendMessage(ctx context.Context, tenantID, address, body string) (*store.Message, error) {
	return s.controller.Send(ctx, tenantID, address, body)
}

// SendMedia dispatches a media message.
func (s *ConversationService) SendMedia(ctx context.Context, tenantID, address string, media provider.Media) (*store.Message, error) {
	return s.controller.SendMedia(ctx, tenantID, address, media)
}

// RetrySend re-dispatches a failed send by its client identifier.
func (s *ConversationService) RetrySend(ctx context.Context, clientMsgID string) (*store.Message, error) {
	return s.controller.Retry(ctx, clientMsgID)
}

// DiscardSend drops a failed send from the visible view.
func (s *ConversationService) DiscardSend(clientMsgID string) error {
	return s.controller.Discard(clientMsgID)
}

// SearchMessages finds persisted messages whose body contains the query,
// newest first. An empty address searches the whole tenant.
func (s *ConversationService) SearchMessages(ctx context.Context, tenantID, query, address string, limit int) ([]store.SearchResult, error) {
	return s.db.SearchMessages(tenantID, query, address, limit)
}

// Refresh forces a provider sync for one conversation.
func (s *ConversationService) Refresh(ctx context.Context, tenantID, address string) (*MessagesView, error) {
	return s.GetMessages(ctx, tenantID, address)
}

// MarkConversationRead acknowledges every unread inbound message in the
// conversation and clears the unread counter.
func (s *ConversationService) MarkConversationRead(ctx context.Context, tenantID, address string) error {
	msgs, err := s.db.ListMessages(tenantID, address, 0)
	if err != nil {
		return err
	}
	var owed []store.Message
	for _, m := range msgs {
		if m.Direction == store.Inbound && m.Status != delivery.Read {
			owed = append(owed, m)
		}
	}
	if len(owed) > 0 && s.tracker != nil {
		s.tracker.MarkRead(ctx, owed)
	}
	if err := s.db.ClearUnread(tenantID, address); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.NewEvent(bus.KindChatUpdated, bus.MessageRef{
			TenantID: tenantID,
			Address:  address,
		}))
	}
	return nil
}
