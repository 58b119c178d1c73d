package daemon

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"chatsync/internal/provider"
	"chatsync/internal/store"
	syncpkg "chatsync/internal/sync"
)

// ChatLister is the slice of the provider client the refresher uses to
// discover conversations that exist remotely but not yet locally.
type ChatLister interface {
	FindChats(ctx context.Context) ([]provider.ChatSummary, error)
}

// Refresher periodically syncs every known conversation of the tenant.
// Each cycle walks the chat list sequentially; per-conversation locking
// in the reconciler keeps it from stepping on interactive syncs.
type Refresher struct {
	db         *store.DB
	reconciler *syncpkg.Reconciler
	lister     ChatLister
	tenantID   string
	window     int
	interval   time.Duration
	logger     *zap.Logger

	seeded bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRefresher(db *store.DB, r *syncpkg.Reconciler, lister ChatLister, tenantID string, window int, interval time.Duration, logger *zap.Logger) *Refresher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Refresher{
		db:         db,
		reconciler: r,
		lister:     lister,
		tenantID:   tenantID,
		window:     window,
		interval:   interval,
		logger:     logger,
	}
}

// Start launches the poll loop. No-op if the interval is zero.
func (r *Refresher) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.loop(ctx)
}

// Stop cancels the loop and waits for the current cycle to finish.
func (r *Refresher) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Refresher) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

func (r *Refresher) cycle(ctx context.Context) {
	if !r.seeded {
		if err := r.seed(ctx); err != nil {
			r.logger.Debug("chat discovery failed, will retry", zap.Error(err))
		} else {
			r.seeded = true
		}
	}
	chats, err := r.db.ListChats(r.tenantID)
	if err != nil {
		r.logger.Warn("refresh cycle: listing chats failed", zap.Error(err))
		return
	}
	for _, chat := range chats {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.reconciler.Sync(ctx, r.tenantID, chat.Address, r.window); err != nil {
			if errors.Is(err, syncpkg.ErrSyncUnavailable) {
				// Provider down; the remaining chats would fail the same way.
				r.logger.Debug("refresh cycle degraded", zap.Error(err))
				return
			}
			r.logger.Warn("refresh failed",
				zap.String("address", chat.Address), zap.Error(err))
		}
	}
}

// seed imports the provider's conversation list, so chats with no local
// history yet get picked up by the poll loop.
func (r *Refresher) seed(ctx context.Context) error {
	if r.lister == nil {
		return nil
	}
	chats, err := r.lister.FindChats(ctx)
	if err != nil {
		return err
	}
	for _, c := range chats {
		if c.Address == "" {
			continue
		}
		if _, err := r.db.UpsertChat(&store.Chat{
			TenantID:       r.tenantID,
			Address:        c.Address,
			Name:           c.Name,
			ProviderChatID: c.JID,
			AvatarURL:      c.AvatarURL,
			LastMessage:    c.LastMessage,
			LastMessageAt:  c.LastMessageAt,
		}); err != nil {
			return err
		}
	}
	r.logger.Info("chat list seeded", zap.Int("count", len(chats)))
	return nil
}
