package daemon

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"chatsync/internal/api"
	"chatsync/internal/bus"
	"chatsync/internal/config"
	"chatsync/internal/lock"
	"chatsync/internal/logging"
	"chatsync/internal/outbound"
	"chatsync/internal/provider"
	"chatsync/internal/readtracker"
	"chatsync/internal/store"
	syncpkg "chatsync/internal/sync"
)

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks around the loaded configuration.
func Module(cfg *config.Config) fx.Option {
	return fx.Module("daemon",
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideClient,
			provideKeyedMutex,
			providePending,
			provideTracker,
			provideReconciler,
			provideController,
			provideService,
			provideServer,
			provideRefresher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath(), cfg.TenantID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}
	logger.Info("acquiring data dir lock", zap.String("dir", cfg.DataDir))
	return lock.Acquire(cfg.DataDir)
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideClient(cfg *config.Config) *provider.Client {
	return provider.New(provider.Options{
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		SecurityToken: cfg.Provider.SecurityToken,
		Instance:      cfg.Provider.InstanceName,
		HTTPClient:    &http.Client{Timeout: cfg.Provider.Timeout.Duration()},
	})
}

func provideKeyedMutex() *syncpkg.KeyedMutex {
	return syncpkg.NewKeyedMutex()
}

func providePending() *outbound.Pending {
	return outbound.NewPending()
}

func provideTracker(db *store.DB, client *provider.Client, logger *zap.Logger) *readtracker.Tracker {
	return readtracker.New(db, client, logger)
}

func provideReconciler(db *store.DB, client *provider.Client, tracker *readtracker.Tracker, pending *outbound.Pending, locks *syncpkg.KeyedMutex, b *bus.Bus, logger *zap.Logger) *syncpkg.Reconciler {
	return syncpkg.NewReconciler(db, client, tracker, pending, locks, b, logger)
}

func provideController(cfg *config.Config, db *store.DB, client *provider.Client, tracker *readtracker.Tracker, pending *outbound.Pending, locks *syncpkg.KeyedMutex, b *bus.Bus, logger *zap.Logger) *outbound.Controller {
	return outbound.NewController(db, client, tracker, pending, locks, b, logger, cfg.Provider.TypingEnabled)
}

func provideService(cfg *config.Config, db *store.DB, r *syncpkg.Reconciler, c *outbound.Controller, tracker *readtracker.Tracker, b *bus.Bus, logger *zap.Logger) *api.ConversationService {
	return api.NewConversationService(db, r, c, tracker, b, logger, cfg.Sync.WindowSize)
}

func provideServer(cfg *config.Config, svc *api.ConversationService, client *provider.Client, b *bus.Bus, logger *zap.Logger) *Server {
	return NewServer(svc, client, b, cfg.TenantID, logger)
}

func provideRefresher(cfg *config.Config, db *store.DB, r *syncpkg.Reconciler, client *provider.Client, logger *zap.Logger) *Refresher {
	return NewRefresher(db, r, client, cfg.TenantID, cfg.Sync.WindowSize, cfg.Sync.PollInterval.Duration(), logger)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, srv *Server, refresher *Refresher, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	httpSrv := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				logger.Info("http server listening", zap.String("addr", cfg.HTTP.ListenAddr))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			refresher.Start(context.Background())
			logger.Info("daemon started", zap.String("tenant", cfg.TenantID))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			refresher.Stop()
			if err := httpSrv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown error", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("store close error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
