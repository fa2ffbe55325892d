package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/workbridge/messaging/internal/bus"
	"github.com/workbridge/messaging/internal/cache"
	"github.com/workbridge/messaging/internal/config"
	"github.com/workbridge/messaging/internal/dispatch"
	"github.com/workbridge/messaging/internal/home"
	"github.com/workbridge/messaging/internal/lock"
	"github.com/workbridge/messaging/internal/logging"
	"github.com/workbridge/messaging/internal/outbox"
	"github.com/workbridge/messaging/internal/receipts"
	"github.com/workbridge/messaging/internal/rest"
	"github.com/workbridge/messaging/internal/status"
	"github.com/workbridge/messaging/internal/store"
	"github.com/workbridge/messaging/internal/ws"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session identity passed to the fx module.
type Params struct {
	UserID string
	Token  string
	// Config overrides the file at ~/.workbridge/config.toml when non-nil,
	// used by tests and embedding applications.
	Config *config.Config
	// DataDir overrides the per-identity directory; empty = default.
	DataDir string
}

func (p Params) identityDir() string {
	if p.DataDir != "" {
		return p.DataDir
	}
	return home.IdentityDir(p.UserID)
}

func (p Params) cachePath() string {
	if p.DataDir != "" {
		return filepath.Join(p.DataDir, "cache.db")
	}
	return home.CacheDBPath(p.UserID)
}

func (p Params) logPath() string {
	if p.DataDir != "" {
		return filepath.Join(p.DataDir, "logs", "messaging.log")
	}
	return home.LogPath(p.UserID)
}

// Module returns the fx module for one messaging session, composing all
// providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("messaging",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideCache,
			provideConversationStore,
			provideMessageStore,
			provideRest,
			provideConn,
			provideReceipts,
			providePipeline,
			provideRouter,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.Load(home.ConfigPath())
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if cfg.APIBaseURL == "" || cfg.WSURL == "" {
		return nil, errors.New("config: api_base_url and ws_url are required")
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.logPath(), p.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if p.DataDir != "" {
		if err := os.MkdirAll(p.DataDir, 0700); err != nil {
			return nil, err
		}
	} else if err := home.EnsureDir(p.UserID); err != nil {
		return nil, err
	}
	logger.Info("acquiring identity lock", zap.String("user_id", p.UserID))
	l, err := lock.Acquire(p.identityDir())
	if err != nil {
		return nil, err
	}
	logger.Info("identity lock acquired")
	return l, nil
}

func provideCache(p Params, cfg *config.Config, logger *zap.Logger) (*cache.DB, error) {
	if !cfg.CacheEnabled {
		logger.Info("local cache disabled")
		return nil, nil
	}
	dbPath := p.cachePath()
	db, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideConversationStore(p Params) *store.ConversationStore {
	return store.NewConversationStore(p.UserID)
}

func provideMessageStore(p Params) *store.MessageStore {
	return store.NewMessageStore(p.UserID)
}

func provideRest(p Params, cfg *config.Config, logger *zap.Logger) *rest.Client {
	return rest.New(cfg.APIBaseURL, p.Token, logger)
}

func provideConn(p Params, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *ws.Conn {
	return ws.New(ws.Options{
		URL:                cfg.WSURL,
		Token:              p.Token,
		HeartbeatInterval:  cfg.HeartbeatInterval.Std(),
		ReconnectBaseDelay: cfg.ReconnectBaseDelay.Std(),
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay.Std(),
		SendRatePerSec:     int(cfg.SendRatePerSec),
	}, machine, b, logger)
}

func provideReceipts(convs *store.ConversationStore, msgs *store.MessageStore, conn *ws.Conn, rc *rest.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *receipts.Coordinator {
	return receipts.New(receipts.Options{
		Convs:     convs,
		Messages:  msgs,
		Transport: conn,
		Rest:      rc,
		Journal:   db,
		Bus:       b,
		Logger:    logger,
	})
}

func providePipeline(p Params, cfg *config.Config, msgs *store.MessageStore, convs *store.ConversationStore, conn *ws.Conn, rc *rest.Client, db *cache.DB, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.New(outbox.Options{
		SelfID:     p.UserID,
		Messages:   msgs,
		Convs:      convs,
		Transport:  conn,
		Fallback:   rc,
		Journal:    db,
		Bus:        b,
		Logger:     logger,
		AckTimeout: cfg.AckTimeout.Std(),
	})
}

func provideRouter(p Params, msgs *store.MessageStore, convs *store.ConversationStore, pipeline *outbox.Pipeline, coord *receipts.Coordinator, db *cache.DB, b *bus.Bus, logger *zap.Logger) *dispatch.Router {
	return dispatch.New(dispatch.Options{
		SelfID:   p.UserID,
		Messages: msgs,
		Convs:    convs,
		Acks:     pipeline,
		Receipts: coord,
		Journal:  db,
		Bus:      b,
		Logger:   logger,
	})
}

func provideClient(p Params, convs *store.ConversationStore, msgs *store.MessageStore, pipeline *outbox.Pipeline, coord *receipts.Coordinator, router *dispatch.Router, conn *ws.Conn, rc *rest.Client, db *cache.DB, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *Client {
	return NewClient(Deps{
		SelfID:   p.UserID,
		Convs:    convs,
		Messages: msgs,
		Pipeline: pipeline,
		Receipts: coord,
		Router:   router,
		Conn:     conn,
		Rest:     rc,
		Cache:    db,
		Machine:  machine,
		Bus:      b,
		Logger:   logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, c *Client, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return c.Start(ctx)
		},
		OnStop: func(_ context.Context) error {
			err := c.Close()
			if lerr := lk.Release(); lerr != nil {
				logger.Warn("error releasing identity lock", zap.Error(lerr))
			}
			logger.Info("messaging session stopped")
			return err
		},
	})
}
