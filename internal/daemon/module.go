package daemon

import (
	"context"
	"io"
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matheus3301/imsync/internal/api"
	"github.com/matheus3301/imsync/internal/bus"
	"github.com/matheus3301/imsync/internal/config"
	"github.com/matheus3301/imsync/internal/lock"
	"github.com/matheus3301/imsync/internal/logging"
	"github.com/matheus3301/imsync/internal/offline"
	"github.com/matheus3301/imsync/internal/realtime"
	"github.com/matheus3301/imsync/internal/remote"
	"github.com/matheus3301/imsync/internal/session"
	"github.com/matheus3301/imsync/internal/store"
	"github.com/matheus3301/imsync/internal/store/memory"
	"github.com/matheus3301/imsync/internal/store/sqlite"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load ~/.imsync/config.toml
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideRemote,
			provideRealtime,
			provideManager,
			provideControlService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadOrDefault(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if p.Debug {
		level = zapcore.DebugLevel
	}
	return logging.New(logging.Options{
		Path:    session.LogPath(p.SessionName),
		Session: p.SessionName,
		Level:   level,
		Console: os.Stderr,
	})
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger.Named("bus"))
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the store is never opened by two
// daemons at once.
func provideStore(p Params, cfg *config.Config, _ *lock.Lock, logger *zap.Logger) (store.Storage, error) {
	if cfg.Storage.Backend == config.BackendMemory {
		logger.Info("store initialized", zap.String("backend", config.BackendMemory))
		return memory.New(), nil
	}

	dbPath := session.StorePath(p.SessionName)
	db, err := sqlite.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("backend", config.BackendSQLite), zap.String("path", dbPath))
	return db, nil
}

func provideRemote(cfg *config.Config, logger *zap.Logger) *remote.Client {
	return remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, logger.Named("remote"))
}

// provideRealtime returns nil when no service is configured.
func provideRealtime(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (realtime.Client, error) {
	if cfg.Remote.BaseURL == "" {
		logger.Info("no remote configured, realtime disabled")
		return nil, nil
	}
	return realtime.New(cfg.Realtime.Transport, cfg.Remote.BaseURL, realtimeConfig(cfg), b, logger.Named("realtime"))
}

func provideManager(cfg *config.Config, st store.Storage, rq *remote.Client, rt realtime.Client, b *bus.Bus, logger *zap.Logger) (*offline.Manager, error) {
	mc, err := managerConfig(cfg)
	if err != nil {
		return nil, err
	}
	return offline.New(st, rq, b, rt, mc, logger.Named("offline")), nil
}

func provideControlService(p Params, mgr *offline.Manager, b *bus.Bus, logger *zap.Logger) *api.ControlService {
	return api.NewControlService(mgr, b, p.SessionName, logger.Named("api"))
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, st store.Storage, mgr *offline.Manager, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := mgr.Init(ctx); err != nil {
				return err
			}

			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			mgr.Destroy()
			if c, ok := st.(io.Closer); ok {
				if err := c.Close(); err != nil {
					logger.Warn("error closing store", zap.Error(err))
				}
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			_ = logger.Sync()
			return nil
		},
	})
}
