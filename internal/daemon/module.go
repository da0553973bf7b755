package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/chat"
	"github.com/matheus3301/parley/internal/config"
	"github.com/matheus3301/parley/internal/lock"
	"github.com/matheus3301/parley/internal/logging"
	"github.com/matheus3301/parley/internal/metrics"
	"github.com/matheus3301/parley/internal/session"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.parley/config.toml
}

// credentials is the bearer token the daemon connects with and the identity
// it carries.
type credentials struct {
	token    string
	identity auth.Identity
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideCredentials,
			provideLock,
			provideMetrics,
			provideSession,
			provideHealth,
			provideMetricsServer,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func resolveToken(p Params, cfg *config.Config) (credentials, error) {
	path := cfg.TokenFile
	if path == "" {
		path = session.TokenPath(p.SessionName)
	}
	token, err := auth.ResolveToken(os.Getenv(config.TokenEnv), path)
	if err != nil {
		return credentials{}, err
	}
	id, err := auth.ParseToken(token, time.Now())
	if err != nil {
		return credentials{}, err
	}
	return credentials{token: token, identity: id}, nil
}

func provideCredentials(p Params, cfg *config.Config, logger *zap.Logger) (credentials, error) {
	creds, err := resolveToken(p, cfg)
	if err != nil {
		return credentials{}, err
	}
	logger.Info("token loaded",
		zap.String("user_id", creds.identity.UserID),
		zap.Time("expires_at", creds.identity.ExpiresAt))
	return creds, nil
}

func provideLock(p Params, creds credentials, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), creds.identity.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideMetrics(p Params) *metrics.Metrics {
	return metrics.New(p.SessionName)
}

// provideSession takes the lock as a dependency so the cache is never
// opened by two daemons.
func provideSession(p Params, cfg *config.Config, creds credentials, m *metrics.Metrics, _ *lock.Lock, logger *zap.Logger) (*chat.Session, error) {
	return chat.Open(chat.Options{
		Token:                creds.token,
		Endpoint:             cfg.Endpoint,
		APIBaseURL:           cfg.APIBaseURL,
		DBPath:               session.CachePath(p.SessionName),
		MaxReconnectAttempts: cfg.Reconnects(),
		InitialDelay:         cfg.InitialDelay(),
		MaxDelay:             cfg.MaxDelay(),
		PingInterval:         cfg.PingInterval(),
		SendTimeout:          cfg.SendTimeout(),
		GraceWindow:          cfg.GraceWindow(),
		Metrics:              m,
	}, logger)
}

func provideHealth(logger *zap.Logger) *Health {
	return NewHealth(statusBooting, logger.Named("health"))
}

func provideMetricsServer(cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *MetricsServer {
	return NewMetricsServer(cfg.MetricsAddr, m, logger.Named("metrics"))
}

func registerLifecycle(lc fx.Lifecycle, p Params, cfg *config.Config, srv *Server, health *Health, ms *MetricsServer, sess *chat.Session, lk *lock.Lock, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	stopReload := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			health.Follow(sess.Bus(), sess.State)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()

			if err := ms.Start(); err != nil {
				return fmt.Errorf("metrics listener: %w", err)
			}

			// SIGHUP re-reads the token and reconnects, which is how a
			// session recovers after the server rejected its token.
			signal.Notify(hup, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-stopReload:
						return
					case <-hup:
						reload(p, cfg, sess, logger)
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			signal.Stop(hup)
			close(stopReload)
			if err := sess.Close(); err != nil {
				logger.Warn("error closing session", zap.Error(err))
			}
			health.Stop()
			srv.Stop(ctx)
			if err := ms.Shutdown(ctx); err != nil {
				logger.Warn("error stopping metrics listener", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func reload(p Params, cfg *config.Config, sess *chat.Session, logger *zap.Logger) {
	creds, err := resolveToken(p, cfg)
	if err != nil {
		logger.Error("reload: token unusable", zap.Error(err))
		return
	}
	if err := sess.Reconnect(creds.token); err != nil {
		logger.Error("reload: reconnect failed", zap.Error(err))
		return
	}
	logger.Info("reload: reconnecting", zap.String("user_id", creds.identity.UserID))
}
