// Package chat scopes every stateful component to one authenticated
// identity. A Session is opened with a token and closed on logout; nothing
// it owns outlives it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/auth"
	"github.com/matheus3301/parley/internal/bus"
	"github.com/matheus3301/parley/internal/clock"
	"github.com/matheus3301/parley/internal/conversation"
	"github.com/matheus3301/parley/internal/coordinator"
	"github.com/matheus3301/parley/internal/metrics"
	"github.com/matheus3301/parley/internal/outbox"
	"github.com/matheus3301/parley/internal/protocol"
	"github.com/matheus3301/parley/internal/status"
	"github.com/matheus3301/parley/internal/store"
	intsync "github.com/matheus3301/parley/internal/sync"
	"github.com/matheus3301/parley/internal/transport"
	"go.uber.org/zap"
)

var ErrSessionClosed = errors.New("session closed")

// Options configures a Session.
type Options struct {
	Token      string
	Endpoint   string
	APIBaseURL string
	// DBPath enables the on-disk cache and outbox journal when set.
	DBPath string

	MaxReconnectAttempts int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	PingInterval         time.Duration
	SendTimeout          time.Duration
	GraceWindow          time.Duration

	Clock   clock.Clock
	Dialer  transport.Dialer
	API     coordinator.API
	Metrics *metrics.Metrics
}

// Session owns the bus, connection, stores and coordinator of one identity.
type Session struct {
	identity auth.Identity
	clock    clock.Clock
	logger   *zap.Logger

	bus        *bus.Bus
	machine    *status.Machine
	conv       *conversation.Store
	db         *store.DB
	cache      *intsync.Cache
	sender     *outbox.Sender
	engine     *intsync.Engine
	dispatcher *protocol.Dispatcher
	manager    *transport.Manager
	client     *api.Client
	coord      *coordinator.Coordinator

	stopMetrics func()

	mu     sync.Mutex
	token  string
	closed bool
}

// Open builds a session for the identity in opts.Token, restores the cache,
// starts the apply loop and connects. The conversation list is fetched in
// the background.
func Open(opts Options, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	identity, err := auth.ParseToken(opts.Token, opts.Clock.Now())
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	logger = logger.With(zap.String("user_id", identity.UserID))

	s := &Session{
		identity: identity,
		clock:    opts.Clock,
		logger:   logger,
		bus:      bus.New(),
		token:    opts.Token,
	}
	s.machine = status.NewMachine(s.bus)
	s.conv = conversation.New(conversation.Options{
		Self:        conversation.Participant{ID: identity.UserID, Name: identity.Name, AvatarURL: identity.AvatarURL},
		Clock:       opts.Clock,
		GraceWindow: opts.GraceWindow,
		Bus:         s.bus,
		Logger:      logger.Named("conversation"),
	})

	if opts.DBPath != "" {
		if err := s.openCache(opts.DBPath); err != nil {
			return nil, err
		}
	}

	var (
		journal   outbox.Journal
		sendObs   outbox.Observer
		applyObs  intsync.Observer
		decodeObs protocol.DecodeObserver
		persister intsync.Persister
		coordPers coordinator.Persister
	)
	if s.db != nil {
		journal, persister, coordPers = s.db, s.cache, s.cache
	}
	if opts.Metrics != nil {
		sendObs, applyObs, decodeObs = opts.Metrics, opts.Metrics, opts.Metrics
		s.stopMetrics = opts.Metrics.Watch(s.bus)
	}

	s.manager = transport.NewManager(transport.Options{
		Endpoint:             opts.Endpoint,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		InitialDelay:         opts.InitialDelay,
		MaxDelay:             opts.MaxDelay,
		PingInterval:         opts.PingInterval,
		Clock:                opts.Clock,
		OnFrame:              func(raw []byte) { s.dispatcher.HandleFrame(raw) },
	}, dialerOrDefault(opts), s.machine, s.bus, logger.Named("transport"))

	s.sender = outbox.NewSender(s.conv, s.manager, s.bus, logger.Named("outbox"), outbox.Options{
		Timeout:  opts.SendTimeout,
		Clock:    opts.Clock,
		Journal:  journal,
		Observer: sendObs,
	})
	s.engine = intsync.NewEngine(s.conv, logger.Named("sync"), intsync.Options{
		Acker:     s.sender,
		Persister: persister,
		Observer:  applyObs,
		OnRefresh: func(id string) { s.coord.RequestConversationRefresh(id) },
	})
	s.dispatcher = protocol.NewDispatcher(logger.Named("dispatcher"), decodeObs)
	s.dispatcher.Subscribe(s.engine.Handle)

	restAPI := opts.API
	if restAPI == nil {
		s.client = api.New(api.Options{BaseURL: opts.APIBaseURL, Token: opts.Token, Retries: 2}, logger.Named("api"))
		restAPI = s.client
	}
	s.coord = coordinator.New(s.conv, restAPI, s.sender, s.bus, logger.Named("coordinator"), coordinator.Options{
		Persister: coordPers,
		State:     s.machine,
	})

	s.engine.Start(context.Background())
	s.sender.Start()
	s.coord.Start()
	s.manager.Connect(opts.Token)
	s.coord.RequestConversationRefresh("")

	logger.Info("session opened", zap.String("endpoint", opts.Endpoint), zap.Bool("cache", s.db != nil))
	return s, nil
}

func (s *Session) openCache(path string) error {
	db, err := store.Open(path)
	if err != nil {
		return err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return err
	}
	if result.Changed {
		s.logger.Info("migrations applied", zap.Uint("version", result.Version))
	}
	// Unconfirmed sends of a previous run have no in-memory entry to
	// reconcile against, so they are closed out as failed.
	if stale, err := db.UnresolvedOutbox(); err == nil {
		for _, e := range stale {
			s.logger.Warn("send from a previous run was never confirmed",
				zap.String("correlation_id", e.ClientMsgID),
				zap.String("conversation_id", e.ConversationID),
				zap.String("status", e.Status))
		}
	}
	if _, err := db.ResolveStaleOutbox("session restarted"); err != nil {
		s.logger.Warn("failed to resolve stale outbox", zap.Error(err))
	}

	s.db = db
	s.cache = intsync.NewCache(db, s.conv, s.logger.Named("cache"))
	n, err := s.cache.Hydrate()
	if err != nil {
		s.logger.Warn("cache hydrate failed", zap.Error(err))
	}
	if synced, err := s.cache.LastSynced(); err == nil && n > 0 {
		s.logger.Info("cache restored", zap.Int("conversations", n), zap.Time("synced_at", synced))
	}
	return nil
}

func dialerOrDefault(opts Options) transport.Dialer {
	if opts.Dialer != nil {
		return opts.Dialer
	}
	return transport.NewWebsocketDialer(opts.PingInterval)
}

// Identity returns the authenticated user.
func (s *Session) Identity() auth.Identity { return s.identity }

// Coordinator returns the presentation-facing API.
func (s *Session) Coordinator() *coordinator.Coordinator { return s.coord }

// Bus returns the session's event bus.
func (s *Session) Bus() *bus.Bus { return s.bus }

// State returns the connection state.
func (s *Session) State() status.StatusChange { return s.machine.Snapshot() }

// Reconnect connects again after the connection closed. A non-empty token
// replaces the current one; it must belong to the same user.
func (s *Session) Reconnect(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if token != "" {
		id, err := auth.ParseToken(token, s.clock.Now())
		if err != nil {
			return err
		}
		if id.UserID != s.identity.UserID {
			return fmt.Errorf("token belongs to %s, session is %s", id.UserID, s.identity.UserID)
		}
		s.token = token
		if s.client != nil {
			s.client.SetToken(token)
		}
	}
	s.logger.Info("reconnect requested")
	s.manager.Connect(s.token)
	return nil
}

// Close disconnects and stops every component. Cached data is kept.
func (s *Session) Close() error {
	return s.shutdown(false)
}

// Logout closes the session and removes everything it cached.
func (s *Session) Logout() error {
	return s.shutdown(true)
}

func (s *Session) shutdown(logout bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if logout {
			return ErrSessionClosed
		}
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.manager.Disconnect()
	s.coord.Close()
	s.sender.Stop()
	s.engine.Stop()
	if s.stopMetrics != nil {
		s.stopMetrics()
	}

	var errs []error
	if logout {
		s.conv.Evict()
		if s.cache != nil {
			if err := s.cache.Purge(); err != nil {
				errs = append(errs, fmt.Errorf("purge cache: %w", err))
			}
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if logout {
		s.logger.Info("logged out")
	} else {
		s.logger.Info("session closed")
	}
	return errors.Join(errs...)
}
