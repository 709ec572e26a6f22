// Package app assembles the court service: storage, the Redis mirror,
// the generation and screening clients, the orchestrator, and the
// HTTP/WebSocket surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/louisbranch/couplescourt/internal/court/cache"
	"github.com/louisbranch/couplescourt/internal/court/gateway"
	"github.com/louisbranch/couplescourt/internal/court/orchestrator"
	"github.com/louisbranch/couplescourt/internal/court/risk"
	"github.com/louisbranch/couplescourt/internal/court/storage"
	"github.com/louisbranch/couplescourt/internal/court/storage/memory"
	"github.com/louisbranch/couplescourt/internal/court/storage/sqlite"
	"github.com/louisbranch/couplescourt/internal/court/verdict"
	"github.com/louisbranch/couplescourt/internal/platform/id"
	"github.com/louisbranch/couplescourt/internal/platform/timeouts"
)

const (
	defaultCacheTTL = 24 * time.Hour
	defaultLockTTL  = 10 * time.Second
)

// Config describes a court server. Zero values fall back to local
// defaults: an in-memory store, no Redis, no screening.
type Config struct {
	HTTPAddr string

	// DatabasePath selects the SQLite file. Empty keeps sessions in
	// process memory, which only suits tests and throwaway runs.
	DatabasePath string

	// RedisURL enables the cross-instance cache, lock, and event
	// fan-out. Empty runs the service single-instance.
	RedisURL   string
	InstanceID string
	CacheTTL   time.Duration
	LockTTL    time.Duration

	AuthSecret   string
	AuthDisabled bool
	Production   bool

	VerdictURL    string
	VerdictSecret string
	RiskURL       string
	RiskSecret    string

	Timeouts orchestrator.TimeoutConfig

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Store, Generator, and Gate override the wiring above when set.
	Store     storage.SessionStore
	Generator verdict.Generator
	Gate      risk.Gate

	Logger *log.Logger
}

// Server hosts the court HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	orchestrator *orchestrator.Orchestrator
	gateway      *gateway.Server

	redisClient *redis.Client
	pubsub      *redis.PubSub
	listenStop  context.CancelFunc
	listenDone  chan struct{}

	dbStore *sqlite.Store
	logger  *log.Logger
}

// relayBroadcaster breaks the construction cycle between the
// orchestrator and the gateway: the orchestrator is built against the
// relay, and the gateway is attached before any traffic is served.
type relayBroadcaster struct {
	mu    sync.RWMutex
	inner orchestrator.Broadcaster
}

func (r *relayBroadcaster) set(b orchestrator.Broadcaster) {
	r.mu.Lock()
	r.inner = b
	r.mu.Unlock()
}

func (r *relayBroadcaster) BroadcastSession(event orchestrator.Event) {
	r.mu.RLock()
	inner := r.inner
	r.mu.RUnlock()
	if inner != nil {
		inner.BroadcastSession(event)
	}
}

// NewServer wires a court server. It connects to Redis and opens the
// database but does not serve traffic or rehydrate timers; that
// happens in ListenAndServe.
func NewServer(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaultCacheTTL
	}
	if config.LockTTL <= 0 {
		config.LockTTL = defaultLockTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "court: ", log.LstdFlags)
	}

	srv := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		logger:          logger,
	}

	store := config.Store
	if store == nil {
		if path := strings.TrimSpace(config.DatabasePath); path != "" {
			dbStore, err := sqlite.Open(path)
			if err != nil {
				return nil, fmt.Errorf("open session store: %w", err)
			}
			srv.dbStore = dbStore
			store = dbStore
		} else {
			logger.Printf("no database path configured, sessions will not survive a restart")
			store = memory.New()
		}
	}

	generator := config.Generator
	if generator == nil {
		if strings.TrimSpace(config.VerdictURL) == "" {
			srv.closePartial()
			return nil, errors.New("a verdict generator URL is required")
		}
		client, err := verdict.NewClient(verdict.ClientConfig{
			BaseURL: config.VerdictURL,
			Secret:  config.VerdictSecret,
		})
		if err != nil {
			srv.closePartial()
			return nil, fmt.Errorf("init verdict client: %w", err)
		}
		generator = client
	}

	gate := config.Gate
	if gate == nil && strings.TrimSpace(config.RiskURL) != "" {
		client, err := risk.NewClient(risk.ClientConfig{
			BaseURL: config.RiskURL,
			Secret:  config.RiskSecret,
		})
		if err != nil {
			srv.closePartial()
			return nil, fmt.Errorf("init risk client: %w", err)
		}
		gate = client
	}

	relay := &relayBroadcaster{}
	orchestratorConfig := orchestrator.Config{
		Store:       store,
		Generator:   generator,
		Gate:        gate,
		Broadcaster: relay,
		Logger:      logger,
		Timeouts:    config.Timeouts,
	}

	var bus *cache.Bus
	if strings.TrimSpace(config.RedisURL) != "" {
		client, err := cache.Connect(ctx, config.RedisURL, timeouts.RedisDial)
		if err != nil {
			srv.closePartial()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		srv.redisClient = client
		orchestratorConfig.Cache = cache.New(client, config.CacheTTL)
		orchestratorConfig.Locker = cache.NewLocker(client, config.LockTTL)

		// Origins must differ per instance or peers drop each other's
		// events along with their own.
		instanceID := strings.TrimSpace(config.InstanceID)
		if instanceID == "" {
			instanceID, err = id.NewID()
			if err != nil {
				srv.closePartial()
				return nil, fmt.Errorf("generate instance id: %w", err)
			}
		}

		bus = cache.NewBus(client, instanceID, func(event cache.Event) {
			if srv.orchestrator != nil {
				srv.orchestrator.ApplyRemote(event)
			}
		}, logger)
		orchestratorConfig.Publisher = bus
	}

	orch, err := orchestrator.New(orchestratorConfig)
	if err != nil {
		srv.closePartial()
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	srv.orchestrator = orch

	gw, err := gateway.New(gateway.Config{
		Service:      orch,
		AuthSecret:   []byte(config.AuthSecret),
		AuthDisabled: config.AuthDisabled,
		Production:   config.Production,
		TimeoutFor:   orch.TimeoutFor,
		Logger:       logger,
	})
	if err != nil {
		srv.closePartial()
		return nil, fmt.Errorf("init gateway: %w", err)
	}
	srv.gateway = gw
	relay.set(gw)

	if bus != nil {
		listenCtx, stop := context.WithCancel(context.Background())
		srv.listenStop = stop
		srv.listenDone = make(chan struct{})
		srv.pubsub = srv.redisClient.Subscribe(listenCtx, cache.EventsChannel)
		go func() {
			defer close(srv.listenDone)
			bus.Listen(listenCtx, srv.pubsub.Channel())
		}()
	}

	srv.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           srv.routes(config),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return srv, nil
}

// Run creates and serves a court server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(ctx, config)
	if err != nil {
		return fmt.Errorf("init court server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve court: %w", err)
	}
	return nil
}

// ListenAndServe rebuilds timers from the store and then serves HTTP
// until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("court server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	if err := s.orchestrator.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate sessions: %w", err)
	}

	serveErr := make(chan error, 1)
	s.logger.Printf("listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources. Safe to call after a failed
// ListenAndServe.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.orchestrator != nil {
		s.orchestrator.Shutdown()
	}
	s.closePartial()
}

func (s *Server) closePartial() {
	if s.listenStop != nil {
		s.listenStop()
		s.listenStop = nil
	}
	if s.pubsub != nil {
		if err := s.pubsub.Close(); err != nil {
			s.logger.Printf("close pubsub: %v", err)
		}
		s.pubsub = nil
	}
	if s.listenDone != nil {
		<-s.listenDone
		s.listenDone = nil
	}
	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.logger.Printf("close redis: %v", err)
		}
		s.redisClient = nil
	}
	if s.dbStore != nil {
		if err := s.dbStore.Close(); err != nil {
			s.logger.Printf("close session store: %v", err)
		}
		s.dbStore = nil
	}
}
