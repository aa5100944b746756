package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/shellpipe/internal/bridge"
	"github.com/nerrad567/shellpipe/internal/command"
	"github.com/nerrad567/shellpipe/internal/infrastructure/config"
	"github.com/nerrad567/shellpipe/internal/infrastructure/logging"
	"github.com/nerrad567/shellpipe/internal/journal"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// gracefulShutdownTimeout bounds the wait for in-flight requests on Close.
const gracefulShutdownTimeout = 10 * time.Second

// Shell is what the API needs from *shellpipe.Shell.
type Shell interface {
	command.Executor
	Stats() shellpipe.Stats
	Err() error
}

// ConnectionStatus is satisfied by the MQTT and InfluxDB clients.
type ConnectionStatus interface {
	IsConnected() bool
}

// BridgeStats is satisfied by *bridge.Bridge.
type BridgeStats interface {
	Metrics() bridge.Metrics
}

// RecorderStats is satisfied by *journal.Recorder.
type RecorderStats interface {
	Recorded() uint64
	Dropped() uint64
}

// Deps holds the dependencies of the API server. Only Logger and Shell are
// required.
type Deps struct {
	Config   config.APIConfig
	Logger   *logging.Logger
	Shell    Shell
	Journal  journal.Repository
	Recorder RecorderStats
	MQTT     ConnectionStatus
	InfluxDB ConnectionStatus
	Bridge   BridgeStats
	Hub      *Hub
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	shell    Shell
	journal  journal.Repository
	recorder RecorderStats
	mqtt     ConnectionStatus
	influx   ConnectionStatus
	bridge   BridgeStats
	hub      *Hub
	version  string

	startTime time.Time
	server    *http.Server
	listener  net.Listener
	cancel    context.CancelFunc
	mu        sync.Mutex
}

// New creates a server. It does not listen until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Shell == nil {
		return nil, fmt.Errorf("shell is required")
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewHub(deps.Config.WebSocket, deps.Logger)
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		shell:     deps.Shell,
		journal:   deps.Journal,
		recorder:  deps.Recorder,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		bridge:    deps.Bridge,
		hub:       hub,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Hub returns the WebSocket hub so it can be registered as a journal sink.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background. The hub runs until
// Close or until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the hub and shuts the server down, waiting up to ten seconds
// for in-flight requests.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
