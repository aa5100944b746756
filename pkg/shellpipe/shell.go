package shellpipe

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/shellpipe/internal/process"
	"github.com/nerrad567/shellpipe/internal/reassembler"
	"github.com/nerrad567/shellpipe/internal/sentinel"
)

// Defaults for zero-valued Config fields.
const (
	DefaultBinary          = "sqlite3"
	DefaultGracefulTimeout = 5 * time.Second
	DefaultJSONModeCommand = ".mode json"
	DefaultExitCommand     = ".exit"

	submitBuffer = 64
)

// Config configures a Shell.
type Config struct {
	// Binary is the shell executable. Defaults to "sqlite3".
	Binary string

	// Database is passed as the final argument. Empty means the shell's
	// default, which for sqlite3 is a transient in-memory database.
	Database string

	// Args are passed before Database.
	Args []string

	// Env are extra environment variables (key=value).
	Env []string

	// WorkDir is the working directory of the shell process.
	WorkDir string

	// RequestTimeout bounds the time a request may spend in flight.
	// Zero disables it; callers can still use context deadlines.
	RequestTimeout time.Duration

	// OrphanTimeout bounds how long the queue waits for the sentinel of a
	// request whose caller has gone away. When it expires the output stream
	// can no longer be attributed and the shell is failed. Defaults to
	// RequestTimeout, or one minute when that is zero.
	OrphanTimeout time.Duration

	// GracefulTimeout is how long Close waits for the shell to exit
	// before killing it.
	GracefulTimeout time.Duration

	// MaxBufferBytes caps the output kept per request; older bytes are
	// dropped and the completion is marked truncated.
	MaxBufferBytes int

	// MaxLineBytes caps a single line read from the shell.
	MaxLineBytes int

	// Marker overrides the sentinel marker.
	Marker string

	// JSONModeCommand switches the shell to JSON output before the first query.
	JSONModeCommand string

	// ExitCommand is written to the shell on Close.
	ExitCommand string
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.GracefulTimeout <= 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.MaxBufferBytes <= 0 {
		c.MaxBufferBytes = reassembler.DefaultLimit
	}
	if c.OrphanTimeout <= 0 {
		c.OrphanTimeout = c.RequestTimeout
		if c.OrphanTimeout <= 0 {
			c.OrphanTimeout = time.Minute
		}
	}
	if c.JSONModeCommand == "" {
		c.JSONModeCommand = DefaultJSONModeCommand
	}
	if c.ExitCommand == "" {
		c.ExitCommand = DefaultExitCommand
	}
}

// args returns the shell's command-line arguments.
func (c *Config) args() []string {
	args := append([]string(nil), c.Args...)
	if c.Database != "" {
		args = append(args, c.Database)
	}
	return args
}

// Logger is the logging interface used by the Shell.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Option customises a Shell at Open.
type Option func(*Shell)

// WithLogger sets the logger for the Shell and its process supervisor.
func WithLogger(logger Logger) Option {
	return func(s *Shell) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver registers fn to be called once for every settled request.
// fn runs on the queue goroutine and must not block or call back into the Shell.
func WithObserver(fn func(Completion)) Option {
	return func(s *Shell) {
		s.observer = fn
	}
}

// State describes the lifecycle of a Shell.
type State string

const (
	StateRunning State = "running"
	StateClosed  State = "closed"
	StateFailed  State = "failed"
)

// Shell is a running SQL shell process behind a serialized request queue.
type Shell struct {
	config   Config
	logger   Logger
	observer func(Completion)
	sentinel *sentinel.Recognizer
	proc     *process.Supervisor

	submitCh  chan submission
	cancelCh  chan cancelMsg
	timeoutCh chan timeoutMsg
	closeCh   chan struct{}
	stopped   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	seq       atomic.Uint64

	termMu   sync.RWMutex
	terminal error

	statsMu sync.Mutex
	stats   Stats

	// Owned by the queue goroutine.
	q queue
}

// Open validates cfg, starts the shell process, and returns a ready Shell.
//
// Open only fails for invalid configuration. If the process cannot be
// started the Shell is returned in the failed state: Err reports the
// *ProcessError and every request is rejected with it.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Shell, error) {
	cfg.applyDefaults()
	if cfg.RequestTimeout < 0 {
		return nil, fmt.Errorf("%w: request timeout must not be negative", ErrInvalidConfig)
	}
	if cfg.MaxLineBytes < 0 {
		return nil, fmt.Errorf("%w: max line bytes must not be negative", ErrInvalidConfig)
	}
	for _, arg := range cfg.Args {
		if arg == "-bail" || arg == "--bail" {
			return nil, fmt.Errorf("%w: %s would stop the shell at the first error", ErrInvalidConfig, arg)
		}
	}

	recognizer, err := sentinel.New(cfg.Marker)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	s := &Shell{
		config:    cfg,
		logger:    noopLogger{},
		sentinel:  recognizer,
		submitCh:  make(chan submission, submitBuffer),
		cancelCh:  make(chan cancelMsg, submitBuffer),
		timeoutCh: make(chan timeoutMsg, submitBuffer),
		closeCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.proc = process.NewSupervisor(process.Config{
		Name:            "shell",
		Binary:          cfg.Binary,
		Args:            cfg.args(),
		Env:             cfg.Env,
		WorkDir:         cfg.WorkDir,
		GracefulTimeout: cfg.GracefulTimeout,
		MaxLineBytes:    cfg.MaxLineBytes,
	})
	s.proc.SetLogger(s.logger)
	s.q = newQueue(s, reassembler.New(recognizer, cfg.MaxBufferBytes))
	s.stats.State = StateRunning

	go func() {
		<-s.stopped
		<-s.proc.Done()
		close(s.done)
	}()

	if err := s.proc.Start(ctx); err != nil {
		perr := &ProcessError{Op: "spawn", Err: err}
		s.logger.Error("shell failed to start", "binary", cfg.Binary, "error", err)
		s.setTerminal(perr, StateFailed)
		close(s.stopped)
		return s, nil
	}

	s.logger.Info("shell started", "binary", cfg.Binary, "database", cfg.Database, "pid", s.proc.PID())

	go s.q.run()
	return s, nil
}

// Err returns the terminal error of the Shell: nil while it is running,
// ErrClosed after Close, or the *ProcessError that failed it.
func (s *Shell) Err() error {
	s.termMu.RLock()
	defer s.termMu.RUnlock()
	return s.terminal
}

func (s *Shell) setTerminal(err error, state State) {
	s.termMu.Lock()
	if s.terminal == nil {
		s.terminal = err
	}
	s.termMu.Unlock()
	s.updateStats(func(st *Stats) { st.State = state })
}

// Close rejects outstanding work with ErrClosing and asks the shell to exit.
// It does not wait for the process; use Done for that. Close is idempotent.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		select {
		case s.closeCh <- struct{}{}:
		case <-s.stopped:
		}
	})
	return nil
}

// Done is closed once the shell process has been reaped and the queue has
// stopped.
func (s *Shell) Done() <-chan struct{} {
	return s.done
}

// PID returns the shell's process ID, or 0 if it never started.
func (s *Shell) PID() int {
	return s.proc.PID()
}

// Stats is a point-in-time snapshot of a Shell.
type Stats struct {
	State     State `json:"state"`
	PID       int   `json:"pid"`
	Pending   int   `json:"pending"`
	InFlight  bool  `json:"in_flight"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Orphaned  int64 `json:"orphaned"`
	JSONMode  bool  `json:"json_mode"`

	// Process is the supervisor status of the child process.
	Process       string `json:"process"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	LastError     string `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the queue counters and the process state.
func (s *Shell) Stats() Stats {
	s.statsMu.Lock()
	st := s.stats
	s.statsMu.Unlock()

	ps := s.proc.Stats()
	st.PID = ps.PID
	st.Process = string(ps.Status)
	st.UptimeSeconds = int64(ps.Uptime.Seconds())
	st.LastError = ps.LastError
	return st
}

func (s *Shell) updateStats(fn func(*Stats)) {
	s.statsMu.Lock()
	fn(&s.stats)
	s.statsMu.Unlock()
}
