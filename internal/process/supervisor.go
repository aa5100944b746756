package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Status represents the current state of the supervised process.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusExited   Status = "exited"
	StatusFailed   Status = "failed"
)

// Defaults for zero-valued Config fields.
const (
	defaultGracefulTimeout = 5 * time.Second
	defaultMaxLineBytes    = 16 << 20
	defaultEventBuffer     = 256
	writeQueueSize         = 16
	readChunkSize          = 64 << 10
)

// ErrNotRunning is returned when writing to a process that is not running.
var ErrNotRunning = errors.New("process: not running")

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("process: already started")

// ErrWriteQueueFull is returned when too many writes are outstanding.
var ErrWriteQueueFull = errors.New("process: write queue full")

// Config holds configuration for a supervised process.
type Config struct {
	// Name is a human-readable identifier for logging.
	Name string

	// Binary is the path or name of the executable.
	Binary string

	// Args are command-line arguments to pass to the binary.
	Args []string

	// Env are additional environment variables (key=value format).
	// If nil, inherits from parent process.
	Env []string

	// WorkDir is the working directory for the process.
	// If empty, inherits from parent process.
	WorkDir string

	// GracefulTimeout is how long Stop waits for the process to exit after
	// the polite command before sending SIGKILL.
	GracefulTimeout time.Duration

	// MaxLineBytes caps a single captured line. Longer lines are split.
	MaxLineBytes int

	// EventBuffer is the capacity of the event channel.
	EventBuffer int
}

// EventKind identifies what an Event carries.
type EventKind int

const (
	// EventStdout carries one line of standard output, terminator removed.
	EventStdout EventKind = iota
	// EventStderr carries one line of standard error, terminator removed.
	EventStderr
	// EventWriteFailed reports that the write tagged Tag could not be delivered.
	EventWriteFailed
	// EventStreamError reports a read failure on stdout or stderr.
	EventStreamError
	// EventExit is always the last event; Err holds the wait error, if any.
	EventExit
)

func (k EventKind) String() string {
	switch k {
	case EventStdout:
		return "stdout"
	case EventStderr:
		return "stderr"
	case EventWriteFailed:
		return "write_failed"
	case EventStreamError:
		return "stream_error"
	case EventExit:
		return "exit"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a single occurrence on the child's streams.
type Event struct {
	Kind EventKind
	Line string
	Tag  uint64
	Err  error
}

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// writeOp is one queued write to stdin.
type writeOp struct {
	tag  uint64
	data string
}

// Supervisor owns a child process and its three standard streams.
type Supervisor struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	cmd           *exec.Cmd
	status        Status
	startTime     time.Time
	exitErr       error
	stopRequested bool
	writesClosed  bool

	writes     chan writeOp
	writerDone chan struct{}
	events     chan Event
	done       chan struct{}
}

// NewSupervisor creates a supervisor with the given configuration.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = defaultGracefulTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = defaultMaxLineBytes
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Binary
	}

	return &Supervisor{
		config:     cfg,
		logger:     noopLogger{},
		status:     StatusStopped,
		writes:     make(chan writeOp, writeQueueSize),
		writerDone: make(chan struct{}),
		events:     make(chan Event, cfg.EventBuffer),
		done:       make(chan struct{}),
	}
}

// SetLogger sets the logger for the supervisor.
func (s *Supervisor) SetLogger(logger Logger) {
	s.logger = logger
}

// Events returns the event channel. It is closed after EventExit.
// The consumer must keep draining it until it is closed.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Done is closed once the process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Start launches the child process. The context only bounds the spawn;
// the process lives until Stop or Kill.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusStopped {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, s.config.Name)
	}
	s.status = StatusStarting
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.fail(err)
		return err
	}

	if err := s.startProcess(); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// fail records a spawn failure and releases waiters.
func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.status = StatusFailed
	s.exitErr = err
	s.writesClosed = true
	s.mu.Unlock()
	close(s.events)
	close(s.done)
}

func (s *Supervisor) startProcess() error {
	s.logger.Info("starting process",
		"name", s.config.Name,
		"binary", s.config.Binary,
		"args", s.config.Args,
	)

	cmd := exec.Command(s.config.Binary, s.config.Args...) //nolint:gosec // binary comes from operator configuration

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if s.config.Env != nil {
		cmd.Env = append(os.Environ(), s.config.Env...)
	}
	if s.config.WorkDir != "" {
		cmd.Dir = s.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", s.config.Name, err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.status = StatusRunning
	s.startTime = time.Now()
	s.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(2)
	go s.captureLines(EventStdout, stdout, &readers)
	go s.captureLines(EventStderr, stderr, &readers)
	go s.writeLoop(stdin)
	go s.wait(cmd, &readers)

	s.logger.Info("process started",
		"name", s.config.Name,
		"pid", cmd.Process.Pid,
	)

	return nil
}

// captureLines reads r and emits one event per line.
func (s *Supervisor) captureLines(kind EventKind, r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	br := bufio.NewReaderSize(r, readChunkSize)
	var partial []byte
	for {
		chunk, err := br.ReadSlice('\n')
		switch {
		case err == nil:
			partial = append(partial, chunk[:len(chunk)-1]...)
			s.emitLine(kind, partial)
			partial = partial[:0]
			continue
		case errors.Is(err, bufio.ErrBufferFull):
			partial = append(partial, chunk...)
			if len(partial) >= s.config.MaxLineBytes {
				s.emitLine(kind, partial)
				partial = partial[:0]
			}
			continue
		}

		partial = append(partial, chunk...)
		if len(partial) > 0 {
			s.emitLine(kind, partial)
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			s.events <- Event{Kind: EventStreamError, Err: fmt.Errorf("reading %s: %w", kind, err)}
		}
		s.logger.Debug("output stream closed", "name", s.config.Name, "stream", kind.String())
		return
	}
}

func (s *Supervisor) emitLine(kind EventKind, line []byte) {
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	s.events <- Event{Kind: kind, Line: string(line)}
}

// writeLoop delivers queued writes in order and closes stdin when the
// queue is closed.
func (s *Supervisor) writeLoop(stdin io.WriteCloser) {
	defer close(s.writerDone)

	var broken error
	for op := range s.writes {
		if broken == nil {
			_, broken = io.WriteString(stdin, op.data)
			if broken == nil {
				continue
			}
			s.logger.Warn("write to process failed", "name", s.config.Name, "error", broken)
		}
		if op.tag != 0 {
			s.events <- Event{Kind: EventWriteFailed, Tag: op.tag, Err: broken}
		}
	}
	if err := stdin.Close(); err != nil && broken == nil && !errors.Is(err, os.ErrClosed) {
		s.logger.Debug("closing stdin", "name", s.config.Name, "error", err)
	}
}

// wait reaps the process after both readers have drained its output.
// EventExit is sent only after the writer has finished, so it is always
// the last event.
func (s *Supervisor) wait(cmd *exec.Cmd, readers *sync.WaitGroup) {
	readers.Wait()
	err := cmd.Wait()

	s.mu.Lock()
	stopRequested := s.stopRequested
	s.status = StatusExited
	s.exitErr = err
	if !s.writesClosed {
		s.writesClosed = true
		close(s.writes)
	}
	s.mu.Unlock()

	<-s.writerDone

	if stopRequested {
		s.logger.Info("process stopped as requested", "name", s.config.Name)
	} else {
		s.logger.Warn("process exited unexpectedly", "name", s.config.Name, "error", err)
	}

	s.events <- Event{Kind: EventExit, Err: err}
	close(s.events)
	close(s.done)
}

// Write queues data for delivery to stdin. A non-zero tag makes a failed
// delivery come back as an EventWriteFailed with the same tag.
func (s *Supervisor) Write(tag uint64, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning || s.writesClosed {
		return ErrNotRunning
	}

	select {
	case s.writes <- writeOp{tag: tag, data: data}:
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// Stop asks the process to exit. It queues politeCommand (if not empty),
// closes stdin, and waits up to GracefulTimeout before killing the whole
// process group. Stop blocks until the process has been reaped.
func (s *Supervisor) Stop(politeCommand string) error {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusStarting {
		s.mu.Unlock()
		return nil
	}
	s.stopRequested = true
	s.status = StatusStopping
	if !s.writesClosed {
		if politeCommand != "" {
			select {
			case s.writes <- writeOp{data: politeCommand}:
			default:
			}
		}
		s.writesClosed = true
		close(s.writes)
	}
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	s.logger.Info("stopping process", "name", s.config.Name, "pid", pid)

	select {
	case <-s.done:
		s.logger.Info("process stopped gracefully", "name", s.config.Name)
		return nil
	case <-time.After(s.config.GracefulTimeout):
		s.logger.Warn("graceful shutdown timeout, sending SIGKILL",
			"name", s.config.Name,
			"timeout", s.config.GracefulTimeout,
		)
	}

	if err := s.signalGroup(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", s.config.Name, err)
	}

	<-s.done
	s.logger.Info("process killed", "name", s.config.Name)
	return nil
}

// Kill terminates the process group immediately without waiting.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	s.stopRequested = true
	if !s.writesClosed {
		s.writesClosed = true
		close(s.writes)
	}
	cmd := s.cmd
	status := s.status
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil || status == StatusExited {
		return
	}
	if err := s.signalGroup(cmd.Process.Pid, syscall.SIGKILL); err != nil {
		s.logger.Warn("failed to kill process group", "name", s.config.Name, "error", err)
	}
}

// signalGroup signals the process group created via Setpgid.
func (s *Supervisor) signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// PID returns the process ID, or 0 if not started.
func (s *Supervisor) PID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// Stats describes the supervised process. LastError holds the spawn error
// or the error returned by Wait.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for the process.
func (s *Supervisor) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Name:   s.config.Name,
		Status: s.status,
	}
	if s.cmd != nil && s.cmd.Process != nil {
		stats.PID = s.cmd.Process.Pid
	}
	if s.status == StatusRunning {
		stats.Uptime = time.Since(s.startTime)
	}
	if s.exitErr != nil {
		stats.LastError = s.exitErr.Error()
	}
	return stats
}
