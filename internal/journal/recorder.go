package journal

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/shellpipe/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

const (
	defaultQueueSize = 1024
	writeTimeout     = 5 * time.Second
)

// MetricWriter receives one point per entry. *influxdb.Client satisfies it.
type MetricWriter interface {
	WriteStatementMetric(m influxdb.StatementMetric)
}

// EventPublisher receives one JSON event per entry.
type EventPublisher interface {
	PublishEvent(kind string, payload []byte) error
}

// Logger is the logging interface used by the recorder.
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

// Options configures a Recorder. Every sink is optional.
type Options struct {
	Repository Repository
	Metrics    MetricWriter
	Events     []EventPublisher
	Logger     Logger

	// QueueSize bounds the number of entries waiting for the worker.
	QueueSize int

	// StatementMaxBytes cuts long statements before they are stored.
	StatementMaxBytes int
}

// Recorder fans completions out to the journal sinks on its own goroutine.
type Recorder struct {
	opts    Options
	logger  Logger
	entries chan Entry

	dropped  atomic.Uint64
	recorded atomic.Uint64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts the worker. Call Close to drain and stop it.
func NewRecorder(opts Options) *Recorder {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	r := &Recorder{
		opts:    opts,
		logger:  logger,
		entries: make(chan Entry, size),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues c for the sinks. It never blocks; when the queue is full
// or the recorder is closed the entry is dropped. Its signature matches shellpipe.WithObserver.
func (r *Recorder) Record(c shellpipe.Completion) {
	e := FromCompletion(c, r.opts.StatementMaxBytes)
	e.CreatedAt = time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}

	select {
	case r.entries <- e:
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("journal queue full, entry dropped",
			"request_id", e.RequestID,
			"dropped_total", n,
		)
	}
}

// Dropped returns the number of entries lost to a full queue.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Recorded returns the number of entries handed to the sinks.
func (r *Recorder) Recorded() uint64 {
	return r.recorded.Load()
}

// Close stops accepting entries and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.entries)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)

	for e := range r.entries {
		r.write(e)
		r.recorded.Add(1)
	}
}

func (r *Recorder) write(e Entry) {
	if r.opts.Repository != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.opts.Repository.Create(ctx, &e)
		cancel()
		if err != nil {
			r.logger.Error("journal write failed", "request_id", e.RequestID, "error", err)
		}
	}

	if r.opts.Metrics != nil {
		r.opts.Metrics.WriteStatementMetric(influxdb.StatementMetric{
			Kind:        e.Kind,
			Outcome:     string(e.Outcome),
			Duration:    e.Duration,
			OutputBytes: e.OutputBytes,
			Truncated:   e.Truncated,
			At:          e.StartedAt,
		})
	}

	if len(r.opts.Events) == 0 {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("encoding journal event", "request_id", e.RequestID, "error", err)
		return
	}
	for _, sink := range r.opts.Events {
		if err := sink.PublishEvent(e.Kind, payload); err != nil {
			r.logger.Warn("publishing journal event", "request_id", e.RequestID, "error", err)
		}
	}
}
