package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/shellpipe/internal/command"
	"github.com/nerrad567/shellpipe/internal/infrastructure/mqtt"
)

const (
	defaultMaxInflight = 64
	replyQoS           = 1
)

// MQTTClient is the subset of *mqtt.Client the bridge uses.
type MQTTClient interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	HasSubscription(topic string) bool
	Topics() mqtt.Topics
}

// Logger is the logging interface used by the bridge.
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

// Options configures a Bridge.
type Options struct {
	MQTT     MQTTClient
	Executor command.Executor
	Logger   Logger

	// RequestTimeout bounds each request on top of the shell's own limit.
	// Zero leaves it to the shell.
	RequestTimeout time.Duration

	// MaxInflight caps concurrently handled requests. Further requests are
	// answered with an unavailable error.
	MaxInflight int
}

// Metrics counts bridge traffic.
type Metrics struct {
	// Subscribed reports whether the client tracks the request topic.
	Subscribed bool `json:"subscribed"`

	Received uint64 `json:"received"`
	Replied  uint64 `json:"replied"`
	Rejected uint64 `json:"rejected"`
	Failed   uint64 `json:"failed"`
}

// Bridge relays MQTT requests to a shell.
type Bridge struct {
	mqtt    MQTTClient
	exec    command.Executor
	logger  Logger
	topics  mqtt.Topics
	timeout time.Duration
	slots   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool

	received atomic.Uint64
	replied  atomic.Uint64
	rejected atomic.Uint64
	failed   atomic.Uint64
}

// New validates opts and returns a stopped bridge.
func New(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	limit := opts.MaxInflight
	if limit <= 0 {
		limit = defaultMaxInflight
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		mqtt:    opts.MQTT,
		exec:    opts.Executor,
		logger:  logger,
		topics:  opts.MQTT.Topics(),
		timeout: opts.RequestTimeout,
		slots:   make(chan struct{}, limit),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start subscribes to the request topic.
func (b *Bridge) Start() error {
	topic := b.topics.Requests()
	if err := b.mqtt.Subscribe(topic, replyQoS, b.handleMessage); err != nil {
		return fmt.Errorf("subscribe to requests: %w", err)
	}
	b.logger.Info("mqtt bridge started", "topic", topic)
	return nil
}

// Stop unsubscribes, cancels in-flight requests and waits for their replies.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	if err := b.mqtt.Unsubscribe(b.topics.Requests()); err != nil {
		b.logger.Debug("unsubscribe on stop failed", "error", err)
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("mqtt bridge stopped")
}

// Metrics returns a snapshot of the traffic counters.
func (b *Bridge) Metrics() Metrics {
	return Metrics{
		Subscribed: b.mqtt.HasSubscription(b.topics.Requests()),
		Received:   b.received.Load(),
		Replied:    b.replied.Load(),
		Rejected:   b.rejected.Load(),
		Failed:     b.failed.Load(),
	}
}

// handleMessage runs on paho's goroutine and must not block on the shell.
func (b *Bridge) handleMessage(topic string, payload []byte) error {
	id, ok := b.topics.RequestID(topic)
	if !ok {
		return fmt.Errorf("unexpected topic %q", topic)
	}
	b.received.Add(1)

	req, err := command.Decode(payload)
	if err != nil {
		b.rejected.Add(1)
		b.reply(id, command.Failure(err))
		return nil
	}

	if msg := b.acquire(); msg != "" {
		b.rejected.Add(1)
		b.reply(id, command.Reply{Error: &command.ErrorBody{
			Code:    command.CodeUnavailable,
			Message: msg,
		}})
		return nil
	}

	go func() {
		defer b.wg.Done()
		defer func() { <-b.slots }()
		b.run(id, req)
	}()
	return nil
}

// acquire reserves an in-flight slot and registers with the wait group. It
// returns the rejection reason when no slot is available.
func (b *Bridge) acquire() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return "bridge is stopping"
	}
	select {
	case b.slots <- struct{}{}:
	default:
		return "too many requests in flight"
	}
	b.wg.Add(1)
	return ""
}

func (b *Bridge) run(id string, req command.Request) {
	ctx := b.ctx
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()
	reply := command.Execute(ctx, b.exec, req)
	if !reply.OK {
		b.failed.Add(1)
	}
	b.logger.Debug("mqtt request handled",
		"request_id", id,
		"op", req.Op,
		"ok", reply.OK,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	b.reply(id, reply)
}

func (b *Bridge) reply(id string, reply command.Reply) {
	reply.RequestID = id
	payload, err := json.Marshal(reply)
	if err != nil {
		b.logger.Error("encoding mqtt reply", "request_id", id, "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Reply(id), payload, replyQoS, false); err != nil {
		b.logger.Warn("publishing mqtt reply", "request_id", id, "error", err)
		return
	}
	b.replied.Add(1)
}
