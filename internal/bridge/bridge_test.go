package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shellpipe/internal/command"
	"github.com/nerrad567/shellpipe/internal/infrastructure/mqtt"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

type published struct {
	topic   string
	payload []byte
}

// fakeMQTT delivers messages straight to the registered handler.
type fakeMQTT struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	sent     chan published
	subErr   error
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{
		handlers: make(map[string]mqtt.MessageHandler),
		sent:     make(chan published, 64),
	}
}

func (f *fakeMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	if f.subErr != nil {
		return f.subErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeMQTT) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

func (f *fakeMQTT) Publish(topic string, payload []byte, _ byte, _ bool) error {
	f.sent <- published{topic: topic, payload: payload}
	return nil
}

func (f *fakeMQTT) HasSubscription(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[topic]
	return ok
}

func (f *fakeMQTT) Topics() mqtt.Topics {
	return mqtt.NewTopics("test")
}

func (f *fakeMQTT) deliver(t *testing.T, topic string, payload string) error {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[f.Topics().Requests()]
	f.mu.Unlock()
	if handler == nil {
		t.Fatal("no request subscription")
	}
	return handler(topic, []byte(payload))
}

func (f *fakeMQTT) next(t *testing.T) (string, command.Reply) {
	t.Helper()
	select {
	case p := <-f.sent:
		var reply command.Reply
		if err := json.Unmarshal(p.payload, &reply); err != nil {
			t.Fatalf("reply payload %s: %v", p.payload, err)
		}
		return p.topic, reply
	case <-time.After(2 * time.Second):
		t.Fatal("no reply published")
	}
	return "", command.Reply{}
}

// fakeShell answers Exec with the statement and blocks Query until release.
type fakeShell struct {
	release chan struct{}
	started chan struct{}
}

func (f *fakeShell) Exec(_ context.Context, stmt string, _ ...any) (string, error) {
	if stmt == "BAD" {
		return "", &shellpipe.StatementError{Statement: stmt, Message: "near \"BAD\": syntax error"}
	}
	return "ran " + stmt, nil
}

func (f *fakeShell) Query(ctx context.Context, _ string, _ ...any) ([]shellpipe.Row, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	select {
	case <-f.release:
		return []shellpipe.Row{{"n": json.Number("1")}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeShell) Batch(context.Context, ...shellpipe.Op) ([]string, error) {
	return []string{}, nil
}

func (f *fakeShell) Raw(_ context.Context, cmd string) (string, error) {
	return cmd, nil
}

func startBridge(t *testing.T, opts Options) (*Bridge, *fakeMQTT) {
	t.Helper()
	client := newFakeMQTT()
	opts.MQTT = client
	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)
	return b, client
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Executor: &fakeShell{}}); err == nil {
		t.Error("New() without MQTT should fail")
	}
	if _, err := New(Options{MQTT: newFakeMQTT()}); err == nil {
		t.Error("New() without executor should fail")
	}
}

func TestStart_SubscribeError(t *testing.T) {
	client := newFakeMQTT()
	client.subErr = mqtt.ErrNotConnected
	b, err := New(Options{MQTT: client, Executor: &fakeShell{}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := b.Start(); !errors.Is(err, mqtt.ErrNotConnected) {
		t.Errorf("Start() error = %v, want ErrNotConnected", err)
	}
}

func TestBridge_Exec(t *testing.T) {
	_, client := startBridge(t, Options{Executor: &fakeShell{}})
	topics := client.Topics()

	if err := client.deliver(t, topics.Request("r1"), `{"op":"exec","statement":"CREATE TABLE t(x)"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	topic, reply := client.next(t)
	if topic != topics.Reply("r1") {
		t.Errorf("reply topic = %q, want %q", topic, topics.Reply("r1"))
	}
	if !reply.OK || reply.RequestID != "r1" || reply.Output == nil || *reply.Output != "ran CREATE TABLE t(x)" {
		t.Errorf("reply = %+v", reply)
	}
}

func TestBridge_StatementError(t *testing.T) {
	b, client := startBridge(t, Options{Executor: &fakeShell{}})

	if err := client.deliver(t, client.Topics().Request("r2"), `{"op":"exec","statement":"BAD"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	_, reply := client.next(t)
	if reply.OK || reply.Error == nil || reply.Error.Code != command.CodeStatement {
		t.Errorf("reply = %+v", reply)
	}
	if m := b.Metrics(); m.Failed != 1 || m.Received != 1 {
		t.Errorf("Metrics() = %+v", m)
	}
}

func TestBridge_InvalidPayload(t *testing.T) {
	b, client := startBridge(t, Options{Executor: &fakeShell{}})

	if err := client.deliver(t, client.Topics().Request("r3"), `{"op":`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	_, reply := client.next(t)
	if reply.OK || reply.Error.Code != command.CodeInvalidRequest || reply.RequestID != "r3" {
		t.Errorf("reply = %+v", reply)
	}
	if b.Metrics().Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", b.Metrics().Rejected)
	}
}

func TestBridge_ForeignTopic(t *testing.T) {
	_, client := startBridge(t, Options{Executor: &fakeShell{}})

	if err := client.deliver(t, "shellpipe/other/request/x", `{"op":"exec","statement":"x"}`); err == nil {
		t.Error("handler should reject a topic of another instance")
	}
	select {
	case p := <-client.sent:
		t.Errorf("unexpected publish to %s", p.topic)
	default:
	}
}

func TestBridge_InflightLimit(t *testing.T) {
	shell := &fakeShell{release: make(chan struct{}), started: make(chan struct{}, 1)}
	_, client := startBridge(t, Options{Executor: shell, MaxInflight: 1})
	topics := client.Topics()

	if err := client.deliver(t, topics.Request("slow"), `{"op":"query","statement":"SELECT 1 AS n"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	<-shell.started

	if err := client.deliver(t, topics.Request("busy"), `{"op":"exec","statement":"x"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	topic, reply := client.next(t)
	if topic != topics.Reply("busy") || reply.Error == nil || reply.Error.Code != command.CodeUnavailable {
		t.Errorf("busy reply = %s %+v", topic, reply)
	}

	close(shell.release)
	topic, reply = client.next(t)
	if topic != topics.Reply("slow") || !reply.OK || len(reply.Rows) != 1 {
		t.Errorf("slow reply = %s %+v", topic, reply)
	}
}

func TestBridge_StopCancelsInflight(t *testing.T) {
	shell := &fakeShell{release: make(chan struct{}), started: make(chan struct{}, 1)}
	b, client := startBridge(t, Options{Executor: shell})

	if err := client.deliver(t, client.Topics().Request("q"), `{"op":"query","statement":"SELECT 1"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	<-shell.started
	if !b.Metrics().Subscribed {
		t.Error("Metrics().Subscribed = false while running")
	}

	b.Stop()

	_, reply := client.next(t)
	if reply.OK || reply.Error.Code != command.CodeCancelled {
		t.Errorf("reply = %+v", reply)
	}

	client.mu.Lock()
	subs := len(client.handlers)
	client.mu.Unlock()
	if subs != 0 {
		t.Errorf("subscriptions after Stop = %d, want 0", subs)
	}
	if b.Metrics().Subscribed {
		t.Error("Metrics().Subscribed = true after Stop")
	}
}

func TestBridge_RequestTimeout(t *testing.T) {
	shell := &fakeShell{release: make(chan struct{})}
	_, client := startBridge(t, Options{Executor: shell, RequestTimeout: 20 * time.Millisecond})

	if err := client.deliver(t, client.Topics().Request("t"), `{"op":"query","statement":"SELECT 1"}`); err != nil {
		t.Fatalf("handler error = %v", err)
	}

	_, reply := client.next(t)
	if reply.OK || reply.Error.Code != command.CodeTimeout {
		t.Errorf("reply = %+v", reply)
	}
}
