package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/shellpipe/internal/auth"
	"github.com/nerrad567/shellpipe/internal/bridge"
	"github.com/nerrad567/shellpipe/internal/command"
	"github.com/nerrad567/shellpipe/internal/infrastructure/config"
	"github.com/nerrad567/shellpipe/internal/infrastructure/logging"
	"github.com/nerrad567/shellpipe/internal/journal"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeShell struct {
	mu       sync.Mutex
	err      error
	fatal    error
	lastStmt string
	params   []any
}

func (f *fakeShell) record(stmt string, params []any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastStmt = stmt
	f.params = params
	return f.err
}

func (f *fakeShell) Exec(_ context.Context, stmt string, params ...any) (string, error) {
	if err := f.record(stmt, params); err != nil {
		return "", err
	}
	return "done\n", nil
}

func (f *fakeShell) Query(_ context.Context, stmt string, params ...any) ([]shellpipe.Row, error) {
	if err := f.record(stmt, params); err != nil {
		return nil, err
	}
	return []shellpipe.Row{{"id": json.Number("1"), "name": "a"}}, nil
}

func (f *fakeShell) Batch(_ context.Context, ops ...shellpipe.Op) ([]string, error) {
	if err := f.record("", nil); err != nil {
		return []string{"first\n"}, err
	}
	out := make([]string, len(ops))
	return out, nil
}

func (f *fakeShell) Raw(_ context.Context, cmd string) (string, error) {
	if err := f.record(cmd, nil); err != nil {
		return "", err
	}
	return "raw\n", nil
}

func (f *fakeShell) Stats() shellpipe.Stats {
	return shellpipe.Stats{State: shellpipe.StateRunning, PID: 42, Completed: 3, Process: "running", UptimeSeconds: 90}
}

func (f *fakeShell) Err() error { return f.fatal }

type fakeJournal struct {
	filter journal.Filter
	err    error
}

func (f *fakeJournal) Create(context.Context, *journal.Entry) error { return nil }

func (f *fakeJournal) List(_ context.Context, filter journal.Filter) (*journal.ListResult, error) {
	f.filter = filter
	if f.err != nil {
		return nil, f.err
	}
	return &journal.ListResult{
		Entries: []journal.Entry{{ID: "stm-1", Kind: "query", Outcome: journal.OutcomeOK}},
		Total:   1,
		Limit:   50,
	}, nil
}

// subscribedClient is a connected MQTT client with tracked subscriptions.
type subscribedClient int

func (subscribedClient) IsConnected() bool        { return true }
func (c subscribedClient) SubscriptionCount() int { return int(c) }

type fakeBridge struct{}

func (fakeBridge) Metrics() bridge.Metrics {
	return bridge.Metrics{Subscribed: true, Received: 7, Replied: 6}
}

func testLogger() *logging.Logger {
	return logging.NewWithWriter(config.LoggingConfig{Level: "error", Format: "json"}, "test", io.Discard)
}

func newTestServer(t *testing.T, deps Deps) (*Server, http.Handler) {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv, srv.buildRouter()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeReply(t *testing.T, rec *httptest.ResponseRecorder) command.Reply {
	t.Helper()
	var reply command.Reply
	if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
		t.Fatalf("decoding reply %q: %v", rec.Body.String(), err)
	}
	return reply
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Deps{Shell: &fakeShell{}}); err == nil {
		t.Error("New() without logger should fail")
	}
	if _, err := New(Deps{Logger: testLogger()}); err == nil {
		t.Error("New() without shell should fail")
	}
}

func TestHealth(t *testing.T) {
	shell := &fakeShell{}
	_, h := newTestServer(t, Deps{Shell: shell, Version: "1.2.3"})

	rec := do(t, h, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.PID != 42 || resp.Shell != shellpipe.StateRunning {
		t.Errorf("health = %+v", resp)
	}

	shell.fatal = &shellpipe.ProcessError{Op: "read", Err: io.ErrUnexpectedEOF}
	rec = do(t, h, http.MethodGet, "/api/v1/health", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status after failure = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestCommandRoutes(t *testing.T) {
	shell := &fakeShell{}
	_, h := newTestServer(t, Deps{Shell: shell})

	rec := do(t, h, http.MethodPost, "/api/v1/exec", `{"statement":"INSERT INTO t VALUES (?)","params":[7]}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("exec status = %d, body %s", rec.Code, rec.Body.String())
	}
	reply := decodeReply(t, rec)
	if !reply.OK || reply.Output == nil || *reply.Output != "done\n" {
		t.Errorf("exec reply = %+v", reply)
	}
	if reply.RequestID == "" || reply.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("RequestID = %q, header %q", reply.RequestID, rec.Header().Get("X-Request-ID"))
	}
	if len(shell.params) != 1 || shell.params[0] != json.Number("7") {
		t.Errorf("params = %#v, want [json.Number(7)]", shell.params)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/query", `{"op":"query","statement":"SELECT * FROM t"}`, "")
	reply = decodeReply(t, rec)
	if rec.Code != http.StatusOK || len(reply.Rows) != 1 {
		t.Errorf("query = %d %+v", rec.Code, reply)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/batch", `{"operations":[{"statement":"SELECT 1"},{"statement":"SELECT 2"}]}`, "")
	reply = decodeReply(t, rec)
	if rec.Code != http.StatusOK || len(reply.Results) != 2 {
		t.Errorf("batch = %d %+v", rec.Code, reply)
	}

	rec = do(t, h, http.MethodPost, "/api/v1/raw", `{"statement":".tables"}`, "")
	if rec.Code != http.StatusOK || shell.lastStmt != ".tables" {
		t.Errorf("raw = %d, last statement %q", rec.Code, shell.lastStmt)
	}
}

func TestCommandRoutes_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		err    error
		status int
		code   string
	}{
		{"malformed json", "/api/v1/exec", `{`, nil, http.StatusBadRequest, command.CodeInvalidRequest},
		{"unknown field", "/api/v1/exec", `{"statement":"x","extra":1}`, nil, http.StatusBadRequest, command.CodeInvalidRequest},
		{"op mismatch", "/api/v1/exec", `{"op":"raw","statement":"x"}`, nil, http.StatusBadRequest, command.CodeInvalidRequest},
		{"missing statement", "/api/v1/query", `{}`, nil, http.StatusBadRequest, command.CodeInvalidRequest},
		{"statement error", "/api/v1/exec", `{"statement":"bogus"}`, &shellpipe.StatementError{Statement: "bogus", Message: "syntax error"}, http.StatusUnprocessableEntity, command.CodeStatement},
		{"parse error", "/api/v1/query", `{"statement":"SELECT 1"}`, &shellpipe.ParseError{Excerpt: "[{", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway, command.CodeParse},
		{"closed", "/api/v1/exec", `{"statement":"SELECT 1"}`, shellpipe.ErrClosed, http.StatusServiceUnavailable, command.CodeUnavailable},
		{"timeout", "/api/v1/exec", `{"statement":"SELECT 1"}`, shellpipe.ErrTimeout, http.StatusGatewayTimeout, command.CodeTimeout},
		{"internal", "/api/v1/exec", `{"statement":"SELECT 1"}`, errors.New("boom"), http.StatusInternalServerError, command.CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, h := newTestServer(t, Deps{Shell: &fakeShell{err: tt.err}})
			rec := do(t, h, http.MethodPost, tt.path, tt.body, "")
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
			reply := decodeReply(t, rec)
			if reply.OK || reply.Error == nil || reply.Error.Code != tt.code {
				t.Errorf("reply = %+v, want code %q", reply, tt.code)
			}
		})
	}
}

func TestBatchFailureKeepsResults(t *testing.T) {
	err := &shellpipe.BatchError{Index: 1, Err: &shellpipe.StatementError{Statement: "bad", Message: "no such table"}}
	_, h := newTestServer(t, Deps{Shell: &fakeShell{err: err}})

	rec := do(t, h, http.MethodPost, "/api/v1/batch", `{"operations":[{"statement":"SELECT 1"},{"statement":"bad"}]}`, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnprocessableEntity)
	}
	reply := decodeReply(t, rec)
	if len(reply.Results) != 1 || reply.Error.Index == nil || *reply.Error.Index != 1 {
		t.Errorf("reply = %+v", reply)
	}
}

func TestNotFoundAndMethod(t *testing.T) {
	_, h := newTestServer(t, Deps{Shell: &fakeShell{}})

	if rec := do(t, h, http.MethodGet, "/api/v1/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/api/v1/exec", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /exec status = %d, want 405", rec.Code)
	}
}

func TestBodySizeLimit(t *testing.T) {
	_, h := newTestServer(t, Deps{
		Config: config.APIConfig{MaxBodyBytes: 32},
		Shell:  &fakeShell{},
	})
	body := `{"statement":"` + strings.Repeat("x", 64) + `"}`
	if rec := do(t, h, http.MethodPost, "/api/v1/exec", body, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("oversized body status = %d, want 400", rec.Code)
	}
}

func TestAuth(t *testing.T) {
	cfg := config.APIConfig{Auth: config.AuthConfig{JWTSecret: testSecret}}
	_, h := newTestServer(t, Deps{Config: cfg, Shell: &fakeShell{}, Journal: &fakeJournal{}})

	token := func(role auth.Role) string {
		tok, err := auth.GenerateToken("tester", role, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}
		return tok
	}
	reader, operator, admin := token(auth.RoleReader), token(auth.RoleOperator), token(auth.RoleAdmin)
	other, err := auth.GenerateToken("tester", auth.RoleAdmin, strings.Repeat("z", 32), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		token  string
		status int
	}{
		{"health is open", http.MethodGet, "/api/v1/health", "", "", http.StatusOK},
		{"missing token", http.MethodPost, "/api/v1/query", `{"statement":"SELECT 1"}`, "", http.StatusUnauthorized},
		{"wrong secret", http.MethodPost, "/api/v1/query", `{"statement":"SELECT 1"}`, other, http.StatusUnauthorized},
		{"garbage token", http.MethodPost, "/api/v1/query", `{"statement":"SELECT 1"}`, "not.a.jwt", http.StatusUnauthorized},
		{"reader query", http.MethodPost, "/api/v1/query", `{"statement":"SELECT 1"}`, reader, http.StatusOK},
		{"reader journal", http.MethodGet, "/api/v1/journal", "", reader, http.StatusOK},
		{"reader exec", http.MethodPost, "/api/v1/exec", `{"statement":"DELETE FROM t"}`, reader, http.StatusForbidden},
		{"operator exec", http.MethodPost, "/api/v1/exec", `{"statement":"DELETE FROM t"}`, operator, http.StatusOK},
		{"operator raw", http.MethodPost, "/api/v1/raw", `{"statement":".tables"}`, operator, http.StatusForbidden},
		{"admin raw", http.MethodPost, "/api/v1/raw", `{"statement":".tables"}`, admin, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.method, tt.path, tt.body, tt.token)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
}

func TestListJournal(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		_, h := newTestServer(t, Deps{Shell: &fakeShell{}})
		if rec := do(t, h, http.MethodGet, "/api/v1/journal", "", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", rec.Code)
		}
	})

	t.Run("filters", func(t *testing.T) {
		repo := &fakeJournal{}
		_, h := newTestServer(t, Deps{Shell: &fakeShell{}, Journal: repo})

		rec := do(t, h, http.MethodGet, "/api/v1/journal?kind=query&outcome=ok&limit=10&offset=20", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		want := journal.Filter{Kind: "query", Outcome: journal.OutcomeOK, Limit: 10, Offset: 20}
		if repo.filter != want {
			t.Errorf("filter = %+v, want %+v", repo.filter, want)
		}
		var res journal.ListResult
		if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if res.Total != 1 || res.Entries[0].ID != "stm-1" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		_, h := newTestServer(t, Deps{Shell: &fakeShell{}, Journal: &fakeJournal{}})
		if rec := do(t, h, http.MethodGet, "/api/v1/journal?limit=abc", "", ""); rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("repository error", func(t *testing.T) {
		_, h := newTestServer(t, Deps{Shell: &fakeShell{}, Journal: &fakeJournal{err: errors.New("disk")}})
		if rec := do(t, h, http.MethodGet, "/api/v1/journal", "", ""); rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

type fakeRecorder struct{}

func (fakeRecorder) Recorded() uint64 { return 5 }
func (fakeRecorder) Dropped() uint64  { return 1 }

func TestMetrics(t *testing.T) {
	_, h := newTestServer(t, Deps{
		Shell:    &fakeShell{},
		Recorder: fakeRecorder{},
		MQTT:     subscribedClient(2),
		Bridge:   fakeBridge{},
		Version:  "dev",
	})

	rec := do(t, h, http.MethodGet, "/api/v1/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var m SystemMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if m.Shell.Completed != 3 || m.Shell.PID != 42 || m.Shell.Process != "running" || m.Shell.UptimeSeconds != 90 {
		t.Errorf("shell = %+v", m.Shell)
	}
	if !m.Journal.Enabled || m.Journal.Recorded != 5 || m.Journal.Dropped != 1 {
		t.Errorf("journal = %+v", m.Journal)
	}
	if !m.MQTT.Enabled || !m.MQTT.Connected || m.MQTT.Subscriptions != 2 || m.InfluxDB.Enabled {
		t.Errorf("mqtt = %+v influxdb = %+v", m.MQTT, m.InfluxDB)
	}
	if m.Bridge == nil || !m.Bridge.Subscribed || m.Bridge.Received != 7 {
		t.Errorf("bridge = %+v", m.Bridge)
	}
	if m.Runtime.Goroutines == 0 {
		t.Error("runtime goroutines = 0")
	}
}

func TestCORS(t *testing.T) {
	cfg := config.APIConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"http://ui.local"}}}
	_, h := newTestServer(t, Deps{Config: cfg, Shell: &fakeShell{}})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/query", nil)
	req.Header.Set("Origin", "http://ui.local")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Errorf("Allow-Origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("Origin", "http://evil.local")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for foreign origin = %q, want empty", got)
	}
}

func TestWebSocketFeed(t *testing.T) {
	cfg := config.APIConfig{Auth: config.AuthConfig{JWTSecret: testSecret}}
	srv, h := newTestServer(t, Deps{Config: cfg, Shell: &fakeShell{}})
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Hub().Run(ctx)

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	if _, resp, err := websocket.DefaultDialer.Dial(base, nil); err == nil {
		t.Fatal("dial without token should fail")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token response = %v, want 401", resp)
	}

	tok, err := auth.GenerateToken("viewer", auth.RoleReader, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	conn, _, err := websocket.DefaultDialer.Dial(base+"?token="+tok, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	sub := `{"type":"subscribe","id":"1","payload":{"channels":["statement.query"]}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack WSMessage
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("reading ack: %v", err)
	}
	if ack.Type != WSTypeResponse || ack.ID != "1" {
		t.Fatalf("ack = %+v", ack)
	}

	// Not subscribed to exec, so only the query entry arrives.
	if err := srv.Hub().PublishEvent("exec", []byte(`{"kind":"exec"}`)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}
	if err := srv.Hub().PublishEvent("query", []byte(`{"kind":"query","request_id":"r1"}`)); err != nil {
		t.Fatalf("PublishEvent() error = %v", err)
	}

	var ev struct {
		Type      string          `json:"type"`
		EventType string          `json:"event_type"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != "statement.query" {
		t.Errorf("event = %+v", ev)
	}
	if !bytes.Contains(ev.Payload, []byte(`"r1"`)) {
		t.Errorf("payload = %s", ev.Payload)
	}
	if n := srv.Hub().ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestServer_StartClose(t *testing.T) {
	srv, _ := newTestServer(t, Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 7, Write: 9, Idle: 11},
		},
		Shell: &fakeShell{},
	})

	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if srv.server.ReadTimeout != 7*time.Second || srv.server.WriteTimeout != 9*time.Second || srv.server.IdleTimeout != 11*time.Second {
		t.Errorf("server timeouts = %v/%v/%v, want 7s/9s/11s",
			srv.server.ReadTimeout, srv.server.WriteTimeout, srv.server.IdleTimeout)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
