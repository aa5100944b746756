package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/shellpipe/internal/infrastructure/database"
	"github.com/nerrad567/shellpipe/internal/infrastructure/influxdb"
	"github.com/nerrad567/shellpipe/migrations"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
	"github.com/nerrad567/shellpipe/pkg/sqlparam"
)

func openTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "journal.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"statement", &shellpipe.StatementError{Message: "no such table: t"}, OutcomeStatement},
		{"parse", &shellpipe.ParseError{Excerpt: "[{", Err: errors.New("eof")}, OutcomeParse},
		{"too few params", fmt.Errorf("interpolating: %w", sqlparam.ErrTooFewParams), OutcomeParams},
		{"type error", &sqlparam.TypeError{Index: 0, Value: struct{}{}}, OutcomeParams},
		{"timeout", fmt.Errorf("%w: %w", shellpipe.ErrTimeout, context.DeadlineExceeded), OutcomeTimeout},
		{"cancelled", context.Canceled, OutcomeCancelled},
		{"aborted", fmt.Errorf("%w: boom", shellpipe.ErrBatchAborted), OutcomeAborted},
		{"closing", shellpipe.ErrClosing, OutcomeClosed},
		{"closed", shellpipe.ErrClosed, OutcomeClosed},
		{"process", &shellpipe.ProcessError{Op: "exit", Err: errors.New("status 1")}, OutcomeProcess},
		{"other", errors.New("???"), OutcomeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromCompletion(t *testing.T) {
	started := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	e := FromCompletion(shellpipe.Completion{
		ID:          "req-1",
		Kind:        shellpipe.KindQuery,
		Statement:   "SELECT 'héllo';",
		Started:     started,
		Duration:    1500 * time.Microsecond,
		OutputBytes: 12,
		Err:         &shellpipe.StatementError{Message: "bad"},
	}, 9)

	if e.Statement != "SELECT 'h" {
		t.Errorf("Statement = %q, want %q", e.Statement, "SELECT 'h")
	}
	if e.Kind != "query" || e.RequestID != "req-1" {
		t.Errorf("Kind/RequestID = %q/%q", e.Kind, e.RequestID)
	}
	if e.Outcome != OutcomeStatement || e.Error == "" {
		t.Errorf("Outcome = %q, Error = %q", e.Outcome, e.Error)
	}
	if e.DurationMS != 1.5 {
		t.Errorf("DurationMS = %v, want 1.5", e.DurationMS)
	}
	if !e.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", e.StartedAt, started)
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 0, "abc"},
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestRepository_CreateAndList(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	entries := []Entry{
		{RequestID: "r1", Kind: "exec", Statement: "CREATE TABLE t(x);", Outcome: OutcomeOK, CreatedAt: base},
		{RequestID: "r2", Kind: "query", Statement: "SELECT * FROM t;", Outcome: OutcomeOK, OutputBytes: 7, DurationMS: 2.5, CreatedAt: base.Add(time.Second)},
		{RequestID: "r3", Kind: "query", Statement: "SELECT * FROM nope;", Outcome: OutcomeStatement, Error: "no such table: nope", CreatedAt: base.Add(2 * time.Second)},
		{RequestID: "r4", Kind: "exec", Statement: "INSERT INTO t VALUES (1);", Outcome: OutcomeOK, Truncated: true, CreatedAt: base.Add(3 * time.Second)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create(%s) error = %v", entries[i].RequestID, err)
		}
		if entries[i].ID == "" {
			t.Errorf("Create(%s) left ID empty", entries[i].RequestID)
		}
	}

	tests := []struct {
		name      string
		filter    Filter
		wantIDs   []string
		wantTotal int
	}{
		{"all newest first", Filter{}, []string{"r4", "r3", "r2", "r1"}, 4},
		{"by kind", Filter{Kind: "query"}, []string{"r3", "r2"}, 2},
		{"by outcome", Filter{Outcome: OutcomeStatement}, []string{"r3"}, 1},
		{"kind and outcome", Filter{Kind: "exec", Outcome: OutcomeOK}, []string{"r4", "r1"}, 2},
		{"paged", Filter{Limit: 2, Offset: 1}, []string{"r3", "r2"}, 4},
		{"past end", Filter{Offset: 10}, []string{}, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if res.Total != tt.wantTotal {
				t.Errorf("Total = %d, want %d", res.Total, tt.wantTotal)
			}
			got := make([]string, 0, len(res.Entries))
			for _, e := range res.Entries {
				got = append(got, e.RequestID)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.wantIDs) {
				t.Errorf("entries = %v, want %v", got, tt.wantIDs)
			}
		})
	}

	res, err := repo.List(ctx, Filter{Kind: "query", Outcome: OutcomeOK})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	e := res.Entries[0]
	if e.OutputBytes != 7 || e.DurationMS != 2.5 || e.Duration != 2500*time.Microsecond {
		t.Errorf("round trip = %+v", e)
	}
	if !e.CreatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, base.Add(time.Second))
	}

	res, err = repo.List(ctx, Filter{Outcome: OutcomeStatement})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Entries[0].Error != "no such table: nope" {
		t.Errorf("Error = %q", res.Entries[0].Error)
	}
}

func TestRepository_LimitClamp(t *testing.T) {
	repo := openTestRepo(t)

	tests := []struct {
		in, want int
	}{
		{0, 50},
		{-1, 50},
		{10, 10},
		{500, 200},
	}
	for _, tt := range tests {
		res, err := repo.List(context.Background(), Filter{Limit: tt.in, Offset: -3})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if res.Limit != tt.want || res.Offset != 0 {
			t.Errorf("List(limit %d) = limit %d offset %d, want %d 0", tt.in, res.Limit, res.Offset, tt.want)
		}
	}
}

type fakeMetrics struct {
	mu     sync.Mutex
	points []influxdb.StatementMetric
}

func (f *fakeMetrics) WriteStatementMetric(m influxdb.StatementMetric) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, m)
}

type fakeEvents struct {
	mu     sync.Mutex
	kinds  []string
	bodies [][]byte
	err    error
}

func (f *fakeEvents) PublishEvent(kind string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kinds = append(f.kinds, kind)
	f.bodies = append(f.bodies, payload)
	return f.err
}

// blockingRepo holds every Create until release is closed.
type blockingRepo struct {
	release chan struct{}
	created chan string
}

func (b *blockingRepo) Create(_ context.Context, e *Entry) error {
	<-b.release
	b.created <- e.RequestID
	return nil
}

func (b *blockingRepo) List(context.Context, Filter) (*ListResult, error) {
	return &ListResult{}, nil
}

func TestRecorder_FansOut(t *testing.T) {
	repo := openTestRepo(t)
	metrics := &fakeMetrics{}
	events := &fakeEvents{err: errors.New("broker down")}

	rec := NewRecorder(Options{
		Repository: repo,
		Metrics:    metrics,
		Events:     []EventPublisher{events},
	})

	rec.Record(shellpipe.Completion{ID: "a", Kind: shellpipe.KindExec, Statement: "INSERT INTO t VALUES (1);", Duration: time.Millisecond})
	rec.Record(shellpipe.Completion{ID: "b", Kind: shellpipe.KindQuery, Statement: "SELECT * FROM t;", Err: shellpipe.ErrClosing})
	rec.Close()

	if rec.Recorded() != 2 || rec.Dropped() != 0 {
		t.Errorf("Recorded/Dropped = %d/%d, want 2/0", rec.Recorded(), rec.Dropped())
	}

	res, err := repo.List(context.Background(), Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("journal Total = %d, want 2", res.Total)
	}

	if len(metrics.points) != 2 || metrics.points[1].Outcome != string(OutcomeClosed) {
		t.Errorf("metrics = %+v", metrics.points)
	}

	if fmt.Sprint(events.kinds) != "[exec query]" {
		t.Errorf("event kinds = %v, want [exec query]", events.kinds)
	}
	var ev Entry
	if err := json.Unmarshal(events.bodies[0], &ev); err != nil {
		t.Fatalf("event payload: %v", err)
	}
	if ev.RequestID != "a" || ev.Outcome != OutcomeOK {
		t.Errorf("event = %+v", ev)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	repo := &blockingRepo{release: make(chan struct{}), created: make(chan string, 8)}
	rec := NewRecorder(Options{Repository: repo, QueueSize: 1})

	// The worker takes the first entry and blocks in Create; the second
	// fills the queue; the rest are dropped.
	rec.Record(shellpipe.Completion{ID: "1"})
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.entries) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	rec.Record(shellpipe.Completion{ID: "2"})
	rec.Record(shellpipe.Completion{ID: "3"})
	rec.Record(shellpipe.Completion{ID: "4"})

	if got := rec.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}

	close(repo.release)
	rec.Close()

	if got := rec.Recorded(); got != 2 {
		t.Errorf("Recorded() = %d, want 2", got)
	}
	if first := <-repo.created; first != "1" {
		t.Errorf("first created = %q, want 1", first)
	}
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	rec := NewRecorder(Options{})
	rec.Close()
	rec.Close()

	rec.Record(shellpipe.Completion{ID: "late"})
	if rec.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", rec.Dropped())
	}
}
