package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

const helperEnv = "SHELLPIPE_PROCESS_HELPER"

// TestHelperProcess is not a real test. It runs as the child process when
// helperEnv is set: stdin lines are echoed to stdout, "err X" goes to stderr,
// "exit N" exits with status N and "hang" ignores stdin and SIGTERM-free
// shutdown until killed.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		return
	}
	defer os.Exit(0)

	if mode == "hang" {
		time.Sleep(time.Hour)
		return
	}

	br := bufio.NewReader(os.Stdin)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, "err "):
			fmt.Fprintln(os.Stderr, strings.TrimPrefix(line, "err "))
		case strings.HasPrefix(line, "exit "):
			var code int
			fmt.Sscanf(strings.TrimPrefix(line, "exit "), "%d", &code) //nolint:errcheck // test helper
			os.Exit(code)
		case line == "quit":
			return
		default:
			fmt.Println(line)
		}
	}
}

func helperConfig(mode string) Config {
	return Config{
		Name:            "helper",
		Binary:          os.Args[0],
		Args:            []string{"-test.run=^TestHelperProcess$"},
		Env:             []string{helperEnv + "=" + mode},
		GracefulTimeout: 2 * time.Second,
	}
}

// nextEvent waits for the next event or fails the test.
func nextEvent(t *testing.T, s *Supervisor) Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// drain consumes events until the channel closes and returns the last one.
func drain(t *testing.T, s *Supervisor) Event {
	t.Helper()
	var last Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return last
			}
			last = ev
		case <-timeout:
			t.Fatal("timed out draining events")
		}
	}
}

// discard consumes events in the background.
func discard(s *Supervisor) {
	for range s.Events() { //nolint:revive // draining
	}
}

func TestNewSupervisor_Defaults(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/usr/bin/sqlite3"})

	if s.config.Name != "/usr/bin/sqlite3" {
		t.Errorf("Name = %q, want binary", s.config.Name)
	}
	if s.config.GracefulTimeout != defaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", s.config.GracefulTimeout, defaultGracefulTimeout)
	}
	if s.config.MaxLineBytes != defaultMaxLineBytes {
		t.Errorf("MaxLineBytes = %d, want %d", s.config.MaxLineBytes, defaultMaxLineBytes)
	}
	if st := s.Stats(); st.Status != StatusStopped {
		t.Errorf("Stats().Status = %q, want %q", st.Status, StatusStopped)
	}
	if s.PID() != 0 {
		t.Errorf("PID() = %d, want 0", s.PID())
	}
}

func TestSupervisor_WriteBeforeStart(t *testing.T) {
	s := NewSupervisor(helperConfig("echo"))

	if err := s.Write(1, "hello\n"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write() error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_SpawnFailure(t *testing.T) {
	s := NewSupervisor(Config{Binary: "/nonexistent/shellpipe-test-binary"})

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start() error = nil, want spawn error")
	}
	if st := s.Stats(); st.Status != StatusFailed || st.LastError == "" {
		t.Errorf("Stats() = %+v, want failed with the spawn error", st)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Events() open after spawn failure")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() not closed after spawn failure")
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestSupervisor_StdoutAndStderr(t *testing.T) {
	s := NewSupervisor(helperConfig("echo"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop("quit\n") //nolint:errcheck // test cleanup

	if st := s.Stats(); st.Status != StatusRunning || st.PID == 0 || st.PID != s.PID() {
		t.Fatalf("Stats() = %+v after Start, want running with a pid", st)
	}

	if err := s.Write(1, "hello world\n"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ev := nextEvent(t, s)
	if ev.Kind != EventStdout || ev.Line != "hello world" {
		t.Errorf("event = %+v, want stdout 'hello world'", ev)
	}

	if err := s.Write(2, "err oops\n"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	ev = nextEvent(t, s)
	if ev.Kind != EventStderr || ev.Line != "oops" {
		t.Errorf("event = %+v, want stderr 'oops'", ev)
	}
}

func TestSupervisor_WritesKeepOrder(t *testing.T) {
	s := NewSupervisor(helperConfig("echo"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop("quit\n") //nolint:errcheck // test cleanup

	for i := 0; i < 10; i++ {
		if err := s.Write(uint64(i+1), fmt.Sprintf("line %d\n", i)); err != nil {
			t.Fatalf("Write(%d) error = %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		ev := nextEvent(t, s)
		if want := fmt.Sprintf("line %d", i); ev.Line != want {
			t.Fatalf("event %d = %q, want %q", i, ev.Line, want)
		}
	}
}

func TestSupervisor_UnexpectedExit(t *testing.T) {
	s := NewSupervisor(helperConfig("echo"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := s.Write(1, "exit 3\n"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	last := drain(t, s)
	if last.Kind != EventExit {
		t.Fatalf("last event = %v, want exit", last.Kind)
	}
	if last.Err == nil {
		t.Error("exit event Err = nil, want exit status 3")
	}
	if st := s.Stats(); st.Status != StatusExited || st.LastError == "" || st.Uptime != 0 {
		t.Errorf("Stats() = %+v, want exited with the exit status", st)
	}
	if err := s.Write(2, "late\n"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write after exit error = %v, want ErrNotRunning", err)
	}
}

func TestSupervisor_StopPolitely(t *testing.T) {
	s := NewSupervisor(helperConfig("echo"))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go discard(s)

	start := time.Now()
	if err := s.Stop("quit\n"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v, want prompt exit", elapsed)
	}
	if st := s.Stats(); st.LastError != "" {
		t.Errorf("Stats().LastError = %q, want empty", st.LastError)
	}

	// Second stop is a no-op.
	if err := s.Stop("quit\n"); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

func TestSupervisor_StopKillsAfterGrace(t *testing.T) {
	cfg := helperConfig("hang")
	cfg.GracefulTimeout = 100 * time.Millisecond
	s := NewSupervisor(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	go discard(s)

	if err := s.Stop("quit\n"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done() not closed after Stop")
	}
	if st := s.Stats(); st.LastError == "" {
		t.Error("Stats().LastError empty, want killed status")
	}
}

func TestSupervisor_LongLinesSplit(t *testing.T) {
	cfg := helperConfig("echo")
	cfg.MaxLineBytes = readChunkSize
	s := NewSupervisor(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop("quit\n") //nolint:errcheck // test cleanup

	long := strings.Repeat("x", 3*readChunkSize)
	if err := s.Write(1, long+"\n"); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	total := 0
	for total < len(long) {
		ev := nextEvent(t, s)
		if ev.Kind != EventStdout {
			t.Fatalf("event = %v, want stdout", ev.Kind)
		}
		if len(ev.Line) > readChunkSize {
			t.Fatalf("line of %d bytes exceeds cap %d", len(ev.Line), readChunkSize)
		}
		total += len(ev.Line)
	}
	if total != len(long) {
		t.Errorf("received %d bytes, want %d", total, len(long))
	}
}

func TestEventKind_String(t *testing.T) {
	tests := map[EventKind]string{
		EventStdout:      "stdout",
		EventStderr:      "stderr",
		EventWriteFailed: "write_failed",
		EventStreamError: "stream_error",
		EventExit:        "exit",
		EventKind(99):    "event(99)",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(k), got, want)
		}
	}
}
