package shellpipe

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/shellpipe/internal/process"
	"github.com/nerrad567/shellpipe/internal/reassembler"
)

// Kind identifies the operation that produced a request.
type Kind string

const (
	KindExec  Kind = "exec"
	KindQuery Kind = "query"
	KindBatch Kind = "batch"
	KindRaw   Kind = "raw"
)

// Completion describes a settled request. It is passed to the observer
// registered with WithObserver.
type Completion struct {
	ID          string
	Kind        Kind
	Statement   string
	Started     time.Time
	Duration    time.Duration
	OutputBytes int
	Truncated   bool
	Err         error
}

// group ties requests that must run back to back and fail together.
type group struct{}

type request struct {
	id        string
	tag       uint64
	kind      Kind
	statement string
	payload   string
	group     *group
	result    chan outcome

	modeSwitch bool
	resetsMode bool

	// Owned by the queue goroutine.
	settled   bool
	abandoned bool
	enqueued  time.Time
	started   time.Time
	timer     *time.Timer
}

type outcome struct {
	output    string
	truncated bool
	err       error
}

type submission struct {
	reqs  []*request
	query bool
}

type cancelMsg struct {
	reqs []*request
	err  error
}

type timeoutMsg struct {
	req    *request
	orphan bool
}

// queue is the request serializer. All fields are owned by run.
type queue struct {
	s        *Shell
	reasm    *reassembler.Reassembler
	pending  []*request
	current  *request
	state    State
	jsonMode bool
}

func newQueue(s *Shell, reasm *reassembler.Reassembler) queue {
	return queue{s: s, reasm: reasm, state: StateRunning}
}

func (q *queue) run() {
	defer close(q.s.stopped)

	events := q.s.proc.Events()
	for events != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			q.handleEvent(ev)
		case sub := <-q.s.submitCh:
			q.enqueue(sub)
		case msg := <-q.s.cancelCh:
			q.cancel(msg)
		case msg := <-q.s.timeoutCh:
			q.expire(msg)
		case <-q.s.closeCh:
			q.close()
		}
		q.publish()
	}

	// The process is gone; nothing queued can run anymore.
	if q.state == StateRunning {
		q.fail(&ProcessError{Op: "exit", Err: errors.New("event stream closed")})
	}
	q.rejectAll(q.s.Err())
	q.publish()
}

func (q *queue) enqueue(sub submission) {
	if q.state != StateRunning {
		for _, req := range sub.reqs {
			q.settle(req, outcome{err: q.s.Err()})
		}
		return
	}

	reqs := sub.reqs
	if sub.query && !q.jsonMode {
		cmd := q.s.config.JSONModeCommand
		mode := q.s.newRequest(KindRaw, cmd, cmd)
		mode.modeSwitch = true
		g := reqs[0].group
		if g == nil {
			g = &group{}
			for _, req := range reqs {
				req.group = g
			}
		}
		mode.group = g
		reqs = append([]*request{mode}, reqs...)
		q.jsonMode = true
	}

	now := time.Now()
	for _, req := range reqs {
		req.enqueued = now
		if req.resetsMode {
			q.jsonMode = false
		}
	}
	q.pending = append(q.pending, reqs...)
	q.dispatch()
}

// dispatch writes the next pending request when nothing is in flight.
func (q *queue) dispatch() {
	for q.current == nil && len(q.pending) > 0 && q.state == StateRunning {
		req := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]

		q.current = req
		req.started = time.Now()
		q.reasm.Reset()

		payload := req.payload + "\n" + q.s.sentinel.Trigger()
		if err := q.s.proc.Write(req.tag, payload); err != nil {
			q.current = nil
			q.reject(req, &ProcessError{Op: "write", Err: err})
			continue
		}
		q.s.logger.Debug("request dispatched", "request_id", req.id, "kind", req.kind)

		if d := q.s.config.RequestTimeout; d > 0 {
			req.timer = q.s.afterFunc(d, timeoutMsg{req: req})
		}
	}
}

func (q *queue) handleEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventStdout:
		if q.current == nil {
			q.s.logger.Debug("discarding output with no request in flight", "bytes", len(ev.Line))
			return
		}
		if res, ok := q.reasm.Line(ev.Line); ok {
			q.finish(res)
		}

	case process.EventStderr:
		if q.current == nil {
			q.s.logger.Debug("discarding error output with no request in flight", "text", ev.Line)
			return
		}
		if res, ok := q.reasm.ErrorText(ev.Line); ok {
			q.finish(res)
		}

	case process.EventWriteFailed:
		req := q.current
		if req == nil || req.tag != ev.Tag {
			return
		}
		q.current = nil
		stopTimer(req)
		q.reject(req, &ProcessError{Op: "write", Err: ev.Err})
		q.dispatch()

	case process.EventStreamError:
		q.fail(&ProcessError{Op: "transport", Err: ev.Err})

	case process.EventExit:
		if q.state != StateRunning {
			q.s.logger.Info("shell exited", "error", ev.Err)
			return
		}
		err := ev.Err
		if err == nil {
			err = errors.New("exited unexpectedly")
		}
		q.fail(&ProcessError{Op: "exit", Err: err})
	}
}

// finish settles the in-flight request with the reassembled response.
func (q *queue) finish(res reassembler.Result) {
	req := q.current
	q.current = nil
	stopTimer(req)

	if res.Dropped > 0 {
		q.s.logger.Warn("response truncated", "request_id", req.id, "dropped_bytes", res.Dropped)
	}

	switch {
	case req.abandoned:
		q.s.updateStats(func(st *Stats) { st.Orphaned++ })
		q.s.logger.Debug("discarded response of abandoned request", "request_id", req.id)
	case res.Failed():
		if req.modeSwitch {
			q.jsonMode = false
		}
		q.reject(req, &StatementError{Statement: req.statement, Message: res.ErrText})
	default:
		q.settle(req, outcome{output: res.Output, truncated: res.Truncated})
	}
	q.dispatch()
}

func (q *queue) cancel(msg cancelMsg) {
	for _, req := range msg.reqs {
		if req.settled {
			continue
		}
		if req == q.current {
			q.abandon(req, msg.err)
			continue
		}
		q.remove(req)
		q.settle(req, outcome{err: msg.err})
	}
}

func (q *queue) expire(msg timeoutMsg) {
	req := msg.req
	if req != q.current {
		return
	}
	if msg.orphan {
		q.fail(&ProcessError{
			Op:  "desync",
			Err: fmt.Errorf("no end-of-response marker for abandoned request %s after %s", req.id, q.s.config.OrphanTimeout),
		})
		return
	}
	if req.settled {
		return
	}
	q.s.logger.Warn("request timed out", "request_id", req.id, "timeout", q.s.config.RequestTimeout)
	q.abandon(req, fmt.Errorf("%w after %s", ErrTimeout, q.s.config.RequestTimeout))
}

// abandon rejects the in-flight request but keeps it in the slot until
// its marker arrives, so its late output is not attributed to the next one.
func (q *queue) abandon(req *request, err error) {
	stopTimer(req)
	req.abandoned = true
	q.reject(req, err)
	req.timer = q.s.afterFunc(q.s.config.OrphanTimeout, timeoutMsg{req: req, orphan: true})
}

func (q *queue) close() {
	if q.state != StateRunning {
		return
	}
	q.state = StateClosed
	q.s.setTerminal(ErrClosed, StateClosed)
	q.rejectAll(ErrClosing)
	q.s.logger.Info("closing shell")

	go func() {
		if err := q.s.proc.Stop(q.s.config.ExitCommand + "\n"); err != nil {
			q.s.logger.Warn("stopping shell", "error", err)
		}
	}()
}

// fail moves the queue to the terminal failed state.
func (q *queue) fail(err error) {
	if q.state != StateRunning {
		return
	}
	q.state = StateFailed
	q.s.setTerminal(err, StateFailed)
	q.s.logger.Error("shell failed", "error", err)
	q.rejectAll(err)
	q.s.proc.Kill()
}

func (q *queue) rejectAll(err error) {
	if req := q.current; req != nil {
		q.current = nil
		stopTimer(req)
		q.settle(req, outcome{err: err})
	}
	for i, req := range q.pending {
		q.pending[i] = nil
		q.settle(req, outcome{err: err})
	}
	q.pending = nil
	q.reasm.Reset()
}

// reject settles req with err and aborts the rest of its group.
func (q *queue) reject(req *request, err error) {
	q.settle(req, outcome{err: err})
	if req.group == nil {
		return
	}
	abortErr := fmt.Errorf("%w: %w", ErrBatchAborted, err)
	if req.modeSwitch {
		abortErr = fmt.Errorf("switching to JSON output: %w", err)
	}
	kept := q.pending[:0]
	for _, other := range q.pending {
		if other.group == req.group {
			q.settle(other, outcome{err: abortErr})
			continue
		}
		kept = append(kept, other)
	}
	clear(q.pending[len(kept):])
	q.pending = kept
}

func (q *queue) remove(req *request) {
	for i, other := range q.pending {
		if other == req {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// settle delivers o to the caller at most once.
func (q *queue) settle(req *request, o outcome) {
	if req.settled {
		return
	}
	req.settled = true
	req.result <- o

	q.s.updateStats(func(st *Stats) {
		if o.err != nil {
			st.Failed++
		} else {
			st.Completed++
		}
	})

	if q.s.observer == nil {
		return
	}
	started := req.started
	if started.IsZero() {
		started = req.enqueued
	}
	q.s.observer(Completion{
		ID:          req.id,
		Kind:        req.kind,
		Statement:   req.statement,
		Started:     started,
		Duration:    time.Since(started),
		OutputBytes: len(o.output),
		Truncated:   o.truncated,
		Err:         o.err,
	})
}

func (q *queue) publish() {
	q.s.updateStats(func(st *Stats) {
		st.Pending = len(q.pending)
		st.InFlight = q.current != nil && !q.current.abandoned
		st.JSONMode = q.jsonMode
	})
}

func stopTimer(req *request) {
	if req.timer != nil {
		req.timer.Stop()
		req.timer = nil
	}
}

func (s *Shell) afterFunc(d time.Duration, msg timeoutMsg) *time.Timer {
	return time.AfterFunc(d, func() {
		select {
		case s.timeoutCh <- msg:
		case <-s.stopped:
		}
	})
}
