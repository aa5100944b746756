package journal

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/nerrad567/shellpipe/pkg/shellpipe"
	"github.com/nerrad567/shellpipe/pkg/sqlparam"
)

// Outcome classifies how a request settled.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeStatement Outcome = "statement_error"
	OutcomeParams    Outcome = "param_error"
	OutcomeParse     Outcome = "parse_error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
	OutcomeClosed    Outcome = "closed"
	OutcomeProcess   Outcome = "process_error"
	OutcomeError     Outcome = "error"
)

// Entry is one journal row.
type Entry struct {
	ID          string        `json:"id"`
	RequestID   string        `json:"request_id"`
	Kind        string        `json:"kind"`
	Statement   string        `json:"statement"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	OutputBytes int           `json:"output_bytes"`
	Truncated   bool          `json:"truncated"`
	Duration    time.Duration `json:"-"`
	DurationMS  float64       `json:"duration_ms"`
	StartedAt   time.Time     `json:"started_at"`
	CreatedAt   time.Time     `json:"created_at"`
}

// FromCompletion builds an entry from a settled request. Statements longer
// than maxStatement bytes are cut; zero keeps them whole.
func FromCompletion(c shellpipe.Completion, maxStatement int) Entry {
	e := Entry{
		RequestID:   c.ID,
		Kind:        string(c.Kind),
		Statement:   clip(c.Statement, maxStatement),
		Outcome:     Classify(c.Err),
		OutputBytes: c.OutputBytes,
		Truncated:   c.Truncated,
		Duration:    c.Duration,
		DurationMS:  float64(c.Duration) / float64(time.Millisecond),
		StartedAt:   c.Started.UTC(),
	}
	if c.Err != nil {
		e.Error = c.Err.Error()
	}
	return e
}

// Classify maps a request error onto an Outcome.
func Classify(err error) Outcome {
	var (
		stmtErr  *shellpipe.StatementError
		parseErr *shellpipe.ParseError
		typeErr  *sqlparam.TypeError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, shellpipe.ErrBatchAborted):
		return OutcomeAborted
	case errors.As(err, &stmtErr):
		return OutcomeStatement
	case errors.As(err, &parseErr):
		return OutcomeParse
	case errors.As(err, &typeErr), errors.Is(err, sqlparam.ErrTooFewParams), errors.Is(err, sqlparam.ErrInvalidNumber):
		return OutcomeParams
	case errors.Is(err, shellpipe.ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, shellpipe.ErrClosed), errors.Is(err, shellpipe.ErrClosing):
		return OutcomeClosed
	case errors.Is(err, shellpipe.ErrProcess):
		return OutcomeProcess
	}
	return OutcomeError
}

// clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func clip(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
