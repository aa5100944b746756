package shellpipe

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Sentinel errors. Use errors.Is to test for them.
var (
	// ErrClosed is returned for any operation attempted after Close.
	ErrClosed = errors.New("shellpipe: shell is closed")

	// ErrClosing rejects work that was pending or in flight when Close was called.
	ErrClosing = errors.New("shellpipe: shell is closing")

	// ErrTimeout is returned when a request's deadline elapses.
	ErrTimeout = errors.New("shellpipe: request timed out")

	// ErrProcess matches every *ProcessError.
	ErrProcess = errors.New("shellpipe: shell process failed")

	// ErrBatchAborted rejects the operations of a batch that follow a failure.
	ErrBatchAborted = errors.New("shellpipe: batch aborted")

	// ErrInvalidConfig is returned by Open for unusable configuration.
	ErrInvalidConfig = errors.New("shellpipe: invalid config")

	// ErrUnframedCommand is returned by Raw for dot-commands that redirect
	// output or stop the shell on the first error.
	ErrUnframedCommand = errors.New("shellpipe: command would break response framing")
)

// StatementError carries text the shell wrote to stderr for a statement.
type StatementError struct {
	Statement string
	Message   string
}

func (e *StatementError) Error() string {
	return e.Message
}

// maxExcerpt bounds the text kept in a ParseError.
const maxExcerpt = 200

// ParseError reports query output that is not valid JSON rows.
type ParseError struct {
	Excerpt string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("shellpipe: cannot parse query output %q: %v", e.Excerpt, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(text string, err error) *ParseError {
	excerpt := text
	if len(excerpt) > maxExcerpt {
		cut := maxExcerpt
		for cut > 0 && !utf8.RuneStart(excerpt[cut]) {
			cut--
		}
		excerpt = excerpt[:cut] + "..."
	}
	return &ParseError{Excerpt: excerpt, Err: err}
}

// ProcessError is a failure of the shell process. A write failure rejects
// only the request being sent; for every other Op the Shell rejects all
// further work with the same error.
type ProcessError struct {
	// Op is the stage that failed: spawn, write, exit, transport or desync.
	Op  string
	Err error
}

func (e *ProcessError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("shellpipe: shell process %s", e.Op)
	}
	return fmt.Sprintf("shellpipe: shell process %s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrProcess.
func (e *ProcessError) Is(target error) bool {
	return target == ErrProcess
}

// BatchError reports the operation at which a batch stopped.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("shellpipe: batch operation %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
