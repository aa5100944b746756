// Package reassembler turns the line stream of an interactive shell into
// discrete results.
//
// Stdout lines and stderr text accumulate separately until the
// end-of-result marker has appeared on both streams. The two pipes are read
// independently, so either boundary may come first. Once both are in, the
// accumulators are trimmed and returned as one Result, then cleared for the
// next statement.
//
// Both accumulators are bounded. A statement that produces more output
// than the limit keeps only the most recent bytes and reports Truncated.
//
// A Reassembler is not safe for concurrent use; it is owned by the single
// goroutine that drives the shell.
package reassembler

import (
	"strings"
	"unicode"
)

// DefaultLimit caps each accumulator when no limit is configured.
const DefaultLimit = 16 << 20

// Matcher recognises the end-of-result marker on stdout and on stderr.
type Matcher interface {
	Match(line string) bool
	MatchError(line string) bool
}

// Result is one finalized statement.
type Result struct {
	// Output is the accumulated stdout text, trailing whitespace removed.
	Output string

	// ErrText is the accumulated stderr text, trailing whitespace removed.
	// A non-empty ErrText means the statement failed.
	ErrText string

	// Truncated reports that output or error text exceeded the limit and
	// the oldest bytes were dropped.
	Truncated bool

	// Dropped is the number of bytes discarded across both accumulators.
	Dropped int
}

// Failed reports whether the shell wrote to stderr for this statement.
func (r Result) Failed() bool {
	return r.ErrText != ""
}

// Reassembler accumulates lines and detects result boundaries.
type Reassembler struct {
	matcher Matcher
	out     *boundedBuffer
	errs    *boundedBuffer
	outDone bool
	errDone bool
}

// New creates a Reassembler that finalizes on lines accepted by m.
// limit caps each accumulator in bytes; zero or less selects DefaultLimit.
func New(m Matcher, limit int) *Reassembler {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Reassembler{
		matcher: m,
		out:     newBoundedBuffer(limit),
		errs:    newBoundedBuffer(limit),
	}
}

// Line consumes one stdout line (without its terminator). It returns the
// finalized Result and true when line is the marker and the stderr marker
// has already been seen; otherwise ok is false.
func (r *Reassembler) Line(line string) (res Result, ok bool) {
	if r.outDone {
		// The shell writes nothing to stdout between the two markers.
		return Result{}, false
	}
	if r.matcher.Match(line) {
		r.outDone = true
		return r.complete()
	}
	r.out.WriteString(line)
	r.out.WriteString("\n")
	return Result{}, false
}

// ErrorText consumes one line of stderr text. The marker line itself is
// not kept. It returns the finalized Result and true when text carries the
// marker and the stdout marker has already been seen.
func (r *Reassembler) ErrorText(text string) (res Result, ok bool) {
	if r.errDone {
		return Result{}, false
	}
	if r.matcher.MatchError(text) {
		r.errDone = true
		return r.complete()
	}
	r.errs.WriteString(text)
	if !strings.HasSuffix(text, "\n") {
		r.errs.WriteString("\n")
	}
	return Result{}, false
}

// Pending reports the bytes currently held in each accumulator.
func (r *Reassembler) Pending() (outBytes, errBytes int) {
	return r.out.Len(), r.errs.Len()
}

// Reset discards everything accumulated so far, including a boundary seen
// on one stream only.
func (r *Reassembler) Reset() {
	r.out.Reset()
	r.errs.Reset()
	r.outDone = false
	r.errDone = false
}

func (r *Reassembler) complete() (Result, bool) {
	if !r.outDone || !r.errDone {
		return Result{}, false
	}
	return r.finalize(), true
}

func (r *Reassembler) finalize() Result {
	dropped := r.out.Dropped() + r.errs.Dropped()
	res := Result{
		Output:    trimTrailing(r.out.String()),
		ErrText:   trimTrailing(r.errs.String()),
		Truncated: dropped > 0,
		Dropped:   dropped,
	}
	r.Reset()
	return res
}

func trimTrailing(s string) string {
	return strings.TrimRightFunc(s, unicode.IsSpace)
}
