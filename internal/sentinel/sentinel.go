// Package sentinel defines the end-of-result marker used to frame output
// from an interactive SQL shell.
//
// The shell has no structural framing: rows, blank lines and diagnostics
// all arrive as plain text on two independent streams. After every
// statement the driver sends two dot-commands. The first prints the marker
// on stdout. The second is an unknown command named after the marker, which
// the shell reports on stderr. A statement is complete once the marker has
// been seen on both streams, so no stderr text can be attributed to the
// wrong statement however the two pipes are scheduled.
//
// ".print" writes the marker verbatim whatever the display mode is. The
// JSON row form is also accepted for shells that render the marker as a
// query result:
//
//	plain:  __shellpipe_eor_6b1d04c9__
//	json:   [{"eor":"__shellpipe_eor_6b1d04c9__"}]
//	stderr: Error: unknown command or invalid arguments:  "__shellpipe_eor_6b1d04c9__". Enter ".help" for help
package sentinel

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Marker is the default end-of-result literal. It is tagged and salted so
// that it has no realistic chance of appearing as row data.
const Marker = "__shellpipe_eor_6b1d04c9__"

// alias is the column name of the marker's JSON row form.
const alias = "eor"

// Recognizer builds the trigger commands for a marker and recognises the
// marker on each stream.
type Recognizer struct {
	marker string
	forms  map[string]struct{}
}

// New returns a Recognizer for marker. An empty marker selects Marker.
// The marker must be a plain token that cannot name a real dot-command.
func New(marker string) (*Recognizer, error) {
	if marker == "" {
		marker = Marker
	}
	if strings.ContainsAny(marker, "'\"\\\r\n\t ") {
		return nil, fmt.Errorf("sentinel: marker %q must not contain quotes, backslashes or whitespace", marker)
	}
	if marker[0] != '_' {
		return nil, fmt.Errorf("sentinel: marker %q must start with an underscore", marker)
	}

	r := &Recognizer{
		marker: marker,
		forms:  make(map[string]struct{}, 2),
	}
	for _, f := range renderForms(marker) {
		r.forms[f] = struct{}{}
	}
	return r, nil
}

// Default returns a Recognizer for Marker.
func Default() *Recognizer {
	r, err := New(Marker)
	if err != nil {
		panic(err) // Marker is a valid constant
	}
	return r
}

// renderForms returns the marker as printed by ".print" and as a JSON row.
func renderForms(marker string) []string {
	row, _ := json.Marshal([]map[string]string{{alias: marker}}) //nolint:errcheck // map of strings always marshals
	return []string{marker, string(row)}
}

// Marker returns the literal this Recognizer matches.
func (r *Recognizer) Marker() string {
	return r.marker
}

// Statement returns the command that prints the marker on stdout.
func (r *Recognizer) Statement() string {
	return ".print " + r.marker
}

// ErrorStatement returns the command that makes the shell report the
// marker on stderr.
func (r *Recognizer) ErrorStatement() string {
	return "." + r.marker
}

// Trigger returns both commands, newline terminated, ready to follow a
// statement on the shell's stdin.
func (r *Recognizer) Trigger() string {
	return r.Statement() + "\n" + r.ErrorStatement() + "\n"
}

// Forms returns every stdout rendering of the marker that Match accepts.
func (r *Recognizer) Forms() []string {
	return renderForms(r.marker)
}

// Match reports whether a stdout line is the marker in any supported form.
// Surrounding whitespace is ignored; anything else must match exactly.
func (r *Recognizer) Match(line string) bool {
	_, ok := r.forms[strings.TrimSpace(line)]
	return ok
}

// MatchError reports whether a stderr line is the shell's complaint about
// the marker command.
func (r *Recognizer) MatchError(line string) bool {
	return strings.Contains(line, r.marker)
}
