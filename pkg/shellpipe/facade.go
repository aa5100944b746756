package shellpipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/nerrad567/shellpipe/pkg/sqlparam"
)

// Row is one result row keyed by column name. Numbers decode as json.Number.
type Row map[string]any

// Exec runs a statement and returns its trimmed textual output.
// Each '?' outside quotes and comments is replaced by the next param
// rendered as a SQL literal.
func (s *Shell) Exec(ctx context.Context, stmt string, params ...any) (string, error) {
	o, err := s.single(ctx, KindExec, stmt, params, false)
	if err != nil {
		return "", err
	}
	return o.output, nil
}

// Query runs a statement with the shell in JSON output mode and decodes
// the rows. A statement that returns no rows yields an empty, non-nil slice.
func (s *Shell) Query(ctx context.Context, stmt string, params ...any) ([]Row, error) {
	o, err := s.single(ctx, KindQuery, stmt, params, true)
	if err != nil {
		return nil, err
	}
	return parseRows(o.output)
}

// Raw writes command to the shell verbatim, without parameter substitution
// or statement termination. It is meant for dot-commands such as ".tables".
// Commands that send output elsewhere or make the shell exit on error are
// rejected with ErrUnframedCommand.
func (s *Shell) Raw(ctx context.Context, command string) (string, error) {
	if err := s.Err(); err != nil {
		return "", err
	}
	command = strings.TrimRight(command, "\r\n")
	if name := unframedCommand(command); name != "" {
		return "", fmt.Errorf("%w: .%s", ErrUnframedCommand, name)
	}
	req := s.newRequest(KindRaw, command, command)
	req.resetsMode = strings.HasPrefix(strings.TrimSpace(command), ".mode")

	o := s.roundTrip(ctx, submission{reqs: []*request{req}})
	if o.err != nil {
		return "", o.err
	}
	return o.output, nil
}

// Batch runs ops back to back with no other request interleaved. It stops
// at the first failure and returns a *BatchError for it, together with the
// outputs of the operations that completed.
func (s *Shell) Batch(ctx context.Context, ops ...Op) ([]string, error) {
	if err := s.Err(); err != nil {
		return nil, err
	}

	g := &group{}
	reqs := make([]*request, 0, len(ops))
	var interpErr error
	for i, op := range ops {
		sql, err := sqlparam.Interpolate(op.Statement, op.Params)
		if err != nil {
			interpErr = &BatchError{Index: i, Err: err}
			break
		}
		req := s.newRequest(KindBatch, sql, terminate(sql))
		req.group = g
		reqs = append(reqs, req)
	}

	results := make([]string, 0, len(reqs))
	if len(reqs) > 0 {
		if err := s.submit(ctx, submission{reqs: reqs}); err != nil {
			return nil, err
		}
		for i, req := range reqs {
			o := s.await(ctx, req, reqs[i:])
			if o.err != nil {
				return results, &BatchError{Index: i, Err: o.err}
			}
			results = append(results, o.output)
		}
	}
	return results, interpErr
}

// unframedDotCommands redirect stdout or turn errors into exits. The shell
// accepts any unambiguous prefix of a dot-command name.
var unframedDotCommands = []string{"bail", "excel", "once", "output"}

// unframedCommand returns the dot-command in command that would break
// framing, or "".
func unframedCommand(command string) string {
	for _, line := range strings.Split(command, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || !strings.HasPrefix(fields[0], ".") {
			continue
		}
		word := strings.TrimPrefix(fields[0], ".")
		if word == "" {
			continue
		}
		for _, name := range unframedDotCommands {
			if strings.HasPrefix(name, word) {
				return name
			}
		}
	}
	return ""
}

func (s *Shell) single(ctx context.Context, kind Kind, stmt string, params []any, query bool) (outcome, error) {
	if err := s.Err(); err != nil {
		return outcome{}, err
	}
	sql, err := sqlparam.Interpolate(stmt, params)
	if err != nil {
		return outcome{}, err
	}
	req := s.newRequest(kind, sql, terminate(sql))
	o := s.roundTrip(ctx, submission{reqs: []*request{req}, query: query})
	return o, o.err
}

func (s *Shell) newRequest(kind Kind, statement, payload string) *request {
	return &request{
		id:        uuid.NewString(),
		tag:       s.seq.Add(1),
		kind:      kind,
		statement: statement,
		payload:   payload,
		result:    make(chan outcome, 1),
	}
}

func (s *Shell) roundTrip(ctx context.Context, sub submission) outcome {
	if err := s.submit(ctx, sub); err != nil {
		return outcome{err: err}
	}
	last := sub.reqs[len(sub.reqs)-1]
	return s.await(ctx, last, sub.reqs)
}

func (s *Shell) submit(ctx context.Context, sub submission) error {
	select {
	case s.submitCh <- sub:
		return nil
	case <-s.stopped:
		return s.Err()
	case <-ctx.Done():
		return contextError(ctx.Err())
	}
}

// await waits for req. If ctx ends first, every request in group is
// withdrawn from the queue.
func (s *Shell) await(ctx context.Context, req *request, group []*request) outcome {
	select {
	case o := <-req.result:
		return o
	case <-s.stopped:
		select {
		case o := <-req.result:
			return o
		default:
			return outcome{err: s.Err()}
		}
	case <-ctx.Done():
		err := contextError(ctx.Err())
		select {
		case s.cancelCh <- cancelMsg{reqs: group, err: err}:
		case <-s.stopped:
		}
		return outcome{err: err}
	}
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// terminate ensures stmt ends with exactly one semicolon. A trailing line
// comment gets the terminator on its own line.
func terminate(stmt string) string {
	s := strings.TrimSpace(stmt)
	s = strings.TrimRight(s, "; \t\r\n")
	last := s
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		last = s[i+1:]
	}
	if strings.Contains(last, "--") {
		return s + "\n;"
	}
	return s + ";"
}

func parseRows(text string) ([]Row, error) {
	rows := []Row{}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	for {
		var part []Row
		err := dec.Decode(&part)
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, newParseError(text, err)
		}
		rows = append(rows, part...)
	}
}
