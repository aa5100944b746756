package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// Op names accepted in Request.Op.
const (
	OpExec  = "exec"
	OpQuery = "query"
	OpBatch = "batch"
	OpRaw   = "raw"
)

// ErrInvalidRequest is returned by Decode and Validate for malformed requests.
var ErrInvalidRequest = errors.New("command: invalid request")

// Executor is the subset of *shellpipe.Shell a transport needs.
type Executor interface {
	Exec(ctx context.Context, stmt string, params ...any) (string, error)
	Query(ctx context.Context, stmt string, params ...any) ([]shellpipe.Row, error)
	Batch(ctx context.Context, ops ...shellpipe.Op) ([]string, error)
	Raw(ctx context.Context, command string) (string, error)
}

// Request is one inbound command.
type Request struct {
	Op         string         `json:"op"`
	Statement  string         `json:"statement,omitempty"`
	Params     []any          `json:"params,omitempty"`
	Operations []shellpipe.Op `json:"operations,omitempty"`
}

// Reply is the outcome of a Request. Rows and Results are encoded whenever
// they are non-nil, so a query without rows replies with "rows":[].
type Reply struct {
	OK        bool            `json:"ok"`
	RequestID string          `json:"request_id,omitempty"`
	Output    *string         `json:"output,omitempty"`
	Rows      []shellpipe.Row `json:"rows,omitempty"`
	Results   []string        `json:"results,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
}

// MarshalJSON keeps empty but non-nil Rows and Results in the output.
func (r Reply) MarshalJSON() ([]byte, error) {
	type wireReply struct {
		OK        bool             `json:"ok"`
		RequestID string           `json:"request_id,omitempty"`
		Output    *string          `json:"output,omitempty"`
		Rows      *[]shellpipe.Row `json:"rows,omitempty"`
		Results   *[]string        `json:"results,omitempty"`
		Error     *ErrorBody       `json:"error,omitempty"`
	}
	w := wireReply{OK: r.OK, RequestID: r.RequestID, Output: r.Output, Error: r.Error}
	if r.Rows != nil {
		w.Rows = &r.Rows
	}
	if r.Results != nil {
		w.Results = &r.Results
	}
	return json.Marshal(w)
}

// Decode parses a JSON request. Numbers in params decode as json.Number so
// integers keep their exact value.
func Decode(data []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return req, req.Validate()
}

// Validate checks that the fields required by Op are present.
func (r Request) Validate() error {
	switch r.Op {
	case OpExec, OpQuery, OpRaw:
		if strings.TrimSpace(r.Statement) == "" {
			return fmt.Errorf("%w: %s requires a statement", ErrInvalidRequest, r.Op)
		}
		if r.Op == OpRaw && len(r.Params) > 0 {
			return fmt.Errorf("%w: raw does not take params", ErrInvalidRequest)
		}
	case OpBatch:
		if r.Statement != "" {
			return fmt.Errorf("%w: batch takes operations, not a statement", ErrInvalidRequest)
		}
	case "":
		return fmt.Errorf("%w: missing op", ErrInvalidRequest)
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, r.Op)
	}
	return nil
}

// Execute runs req against exec and always returns a Reply; failures are
// described in Reply.Error. For a failed batch, Results holds the outputs
// of the operations that completed.
func Execute(ctx context.Context, exec Executor, req Request) Reply {
	if err := req.Validate(); err != nil {
		return Failure(err)
	}

	var (
		reply Reply
		err   error
	)
	switch req.Op {
	case OpExec:
		var out string
		out, err = exec.Exec(ctx, req.Statement, req.Params...)
		reply.Output = &out
	case OpRaw:
		var out string
		out, err = exec.Raw(ctx, req.Statement)
		reply.Output = &out
	case OpQuery:
		reply.Rows, err = exec.Query(ctx, req.Statement, req.Params...)
		if err == nil && reply.Rows == nil {
			reply.Rows = []shellpipe.Row{}
		}
	case OpBatch:
		reply.Results, err = exec.Batch(ctx, req.Operations...)
		if reply.Results == nil {
			reply.Results = []string{}
		}
	}

	if err != nil {
		failed := Failure(err)
		failed.Results = reply.Results
		return failed
	}
	reply.OK = true
	return reply
}

// Failure builds the Reply for err.
func Failure(err error) Reply {
	return Reply{Error: NewErrorBody(err)}
}
