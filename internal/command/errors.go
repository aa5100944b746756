package command

import (
	"context"
	"errors"
	"net/http"

	"github.com/nerrad567/shellpipe/pkg/shellpipe"
	"github.com/nerrad567/shellpipe/pkg/sqlparam"
)

// Error codes carried in ErrorBody.Code.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInvalidParams  = "invalid_params"
	CodeStatement      = "statement_error"
	CodeParse          = "parse_error"
	CodeUnavailable    = "unavailable"
	CodeTimeout        = "timeout"
	CodeCancelled      = "cancelled"
	CodeInternal       = "internal_error"
)

// statusClientClosedRequest is the non-standard status for a caller that
// went away before the reply.
const statusClientClosedRequest = 499

// ErrorBody is the error part of a Reply.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	// Index is the failing operation of a batch.
	Index *int `json:"index,omitempty"`
}

// NewErrorBody classifies err.
func NewErrorBody(err error) *ErrorBody {
	body := &ErrorBody{Code: Code(err), Message: err.Error()}
	var batchErr *shellpipe.BatchError
	if errors.As(err, &batchErr) {
		idx := batchErr.Index
		body.Index = &idx
	}
	return body
}

// Code maps err onto one of the Code constants.
func Code(err error) string {
	var (
		stmtErr  *shellpipe.StatementError
		parseErr *shellpipe.ParseError
		typeErr  *sqlparam.TypeError
	)
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, shellpipe.ErrUnframedCommand):
		return CodeInvalidRequest
	case errors.As(err, &typeErr), errors.Is(err, sqlparam.ErrTooFewParams), errors.Is(err, sqlparam.ErrInvalidNumber):
		return CodeInvalidParams
	case errors.As(err, &stmtErr):
		return CodeStatement
	case errors.As(err, &parseErr):
		return CodeParse
	case errors.Is(err, shellpipe.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, shellpipe.ErrClosed), errors.Is(err, shellpipe.ErrClosing), errors.Is(err, shellpipe.ErrProcess):
		return CodeUnavailable
	case errors.Is(err, shellpipe.ErrBatchAborted):
		return CodeStatement
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status for an error code.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvalidRequest, CodeInvalidParams:
		return http.StatusBadRequest
	case CodeStatement:
		return http.StatusUnprocessableEntity
	case CodeParse:
		return http.StatusBadGateway
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCancelled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}
