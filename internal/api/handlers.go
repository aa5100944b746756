package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nerrad567/shellpipe/internal/command"
	"github.com/nerrad567/shellpipe/pkg/shellpipe"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string          `json:"status"`
	Version string          `json:"version"`
	Shell   shellpipe.State `json:"shell"`
	PID     int             `json:"pid"`
	Error   string          `json:"error,omitempty"`
}

// handleHealth returns 200 while the shell is running and 503 once it has
// failed or been closed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := s.shell.Stats()
	resp := HealthResponse{
		Status:  "ok",
		Version: s.version,
		Shell:   stats.State,
		PID:     stats.PID,
	}
	status := http.StatusOK
	if err := s.shell.Err(); err != nil {
		resp.Status = "failed"
		resp.Error = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// commandHandler serves one of the command routes. The body is a
// command.Request; its op may be omitted but must match the route if given.
func (s *Server) commandHandler(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeCommand(r.Body, op)
		if err != nil {
			s.writeReply(w, r, command.Failure(err))
			return
		}
		s.writeReply(w, r, command.Execute(r.Context(), s.shell, req))
	}
}

func decodeCommand(body io.Reader, op string) (command.Request, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return command.Request{}, fmt.Errorf("%w: reading body: %w", command.ErrInvalidRequest, err)
	}

	var req command.Request
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return command.Request{}, fmt.Errorf("%w: %w", command.ErrInvalidRequest, err)
	}
	if req.Op != "" && req.Op != op {
		return command.Request{}, fmt.Errorf("%w: op %q does not match route %q", command.ErrInvalidRequest, req.Op, op)
	}
	req.Op = op
	return req, req.Validate()
}

func (s *Server) writeReply(w http.ResponseWriter, r *http.Request, reply command.Reply) {
	reply.RequestID = requestID(r.Context())
	status := http.StatusOK
	if reply.Error != nil {
		status = command.HTTPStatus(reply.Error.Code)
		s.logger.Debug("command failed",
			"path", r.URL.Path,
			"code", reply.Error.Code,
			"error", reply.Error.Message,
			"request_id", reply.RequestID,
		)
	}
	writeJSON(w, status, reply)
}
