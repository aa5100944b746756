package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/shellpipe/internal/journal"
)

// handleListJournal pages the statement journal, newest first.
//
// Query parameters: kind, outcome, limit (default 50, max 200), offset.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "journal is not enabled")
		return
	}

	q := r.URL.Query()
	filter := journal.Filter{
		Kind:    q.Get("kind"),
		Outcome: journal.Outcome(q.Get("outcome")),
	}

	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing journal", "error", err)
		writeInternalError(w, "failed to list journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
