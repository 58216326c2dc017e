package api

import (
	"net/http"

	"github.com/printvault/printvault/internal/catalog"
)

// jobPage is the queue list envelope.
type jobPage struct {
	Items  []catalog.Job `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	status := catalog.JobStatus(r.URL.Query().Get("status"))
	items, err := s.queue.List(r.Context(), status, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.Job{}
	}
	s.respond(w, http.StatusOK, jobPage{Items: items, Limit: limit, Offset: offset})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

// priorityRequest is the priority update body.
type priorityRequest struct {
	Priority int `json:"priority" validate:"gte=-10,lte=10"`
}

func (s *Server) handleQueuePriority(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req priorityRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.queue.UpdatePriority(r.Context(), id, req.Priority); err != nil {
		// Only queued jobs may change priority; anything else is a state
		// conflict, not a server fault.
		s.respond(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

func (s *Server) handleQueueCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		s.respond(w, http.StatusConflict, errorBody{Error: err.Error()})
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}
