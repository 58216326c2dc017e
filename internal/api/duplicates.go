package api

import (
	"net/http"

	"github.com/printvault/printvault/internal/catalog"
)

func (s *Server) handleDuplicateList(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListPendingDuplicates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.DuplicateCandidate{}
	}
	s.respond(w, http.StatusOK, items)
}

// mergeRequest names the surviving design of a candidate pair.
type mergeRequest struct {
	WinnerID int64 `json:"winner_id" validate:"required,gt=0"`
}

func (s *Server) handleDuplicateMerge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req mergeRequest
	if !s.decode(w, r, &req) {
		return
	}
	var cand catalog.DuplicateCandidate
	if err := s.store.DB().WithContext(r.Context()).First(&cand, id).Error; err != nil {
		s.fail(w, r, catalog.ErrNotFound)
		return
	}
	if cand.Status != catalog.DuplicatePending {
		s.respond(w, http.StatusConflict, errorBody{Error: "candidate already reviewed"})
		return
	}
	var loserID int64
	switch req.WinnerID {
	case cand.DesignAID:
		loserID = cand.DesignBID
	case cand.DesignBID:
		loserID = cand.DesignAID
	default:
		s.respond(w, http.StatusBadRequest, errorBody{Error: "winner_id is not part of this candidate"})
		return
	}
	if err := s.engine.Merge(r.Context(), req.WinnerID, loserID); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.store.UpdateDuplicateStatus(r.Context(), cand.ID, catalog.DuplicateMerged); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]int64{"design_id": req.WinnerID})
}

func (s *Server) handleDuplicateReject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.UpdateDuplicateStatus(r.Context(), id, catalog.DuplicateRejected); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}
