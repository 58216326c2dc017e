package api

import (
	"net/http"
	"strings"

	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
)

// discoveredPage is the list envelope.
type discoveredPage struct {
	Items  []catalog.DiscoveredChannel `json:"items"`
	Total  int64                       `json:"total"`
	Limit  int                         `json:"limit"`
	Offset int                         `json:"offset"`
}

func (s *Server) handleDiscoveredList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	sortBy := catalog.DiscoveredSort(r.URL.Query().Get("sort"))
	items, total, err := s.store.ListDiscoveredChannels(r.Context(), sortBy, limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if items == nil {
		items = []catalog.DiscoveredChannel{}
	}
	s.respond(w, http.StatusOK, discoveredPage{Items: items, Total: total, Limit: limit, Offset: offset})
}

func (s *Server) handleDiscoveredGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	dc, err := s.store.GetDiscoveredChannel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, dc)
}

func (s *Server) handleDiscoveredDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteDiscoveredChannel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusNoContent, nil)
}

func (s *Server) handleDiscoveredStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.DiscoveredChannelStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

// addChannelRequest promotes a discovered channel (or a raw reference) into
// a monitored Channel.
type addChannelRequest struct {
	DiscoveredID int64  `json:"discovered_id" validate:"omitempty,gt=0"`
	Ref          string `json:"ref" validate:"omitempty,min=2,max=256"`
	Enabled      bool   `json:"enabled"`
}

func (s *Server) handleDiscoveredAdd(w http.ResponseWriter, r *http.Request) {
	var req addChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	ref := strings.TrimSpace(req.Ref)
	var discovered *catalog.DiscoveredChannel
	if req.DiscoveredID != 0 {
		dc, err := s.store.GetDiscoveredChannel(r.Context(), req.DiscoveredID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		discovered = dc
		switch {
		case dc.Username != "":
			ref = "@" + dc.Username
		case dc.PeerID != "":
			ref = dc.PeerID
		case dc.InviteHash != "":
			ref = "https://t.me/+" + dc.InviteHash
		}
	}
	if ref == "" {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "discovered_id or ref is required"})
		return
	}

	peer, err := s.client.ResolvePeer(r.Context(), ref)
	if err != nil {
		s.respond(w, http.StatusUnprocessableEntity, errorBody{Error: "cannot resolve channel: " + err.Error()})
		return
	}
	if existing, err := s.store.GetChannelByPeerID(r.Context(), peer.ID); err == nil {
		s.respond(w, http.StatusConflict, existing)
		return
	}
	ch := &catalog.Channel{
		PeerID:   peer.ID,
		Username: peer.Username,
		Title:    peer.Title,
		Enabled:  req.Enabled,
	}
	if err := s.store.CreateChannel(r.Context(), ch); err != nil {
		s.fail(w, r, err)
		return
	}
	if discovered != nil {
		if err := s.store.DeleteDiscoveredChannel(r.Context(), discovered.ID); err != nil {
			log.Errorf(r.Context(), err, "remove promoted discovered channel %d", discovered.ID)
		}
	}
	s.respond(w, http.StatusCreated, ch)
}
