package api

import (
	"net/http"
	"time"

	"github.com/printvault/printvault/internal/health"
)

// storageCacheTTL bounds how often the storage aggregation runs.
const storageCacheTTL = 5 * time.Minute

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.checker.Check(r.Context())
	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, map[string]any{"status": rep.Status})
}

func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	rep := s.checker.Check(r.Context())
	status := http.StatusOK
	if rep.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, status, rep)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.GetDashboardStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 30)
	if days < 1 || days > 365 {
		days = 30
	}
	buckets, err := s.store.GetDesignCalendar(r.Context(), days)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, buckets)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	if st, ok := s.statsCache.get(storageCacheTTL); ok {
		s.respond(w, http.StatusOK, st)
		return
	}
	st, err := s.store.GetStorageStats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.statsCache.put(st)
	s.respond(w, http.StatusOK, st)
}
