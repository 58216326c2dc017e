// Package api exposes the REST surface: discovered channels, the job queue,
// Telegram auth, health, dashboard statistics, settings, import sources and
// duplicate review. Handlers are thin; domain rules live in the services
// they call.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"goa.design/clue/log"

	"github.com/printvault/printvault/internal/catalog"
	"github.com/printvault/printvault/internal/duplicate"
	"github.com/printvault/printvault/internal/health"
	"github.com/printvault/printvault/internal/jobs"
	"github.com/printvault/printvault/internal/settings"
	"github.com/printvault/printvault/internal/telegram"
)

// Server bundles the handler dependencies.
type Server struct {
	store    *catalog.Store
	queue    *jobs.Queue
	auth     *telegram.Auth
	client   telegram.Client
	checker  *health.Checker
	settings *settings.Service
	engine   *duplicate.Engine

	validate *validator.Validate

	statsCache cache[catalog.StorageStats]
}

// NewServer wires the REST server.
func NewServer(store *catalog.Store, queue *jobs.Queue, auth *telegram.Auth, client telegram.Client, checker *health.Checker, svc *settings.Service, engine *duplicate.Engine) *Server {
	return &Server{
		store:    store,
		queue:    queue,
		auth:     auth,
		client:   client,
		checker:  checker,
		settings: svc,
		engine:   engine,
		validate: validator.New(),
	}
}

// Routes builds the router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/detailed", s.handleHealthDetailed)

	r.Route("/discovered-channels", func(r chi.Router) {
		r.Get("/", s.handleDiscoveredList)
		r.Post("/", s.handleDiscoveredAdd)
		r.Get("/stats", s.handleDiscoveredStats)
		r.Get("/{id}", s.handleDiscoveredGet)
		r.Delete("/{id}", s.handleDiscoveredDelete)
	})

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueueList)
		r.Get("/stats", s.handleQueueStats)
		r.Patch("/{id}/priority", s.handleQueuePriority)
		r.Post("/{id}/cancel", s.handleQueueCancel)
	})

	r.Route("/telegram/auth", func(r chi.Router) {
		r.Post("/start", s.handleAuthStart)
		r.Post("/verify", s.handleAuthVerify)
		r.Post("/password", s.handleAuthPassword)
		r.Post("/logout", s.handleAuthLogout)
		r.Get("/status", s.handleAuthStatus)
	})

	r.Route("/stats", func(r chi.Router) {
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/dashboard/calendar", s.handleCalendar)
		r.Get("/dashboard/queue", s.handleQueueStats)
		r.Get("/dashboard/storage", s.handleStorage)
	})

	r.Route("/settings", func(r chi.Router) {
		r.Get("/", s.handleSettingsList)
		r.Put("/{key}", s.handleSettingsSet)
	})

	r.Route("/import-sources", func(r chi.Router) {
		r.Get("/", s.handleSourceList)
		r.Post("/", s.handleSourceCreate)
		r.Get("/{id}", s.handleSourceGet)
		r.Put("/{id}", s.handleSourceUpdate)
		r.Delete("/{id}", s.handleSourceDelete)
		r.Post("/{id}/sync", s.handleSourceSync)
		r.Get("/{id}/records", s.handleSourceRecords)
	})

	r.Route("/duplicates", func(r chi.Router) {
		r.Get("/", s.handleDuplicateList)
		r.Post("/{id}/merge", s.handleDuplicateMerge)
		r.Post("/{id}/reject", s.handleDuplicateReject)
	})

	return r
}

// cache is a one-slot TTL cache used by the storage stats endpoint. Safe for
// concurrent use.
type cache[T any] struct {
	mu    sync.Mutex
	value T
	at    time.Time
}

func (c *cache[T]) get(ttl time.Duration) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Since(c.at) < ttl {
		return c.value, true
	}
	var zero T
	return zero, false
}

func (c *cache[T]) put(v T) {
	c.mu.Lock()
	c.value = v
	c.at = time.Now()
	c.mu.Unlock()
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		s.respond(w, http.StatusNotFound, errorBody{Error: "not found"})
	default:
		log.Errorf(r.Context(), err, "%s %s", r.Method, r.URL.Path)
		s.respond(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

// decode unmarshals and validates a request body. A false return means the
// response has been written.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

// pathID parses the {id} route parameter.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, `{"error":"invalid id"}`, http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
