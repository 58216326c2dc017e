package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/printvault/printvault/internal/settings"
)

// settingView is one registry entry with its resolved value.
type settingView struct {
	Key             string   `json:"key"`
	Kind            string   `json:"kind"`
	Value           string   `json:"value"`
	Default         string   `json:"default"`
	Min             *float64 `json:"min,omitempty"`
	Max             *float64 `json:"max,omitempty"`
	RestartRequired bool     `json:"restart_required,omitempty"`
	Description     string   `json:"description,omitempty"`
}

func (s *Server) handleSettingsList(w http.ResponseWriter, r *http.Request) {
	defs := s.settings.Definitions()
	out := make([]settingView, 0, len(defs))
	for _, d := range defs {
		value, err := s.settings.String(r.Context(), d.Key)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out = append(out, settingView{
			Key:             d.Key,
			Kind:            string(d.Kind),
			Value:           value,
			Default:         d.Default,
			Min:             d.Min,
			Max:             d.Max,
			RestartRequired: d.RestartRequired,
			Description:     d.Description,
		})
	}
	s.respond(w, http.StatusOK, out)
}

// settingUpdate is the PUT body.
type settingUpdate struct {
	Value string `json:"value" validate:"required"`
}

func (s *Server) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var req settingUpdate
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.settings.Set(r.Context(), key, req.Value); err != nil {
		if errors.Is(err, settings.ErrUnknownSetting) {
			s.respond(w, http.StatusNotFound, errorBody{Error: err.Error()})
			return
		}
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	value, err := s.settings.String(r.Context(), key)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"key": key, "value": value})
}
