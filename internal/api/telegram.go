package api

import (
	"errors"
	"net/http"

	"github.com/printvault/printvault/internal/telegram"
)

type (
	authStartRequest struct {
		Phone string `json:"phone" validate:"required,min=5,max=32"`
	}
	authVerifyRequest struct {
		Code string `json:"code" validate:"required,min=3,max=16"`
	}
	authPasswordRequest struct {
		Password string `json:"password" validate:"required"`
	}
)

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	var req authStartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.Start(r.Context(), req.Phone); err != nil {
		if errors.Is(err, telegram.ErrPhoneNumberInvalid) {
			s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid phone number"})
			return
		}
		s.fail(w, r, err)
		return
	}
	s.writeAuthStatus(w, r)
}

func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req authVerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.auth.Verify(r.Context(), req.Code)
	switch {
	case err == nil, errors.Is(err, telegram.ErrSessionPasswordNeeded):
		// Needing the two-factor password is a normal next step, not a
		// failure; the returned state tells the caller what to do.
		s.writeAuthStatus(w, r)
	case errors.Is(err, telegram.ErrPhoneCodeInvalid):
		s.respond(w, http.StatusBadRequest, errorBody{Error: "invalid code"})
	case errors.Is(err, telegram.ErrPhoneCodeExpired):
		s.respond(w, http.StatusGone, errorBody{Error: "code expired, restart login"})
	default:
		s.fail(w, r, err)
	}
}

func (s *Server) handleAuthPassword(w http.ResponseWriter, r *http.Request) {
	var req authPasswordRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.auth.Password(r.Context(), req.Password); err != nil {
		s.respond(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	s.writeAuthStatus(w, r)
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.LogOut(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeAuthStatus(w, r)
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	s.writeAuthStatus(w, r)
}

func (s *Server) writeAuthStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.auth.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, st)
}
