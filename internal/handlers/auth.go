package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/auth"
	"github.com/avelez/banter/internal/email"
	"github.com/avelez/banter/internal/gateway"
	"github.com/avelez/banter/internal/middleware"
	"github.com/avelez/banter/internal/session"
)

type AuthHandler struct {
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Signer   *auth.Signer
	Mail     *email.Sender
	Log      zerolog.Logger
}

type signupRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	user, err := h.Gateway.CreateUser(r.Context(), req.Name, req.Email, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.Mail != nil {
		// Best effort; signup does not fail on mail problems.
		if err := h.Mail.SendWelcome(user.Email, user.Username); err != nil {
			h.Log.Warn().Err(err).Str("user_id", user.ID).Msg("welcome mail failed")
		}
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": user.ID})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	s, user, err := h.Sessions.Authenticate(r.Context(), "", req.Identifier, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     middleware.CookieName,
		Value:    h.Signer.Sign(s.Token),
		Path:     "/",
		HttpOnly: true,
	})

	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFrom(r)
	if s == nil {
		writeError(w, session.ErrUnauthorized)
		return
	}
	h.Sessions.Logout(s.Token)

	http.SetCookie(w, &http.Cookie{
		Name:   middleware.CookieName,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
