// Package middleware carries the HTTP cross-cutting layers: session
// extraction from the signed cookie and structured request logging.
package middleware

import (
	"context"
	"net/http"

	"github.com/avelez/banter/internal/auth"
	"github.com/avelez/banter/internal/session"
)

type contextKey string

// SessionKey holds the *session.Session for the authenticated request.
const SessionKey contextKey = "session"

// CookieName is the signed session-token cookie.
const CookieName = "session"

// Auth resolves the signed session cookie to an open session and stores it in
// the request context. API callers get a bare 401 status, never a redirect.
func Auth(signer *auth.Signer, sessions *session.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(CookieName)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token, err := signer.Verify(cookie.Value)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			s, err := sessions.Get(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), SessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFrom returns the session placed in the context by Auth, or nil.
func SessionFrom(r *http.Request) *session.Session {
	s, _ := r.Context().Value(SessionKey).(*session.Session)
	return s
}
