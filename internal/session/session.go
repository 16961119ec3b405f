// Package session binds transport connections to verified identities. A
// session moves Unauthenticated -> Authenticated -> Closed; there is no way
// back to Unauthenticated short of a fresh login, and re-authenticating a
// connection replaces its binding instead of stacking a second identity.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/gateway"
	"github.com/avelez/banter/internal/models"
)

// ErrUnauthorized rejects any chat or message operation attempted without an
// authenticated, open session.
var ErrUnauthorized = errors.New("not authenticated")

type state int

const (
	stateAuthenticated state = iota
	stateClosed
)

// Session is the runtime binding between a connection and a verified user.
// Sessions only exist once authentication has succeeded; an unauthenticated
// connection simply holds no session.
type Session struct {
	Token  string
	UserID string

	mu    sync.Mutex
	state state
}

// Active reports whether the session still carries a usable identity.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAuthenticated
}

func (s *Session) close() {
	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
}

// Manager owns the token -> session registry.
type Manager struct {
	gw  *gateway.Gateway
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	// byConn tracks which session a connection currently holds so a repeat
	// login replaces it.
	byConn map[string]*Session
}

func NewManager(gw *gateway.Gateway, logger zerolog.Logger) *Manager {
	return &Manager{
		gw:       gw,
		log:      logger,
		sessions: make(map[string]*Session),
		byConn:   make(map[string]*Session),
	}
}

// Authenticate verifies credentials and opens a session. connID identifies
// the transport connection; passing the same connID again closes the previous
// session for that connection before binding the new identity.
func (m *Manager) Authenticate(ctx context.Context, connID, identifier, password string) (*Session, *models.User, error) {
	user, err := m.gw.VerifyCredentials(ctx, identifier, password)
	if err != nil {
		return nil, nil, err
	}

	s := &Session{
		Token:  uuid.NewString(),
		UserID: user.ID,
		state:  stateAuthenticated,
	}

	m.mu.Lock()
	if prev, ok := m.byConn[connID]; ok {
		prev.close()
		delete(m.sessions, prev.Token)
	}
	m.sessions[s.Token] = s
	if connID != "" {
		m.byConn[connID] = s
	}
	m.mu.Unlock()

	m.log.Info().Str("user_id", user.ID).Msg("session opened")
	return s, user, nil
}

// Get resolves a token to its open session, or ErrUnauthorized.
func (m *Manager) Get(token string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	m.mu.Unlock()
	if !ok || !s.Active() {
		return nil, ErrUnauthorized
	}
	return s, nil
}

// Require returns the bound user id for an operation, or ErrUnauthorized if
// the session is nil, closed, or unknown.
func (m *Manager) Require(s *Session) (string, error) {
	if s == nil || !s.Active() {
		return "", ErrUnauthorized
	}
	m.mu.Lock()
	_, known := m.sessions[s.Token]
	m.mu.Unlock()
	if !known {
		return "", ErrUnauthorized
	}
	return s.UserID, nil
}

// BindConn attaches an existing session to a transport connection. If the
// connection already held a different session, that one is closed first:
// a connection carries at most one identity.
func (m *Manager) BindConn(connID, token string) (*Session, error) {
	s, err := m.Get(token)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if prev, ok := m.byConn[connID]; ok && prev != s {
		prev.close()
		delete(m.sessions, prev.Token)
	}
	m.byConn[connID] = s
	m.mu.Unlock()
	return s, nil
}

// Logout closes the session for the token. Logging out an unknown token is a
// no-op: the end state is the same.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	s, ok := m.sessions[token]
	if ok {
		delete(m.sessions, token)
		for connID, bound := range m.byConn {
			if bound == s {
				delete(m.byConn, connID)
			}
		}
	}
	m.mu.Unlock()
	if ok {
		s.close()
		m.log.Info().Str("user_id", s.UserID).Msg("session closed")
	}
}

// Disconnect closes whatever session the connection holds, on transport
// close.
func (m *Manager) Disconnect(connID string) {
	m.mu.Lock()
	s, ok := m.byConn[connID]
	if ok {
		delete(m.byConn, connID)
		delete(m.sessions, s.Token)
	}
	m.mu.Unlock()
	if ok {
		s.close()
	}
}
