package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/store"
)

// CreateUser registers a new user. The record and both unique-index mappings
// (username and email) are separate keys; the record is written first, then
// the indexes, and a failure mid-sequence rolls back in reverse order.
func (g *Gateway) CreateUser(ctx context.Context, name, email, username, password string) (*models.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	switch {
	case username == "":
		return nil, fmt.Errorf("%w: username is required", ErrValidation)
	case email == "" || !strings.Contains(email, "@"):
		return nil, fmt.Errorf("%w: a valid email is required", ErrValidation)
	case password == "":
		return nil, fmt.Errorf("%w: password is required", ErrValidation)
	}

	// Fast conflict check. The SetNX writes below are what actually hold
	// under a race.
	for _, idx := range []struct{ collection, key string }{
		{store.UsernameIndex, username},
		{store.EmailIndex, email},
	} {
		cctx, cancel := g.callCtx(ctx)
		taken, err := g.kv.Exists(cctx, idx.collection, idx.key)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", idx.collection, err)
		}
		if taken {
			return nil, ErrConflict
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
	}

	userRef := EntityRef{store.Users, user.ID}
	if err := g.setRecord(ctx, userRef, encodeRecord(user.Serialize())); err != nil {
		return nil, err
	}
	completed := []EntityRef{userRef}

	for _, idx := range []struct{ collection, key string }{
		{store.UsernameIndex, username},
		{store.EmailIndex, email},
	} {
		cctx, cancel := g.callCtx(ctx)
		wrote, err := g.kv.SetNX(cctx, idx.collection, idx.key, user.ID)
		cancel()
		if err == nil && !wrote {
			// Lost a race on the unique index; undo what we wrote.
			err = ErrConflict
		}
		if err != nil {
			if divergent := g.rollback(ctx, completed); len(divergent) > 0 {
				pce := &PartialConsistencyError{Op: "create_user", Divergent: divergent, Err: err}
				g.log.Error().Err(pce).Msg("user creation left partial state")
				return nil, pce
			}
			if errors.Is(err, ErrConflict) {
				return nil, ErrConflict
			}
			return nil, fmt.Errorf("register %s: %w", idx.collection, err)
		}
		completed = append(completed, EntityRef{idx.collection, idx.key})
	}

	g.log.Info().Str("user_id", user.ID).Str("username", username).Msg("user created")
	return user, nil
}

// FindByUsername resolves a username through the unique index.
func (g *Gateway) FindByUsername(ctx context.Context, username string) (*models.User, error) {
	return g.findByIndex(ctx, store.UsernameIndex, username)
}

// FindByEmail resolves an email through the unique index.
func (g *Gateway) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	return g.findByIndex(ctx, store.EmailIndex, email)
}

func (g *Gateway) findByIndex(ctx context.Context, collection, key string) (*models.User, error) {
	cctx, cancel := g.callCtx(ctx)
	id, err := g.kv.Get(cctx, collection, key)
	cancel()
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", collection, err)
	}
	return g.getUser(ctx, id)
}

// VerifyCredentials authenticates a username or email plus password. Every
// failure mode returns the same ErrAuth so callers cannot probe which
// identifiers exist.
func (g *Gateway) VerifyCredentials(ctx context.Context, identifier, password string) (*models.User, error) {
	user, err := g.FindByUsername(ctx, identifier)
	if errors.Is(err, ErrNotFound) {
		user, err = g.FindByEmail(ctx, identifier)
	}
	if errors.Is(err, ErrNotFound) {
		// Burn a hash comparison anyway so the timing of the two failure
		// modes stays close.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrAuth
	}
	if err != nil {
		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, ErrAuth
	}
	return user, nil
}

var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("banter-dummy"), bcrypt.DefaultCost)
	return h
}()
