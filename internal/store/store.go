// Package store abstracts the shared key-value store. Records live in named
// collections; each (collection, id) pair maps to one serialized record.
// Implementations guarantee atomicity per single key only — cross-key
// consistency is the gateway's job.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no record exists under the key.
var ErrNotFound = errors.New("store: record not found")

// Collection names used by the service.
const (
	Users         = "users"
	Chats         = "chats"
	Messages      = "messages"
	UsernameIndex = "index:username"
	EmailIndex    = "index:email"
)

// KV is the single-key-atomic store interface. Every call honors its
// context's deadline; a timed-out call is a failure, never pending.
type KV interface {
	// Get returns the record value, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (string, error)

	// Set writes the record unconditionally.
	Set(ctx context.Context, collection, id, value string) error

	// SetNX writes the record only if absent and reports whether it wrote.
	SetNX(ctx context.Context, collection, id, value string) (bool, error)

	// Exists reports whether a record is present.
	Exists(ctx context.Context, collection, id string) (bool, error)

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, collection, id string) error

	Ping(ctx context.Context) error
	Close() error
}
