// Package gateway is the sole mutator of persisted state. The store is
// atomic per single key only, so every multi-entity operation here is an
// ordered sequence of single-key writes with bounded retries and reverse-order
// rollback. Mutations to any one entity are serialized through a keyed lock.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/store"
)

var (
	// ErrValidation rejects malformed input before any store write.
	ErrValidation = errors.New("invalid input")

	// ErrConflict reports a username or email uniqueness violation.
	ErrConflict = errors.New("username or email already taken")

	// ErrAuth reports bad credentials. Unknown identifier and wrong
	// password are deliberately indistinguishable.
	ErrAuth = errors.New("invalid credentials")

	// ErrNotFound reports an absent user, chat, or message.
	ErrNotFound = errors.New("not found")

	// ErrForbidden reports an operation by a user without rights to the
	// target entity (non-member post, non-author edit).
	ErrForbidden = errors.New("operation not permitted")

	// ErrCorruptRecord reports a stored record that failed to decode. This
	// is a server-side fault needing out-of-band repair, never a caller
	// mistake, so it deliberately does not wrap the validation error.
	ErrCorruptRecord = errors.New("corrupt record")
)

// EntityRef names one persisted record.
type EntityRef struct {
	Collection string
	ID         string
}

func (r EntityRef) String() string {
	return r.Collection + "/" + r.ID
}

// PartialConsistencyError reports a multi-key write sequence that failed
// mid-way and could not be fully rolled back. Divergent lists the records
// that now disagree with their peer references; repair is out of band.
type PartialConsistencyError struct {
	Op        string
	Divergent []EntityRef
	Err       error
}

func (e *PartialConsistencyError) Error() string {
	return fmt.Sprintf("%s left divergent records %v: %v", e.Op, e.Divergent, e.Err)
}

func (e *PartialConsistencyError) Unwrap() error {
	return e.Err
}

const (
	defaultCallTimeout = 5 * time.Second
	writeRetries       = 3
)

type Gateway struct {
	kv  store.KV
	log zerolog.Logger

	callTimeout time.Duration

	notifyPosted func(chat *models.Chat, msg *models.Message)

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(kv store.KV, logger zerolog.Logger) *Gateway {
	return &Gateway{
		kv:          kv,
		log:         logger,
		callTimeout: defaultCallTimeout,
		locks:       make(map[string]*sync.Mutex),
	}
}

// NotifyPosted registers fn to run after each message post commits, while the
// chat's lock is still held. Two posts to one chat therefore invoke fn in
// message_ids order. fn must not call back into the gateway.
func (g *Gateway) NotifyPosted(fn func(chat *models.Chat, msg *models.Message)) {
	g.notifyPosted = fn
}

// lockFor returns the mutex serializing mutations to one entity id. Locks
// are never reclaimed; the table grows with the number of live entities.
func (g *Gateway) lockFor(id string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[id]
	if !ok {
		l = &sync.Mutex{}
		g.locks[id] = l
	}
	return l
}

// lockAll acquires the locks for every id in ascending order, preventing
// deadlock between concurrent multi-entity operations that share entities.
// The returned func releases them in reverse order.
func (g *Gateway) lockAll(ids ...string) func() {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)

	acquired := make([]*sync.Mutex, 0, len(sorted))
	for _, id := range sorted {
		l := g.lockFor(id)
		l.Lock()
		acquired = append(acquired, l)
	}
	return func() {
		for i := len(acquired) - 1; i >= 0; i-- {
			acquired[i].Unlock()
		}
	}
}

// callCtx bounds a single store call. A deadline hit is a write failure for
// the recovery sequence, never a pending operation.
func (g *Gateway) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.callTimeout)
}

func encodeRecord(fields map[string]string) string {
	b, _ := json.Marshal(fields)
	return string(b)
}

func decodeRecord(entity, raw string) (map[string]string, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, &models.DataValidationError{Entity: entity, Reason: "record is not a field mapping"}
	}
	return fields, nil
}

// setRecord writes one record, retrying transient failures up to the bound.
func (g *Gateway) setRecord(ctx context.Context, ref EntityRef, value string) error {
	var err error
	for attempt := 0; attempt <= writeRetries; attempt++ {
		cctx, cancel := g.callCtx(ctx)
		err = g.kv.Set(cctx, ref.Collection, ref.ID, value)
		cancel()
		if err == nil {
			return nil
		}
		g.log.Warn().Err(err).Stringer("record", ref).Int("attempt", attempt+1).
			Msg("store write failed")
	}
	return fmt.Errorf("write %s: %w", ref, err)
}

// rollback deletes previously-completed writes in reverse order and returns
// the refs it could not remove.
func (g *Gateway) rollback(ctx context.Context, completed []EntityRef) []EntityRef {
	var divergent []EntityRef
	for i := len(completed) - 1; i >= 0; i-- {
		ref := completed[i]
		cctx, cancel := g.callCtx(ctx)
		err := g.kv.Delete(cctx, ref.Collection, ref.ID)
		cancel()
		if err != nil {
			g.log.Error().Err(err).Stringer("record", ref).Msg("rollback delete failed")
			divergent = append(divergent, ref)
		}
	}
	return divergent
}

func (g *Gateway) getUser(ctx context.Context, id string) (*models.User, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	raw, err := g.kv.Get(cctx, store.Users, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	fields, err := decodeRecord("User", raw)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w: %v", id, ErrCorruptRecord, err)
	}
	user, err := models.DeserializeUser(fields)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w: %v", id, ErrCorruptRecord, err)
	}
	return user, nil
}

func (g *Gateway) getChat(ctx context.Context, id string) (*models.Chat, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	raw, err := g.kv.Get(cctx, store.Chats, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", id, err)
	}
	fields, err := decodeRecord("Chat", raw)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w: %v", id, ErrCorruptRecord, err)
	}
	chat, err := models.DeserializeChat(fields)
	if err != nil {
		return nil, fmt.Errorf("chat %s: %w: %v", id, ErrCorruptRecord, err)
	}
	return chat, nil
}

func (g *Gateway) getMessage(ctx context.Context, id string) (*models.Message, error) {
	cctx, cancel := g.callCtx(ctx)
	defer cancel()
	raw, err := g.kv.Get(cctx, store.Messages, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s: %w", id, err)
	}
	fields, err := decodeRecord("Message", raw)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w: %v", id, ErrCorruptRecord, err)
	}
	msg, err := models.DeserializeMessage(fields)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w: %v", id, ErrCorruptRecord, err)
	}
	return msg, nil
}

// GetUser loads one user record.
func (g *Gateway) GetUser(ctx context.Context, id string) (*models.User, error) {
	return g.getUser(ctx, id)
}

// GetChat loads one chat record.
func (g *Gateway) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	return g.getChat(ctx, id)
}

// GetMessage loads one message record.
func (g *Gateway) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	return g.getMessage(ctx, id)
}
