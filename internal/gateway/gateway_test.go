package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/store"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	kv, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return New(kv, zerolog.Nop())
}

// failingKV injects write and delete failures for chosen records.
type failingKV struct {
	store.KV
	failSet          map[string]bool
	failSetNX        map[string]bool
	failDeleteWithin map[string]bool // whole collections
}

func key(collection, id string) string { return collection + "/" + id }

func (f *failingKV) Set(ctx context.Context, collection, id, value string) error {
	if f.failSet[key(collection, id)] {
		return fmt.Errorf("injected write failure for %s", key(collection, id))
	}
	return f.KV.Set(ctx, collection, id, value)
}

func (f *failingKV) SetNX(ctx context.Context, collection, id, value string) (bool, error) {
	if f.failSetNX[key(collection, id)] {
		return false, fmt.Errorf("injected write failure for %s", key(collection, id))
	}
	return f.KV.SetNX(ctx, collection, id, value)
}

func (f *failingKV) Delete(ctx context.Context, collection, id string) error {
	if f.failDeleteWithin[collection] {
		return fmt.Errorf("injected delete failure for %s", key(collection, id))
	}
	return f.KV.Delete(ctx, collection, id)
}

func newFailingGateway(t *testing.T) (*Gateway, *failingKV) {
	t.Helper()
	kv, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	fkv := &failingKV{
		KV:               kv,
		failSet:          map[string]bool{},
		failSetNX:        map[string]bool{},
		failDeleteWithin: map[string]bool{},
	}
	return New(fkv, zerolog.Nop()), fkv
}

func TestCreateUserAndFind(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	user, err := g.CreateUser(ctx, "Alice Smith", "alice@x.com", "alice", "p1")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a store-assigned id")
	}
	if user.PasswordHash == "p1" {
		t.Error("password stored without hashing")
	}

	byName, err := g.FindByUsername(ctx, "alice")
	if err != nil || byName.ID != user.ID {
		t.Errorf("FindByUsername: got %v, %v", byName, err)
	}
	byEmail, err := g.FindByEmail(ctx, "alice@x.com")
	if err != nil || byEmail.ID != user.ID {
		t.Errorf("FindByEmail: got %v, %v", byEmail, err)
	}
}

func TestCreateUserConflicts(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1"); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	// Same username, everything else different.
	if _, err := g.CreateUser(ctx, "Imposter", "other@x.com", "alice", "p2"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate username: expected ErrConflict, got %v", err)
	}

	// Same email, everything else different.
	if _, err := g.CreateUser(ctx, "Imposter", "alice@x.com", "alice2", "p2"); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate email: expected ErrConflict, got %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	cases := []struct {
		name, email, username, password string
	}{
		{"A", "a@x.com", "", "p"},
		{"A", "", "a", "p"},
		{"A", "not-an-email", "a", "p"},
		{"A", "a@x.com", "a", ""},
	}
	for _, c := range cases {
		if _, err := g.CreateUser(ctx, c.name, c.email, c.username, c.password); !errors.Is(err, ErrValidation) {
			t.Errorf("CreateUser(%q,%q,%q): expected ErrValidation, got %v", c.email, c.username, c.password, err)
		}
	}
}

func TestVerifyCredentials(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	created, err := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	for _, identifier := range []string{"alice", "alice@x.com"} {
		user, err := g.VerifyCredentials(ctx, identifier, "p1")
		if err != nil {
			t.Fatalf("VerifyCredentials(%q) failed: %v", identifier, err)
		}
		if user.ID != created.ID {
			t.Errorf("VerifyCredentials(%q) resolved the wrong user", identifier)
		}
	}

	// Wrong password and unknown identifier fail identically.
	_, errWrongPw := g.VerifyCredentials(ctx, "alice", "nope")
	_, errUnknown := g.VerifyCredentials(ctx, "nobody", "nope")
	if !errors.Is(errWrongPw, ErrAuth) || !errors.Is(errUnknown, ErrAuth) {
		t.Errorf("expected ErrAuth for both failure modes, got %v and %v", errWrongPw, errUnknown)
	}
	if errWrongPw.Error() != errUnknown.Error() {
		t.Errorf("failure modes are distinguishable: %q vs %q", errWrongPw, errUnknown)
	}
}

func TestCreateChatBidirectionalMembership(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")

	chat, err := g.CreateChat(ctx, alice.ID, bob.ID, "alice and bob")
	if err != nil {
		t.Fatalf("CreateChat failed: %v", err)
	}
	if len(chat.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(chat.Members))
	}

	for _, id := range []string{alice.ID, bob.ID} {
		u, err := g.GetUser(ctx, id)
		if err != nil {
			t.Fatalf("GetUser failed: %v", err)
		}
		if !contains(u.ChatIDs, chat.ID) {
			t.Errorf("user %s missing chat back-reference", id)
		}
	}
}

func TestCreateChatValidation(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")

	if _, err := g.CreateChat(ctx, alice.ID, alice.ID, "solo"); !errors.Is(err, ErrValidation) {
		t.Errorf("chat with self: expected ErrValidation, got %v", err)
	}
	if _, err := g.CreateChat(ctx, alice.ID, "ghost", "haunt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown invitee: expected ErrNotFound, got %v", err)
	}
}

func TestPostMessageOrdering(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "ordered")

	m1, err := g.PostMessage(ctx, chat.ID, alice.ID, "first")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	m2, err := g.PostMessage(ctx, chat.ID, bob.ID, "second")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	reloaded, _ := g.GetChat(ctx, chat.ID)
	if len(reloaded.MessageIDs) != 2 {
		t.Fatalf("expected 2 message ids, got %d", len(reloaded.MessageIDs))
	}
	if reloaded.MessageIDs[0] != m1.ID || reloaded.MessageIDs[1] != m2.ID {
		t.Errorf("messages out of order: %v", reloaded.MessageIDs)
	}

	messages, err := g.ChatMessages(ctx, chat.ID, alice.ID)
	if err != nil {
		t.Fatalf("ChatMessages failed: %v", err)
	}
	if messages[0].Content != "first" || messages[1].Content != "second" {
		t.Errorf("message contents out of order: %v", messages)
	}
}

func TestPostMessageNonMember(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	eve, _ := g.CreateUser(ctx, "Eve", "eve@x.com", "eve", "p3")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "private")

	if _, err := g.PostMessage(ctx, chat.ID, eve.ID, "let me in"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}

	reloaded, _ := g.GetChat(ctx, chat.ID)
	if len(reloaded.MessageIDs) != 0 {
		t.Error("rejected post mutated the chat record")
	}
}

func TestPostMessageConcurrent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "busy")

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := alice.ID
			if i%2 == 1 {
				author = bob.ID
			}
			if _, err := g.PostMessage(ctx, chat.ID, author, fmt.Sprintf("msg %d", i)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent PostMessage failed: %v", err)
	}

	reloaded, _ := g.GetChat(ctx, chat.ID)
	if len(reloaded.MessageIDs) != n {
		t.Fatalf("expected %d message ids, got %d (lost appends)", n, len(reloaded.MessageIDs))
	}
	seen := make(map[string]bool, n)
	for _, id := range reloaded.MessageIDs {
		if seen[id] {
			t.Errorf("duplicate message id %s", id)
		}
		seen[id] = true
	}
}

func TestEditMessage(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "edits")
	msg, _ := g.PostMessage(ctx, chat.ID, alice.ID, "helo")

	edited, err := g.EditMessage(ctx, msg.ID, alice.ID, "hello")
	if err != nil {
		t.Fatalf("EditMessage failed: %v", err)
	}
	if edited.Content != "hello" {
		t.Errorf("content not updated: %q", edited.Content)
	}
	if edited.EditedTime.Before(edited.SentTime) {
		t.Error("edited_time precedes sent_time")
	}
	if !edited.SentTime.Equal(msg.SentTime) {
		t.Error("sent_time changed on edit")
	}

	// Only the author may edit.
	if _, err := g.EditMessage(ctx, msg.ID, bob.ID, "hijacked"); !errors.Is(err, ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateUserRollback(t *testing.T) {
	g, fkv := newFailingGateway(t)
	ctx := context.Background()

	// The email index write fails, so the user record and username index
	// already written must be rolled back.
	fkv.failSetNX[key(store.EmailIndex, "alice@x.com")] = true

	_, err := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	if err == nil {
		t.Fatal("expected CreateUser to fail")
	}
	var pce *PartialConsistencyError
	if errors.As(err, &pce) {
		t.Fatalf("rollback succeeded, error should not be PartialConsistencyError: %v", err)
	}
	if _, err := g.FindByUsername(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("username index survived the rollback: %v", err)
	}

	// With the store healthy again the same signup goes through, proving
	// nothing of the failed attempt was left behind.
	fkv.failSetNX = map[string]bool{}
	if _, err := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1"); err != nil {
		t.Errorf("retry after rollback failed: %v", err)
	}
}

func TestCreateUserPartialConsistency(t *testing.T) {
	g, fkv := newFailingGateway(t)
	ctx := context.Background()

	// The email index write fails and the user record cannot be deleted, so
	// the rollback cannot complete.
	fkv.failSetNX[key(store.EmailIndex, "alice@x.com")] = true
	fkv.failDeleteWithin[store.Users] = true

	_, err := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	var pce *PartialConsistencyError
	if !errors.As(err, &pce) {
		t.Fatalf("expected PartialConsistencyError, got %v", err)
	}
	if len(pce.Divergent) != 1 || pce.Divergent[0].Collection != store.Users {
		t.Errorf("expected the stranded user record to be reported, got %v", pce.Divergent)
	}
}

func TestCreateChatPartialConsistency(t *testing.T) {
	g, fkv := newFailingGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")

	// Every write of bob's record fails: the invitee back-reference can
	// never land.
	fkv.failSet[key(store.Users, bob.ID)] = true

	_, err := g.CreateChat(ctx, alice.ID, bob.ID, "doomed")
	var pce *PartialConsistencyError
	if !errors.As(err, &pce) {
		t.Fatalf("expected PartialConsistencyError, got %v", err)
	}
	if len(pce.Divergent) == 0 {
		t.Error("expected divergent entities to be reported")
	}

	// The chat record stays in place for out-of-band repair.
	chats, _ := g.UserChats(ctx, alice.ID)
	if len(chats) != 1 {
		t.Fatalf("expected the orphaned chat to remain reachable, got %d chats", len(chats))
	}
	if !contains(chats[0].Members, bob.ID) {
		t.Error("chat record lost the invitee")
	}
}

func TestPostMessageRollback(t *testing.T) {
	g, fkv := newFailingGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "flaky")

	// The chat write fails, so the already-written message record must be
	// rolled back.
	fkv.failSet[key(store.Chats, chat.ID)] = true

	_, err := g.PostMessage(ctx, chat.ID, alice.ID, "doomed")
	if err == nil {
		t.Fatal("expected PostMessage to fail")
	}
	var pce *PartialConsistencyError
	if errors.As(err, &pce) {
		t.Fatalf("rollback succeeded, error should not be PartialConsistencyError: %v", err)
	}

	fkv.failSet = map[string]bool{}
	reloaded, _ := g.GetChat(ctx, chat.ID)
	if len(reloaded.MessageIDs) != 0 {
		t.Error("failed post left a message id in the chat")
	}
}

func TestPostMessageRollbackFailure(t *testing.T) {
	g, fkv := newFailingGateway(t)
	ctx := context.Background()

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "very flaky")

	// The chat write fails, and deleting message records fails too, so the
	// rollback cannot complete.
	fkv.failSet[key(store.Chats, chat.ID)] = true
	fkv.failDeleteWithin[store.Messages] = true

	_, err := g.PostMessage(ctx, chat.ID, alice.ID, "doomed")
	var pce *PartialConsistencyError
	if !errors.As(err, &pce) {
		t.Fatalf("expected PartialConsistencyError, got %v", err)
	}
	if len(pce.Divergent) != 1 || pce.Divergent[0].Collection != store.Messages {
		t.Errorf("expected the stranded message record to be reported, got %v", pce.Divergent)
	}
}

func TestPostMessageNotifyOrder(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	var mu sync.Mutex
	var notified []string
	g.NotifyPosted(func(chat *models.Chat, msg *models.Message) {
		mu.Lock()
		notified = append(notified, msg.ID)
		mu.Unlock()
	})

	alice, _ := g.CreateUser(ctx, "Alice", "alice@x.com", "alice", "p1")
	bob, _ := g.CreateUser(ctx, "Bob", "bob@x.com", "bob", "p2")
	chat, _ := g.CreateChat(ctx, alice.ID, bob.ID, "racy")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := alice.ID
			if i%2 == 1 {
				author = bob.ID
			}
			if _, err := g.PostMessage(ctx, chat.ID, author, fmt.Sprintf("msg %d", i)); err != nil {
				t.Errorf("concurrent PostMessage failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// The hook fires under the chat's lock, so notification order must be
	// exactly the persisted message_ids order.
	reloaded, _ := g.GetChat(ctx, chat.ID)
	if len(notified) != n || len(reloaded.MessageIDs) != n {
		t.Fatalf("expected %d notifications and %d message ids, got %d and %d",
			n, n, len(notified), len(reloaded.MessageIDs))
	}
	for i := range notified {
		if notified[i] != reloaded.MessageIDs[i] {
			t.Fatalf("notification %d out of order: got %s, want %s", i, notified[i], reloaded.MessageIDs[i])
		}
	}
}

func TestCorruptRecordIsNotValidation(t *testing.T) {
	kv, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	g := New(kv, zerolog.Nop())
	ctx := context.Background()

	if err := kv.Set(ctx, store.Users, "u1", "not a record"); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	_, err = g.GetUser(ctx, "u1")
	if !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
	var dve *models.DataValidationError
	if errors.As(err, &dve) {
		t.Errorf("corrupt record surfaced as caller validation: %v", err)
	}

	// Valid JSON that breaks the entity contract is corrupt all the same.
	if err := kv.Set(ctx, store.Users, "u2", `{"id":"u2"}`); err != nil {
		t.Fatalf("seed corrupt record: %v", err)
	}
	if _, err := g.GetUser(ctx, "u2"); !errors.Is(err, ErrCorruptRecord) {
		t.Errorf("expected ErrCorruptRecord for a contract-breaking record, got %v", err)
	}
}
