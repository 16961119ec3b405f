package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/avelez/banter/internal/models"
	"github.com/avelez/banter/internal/store"
)

// CreateChat starts a chat between the initiator and one invitee. Write
// order runs from the new chat record to the two member back-references; a
// member write that keeps failing surfaces as PartialConsistencyError and the
// chat record is left in place for out-of-band reconciliation rather than
// deleted.
func (g *Gateway) CreateChat(ctx context.Context, initiatorID, inviteeID, name string) (*models.Chat, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: chat name is required", ErrValidation)
	}
	if initiatorID == inviteeID {
		return nil, fmt.Errorf("%w: a chat needs two distinct members", ErrValidation)
	}

	chatID := uuid.NewString()
	unlock := g.lockAll(chatID, initiatorID, inviteeID)
	defer unlock()

	initiator, err := g.getUser(ctx, initiatorID)
	if err != nil {
		return nil, err
	}
	invitee, err := g.getUser(ctx, inviteeID)
	if err != nil {
		return nil, err
	}

	chat := &models.Chat{
		ID:        chatID,
		Name:      name,
		Members:   []string{initiatorID, inviteeID},
		StartDate: time.Now().UTC(),
	}

	chatRef := EntityRef{store.Chats, chatID}
	if err := g.setRecord(ctx, chatRef, encodeRecord(chat.Serialize())); err != nil {
		// Nothing referenced the chat yet; no partial state.
		return nil, err
	}

	for _, member := range []*models.User{initiator, invitee} {
		member.ChatIDs = append(member.ChatIDs, chatID)
		ref := EntityRef{store.Users, member.ID}
		if err := g.setRecord(ctx, ref, encodeRecord(member.Serialize())); err != nil {
			pce := &PartialConsistencyError{
				Op:        "create_chat",
				Divergent: []EntityRef{chatRef, ref},
				Err:       err,
			}
			g.log.Error().Err(pce).Str("chat_id", chatID).Str("user_id", member.ID).
				Msg("chat membership back-reference not written")
			return nil, pce
		}
	}

	g.log.Info().Str("chat_id", chatID).Str("initiator", initiatorID).
		Str("invitee", inviteeID).Msg("chat created")
	return chat, nil
}

// PostMessage appends a message to a chat. The whole load-append-store runs
// under the chat's lock so concurrent posts never drop each other's appends.
// The message record is written before the chat record that references it; if
// the chat write fails the message record is rolled back. The NotifyPosted
// hook fires before the lock is released, so listeners observe posts in the
// same order the chat records them.
func (g *Gateway) PostMessage(ctx context.Context, chatID, authorID, content string) (*models.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	unlock := g.lockAll(chatID)
	defer unlock()

	chat, err := g.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !contains(chat.Members, authorID) {
		return nil, fmt.Errorf("user %s in chat %s: %w", authorID, chatID, ErrForbidden)
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:         ulid.Make().String(),
		UserID:     authorID,
		Content:    content,
		SentTime:   now,
		EditedTime: now,
	}

	msgRef := EntityRef{store.Messages, msg.ID}
	if err := g.setRecord(ctx, msgRef, encodeRecord(msg.Serialize())); err != nil {
		return nil, err
	}

	chat.MessageIDs = append(chat.MessageIDs, msg.ID)
	chatRef := EntityRef{store.Chats, chatID}
	if err := g.setRecord(ctx, chatRef, encodeRecord(chat.Serialize())); err != nil {
		if divergent := g.rollback(ctx, []EntityRef{msgRef}); len(divergent) > 0 {
			pce := &PartialConsistencyError{Op: "post_message", Divergent: divergent, Err: err}
			g.log.Error().Err(pce).Str("chat_id", chatID).Msg("message post left partial state")
			return nil, pce
		}
		return nil, err
	}

	if g.notifyPosted != nil {
		g.notifyPosted(chat, msg)
	}
	return msg, nil
}

// EditMessage replaces a message's content. Only the author may edit;
// edited_time moves forward, never behind sent_time.
func (g *Gateway) EditMessage(ctx context.Context, messageID, editorID, content string) (*models.Message, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	unlock := g.lockAll(messageID)
	defer unlock()

	msg, err := g.getMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != editorID {
		return nil, fmt.Errorf("user %s editing message %s: %w", editorID, messageID, ErrForbidden)
	}

	msg.Content = content
	msg.EditedTime = time.Now().UTC()
	if msg.EditedTime.Before(msg.SentTime) {
		msg.EditedTime = msg.SentTime
	}

	ref := EntityRef{store.Messages, messageID}
	if err := g.setRecord(ctx, ref, encodeRecord(msg.Serialize())); err != nil {
		return nil, err
	}
	return msg, nil
}

// ChatMessages returns a chat's messages in posted order. The requester must
// be a member. A message id whose record is missing is logged and skipped;
// that divergence is repairable out of band and should not hide the rest of
// the history.
func (g *Gateway) ChatMessages(ctx context.Context, chatID, requesterID string) ([]models.Message, error) {
	chat, err := g.getChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !contains(chat.Members, requesterID) {
		return nil, fmt.Errorf("user %s in chat %s: %w", requesterID, chatID, ErrForbidden)
	}

	messages := make([]models.Message, 0, len(chat.MessageIDs))
	for _, id := range chat.MessageIDs {
		msg, err := g.getMessage(ctx, id)
		if err != nil {
			g.log.Warn().Err(err).Str("chat_id", chatID).Str("message_id", id).
				Msg("chat references unloadable message")
			continue
		}
		messages = append(messages, *msg)
	}
	return messages, nil
}

// UserChats returns every chat the user belongs to, in membership order.
func (g *Gateway) UserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	user, err := g.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	chats := make([]models.Chat, 0, len(user.ChatIDs))
	for _, id := range user.ChatIDs {
		chat, err := g.getChat(ctx, id)
		if err != nil {
			g.log.Warn().Err(err).Str("user_id", userID).Str("chat_id", id).
				Msg("user references unloadable chat")
			continue
		}
		chats = append(chats, *chat)
	}
	return chats, nil
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
