// Package models defines the persisted entities (User, Chat, Message) and
// their serialization contract against the key-value store's flat field
// representation. Serialization is total; deserialization is strict and
// rejects records with missing, malformed, or unknown fields.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat is the persisted representation of every timestamp field.
const timeFormat = time.RFC3339Nano

// DataValidationError reports a record that could not be deserialized.
type DataValidationError struct {
	Entity string
	Field  string
	Reason string
}

func (e *DataValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: field %q %s", e.Entity, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, e.Reason)
}

type User struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`

	// ChatIDs is the ordered list of chats the user belongs to. The friend
	// lists are persisted but have no flows behind them yet.
	ChatIDs          []string `json:"chat_ids"`
	FriendIDs        []string `json:"friend_ids"`
	PendingFriendIDs []string `json:"pending_friend_ids"`
	SentFriendIDs    []string `json:"sent_friend_ids"`
}

type Message struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Content    string    `json:"content"`
	SentTime   time.Time `json:"sent_time"`
	EditedTime time.Time `json:"edited_time"`
}

type Chat struct {
	ID         string    `json:"id"`
	Name       string    `json:"chat_name"`
	Members    []string  `json:"members"`
	MessageIDs []string  `json:"message_ids"`
	StartDate  time.Time `json:"start_date"`
}

// Serialize flattens the user into the store's field representation.
func (u *User) Serialize() map[string]string {
	return map[string]string{
		"id":                 u.ID,
		"name":               u.Name,
		"email":              u.Email,
		"username":           u.Username,
		"password":           u.PasswordHash,
		"chat_ids":           encodeIDs(u.ChatIDs),
		"friend_ids":         encodeIDs(u.FriendIDs),
		"pending_friend_ids": encodeIDs(u.PendingFriendIDs),
		"sent_friend_ids":    encodeIDs(u.SentFriendIDs),
	}
}

// DeserializeUser reconstructs a user from its flat field representation.
func DeserializeUser(data map[string]string) (*User, error) {
	f := newFields("User", data,
		"id", "name", "email", "username", "password",
		"chat_ids", "friend_ids", "pending_friend_ids", "sent_friend_ids")

	u := &User{
		ID:               f.str("id"),
		Name:             f.str("name"),
		Email:            f.str("email"),
		Username:         f.str("username"),
		PasswordHash:     f.str("password"),
		ChatIDs:          f.ids("chat_ids"),
		FriendIDs:        f.ids("friend_ids"),
		PendingFriendIDs: f.ids("pending_friend_ids"),
		SentFriendIDs:    f.ids("sent_friend_ids"),
	}
	if err := f.finish(); err != nil {
		return nil, err
	}
	return u, nil
}

func (m *Message) Serialize() map[string]string {
	return map[string]string{
		"id":          m.ID,
		"user_id":     m.UserID,
		"content":     m.Content,
		"sent_time":   m.SentTime.Format(timeFormat),
		"edited_time": m.EditedTime.Format(timeFormat),
	}
}

func DeserializeMessage(data map[string]string) (*Message, error) {
	f := newFields("Message", data, "id", "user_id", "content", "sent_time", "edited_time")

	m := &Message{
		ID:         f.str("id"),
		UserID:     f.str("user_id"),
		Content:    f.str("content"),
		SentTime:   f.time("sent_time"),
		EditedTime: f.time("edited_time"),
	}
	if err := f.finish(); err != nil {
		return nil, err
	}
	if m.EditedTime.Before(m.SentTime) {
		return nil, &DataValidationError{Entity: "Message", Field: "edited_time", Reason: "precedes sent_time"}
	}
	return m, nil
}

func (c *Chat) Serialize() map[string]string {
	return map[string]string{
		"id":          c.ID,
		"chat_name":   c.Name,
		"members":     encodeIDs(c.Members),
		"message_ids": encodeIDs(c.MessageIDs),
		"start_date":  c.StartDate.Format(timeFormat),
	}
}

func DeserializeChat(data map[string]string) (*Chat, error) {
	f := newFields("Chat", data, "id", "chat_name", "members", "message_ids", "start_date")

	c := &Chat{
		ID:         f.str("id"),
		Name:       f.str("chat_name"),
		Members:    f.ids("members"),
		MessageIDs: f.ids("message_ids"),
		StartDate:  f.time("start_date"),
	}
	if err := f.finish(); err != nil {
		return nil, err
	}
	if len(c.Members) < 2 {
		return nil, &DataValidationError{Entity: "Chat", Field: "members", Reason: "has fewer than two entries"}
	}
	seen := make(map[string]bool, len(c.Members))
	for _, id := range c.Members {
		if seen[id] {
			return nil, &DataValidationError{Entity: "Chat", Field: "members", Reason: "contains duplicate entries"}
		}
		seen[id] = true
	}
	return c, nil
}

func encodeIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

// fields walks a flat field map, keeping the first error encountered so
// callers can read every field before checking.
type fields struct {
	entity   string
	data     map[string]string
	expected map[string]bool
	err      error
}

func newFields(entity string, data map[string]string, keys ...string) *fields {
	expected := make(map[string]bool, len(keys))
	for _, k := range keys {
		expected[k] = true
	}
	return &fields{entity: entity, data: data, expected: expected}
}

func (f *fields) fail(field, reason string) {
	if f.err == nil {
		f.err = &DataValidationError{Entity: f.entity, Field: field, Reason: reason}
	}
}

func (f *fields) str(key string) string {
	v, ok := f.data[key]
	if !ok {
		f.fail(key, "is missing")
	}
	return v
}

func (f *fields) ids(key string) []string {
	raw := f.str(key)
	if raw == "" || raw == "[]" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		f.fail(key, "is not an id list")
		return nil
	}
	return ids
}

func (f *fields) time(key string) time.Time {
	raw := f.str(key)
	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		f.fail(key, "is not a timestamp")
	}
	return t
}

func (f *fields) finish() error {
	if f.err != nil {
		return f.err
	}
	for key := range f.data {
		if !f.expected[key] {
			f.fail(key, "is not recognized")
			return f.err
		}
	}
	return nil
}
