package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/gateway"
	"github.com/avelez/banter/internal/middleware"
	"github.com/avelez/banter/internal/session"
	"github.com/avelez/banter/internal/ws"
)

type ChatHandler struct {
	Gateway  *gateway.Gateway
	Sessions *session.Manager
	Hub      *ws.Hub
	Log      zerolog.Logger
}

type createChatRequest struct {
	Invitee string `json:"invitee"`
	Name    string `json:"name"`
}

type postMessageRequest struct {
	Content string `json:"content"`
}

func (h *ChatHandler) CreateChat(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Sessions.Require(middleware.SessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	invitee, err := h.Gateway.FindByUsername(r.Context(), req.Invitee)
	if errors.Is(err, gateway.ErrNotFound) {
		invitee, err = h.Gateway.FindByEmail(r.Context(), req.Invitee)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	chat, err := h.Gateway.CreateChat(r.Context(), userID, invitee.ID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, chat)
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Sessions.Require(middleware.SessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	chats, err := h.Gateway.UserChats(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *ChatHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Sessions.Require(middleware.SessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	chatID := mux.Vars(r)["id"]
	messages, err := h.Gateway.ChatMessages(r.Context(), chatID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (h *ChatHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Sessions.Require(middleware.SessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	chatID := mux.Vars(r)["id"]
	msg, err := h.Gateway.PostMessage(r.Context(), chatID, userID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

func (h *ChatHandler) EditMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Sessions.Require(middleware.SessionFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	messageID := mux.Vars(r)["id"]
	msg, err := h.Gateway.EditMessage(r.Context(), messageID, userID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ServeWS upgrades the connection and binds it to the caller's session. The
// connection is the identity boundary: it delivers only chats its user
// belongs to, and posts only as that user.
func (h *ChatHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	s := middleware.SessionFrom(r)
	userID, err := h.Sessions.Require(s)
	if err != nil {
		writeError(w, err)
		return
	}

	connID := uuid.NewString()
	if _, err := h.Sessions.BindConn(connID, s.Token); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Warn().Err(err).Msg("websocket upgrade failed")
		h.Sessions.Disconnect(connID)
		return
	}

	post := func(ctx context.Context, chatID, authorID, content string) error {
		_, err := h.Gateway.PostMessage(ctx, chatID, authorID, content)
		return err
	}
	onClose := func() {
		h.Sessions.Disconnect(connID)
	}

	ws.NewClient(h.Hub, conn, userID, post, onClose, h.Log).Start()
}
