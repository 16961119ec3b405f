// Package ws is the live-delivery layer: a hub fanning persisted messages out
// to the websocket connections of a chat's members. Delivery is best-effort
// and at-most-once per connection; durability lives entirely in the store.
package ws

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/avelez/banter/internal/models"
)

// Event is the frame pushed to a bound connection.
type Event struct {
	Type    string         `json:"type"`
	ChatID  string         `json:"chat_id"`
	Message models.Message `json:"message"`
}

type broadcast struct {
	members map[string]bool
	payload []byte
}

// Hub owns the connection registry. All registry mutation and fan-out happens
// on the Run goroutine, so two messages posted in order reach any single
// connection in that order.
type Hub struct {
	clients map[*Client]bool

	broadcast  chan broadcast
	register   chan *Client
	unregister chan *Client

	log zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan broadcast, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logger,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug().Str("user_id", client.userID).Int("clients", len(h.clients)).
				Msg("connection registered")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				h.log.Debug().Str("user_id", client.userID).Int("clients", len(h.clients)).
					Msg("connection unregistered")
			}

		case b := <-h.broadcast:
			for client := range h.clients {
				if !b.members[client.userID] {
					continue
				}
				select {
				case client.send <- b.payload:
				default:
					// The connection cannot keep up; drop it rather
					// than block delivery to everyone else.
					delete(h.clients, client)
					close(client.send)
					h.log.Warn().Str("user_id", client.userID).
						Msg("send buffer full, dropping connection")
				}
			}
		}
	}
}

// Broadcast delivers a persisted message to every connected member. Callers
// invoke this only after the gateway has confirmed the write; the hub never
// sees a message that failed to persist.
func (h *Hub) Broadcast(chatID string, members []string, msg *models.Message) {
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}

	payload, err := json.Marshal(Event{Type: "message", ChatID: chatID, Message: *msg})
	if err != nil {
		h.log.Error().Err(err).Str("chat_id", chatID).Msg("encode broadcast event")
		return
	}
	h.broadcast <- broadcast{members: memberSet, payload: payload}
}

// Register adds a connection to the registry.
func (h *Hub) Register(c *Client) {
	h.register <- c
}

// Unregister removes a connection; fan-outs after this stop attempting
// delivery to it.
func (h *Hub) Unregister(c *Client) {
	h.unregister <- c
}
