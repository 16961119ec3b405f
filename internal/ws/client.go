package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256

	// Inbound posts per connection: short bursts allowed, two per second
	// sustained.
	postRate  = 2
	postBurst = 10
)

// PostFunc persists an inbound message and, on success, hands it to the hub.
// It returns the persistence error, if any.
type PostFunc func(ctx context.Context, chatID, authorID, content string) error

// inbound is the frame a connected client sends to post a message.
type inbound struct {
	ChatID  string `json:"chat_id"`
	Content string `json:"content"`
}

// Client pumps one websocket connection. Outbound events flow through the
// buffered send channel in hub order; inbound frames are posted through the
// gateway before any broadcast happens.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userID  string
	post    PostFunc
	limiter *rate.Limiter
	log     zerolog.Logger

	// onClose runs once when the read pump exits, so the session layer
	// observes the disconnect.
	onClose func()
}

func NewClient(hub *Hub, conn *websocket.Conn, userID string, post PostFunc, onClose func(), logger zerolog.Logger) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		userID:  userID,
		post:    post,
		limiter: rate.NewLimiter(postRate, postBurst),
		onClose: onClose,
		log:     logger.With().Str("user_id", userID).Logger(),
	}
}

// Start registers the client and launches its pumps.
func (c *Client) Start() {
	c.hub.Register(c)
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		if !c.limiter.Allow() {
			c.log.Warn().Msg("post rate exceeded, dropping frame")
			continue
		}

		var in inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.log.Warn().Err(err).Msg("malformed inbound frame")
			continue
		}

		if err := c.post(context.Background(), in.ChatID, c.userID, in.Content); err != nil {
			c.log.Warn().Err(err).Str("chat_id", in.ChatID).Msg("post rejected")
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One frame per event: a reader never sees a partial or
			// coalesced message.
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
