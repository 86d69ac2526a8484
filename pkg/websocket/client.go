package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var errUnknownMessage = errors.New("unknown message type")

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	UserID        string
	Role          string
	Hub           *Hub
	Conn          *websocket.Conn
	Send          chan []byte
	subscriptions map[string]struct{}
	closed        bool
	mu            sync.RWMutex
	logger        *logger.Logger
}

// ClientMessage is a frame sent by the client
type ClientMessage struct {
	Type     string          `json:"type"`
	EntityID string          `json:"entity_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID, role string, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:            id,
		UserID:        userID,
		Role:          role,
		Hub:           hub,
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]struct{}),
		logger:        log.With(logger.String("client_id", id)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", logger.Err(err))
			}
			break
		}

		c.handleMessage(ctx, message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.Send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.Send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes a frame from the client
func (c *Client) handleMessage(ctx context.Context, message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Failed to unmarshal client message", logger.Err(err))
		c.SendMessage(Message{Type: "error", Data: map[string]string{"message": "malformed message"}})
		return
	}

	switch msg.Type {
	case "subscribe":
		c.Subscribe(msg.EntityID)
	case "unsubscribe":
		c.Unsubscribe(msg.EntityID)
	case "ping":
		c.SendMessage(Message{Type: "pong"})
	default:
		if err := c.Hub.handle(ctx, c, msg); err != nil {
			c.logger.Warn("Client message rejected",
				logger.String("type", msg.Type),
				logger.Err(err),
			)
			c.SendMessage(Message{Type: "error", Data: map[string]string{
				"request": msg.Type,
				"message": err.Error(),
			}})
		}
	}
}

// Subscribe follows every event keyed by entityID
func (c *Client) Subscribe(entityID string) {
	if entityID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[entityID] = struct{}{}
	c.logger.Debug("Client subscribed", logger.String("entity_id", entityID))
}

// Unsubscribe stops following entityID
func (c *Client) Unsubscribe(entityID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, entityID)
}

// IsSubscribed checks whether the client follows entityID
func (c *Client) IsSubscribed(entityID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[entityID]
	return ok
}

// Wants reports whether ev should be delivered to this client
func (c *Client) Wants(ev eventbus.Event) bool {
	if ev.Key != "" && c.IsSubscribed(ev.Key) {
		return true
	}
	if ev.IsBroadcast() {
		return c.Role == RoleAdmin
	}
	return ev.IsFor(c.UserID)
}

// SendMessage queues a frame for the client without blocking
func (c *Client) SendMessage(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", logger.Err(err))
		return
	}

	if !c.enqueue(data) {
		c.logger.Warn("Client send buffer full")
	}
}

// enqueue reports false when the frame did not fit or the client is closed
func (c *Client) enqueue(data []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}
