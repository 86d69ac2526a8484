// Package websocket pushes event bus notifications to connected users.
//
// The hub consumes a bus subscription and routes each event to the sessions
// whose user is in the event's audience or that subscribed to the event key,
// usually a ride id. Events without an audience reach admin sessions and key
// subscribers only.
package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/pkg/eventbus"
	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// RoleAdmin sessions receive every event published without an audience
const RoleAdmin = "admin"

// Hub maintains active client connections and routes events to them
type Hub struct {
	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	handler    MessageHandler
	logger     *logger.Logger
}

// Message is a server-originated frame that does not come from the bus
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageHandler processes client frames the hub itself does not understand
type MessageHandler func(ctx context.Context, c *Client, msg ClientMessage) error

// Option configures a Hub
type Option func(*Hub)

// WithMessageHandler installs the handler for application frames
func WithMessageHandler(fn MessageHandler) Option {
	return func(h *Hub) { h.handler = fn }
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns client registration and event delivery until ctx is done or the
// event channel is closed.
func (h *Hub) Run(ctx context.Context, events <-chan eventbus.Event) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Client registered",
				logger.String("client_id", client.ID),
				logger.String("user_id", client.UserID),
				logger.String("role", client.Role),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			h.drop(client)
			h.mu.Unlock()

		case ev, ok := <-events:
			if !ok {
				h.logger.Info("Event stream closed, stopping hub")
				return
			}
			h.deliver(ev)
		}
	}
}

// deliver sends ev to every interested client. A client whose buffer is full
// is disconnected.
func (h *Hub) deliver(ev eventbus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal event", logger.String("topic", ev.Topic), logger.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		if !client.Wants(ev) {
			continue
		}
		if !client.enqueue(data) {
			h.logger.Warn("Client too slow, disconnecting",
				logger.String("client_id", client.ID),
				logger.String("topic", ev.Topic),
			)
			h.drop(client)
		}
	}
}

// drop must be called with the write lock held
func (h *Hub) drop(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	client.close()
	h.logger.Info("Client unregistered", logger.String("client_id", client.ID))
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.drop(client)
	}
}

// Register registers a new client. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Connections returns the number of active connections
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ConnectionsByRole returns the number of connected clients with the role
func (h *Hub) ConnectionsByRole(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for client := range h.clients {
		if client.Role == role {
			count++
		}
	}
	return count
}

func (h *Hub) handle(ctx context.Context, c *Client, msg ClientMessage) error {
	if h.handler == nil {
		return errUnknownMessage
	}
	return h.handler(ctx, c, msg)
}
