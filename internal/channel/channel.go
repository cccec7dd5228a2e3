// Package channel defines the real-time event channel a chat session uses for
// push delivery, receipts and presence, plus an in-process implementation.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/foodbridge/donation-chat/internal/model"
)

// Event names carried over the channel.
const (
	EventJoin             = "join"
	EventNewMessage       = "newMessage"
	EventMessageDelivered = "messageDelivered"
	EventMessageRead      = "messageRead"
	EventPresenceSnapshot = "presence-snapshot"
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
)

// Events lists every event a session subscribes to.
var Events = []string{
	EventNewMessage,
	EventMessageDelivered,
	EventMessageRead,
	EventPresenceSnapshot,
	EventUserConnected,
	EventUserDisconnected,
}

// Handler receives the raw JSON payload of an event.
type Handler func(payload []byte)

// Client is a bidirectional event channel keyed by user id.
type Client interface {
	// Connect joins the channel as userID.
	Connect(ctx context.Context, userID string) error
	// Emit sends an event to every other participant.
	Emit(ctx context.Context, event string, payload any) error
	// On registers handler for event and returns a function that removes it.
	On(event string, handler Handler) (unsubscribe func())
	// Disconnect leaves the channel. Registered handlers are kept.
	Disconnect() error
	// Connected reports whether the client is joined.
	Connected() bool
}

// Handlers is a registry of event handlers shared by Client implementations.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]map[int]Handler
	next     int
}

// Add registers handler for event.
func (h *Handlers) Add(event string, handler Handler) func() {
	h.mu.Lock()
	if h.handlers == nil {
		h.handlers = make(map[string]map[int]Handler)
	}
	if h.handlers[event] == nil {
		h.handlers[event] = make(map[int]Handler)
	}
	id := h.next
	h.next++
	h.handlers[event][id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers[event], id)
			h.mu.Unlock()
		})
	}
}

// Dispatch calls every handler registered for event.
func (h *Handlers) Dispatch(event string, payload []byte) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.handlers[event]))
	for _, handler := range h.handlers[event] {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(payload)
	}
}

// Count returns the number of handlers registered for event.
func (h *Handlers) Count(event string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers[event])
}

// Encode marshals an event payload. Raw byte slices and json.RawMessage pass through.
func Encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

// Hub routes events between in-process clients. Emit reaches every other
// connected client; joins and leaves produce presence events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*HubClient]string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*HubClient]string)}
}

// Client creates a client attached to the hub.
func (h *Hub) Client() *HubClient {
	return &HubClient{hub: h}
}

// Online returns the ids of every connected user.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.onlineLocked()
}

func (h *Hub) onlineLocked() []string {
	seen := make(map[string]struct{}, len(h.clients))
	out := make([]string, 0, len(h.clients))
	for _, userID := range h.clients {
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		out = append(out, userID)
	}
	return out
}

func (h *Hub) join(c *HubClient, userID string) {
	h.mu.Lock()
	h.clients[c] = userID
	online := h.onlineLocked()
	others := h.othersLocked(c)
	h.mu.Unlock()

	snapshot, _ := Encode(model.PresenceSnapshot{OnlineUserIDs: online})
	c.handlers.Dispatch(EventPresenceSnapshot, snapshot)

	change, _ := Encode(model.PresenceChange{UserID: userID})
	for _, other := range others {
		other.handlers.Dispatch(EventUserConnected, change)
	}
}

func (h *Hub) leave(c *HubClient) {
	h.mu.Lock()
	userID, ok := h.clients[c]
	delete(h.clients, c)
	others := h.othersLocked(c)
	h.mu.Unlock()
	if !ok {
		return
	}

	change, _ := Encode(model.PresenceChange{UserID: userID})
	for _, other := range others {
		other.handlers.Dispatch(EventUserDisconnected, change)
	}
}

func (h *Hub) broadcast(from *HubClient, event string, payload []byte) {
	h.mu.RLock()
	others := h.othersLocked(from)
	h.mu.RUnlock()

	for _, other := range others {
		other.handlers.Dispatch(event, payload)
	}
}

func (h *Hub) othersLocked(self *HubClient) []*HubClient {
	out := make([]*HubClient, 0, len(h.clients))
	for c := range h.clients {
		if c != self {
			out = append(out, c)
		}
	}
	return out
}

var _ Client = (*HubClient)(nil)

// HubClient is a Client attached to a Hub.
type HubClient struct {
	hub      *Hub
	handlers Handlers

	mu     sync.RWMutex
	userID string
}

// Connect implements Client. Connecting as another user replaces the
// previous identity.
func (c *HubClient) Connect(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("connect without user id: %w", model.ErrInvalidArgument)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	previous := c.userID
	if previous == userID {
		c.mu.Unlock()
		return nil
	}
	c.userID = userID
	c.mu.Unlock()

	if previous != "" {
		c.hub.leave(c)
	}
	c.hub.join(c, userID)
	return nil
}

// Emit implements Client.
func (c *HubClient) Emit(ctx context.Context, event string, payload any) error {
	if !c.Connected() {
		return model.ErrChannelUnavailable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	c.hub.broadcast(c, event, data)
	return nil
}

// On implements Client.
func (c *HubClient) On(event string, handler Handler) func() {
	return c.handlers.Add(event, handler)
}

// Disconnect implements Client.
func (c *HubClient) Disconnect() error {
	c.mu.Lock()
	wasConnected := c.userID != ""
	c.userID = ""
	c.mu.Unlock()

	if wasConnected {
		c.hub.leave(c)
	}
	return nil
}

// Connected implements Client.
func (c *HubClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != ""
}

// HandlerCount returns the number of handlers registered for event.
func (c *HubClient) HandlerCount(event string) int {
	return c.handlers.Count(event)
}
