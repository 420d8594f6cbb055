package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/majitask/majitask/internal/events"
)

const (
	sendBuffer     = 256
	defaultHistory = 50
	maxHistory     = 1000
)

// Client represents a connected WebSocket client.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	userID string
}

// Hub manages WebSocket clients and forwards each user's bus events to the
// connections that user opened.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]struct{}
	bus         *events.Bus
	unsubscribe func()
}

// NewHub creates a new WebSocket hub connected to an event bus.
func NewHub(bus *events.Bus) *Hub {
	h := &Hub{
		clients: make(map[*Client]struct{}),
		bus:     bus,
	}

	h.unsubscribe = bus.Subscribe(func(e events.Event) {
		if e.UserID == "" {
			return
		}
		frame, err := NewEventFrame(string(e.Type), e)
		if err != nil {
			slog.Error("marshal event frame", "error", err)
			return
		}
		data, err := MarshalFrame(frame)
		if err != nil {
			slog.Error("marshal frame", "error", err)
			return
		}
		h.deliver(e.UserID, data)
	})

	return h
}

// deliver sends data to every client of userID.
func (h *Hub) deliver(userID string, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.send <- data:
		default:
			slog.Debug("ws client too slow, dropping event", "user", userID)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	slog.Info("ws client connected", "user", c.userID, "clients", len(h.clients))
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		slog.Info("ws client disconnected", "user", c.userID, "clients", len(h.clients))
	}
}

// ServeWS handles a WebSocket upgrade and manages the client lifecycle. The
// caller must already be authenticated; the user is read from the request
// context.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := events.UserIDFromContext(r.Context())
	if user == "" {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Error("ws accept", "error", err)
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		hub:    h,
		userID: user,
	}

	h.register(client)

	ctx := r.Context()
	go client.writePump(ctx)
	client.readPump(ctx)
}

// readPump reads frames from the WS connection and dispatches them.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("ws read closed", "status", websocket.CloseStatus(err))
			} else {
				slog.Debug("ws read error", "error", err)
			}
			return
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			slog.Warn("ws unmarshal frame", "error", err)
			continue
		}

		if frame.Type != FrameTypeRequest {
			slog.Debug("ws unknown frame type", "type", frame.Type)
			continue
		}
		c.handleRequest(frame)
	}
}

// handleRequest dispatches a request frame by method.
func (c *Client) handleRequest(frame Frame) {
	switch Method(frame.Method) {
	case MethodPing:
		c.reply(frame.ID, true, map[string]string{"time": time.Now().UTC().Format(time.RFC3339)}, "")

	case MethodHistory:
		var params HistoryParams
		if len(frame.Params) > 0 {
			if err := json.Unmarshal(frame.Params, &params); err != nil {
				c.reply(frame.ID, false, nil, "invalid params")
				return
			}
		}
		c.reply(frame.ID, true, c.history(params.Limit), "")

	default:
		c.reply(frame.ID, false, nil, "unknown method: "+frame.Method)
	}
}

// history returns the client's most recent events, oldest first.
func (c *Client) history(limit int) []events.Event {
	switch {
	case limit <= 0:
		limit = defaultHistory
	case limit > maxHistory:
		limit = maxHistory
	}
	out := c.hub.bus.HistoryFor(c.userID, limit)
	if out == nil {
		out = []events.Event{}
	}
	return out
}

// writePump writes queued messages to the WS connection.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) reply(id string, ok bool, payload any, errMsg string) {
	f, err := NewResponseFrame(id, ok, payload, errMsg)
	if err != nil {
		slog.Error("ws response frame", "error", err)
		return
	}
	data, err := MarshalFrame(f)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, live := c.hub.clients[c]; !live {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// Close shuts down the hub and all client connections.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutdown")
		delete(h.clients, c)
		close(c.send)
	}
}
