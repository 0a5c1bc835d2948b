// Package ops provides the operator event hub: a websocket endpoint that
// streams reflection lifecycle and audit events so background failures are
// visible without tailing logs. This is an ambient operator surface, not a
// product API.
package ops

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Event is one operator-visible occurrence. ID is assigned on publish so
// operator tooling can deduplicate across reconnects.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	ChatID    string         `json:"chat_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types emitted by the engine wiring.
const (
	EventReflectionStarted   = "reflection_started"
	EventReflectionCompleted = "reflection_completed"
	EventReflectionFailed    = "reflection_failed"
	EventPromotionCompleted  = "promotion_completed"
	EventAuditRecorded       = "audit_recorded"
)

// clientConn allows tests to register fake clients.
type clientConn interface {
	sendChannel() chan []byte
	closeConn()
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) sendChannel() chan []byte { return c.send }

func (c *client) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// Hub fans events out to connected operator clients. A slow client is
// disconnected rather than allowed to stall the broadcast loop.
type Hub struct {
	clients    map[clientConn]bool
	broadcast  chan Event
	register   chan clientConn
	unregister chan clientConn
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewHub creates an event hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[clientConn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan clientConn),
		unregister: make(chan clientConn),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run processes registration and broadcast until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("reverie: ops client connected (total: %d)", count)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("reverie: ops client disconnected (total: %d)", count)

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("ERROR: marshaling ops event: %v", err)
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.sendChannel() <- data:
				default:
					close(c.sendChannel())
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop shuts the hub down and disconnects every client.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for c := range h.clients {
		close(c.sendChannel())
		c.closeConn()
	}
	h.clients = make(map[clientConn]bool)
	h.mu.Unlock()
}

// Publish broadcasts an event to all connected clients. Non-blocking: when
// the broadcast buffer is full the event is dropped with a warning.
func (h *Hub) Publish(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- event:
	default:
		log.Println("WARNING: ops broadcast channel full, dropping event")
	}
}

// addClient hands a connection to the run loop. Returns false when the hub
// has stopped, so the caller can close the connection instead of blocking
// on a loop that no longer receives.
func (h *Hub) addClient(c clientConn) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// dropClient retires a connection without blocking after Stop; a stopped
// hub already closed and forgot every client.
func (h *Hub) dropClient(c clientConn) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams events until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		log.Printf("ERROR: ops websocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	if !h.addClient(c) {
		c.closeConn()
		return
	}

	go func() {
		defer func() {
			h.dropClient(c)
			c.closeConn()
		}()
		for data := range c.send {
			writeCtx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}()
}
