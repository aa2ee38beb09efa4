// Package wshub implements the run-control API's live progress channel:
// clients connect over websocket and subscribe to one or more pipeline
// run ids, then receive phase/run lifecycle frames as pipelineservice
// broadcasts them. Grounded on the read/write pump shape used by the
// paulround2tele-studio websocket client, generalized from per-campaign
// topics to per-run-id topics and switched to zap for consistency with the
// rest of this codebase's logging.
package wshub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Frame is one event pushed to subscribed clients.
type Frame struct {
	RunID   uuid.UUID      `json:"run_id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hub fans out Frames to every client subscribed to a run id, or to every
// client subscribed to "*" (all runs) — used by CLI/dashboard clients
// watching the full fleet of concurrent runs.
type Hub struct {
	log *zap.Logger

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New builds a Hub. allowedOrigins matches ServerConfig.AllowedOrigins; an
// empty list allows any origin (suitable for local/dev use only).
func New(allowedOrigins []string) *Hub {
	h := &Hub{
		log:     zap.L().Named("wshub"),
		clients: make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowedOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// Broadcast implements pipelineservice.Broadcaster, wrapping payload into a
// Frame and fanning it out to every subscribed client.
func (h *Hub) Broadcast(runID uuid.UUID, event string, payload map[string]any) {
	data, err := json.Marshal(Frame{RunID: runID, Event: event, Payload: payload})
	if err != nil {
		h.log.Warn("failed to marshal frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(runID) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("client send buffer full, dropping frame", zap.String("run_id", runID.String()))
		}
	}
}

// ServeHTTP upgrades the connection and registers a client. Clients
// subscribe to run ids by sending {"subscribe":["<run_id>"|"*"]} frames.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]bool),
	}
	h.register(c)

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

type subscribeMessage struct {
	Subscribe []string `json:"subscribe"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) subscribed(runID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs["*"] || c.subs[runID.String()]
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		c.mu.Lock()
		for _, id := range msg.Subscribe {
			c.subs[id] = true
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
