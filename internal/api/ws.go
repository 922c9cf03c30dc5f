// Package api — ws.go
//
// WebSocket push channel. On connect the server sends a single
// connection.established frame carrying the current stations, meters,
// shedding level, PV production and snapshot version; it carries no
// capacity or load totals and no configuration values. Afterwards every
// bus event is relayed as a
// JSON frame {topic, at, data}. A slow client's queue overflows and the
// client is dropped; the bus is never blocked.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jessejamescox/platform-dlm/internal/state"
)

const (
	clientQueueDepth = 128
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The channel is same-origin for the bundled UI and ops tools.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans bus events out to WebSocket clients.
type Hub struct {
	store *state.Store
	log   *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan state.Event
}

// NewHub creates a Hub. Call Run to start relaying.
func NewHub(store *state.Store, log *zap.Logger) *Hub {
	return &Hub{
		store:   store,
		log:     log,
		clients: make(map[*client]struct{}),
	}
}

// Run subscribes to the bus and relays events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.store.Subscribe(512, "*")
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case ev, ok := <-sub.C:
			if !ok {
				h.closeAll()
				return
			}
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev state.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			// Slow client: drop it rather than block the relay.
			delete(h.clients, c)
			close(c.send)
			h.log.Warn("dropping slow push client")
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

// HandleWS upgrades the connection and starts the client writer.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn, send: make(chan state.Event, clientQueueDepth)}

	// Initial snapshot frame.
	snap := h.store.Snapshot()
	established := state.Event{
		Topic: "connection.established",
		At:    snap.At,
		Data: map[string]any{
			"stations":       snap.Stations,
			"meters":         snap.Meters,
			"shedding_level": snap.SheddingLevel,
			"pv_production":  snap.PVProductionKW,
			"version":        snap.Version,
		},
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(established); err != nil {
		_ = conn.Close()
		return
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

// writeLoop drains the client queue. Exits when the queue is closed
// (slow client or shutdown) or a write fails.
func (h *Hub) writeLoop(c *client) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer c.conn.Close()
	for {
		select {
		case ev, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(time.Second))
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(ev); err != nil {
				h.detach(c)
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				h.detach(c)
				return
			}
		}
	}
}

// readLoop consumes (and discards) client frames so that close frames
// and pongs are processed.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.detach(c)
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func newSessionID() string { return uuid.NewString() }
