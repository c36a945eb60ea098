package hook

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/clauderon/clauderon/internal/logging"
	"github.com/clauderon/clauderon/internal/session"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

// StatusUpdate is pushed to every attached UI client whenever a hook ping
// changes a session's ClaudeStatus.
type StatusUpdate struct {
	SessionID string               `json:"session_id"`
	Status    session.ClaudeStatus `json:"status"`
	Timestamp time.Time            `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The hook surface is loopback-only; the daemon never serves this
	// endpoint across an origin boundary that would make CheckOrigin matter.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans status updates out to every attached websocket client. There is
// no per-session subscription model: a session count this small (one
// developer's active sessions) makes filtering server-side not worth the
// complexity, so every client simply receives every update and filters
// client-side if it cares to.
type Hub struct {
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     *logging.Logger
}

// NewHub builds an idle Hub; call Run to start its dispatch loop.
func NewHub(log *logging.Logger) *Hub {
	if log == nil {
		log = logging.Default()
	}
	return &Hub{
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*wsClient]bool),
		log:        log,
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*wsClient]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case data := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					h.log.Warn("dropping websocket update, client send buffer full")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastStatus pushes a status update to every attached client.
func (h *Hub) BroadcastStatus(update StatusUpdate) {
	data, err := json.Marshal(update)
	if err != nil {
		h.log.WithError(err).Error("failed to marshal status update")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.log.Warn("hub broadcast channel full, dropping update")
	}
}

// ServeWS upgrades the request to a websocket and registers the connection
// with the hub for the lifetime of the connection.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, hub: h, send: make(chan []byte, 16)}
	h.register <- client
	go client.writePump()
	go client.readPump()
}

// wsClient is a single attached UI connection. It never receives commands
// from the client beyond pong keepalives; the hook surface is one-way.
type wsClient struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
