package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/app/dispatch"
	"github.com/nearcast/nearcast/internal/domain"
)

// ─── Live Delivery Feed ─────────────────────────────────────────────────────
// GET /api/events upgrades to a websocket and streams every delivery made to
// a locally hosted peer. ?peer=<id> narrows the stream to one recipient.

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Event is one frame of the feed.
type Event struct {
	Recipient string          `json:"recipient"`
	Delivery  domain.Delivery `json:"delivery"`
}

type client struct {
	peer string
	send chan []byte
}

// Hub fans deliveries out to connected websocket clients. Slow clients
// lose frames rather than stall the dispatcher.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     logger.Named("events"),
	}
}

// HandlerFor returns a dispatcher handler that publishes deliveries made
// to recipient.
func (h *Hub) HandlerFor(recipient string) dispatch.Handler {
	return dispatch.HandlerFunc(func(d domain.Delivery) error {
		h.Publish(Event{Recipient: recipient, Delivery: d})
		return nil
	})
}

// Publish sends ev to every interested client without blocking.
func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn("encode event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.peer != "" && c.peer != ev.Recipient {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Debug("client lagging, frame dropped", zap.String("peer", c.peer))
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the request and streams events until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	c := &client{peer: r.URL.Query().Get("peer"), send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		return
	}
	defer h.remove(c)
	h.log.Debug("client connected", zap.String("remote", r.RemoteAddr), zap.String("peer", c.peer))

	// Drain incoming frames so close and ping control messages are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case data, ok := <-c.send:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
