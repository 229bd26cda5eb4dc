// Package monitor broadcasts relay activity to WebSocket subscribers. The
// feed is best-effort observability: dropping an event or a slow subscriber
// never blocks the relay itself. A nil *Hub is a valid no-op sink, so both
// services publish unconditionally.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Event types carried in envelope frames.
const (
	EventRequestReceived = "request.received"
	EventCacheHit        = "request.cache_hit"
	EventSubmitted       = "request.submitted"
	EventDelivered       = "response.delivered"
	EventTimeout         = "request.timeout"
	EventProcessing      = "message.processing"
	EventCompleted       = "message.completed"
	EventDuplicate       = "message.duplicate"
	EventCorrupt         = "message.corrupt"
)

// Envelope frames every event on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// RequestEvent describes client-side activity for one inbound request.
type RequestEvent struct {
	RequestID   string `json:"request_id,omitempty"`
	Environment string `json:"environment"`
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	Filename    string `json:"filename"`
	StatusCode  int    `json:"status_code,omitempty"`
	CacheHit    bool   `json:"cache_hit,omitempty"`
}

// MessageEvent describes server-side activity for one inbox message.
type MessageEvent struct {
	Environment    string  `json:"environment"`
	Filename       string  `json:"filename"`
	StatusCode     int     `json:"status_code,omitempty"`
	ElapsedRequest float64 `json:"elapsed_request,omitempty"`
	Error          string  `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to connected WebSocket clients. Register, unregister,
// and broadcast all funnel through Run's select loop, so client bookkeeping
// needs no locks.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger.With("component", "monitor"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// The monitor port is for local diagnostics.
				return true
			},
		},
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			c.conn.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Debug("monitor client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case data := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Client cannot keep up; drop it rather than stall.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Publish frames an event and queues it for broadcast. Safe on a nil hub,
// and never blocks: if the feed is saturated the event is dropped.
func (h *Hub) Publish(eventType string, data any) {
	if h == nil {
		return
	}

	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal event data", "type", eventType, "error", err)
		return
	}
	frame, err := json.Marshal(Envelope{Type: eventType, Time: time.Now().UTC(), Data: raw})
	if err != nil {
		h.logger.Error("failed to marshal event envelope", "type", eventType, "error", err)
		return
	}

	select {
	case h.broadcast <- frame:
	default:
	}
}

// Routes returns the monitor HTTP surface: the event feed and a liveness
// probe.
func (h *Hub) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", h.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return mux
}

// ServeWS upgrades an HTTP request into a feed subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	h.readPump(c)
}

// writePump drains the client's send channel and keeps the connection alive
// with periodic pings.
func (h *Hub) writePump(c *client) {
	pingTicker := time.NewTicker(20 * time.Second)
	defer func() {
		pingTicker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-pingTicker.C:
			if err := c.conn.WriteControl(
				websocket.PingMessage,
				[]byte{},
				time.Now().Add(10*time.Second),
			); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is noticing the disconnect.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
