package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatewarden/gatewarden/internal/ledger"
)

const eventWriteTimeout = 5 * time.Second

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// EventHub streams ledger entries to WebSocket subscribers on /ws/events.
// A subscriber may pass ?session=<id> to follow a single session; without
// it the feed carries every session.
type EventHub struct {
	mu       sync.Mutex
	subs     map[*websocket.Conn]string // conn -> session filter ("" = all)
	closed   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewEventHub creates an event hub.
func NewEventHub(logger *slog.Logger, allowAllOrigins bool) *EventHub {
	return &EventHub{
		subs:     make(map[*websocket.Conn]string),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "api.EventHub"),
	}
}

// Close disconnects every subscriber. Broadcasts after Close are dropped.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.subs {
		_ = conn.Close()
	}
	h.subs = make(map[*websocket.Conn]string)
}

// HandleWebSocket upgrades the connection and registers the subscription.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("session")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[conn] = filter
	h.mu.Unlock()

	h.logger.Debug("subscriber connected", "remote", conn.RemoteAddr(), "session", filter)

	// Read until the client goes away; subscribers never send anything we use.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.drop(conn)
	}()
}

func (h *EventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
	_ = conn.Close()
	h.logger.Debug("subscriber disconnected", "remote", conn.RemoteAddr())
}

// Broadcast delivers one ledger entry to every subscriber whose filter
// matches. Subscribers that fail the write are dropped on the spot.
func (h *EventHub) Broadcast(e ledger.Entry) {
	msg, err := json.Marshal(map[string]any{"type": e.Type, "data": e})
	if err != nil {
		h.logger.Error("marshal event", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, filter := range h.subs {
		if filter != "" && filter != e.SessionID {
			continue
		}
		_ = conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("dropping subscriber", "error", err)
			delete(h.subs, conn)
			_ = conn.Close()
		}
	}
}

// ClientCount reports the number of connected subscribers.
func (h *EventHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
