package alerting

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/semihalev/zlog/v2"

	"dnssentry/store"
)

const writeWait = 5 * time.Second

// Hub pushes created alerts to connected websocket clients. It is a Sink;
// delivery is best effort and a slow or broken client is dropped rather
// than allowed to stall alert creation.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub builds an empty alert fanout hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request and keeps the connection registered until
// the peer goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zlog.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err.Error())
		return
	}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()

	zlog.Info("Alert feed subscriber connected", "remote", r.RemoteAddr, "subscribers", n)

	// Drain reads so pings and close frames are processed.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

type alertEvent struct {
	ID          string         `json:"id"`
	CreatedAt   time.Time      `json:"created_at"`
	Type        string         `json:"type"`
	Severity    string         `json:"severity"`
	ClientID    string         `json:"client_id"`
	Domain      string         `json:"domain,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// OnAlertCreated broadcasts the alert to every subscriber.
func (h *Hub) OnAlertCreated(a *store.Alert) {
	msg, err := json.Marshal(alertEvent{
		ID:          a.ID,
		CreatedAt:   a.CreatedAt,
		Type:        a.Type,
		Severity:    a.Severity,
		ClientID:    a.ClientID,
		Domain:      a.Domain,
		Title:       a.Title,
		Description: a.Description,
		Payload:     a.Payload,
	})
	if err != nil {
		zlog.Error("Alert event marshal failed", "id", a.ID, "error", err.Error())
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
			zlog.Warn("Alert feed write failed, dropping subscriber", "error", err.Error())
			h.drop(c)
		}
	}
}
