package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"quantrisk/internal/domain"
	"quantrisk/internal/engine"
	"quantrisk/internal/store"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// client is a single WebSocket subscriber managed by a Hub.
type client struct {
	send chan domain.RiskAlert
}

// Hub fans risk alerts out to every connected WebSocket client. Broadcast
// never blocks: a client whose buffer is full is dropped.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	log     *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log,
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues alert for every client.
func (h *Hub) Broadcast(alert domain.RiskAlert) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- alert:
		default:
			close(c.send)
			delete(h.clients, c)
			wsClients.Dec()
			h.log.Warn("dropping slow alert subscriber")
		}
	}
}

func (h *Hub) register() *client {
	c := &client{send: make(chan domain.RiskAlert, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	wsClients.Inc()
	return c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		wsClients.Dec()
	}
}

// HandleWebSocket upgrades the request to a WebSocket and streams alerts as
// JSON messages until either side closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.log.Warn("websocket accept", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	c := h.register()
	defer h.unregister(c)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case alert, ok := <-c.send:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			if err := writeAlert(ctx, conn, alert); err != nil {
				return
			}
		}
	}
}

func writeAlert(ctx context.Context, conn *websocket.Conn, alert domain.RiskAlert) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, alert)
}

// ---------------------------------------------------------------------------
// Alert sink
// ---------------------------------------------------------------------------

var _ engine.AlertSink = (*AlertFanout)(nil)

// AlertFanout is the risk manager's alert sink in the server: it broadcasts
// each alert to the hub and persists it to the alert store.
type AlertFanout struct {
	Store store.AlertStore
	Hub   *Hub
}

// RecordAlert implements engine.AlertSink.
func (f *AlertFanout) RecordAlert(ctx context.Context, alert domain.RiskAlert) error {
	riskAlertsTotal.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()
	if f.Hub != nil {
		f.Hub.Broadcast(alert)
	}
	if f.Store == nil {
		return nil
	}
	return f.Store.RecordAlert(ctx, alert)
}
