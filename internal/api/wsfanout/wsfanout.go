// Package wsfanout is the Manager's WebSocket push fan-out to UI clients
// (spec §2 "API" component: dashboards want live account/order state without
// polling). Grounded on aristath-sentinel/internal/clients/tradernet's
// MarketStatusWebSocket, which reads nhooyr.io/websocket frames off a single
// upstream connection and republishes them onto the event bus; this package
// runs that relationship in reverse — one upstream (the Manager's own
// account summaries) fanned out to many downstream browser connections.
package wsfanout

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 16
)

// Hub accepts WebSocket upgrades and fans every Broadcast out to each
// connected client. A slow or dead client is dropped rather than allowed to
// block the others.
type Hub struct {
	log zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New constructs an empty Hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log.With().Str("component", "wsfanout").Logger(),
		clients: make(map[*client]struct{}),
	}
}

// Handler upgrades the HTTP request to a WebSocket and registers the
// resulting connection with the Hub. It blocks for the life of the
// connection, so callers invoke it directly as an http.HandlerFunc.
func (h *Hub) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // dashboard is same-origin or fronted by a reverse proxy; CORS is handled at the chi layer
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	h.register(c)
	defer h.unregister(c)

	ctx := r.Context()
	go h.writeLoop(ctx, c)
	h.readLoop(ctx, c)
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
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

// readLoop only exists to notice the client going away; the dashboard
// protocol is push-only, so any inbound frame is discarded.
func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeWait)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Broadcast marshals v to JSON and enqueues it for every connected client.
// Clients whose send buffer is already full are dropped, not blocked on.
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn().Err(err).Msg("marshal broadcast payload failed")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.log.Warn().Msg("dropping slow websocket client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount reports how many dashboards are currently connected.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
