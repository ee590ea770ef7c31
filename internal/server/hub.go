package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 16
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// Hub fans messages out to connected websocket clients. Slow clients lose
// messages instead of stalling the broadcaster. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[chan any]struct{}
	logger  *slog.Logger
}

// NewHub returns an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[chan any]struct{}),
		logger:  logger,
	}
}

// Broadcast queues msg for every client without blocking.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for send := range h.clients {
		select {
		case send <- msg:
		default:
			h.logger.Debug("websocket client too slow, message dropped")
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve upgrades the request and streams broadcasts to the client until it
// disconnects. initial, when non-nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	send := make(chan any, sendBuffer)
	if initial != nil {
		send <- initial
	}
	h.register(send)
	defer h.unregister(send)

	done := make(chan struct{})
	go readUntilClosed(conn, done)

	h.writeLoop(conn, send, done)
}

func (h *Hub) register(send chan any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[send] = struct{}{}
}

func (h *Hub) unregister(send chan any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, send)
}

// writeLoop is the sole writer to conn.
func (h *Hub) writeLoop(conn *websocket.Conn, send <-chan any, done <-chan struct{}) {
	defer func() {
		if err := conn.Close(); err != nil {
			h.logger.Debug("websocket close error", "error", err)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case msg := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// readUntilClosed discards client frames and closes done on disconnect.
// The stream is push-only.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
