// Package hub fans recognition updates out to dashboard websocket
// clients using a channel-based broadcast loop. Slow clients are
// dropped rather than allowed to stall the table feed.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tablevision/tablesight/internal/log"
)

// Hub maintains the set of connected dashboard clients and
// broadcasts recognition updates to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu     sync.RWMutex
	logger *slog.Logger
}

// New creates a hub. Run must be started before clients attach.
func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     log.Component("hub"),
	}
}

// Run drives the broadcast loop until ctx is canceled. Call in a
// goroutine.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("dashboard client disconnected", "clients", count)

		case payload := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- payload:
				default:
					// Client buffer full. Drop them rather than
					// hold back every other dashboard.
					close(client.send)
					delete(h.clients, client)
					h.logger.Warn("dropped slow dashboard client")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Publish encodes v as JSON and broadcasts it to every client. The
// broadcast never blocks a caller; under sustained overload the
// newest update is dropped.
func (h *Hub) Publish(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- payload:
	default:
		h.logger.Warn("broadcast channel full, dropping update")
	}
	return nil
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
