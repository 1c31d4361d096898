// Package websocket streams engine status to presentation clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"locsync/internal/domain"
	"locsync/internal/observability"
)

// Hub fans status snapshots out to every connected client. A client whose
// send buffer is full is dropped rather than allowed to stall the others.
type Hub struct {
	clients map[*Client]struct{}

	// broadcast holds at most one pending snapshot; newer ones replace it.
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// snapshot supplies the first message a new client receives.
	snapshot func() domain.Status

	done   chan struct{}
	logger *slog.Logger
}

func NewHub(snapshot func() domain.Status) *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan []byte, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		snapshot:   snapshot,
		done:       make(chan struct{}),
		logger:     observability.Component("status_stream"),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) error {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down gracefully")
			return ctx.Err()

		case client := <-h.register:
			h.clients[client] = struct{}{}
			observability.WebSocketConnectionsActive.Inc()
			if h.snapshot != nil {
				if data, err := encode(h.snapshot()); err == nil {
					h.send(client, data)
				}
			}
			h.logger.Debug("client registered", slog.Int("clients", len(h.clients)))

		case client := <-h.unregister:
			h.remove(client)

		case data := <-h.broadcast:
			for client := range h.clients {
				h.send(client, data)
			}
		}
	}
}

func (h *Hub) send(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.logger.Warn("status client too slow, dropping")
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)
	observability.WebSocketConnectionsActive.Dec()
	h.logger.Debug("client unregistered", slog.Int("clients", len(h.clients)))
}

func (h *Hub) shutdown() {
	close(h.done)
	for client := range h.clients {
		h.remove(client)
	}
	h.logger.Info("hub shutdown complete")
}

// Publish queues a snapshot for every client. It never blocks, so it is safe
// to pass directly to engine.Subscribe.
func (h *Hub) Publish(status domain.Status) {
	data, err := encode(status)
	if err != nil {
		h.logger.Error("failed to marshal status", slog.String("error", err.Error()))
		return
	}

	for {
		select {
		case h.broadcast <- data:
			return
		case <-h.done:
			return
		default:
		}
		// Replace the stale pending snapshot.
		select {
		case <-h.broadcast:
		default:
		}
	}
}

// Register adds a client; it is a no-op once the hub has stopped.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func encode(status domain.Status) ([]byte, error) {
	return json.Marshal(status)
}
