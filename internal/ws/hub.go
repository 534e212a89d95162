// Package ws streams refreshed deployment snapshots to websocket clients.
package ws

import (
	"encoding/json"
	"log/slog"

	"github.com/microsoft/spektate/internal/service/cache"
)

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans refreshed snapshots out to every connected dashboard.
type Hub struct {
	log       *slog.Logger
	clients   map[Subscriber]struct{}
	register  chan Subscriber
	unreg     chan Subscriber
	broadcast chan []byte
}

// NewHub creates a running Hub.
func NewHub(log *slog.Logger) *Hub {
	h := &Hub{
		log:       log.With("component", "ws"),
		clients:   make(map[Subscriber]struct{}),
		register:  make(chan Subscriber),
		unreg:     make(chan Subscriber),
		broadcast: make(chan []byte),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = struct{}{}
		case client := <-h.unreg:
			delete(h.clients, client)
		case payload := <-h.broadcast:
			for c := range h.clients {
				if err := c.Send(payload); err != nil {
					c.Close()
					delete(h.clients, c)
				}
			}
		}
	}
}

// Register adds a client to the snapshot stream.
func (h *Hub) Register(client Subscriber) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client Subscriber) {
	h.unreg <- client
}

// BroadcastSnapshot pushes a refreshed snapshot to every client. Called by
// the refresh scheduler after each tick.
func (h *Hub) BroadcastSnapshot(snap cache.Snapshot) {
	payload, err := json.Marshal(snap)
	if err != nil {
		h.log.Error("failed to encode snapshot", "error", err)
		return
	}
	h.broadcast <- payload
}
