package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/kartlab/escd/pkg/core"
	"github.com/kartlab/escd/pkg/streaming"
)

// Hub fans envelopes out to every connected client. A client whose
// buffer is full misses the message; the publisher never blocks.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	dropped uint64

	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*client]struct{}),
		logger:  logger,
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many per-client deliveries were skipped.
func (h *Hub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Broadcast sends env to every client.
func (h *Hub) Broadcast(env streaming.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("Failed to encode envelope", "type", env.Type, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var missed uint64
	for _, c := range targets {
		if !c.send(data) {
			missed++
		}
	}
	if missed > 0 {
		h.mu.Lock()
		h.dropped += missed
		h.mu.Unlock()
	}
}

// PublishStatus broadcasts a status envelope.
func (h *Hub) PublishStatus(st core.Status) {
	env, err := streaming.NewEnvelope(streaming.TypeStatus, streaming.StatusPayload{Status: st})
	if err != nil {
		h.logger.Error("Failed to encode status", "error", err)
		return
	}
	h.Broadcast(env)
}

// PublishSafetyEvent broadcasts a safety_event envelope.
func (h *Hub) PublishSafetyEvent(ev core.SafetyEvent) {
	env, err := streaming.NewEnvelope(streaming.TypeSafetyEvent, streaming.SafetyEventPayload{Event: ev, Sent: time.Now()})
	if err != nil {
		h.logger.Error("Failed to encode safety event", "error", err)
		return
	}
	h.Broadcast(env)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}
