package registry

import (
	"sync"

	"github.com/bryanchriswhite/SensorStreamer/internal/logger"
)

// Client is a live viewer connection as seen by the broadcaster
type Client interface {
	// ID identifies the connection for the lifetime of the process
	ID() string

	// Send queues data for delivery without blocking
	Send(data []byte) error

	// BufferedAmount returns the bytes queued but not yet written
	BufferedAmount() int

	// Close terminates the connection
	Close() error
}

// Registry is the set of active viewer connections, keyed by connection ID
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		clients: make(map[string]Client),
	}
}

// Add registers a client and reports whether the registry went from empty to
// non-empty.
func (r *Registry) Add(c Client) bool {
	r.mu.Lock()
	first := len(r.clients) == 0
	r.clients[c.ID()] = c
	total := len(r.clients)
	r.mu.Unlock()

	logger.WithComponent("registry").Info().
		Str("client", c.ID()).
		Int("total", total).
		Msg("Client registered")
	return first
}

// Remove unregisters a client. Removing an absent client is a no-op; the
// return value reports whether the client was present.
func (r *Registry) Remove(c Client) bool {
	r.mu.Lock()
	_, ok := r.clients[c.ID()]
	if ok {
		delete(r.clients, c.ID())
	}
	remaining := len(r.clients)
	r.mu.Unlock()

	if ok {
		logger.WithComponent("registry").Info().
			Str("client", c.ID()).
			Int("remaining", remaining).
			Msg("Client removed")
	}
	return ok
}

// Snapshot returns a point-in-time copy of the registered clients
func (r *Registry) Snapshot() []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
