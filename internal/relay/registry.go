package relay

import (
	"sync"

	"github.com/roach88/reef/internal/event"
	"github.com/roach88/reef/internal/filter"
)

// Registry tracks live connections for broadcast.
//
// Subscriptions themselves live on their connection (each Conn guards its
// own set), so the registry lock is only held to snapshot the connection
// list. Register/unregister on one connection never blocks a broadcast
// pass over the others, and a broadcast never blocks REQ handling.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[*Conn]struct{})}
}

// Add registers a connection for broadcast delivery.
func (g *Registry) Add(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c] = struct{}{}
}

// Remove drops a connection and with it every subscription it owns.
// After Remove returns, no new broadcast pass will reference the
// connection; passes already iterating a snapshot may still attempt a
// send, which fails harmlessly against the closed queue.
func (g *Registry) Remove(c *Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

// Len returns the number of live connections.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Broadcast evaluates one admitted event against every live subscription
// and enqueues EVENT frames for the matches. Called exactly once per
// admitted event, under the relay's admission lock, so subscribers observe
// events in commit order.
func (g *Registry) Broadcast(ev *event.Event) {
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	for _, c := range conns {
		c.deliver(ev)
	}
}

// Subscription pairs a subscription id with its filter set. Exposed for
// inspection; the owning connection holds the live copy.
type Subscription struct {
	ID      string
	Filters filter.Set
}
