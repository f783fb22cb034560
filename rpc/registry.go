package rpc

import (
	"sync"
)

// ConnRegistry maps each connection to its set of in-flight requests, so a
// transport disconnect can cancel all pending work for that connection. All
// mutations are atomic per connection id; closing an already-closed request
// is a no-op, so a request registered concurrently with a disconnect is
// safe either way.
type ConnRegistry struct {
	mu    sync.Mutex
	conns map[ConnID]map[*Request]struct{}
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{
		conns: make(map[ConnID]map[*Request]struct{}),
	}
}

// Register adds an in-flight request for a connection.
func (c *ConnRegistry) Register(id ConnID, r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reqs, ok := c.conns[id]
	if !ok {
		reqs = make(map[*Request]struct{})
		c.conns[id] = reqs
	}
	reqs[r] = struct{}{}
}

// Remove drops a request on natural completion. The connection entry is
// kept until the connection itself goes away.
func (c *ConnRegistry) Remove(id ConnID, r *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reqs, ok := c.conns[id]; ok {
		delete(reqs, r)
	}
}

// CloseAll force-closes every request still pending for a connection and
// drops the connection entry. Returns the number of requests closed.
func (c *ConnRegistry) CloseAll(id ConnID) int {
	c.mu.Lock()
	pending := make([]*Request, 0, len(c.conns[id]))
	for r := range c.conns[id] {
		pending = append(pending, r)
	}
	delete(c.conns, id)
	c.mu.Unlock()

	// Close outside the lock: Close re-enters the registry via Remove.
	for _, r := range pending {
		r.Close()
	}
	return len(pending)
}

// CloseAllConns force-closes every pending request on every connection.
// Used on server shutdown. Returns the number of requests closed.
func (c *ConnRegistry) CloseAllConns() int {
	c.mu.Lock()
	ids := make([]ConnID, 0, len(c.conns))
	for id := range c.conns {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	total := 0
	for _, id := range ids {
		total += c.CloseAll(id)
	}
	return total
}

// Pending returns the number of in-flight requests for a connection.
func (c *ConnRegistry) Pending(id ConnID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns[id])
}
