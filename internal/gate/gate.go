// Package gate provides per-miner admission control for discovery attempts.
package gate

import (
	"slices"
	"sync"
)

// Gate is a keyed mutual exclusion set. Between a successful TryAcquire and
// the matching Release no other TryAcquire for the same id succeeds. Ids do
// not block each other.
type Gate struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// New creates an empty gate
func New() *Gate {
	return &Gate{held: make(map[string]struct{})}
}

// TryAcquire marks id in flight. It returns false, without waiting, when id
// is already held.
func (g *Gate) TryAcquire(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.held[id]; ok {
		return false
	}
	g.held[id] = struct{}{}
	return true
}

// Release clears id. Releasing an id that is not held is a no-op.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	delete(g.held, id)
	g.mu.Unlock()
}

// Len returns the number of ids in flight
func (g *Gate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.held)
}

// Held returns the ids in flight, sorted
func (g *Gate) Held() []string {
	g.mu.Lock()
	ids := make([]string, 0, len(g.held))
	for id := range g.held {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	slices.Sort(ids)
	return ids
}
