package dataservice

import (
	"sync"

	"agentd/internal/model"
)

// childContext is one entry in the context arena (Design Notes: "an arena
// of contexts owned by the service; operations take a context index and
// the arena separately, avoiding cycles").
type childContext struct {
	id   uint64
	caps model.Capabilities
}

// contextArena owns every live child context, keyed by id.
type contextArena struct {
	mu     sync.Mutex
	next   uint64
	byID   map[uint64]*childContext
}

func newContextArena() *contextArena {
	return &contextArena{byID: make(map[uint64]*childContext)}
}

// create allocates a new context with the given starting capabilities,
// returning its id.
func (a *contextArena) create(caps model.Capabilities) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	id := a.next
	a.byID[id] = &childContext{id: id, caps: caps}
	return id
}

// get returns the context for id, or ok=false.
func (a *contextArena) get(id uint64) (*childContext, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byID[id]
	return c, ok
}

// reduce intersects other into id's capabilities in place.
func (a *contextArena) reduce(id uint64, other model.Capabilities) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byID[id]
	if !ok {
		return ErrNoContext
	}
	c.caps.Reduce(other)
	return nil
}

// close discards a context; future lookups fail with ErrNoContext.
func (a *contextArena) close(id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byID, id)
}

// allows checks whether the context permits m, returning ErrNoContext or
// ErrUnauthorized as appropriate.
func (a *contextArena) allows(id uint64, m Method) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byID[id]
	if !ok {
		return ErrNoContext
	}
	if !c.caps.Allows(uint(m)) {
		return ErrUnauthorized
	}
	return nil
}
