// Package registry implements the Player Registry: the
// single process-wide mapping from player identity to an in-process session
// handle. It is the only place any other component may reach a player's
// live connection.
package registry

import (
	"errors"
	"sync"

	"github.com/larrybui/cardmatch/internal/domain"
)

// ErrNotRegistered is returned by RouteTo when the target player has no
// handle registered on this pod.
var ErrNotRegistered = errors.New("registry: player not registered on this pod")

// Handle is the process-local, opaque reference to whatever owns a player's
// live client connection (an actor, a goroutine-backed mailbox, a
// WebSocket write loop — the Player Session layer is an external
// collaborator). Deliver must not block for longer than the caller can
// tolerate; same-pod delivery is fire-and-forget.
type Handle interface {
	Deliver(message any) error
}

// Registry is a process-wide concurrent map from player identity to Handle.
// Readers may proceed in parallel with writers; a single key's own
// lifecycle is naturally serialized by the session's own register/
// deregister calls.
type Registry struct {
	mu       sync.RWMutex
	handles  map[domain.PlayerID]Handle
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{handles: make(map[domain.PlayerID]Handle)}
}

// Register associates playerID with handle, replacing any prior handle. A
// re-register for an existing identity is treated as a reconnection: the
// prior session is assumed already torn down by its owner before calling
// Register again.
func (r *Registry) Register(playerID domain.PlayerID, handle Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[playerID] = handle
}

// Deregister removes playerID's handle, if any. Safe to call multiple times
// (disconnect races).
func (r *Registry) Deregister(playerID domain.PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, playerID)
}

// Lookup returns the handle currently registered for playerID, if any.
func (r *Registry) Lookup(playerID domain.PlayerID) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[playerID]
	return h, ok
}

// RouteTo delivers message to playerID's handle. A missing target is
// counted as a routing failure by the caller; RouteTo
// itself just reports ErrNotRegistered so callers can distinguish "stale
// session" from a delivery error raised by the handle itself.
func (r *Registry) RouteTo(playerID domain.PlayerID, message any) error {
	h, ok := r.Lookup(playerID)
	if !ok {
		return ErrNotRegistered
	}
	return h.Deliver(message)
}

// Len reports the number of registered handles, for health/metrics
// reporting.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
