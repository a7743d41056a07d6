// Package roster tracks which live connection belongs to which user and
// session. It is the only owner of transient participant state; nothing in
// it is persisted, and a disconnect removes the participant immediately.
package roster

import (
	"sync"

	"retroboard/api/internal/retro"
)

type entry struct {
	user      retro.User
	sessionID string
	seq       uint64
}

// Registry is an injectable in-memory connection map. One instance is
// created at process start and shared by the realtime layer; a multi-process
// deployment would swap it for an external registry behind the same surface.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry
	seq   uint64
}

func New() *Registry {
	return &Registry{conns: make(map[string]entry)}
}

// Register associates a connection with a sanitized user and session.
// Re-registering a connection ID overwrites the previous association but
// keeps its roster position.
func (r *Registry) Register(connID string, user retro.User, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seq
	if prev, ok := r.conns[connID]; ok {
		seq = prev.seq
	} else {
		r.seq++
	}
	r.conns[connID] = entry{user: user, sessionID: sessionID, seq: seq}
}

// Unregister drops a connection and returns the session it had joined.
func (r *Registry) Unregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	delete(r.conns, connID)
	return prev.sessionID, true
}

// User returns the registered identity for a connection.
func (r *Registry) User(connID string) (retro.User, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return e.user, e.sessionID, ok
}

// Participants lists the users joined to a session, deduplicated by user ID
// in join order: a user with two open tabs appears once, ready when any of
// their tabs is ready.
func (r *Registry) Participants(sessionID string) []retro.User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type slot struct {
		user retro.User
		seq  uint64
	}
	var slots []slot
	index := make(map[string]int)
	for _, e := range r.conns {
		if e.sessionID != sessionID {
			continue
		}
		at, dup := index[e.user.ID]
		if !dup {
			index[e.user.ID] = len(slots)
			slots = append(slots, slot{user: e.user, seq: e.seq})
			continue
		}
		// Several tabs for one user: the earliest connection is the roster
		// entry, and the user counts as ready if any tab is. Map iteration
		// order must not show through.
		ready := slots[at].user.IsReady || e.user.IsReady
		if e.seq < slots[at].seq {
			slots[at] = slot{user: e.user, seq: e.seq}
		}
		slots[at].user.IsReady = ready
	}

	// Map iteration is unordered; restore join order.
	for i := 1; i < len(slots); i++ {
		for j := i; j > 0 && slots[j].seq < slots[j-1].seq; j-- {
			slots[j], slots[j-1] = slots[j-1], slots[j]
		}
	}

	users := make([]retro.User, len(slots))
	for i, s := range slots {
		users[i] = s.user
	}
	return users
}

// Connections lists the connection IDs currently joined to a session.
func (r *Registry) Connections(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, e := range r.conns {
		if e.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetReady flips the ready flag on a single connection's user.
func (r *Registry) SetReady(connID string, ready bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}
	e.user.IsReady = ready
	r.conns[connID] = e
	return true
}

// ResetReady clears the ready flag for every connection in a session. Phase
// transitions invalidate readiness.
func (r *Registry) ResetReady(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.conns {
		if e.sessionID != sessionID {
			continue
		}
		e.user.IsReady = false
		r.conns[id] = e
	}
}
