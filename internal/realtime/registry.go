package realtime

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrConnClosed is returned when pushing to a connection that has shut down.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned when a slow client has not drained its queue.
	ErrSendBufferFull = errors.New("send buffer full")

	// ErrAlreadyBound is returned when binding a user to a connection twice.
	ErrAlreadyBound = errors.New("connection already bound to a user")
)

// Handle is one live duplex connection.
type Handle interface {
	ID() string
	UserID() string
	CreatedAt() time.Time
	Send(frame Frame) error
}

// Registry maps user ids to their live connections. A user is present in the
// map iff at least one of their connections is registered.
type Registry struct {
	mu    sync.RWMutex
	users map[string]map[string]Handle
	conns int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]Handle)}
}

// Register adds h to userID's set. Re-registering the same handle is a no-op.
func (r *Registry) Register(userID string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]Handle)
		r.users[userID] = set
	}
	if _, exists := set[h.ID()]; exists {
		return false
	}
	set[h.ID()] = h
	r.conns++
	return true
}

// Deregister removes h from userID's set and drops the user entry once empty.
// It reports whether anything was removed.
func (r *Registry) Deregister(userID string, h Handle) bool {
	if userID == "" || h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, exists := set[h.ID()]; !exists {
		return false
	}
	delete(set, h.ID())
	r.conns--
	if len(set) == 0 {
		delete(r.users, userID)
	}
	return true
}

// ConnectionsFor returns a snapshot of userID's connections, empty for unknown users.
func (r *Registry) ConnectionsFor(userID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.users[userID]
	handles := make([]Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	return handles
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// OnlineUserCount is the number of distinct users with a live connection.
func (r *Registry) OnlineUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// ConnectionCount is the number of live connections across all users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, r.conns)
	for _, set := range r.users {
		for _, h := range set {
			handles = append(handles, h)
		}
	}
	return handles
}
