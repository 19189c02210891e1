package call

import (
	"errors"
	"sync"

	"github.com/lexiqai/claims-voice/internal/observability"
)

var (
	// ErrSessionExists is returned when a stream id is already active
	ErrSessionExists = errors.New("session already exists")

	// ErrCapacity is returned when the gateway is at its call limit
	ErrCapacity = errors.New("too many concurrent calls")
)

// Registry holds the live sessions, keyed by media stream id
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	max      int
}

// NewRegistry creates a registry admitting at most limit sessions. A
// non-positive limit means unbounded.
func NewRegistry(limit int) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		max:      limit,
	}
}

// Create builds a session for p and registers it
func (r *Registry) Create(p Params) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[p.ID]; ok {
		return nil, ErrSessionExists
	}
	if r.max > 0 && len(r.sessions) >= r.max {
		observability.RecordError("capacity", "registry")
		return nil, ErrCapacity
	}

	s := NewSession(p)
	r.sessions[p.ID] = s
	return s, nil
}

// Get returns the session for id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove forgets the session for id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls fn for each session until fn returns false
func (r *Registry) Range(fn func(*Session) bool) {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}
