package socket

import (
	"sort"
	"sync"
)

// Registry maps socket ids to live sockets so later HTTP exchanges can reach
// their session. A socket is inserted when it opens and removed when its
// transport reports closure.
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*Socket
}

func NewRegistry() *Registry {
	return &Registry{
		sockets: make(map[string]*Socket),
	}
}

func (r *Registry) Insert(s *Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sockets[s.ID()]; exists {
		return ErrDuplicateID
	}
	r.sockets[s.ID()] = s
	return nil
}

// Remove deletes id only while it still maps to s, and reports whether it did.
func (r *Registry) Remove(id string, s *Socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.sockets[id]; !exists || current != s {
		return false
	}
	delete(r.sockets, id)
	return true
}

func (r *Registry) Get(id string) (*Socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sockets[id]
	return s, exists
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sockets)
}

// Sockets returns the live sockets ordered by id.
func (r *Registry) Sockets() []*Socket {
	r.mu.RLock()
	sockets := make([]*Socket, 0, len(r.sockets))
	for _, s := range r.sockets {
		sockets = append(sockets, s)
	}
	r.mu.RUnlock()

	sort.Slice(sockets, func(i, j int) bool {
		return sockets[i].ID() < sockets[j].ID()
	})
	return sockets
}
