package view

import (
	"context"
	"sync"
)

// Registry keeps the live sessions of an HTTP host. When full, creating a
// session evicts the least recently used one.
type Registry struct {
	ctrl     *Controller
	max      int
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(ctrl *Controller, max int) *Registry {
	return &Registry{ctrl: ctrl, max: max, sessions: make(map[string]*Session)}
}

func (r *Registry) Create(ctx context.Context) (*Session, error) {
	s, err := r.ctrl.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.max > 0 && len(r.sessions) >= r.max {
		r.evictLocked()
	}
	r.sessions[s.id] = s
	return s, nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) evictLocked() {
	var (
		oldest *Session
		id     string
	)
	for k, s := range r.sessions {
		if oldest == nil || s.touched().Before(oldest.touched()) {
			oldest, id = s, k
		}
	}
	if oldest != nil {
		delete(r.sessions, id)
	}
}
