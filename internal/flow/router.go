package flow

import (
	"fmt"
	"sort"
	"sync"
)

// Router maps a processor's relationships to destination queues.
type Router struct {
	owner string

	mu     sync.RWMutex
	routes map[string]*Queue
}

func NewRouter(owner string) *Router {
	return &Router{owner: owner, routes: make(map[string]*Queue)}
}

func (r *Router) Owner() string { return r.owner }

// Bind sets the destination for relationship, replacing any previous one.
func (r *Router) Bind(relationship string, q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[relationship] = q
}

func (r *Router) Unbind(relationship string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, relationship)
}

func (r *Router) Destination(relationship string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.routes[relationship]
	return q, ok
}

// Relationships returns the bound relationship names, sorted.
func (r *Router) Relationships() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.routes))
	for rel := range r.routes {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// Backpressured reports whether any destination queue is full.
func (r *Router) Backpressured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.routes {
		if q.Full() {
			return true
		}
	}
	return false
}

func (r *Router) route(relationship string) (*Queue, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: no router for relationship=%q", ErrUnroutableRecord, relationship)
	}
	q, ok := r.Destination(relationship)
	if !ok || q == nil {
		return nil, fmt.Errorf("%w: processor=%q relationship=%q", ErrUnroutableRecord, r.owner, relationship)
	}
	return q, nil
}
