package hashroute

import (
	"sync"
	"time"

	"invalidator/internal/domain"
)

// Router remembers the partition each object was first pinned to.
type Router struct {
	mu     sync.RWMutex
	routes map[string]domain.ObjectRoute
}

func NewRouter() *Router {
	return &Router{routes: make(map[string]domain.ObjectRoute)}
}

func (r *Router) EnsureRoute(name string, seenAt time.Time) domain.ObjectRoute {
	r.mu.RLock()
	route, ok := r.routes[name]
	r.mu.RUnlock()
	if ok {
		return route
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[name]; ok {
		return route
	}

	created := domain.ObjectRoute{
		Name:        name,
		PartitionID: domain.PartitionID(PartitionForObject(name)),
		FirstSeenNs: seenAt.UTC().UnixNano(),
	}
	r.routes[name] = created
	return created
}

func (r *Router) GetRoute(name string) (domain.ObjectRoute, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[name]
	return route, ok
}

// Forget drops the pin so a later registration may be re-routed.
func (r *Router) Forget(name string) {
	r.mu.Lock()
	delete(r.routes, name)
	r.mu.Unlock()
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}
