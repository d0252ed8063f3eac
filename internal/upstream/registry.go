package upstream

import (
	"github.com/angeloszaimis/relay/internal/route"
)

// Registry holds one Upstream per distinct target. It is populated once at
// startup and only read afterwards.
type Registry struct {
	order []*Upstream
	index map[route.Target]*Upstream
}

// NewRegistry creates an Upstream for every distinct target, keeping the
// first-seen order.
func NewRegistry(targets ...route.Target) *Registry {
	r := &Registry{index: make(map[route.Target]*Upstream, len(targets))}
	for _, t := range targets {
		if _, ok := r.index[t]; ok {
			continue
		}
		u := New(t)
		r.index[t] = u
		r.order = append(r.order, u)
	}
	return r
}

// Get returns the Upstream for target.
func (r *Registry) Get(target route.Target) (*Upstream, bool) {
	u, ok := r.index[target]
	return u, ok
}

// All returns every upstream in registration order.
func (r *Registry) All() []*Upstream {
	out := make([]*Upstream, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of distinct upstreams.
func (r *Registry) Len() int {
	return len(r.order)
}
