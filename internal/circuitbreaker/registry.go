package circuitbreaker

import (
	"sync"
	"time"
)

// Registry hands out one breaker per upstream address.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	threshold int
	timeout   time.Duration
}

func NewRegistry(threshold int, timeout time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		timeout:   timeout,
	}
}

// GetBreaker returns the breaker for address, creating it on first use.
func (r *Registry) GetBreaker(address string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[address]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if cb, exists = r.breakers[address]; exists {
		return cb
	}

	cb = NewCircuitBreaker(r.threshold, r.timeout)
	r.breakers[address] = cb
	return cb
}

// Stats returns the state of every breaker created so far.
func (r *Registry) Stats() map[string]State {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]State, len(r.breakers))
	for address, cb := range r.breakers {
		stats[address] = cb.State()
	}
	return stats
}
