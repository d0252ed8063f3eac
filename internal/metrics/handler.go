package metrics

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/relay/internal/circuitbreaker"
)

// BreakerStats reports circuit breaker states by upstream address.
type BreakerStats interface {
	Stats() map[string]circuitbreaker.State
}

// Handler serves the current snapshot as JSON. breakers may be nil.
func (c *Collector) Handler(breakers BreakerStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.Snapshot()
		if breakers != nil {
			stats := breakers.Stats()
			snap.Breakers = make(map[string]string, len(stats))
			for address, state := range stats {
				snap.Breakers[address] = state.String()
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
