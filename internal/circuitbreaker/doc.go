// Package circuitbreaker fails requests fast for upstreams that keep
// refusing or timing out.
//
// Each upstream address gets one breaker with three states:
//
//   - CLOSED: requests are forwarded
//   - OPEN: requests are answered with 502 without dialing the upstream
//   - HALF-OPEN: a single trial request is forwarded after the reset timeout
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(5, 30*time.Second)
//	cb := registry.GetBreaker("localhost:9001")
//	if cb.Allow() {
//	    // forward...
//	    if err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
