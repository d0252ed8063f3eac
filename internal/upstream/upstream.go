package upstream

import (
	"sync"
	"time"

	"github.com/angeloszaimis/relay/internal/route"
)

// Upstream is one forwarding target with its observed state.
type Upstream struct {
	target            route.Target
	mutex             sync.Mutex
	reachable         bool
	lastProbe         time.Time
	activeConnections int
}

// New creates an Upstream for target. It starts unreachable until the
// first probe says otherwise.
func New(target route.Target) *Upstream {
	return &Upstream{target: target}
}

// Target returns the upstream host and port.
func (u *Upstream) Target() route.Target {
	return u.target
}

// Address returns the upstream in host:port form.
func (u *Upstream) Address() string {
	return u.target.Address()
}

// IsReachable returns the result of the latest probe.
func (u *Upstream) IsReachable() bool {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.reachable
}

// SetReachable records a probe result.
// Returns true if the status changed, false if it was already in that state.
func (u *Upstream) SetReachable(reachable bool) (changed bool) {
	u.mutex.Lock()
	defer u.mutex.Unlock()

	u.lastProbe = time.Now()
	if u.reachable == reachable {
		return false
	}

	u.reachable = reachable
	return true
}

// LastProbe returns when the upstream was last probed, zero if never.
func (u *Upstream) LastProbe() time.Time {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.lastProbe
}

// IncrementConn increments the in-flight request count.
func (u *Upstream) IncrementConn() {
	u.mutex.Lock()
	u.activeConnections++
	u.mutex.Unlock()
}

// DecrementConn decrements the in-flight request count.
func (u *Upstream) DecrementConn() {
	u.mutex.Lock()
	if u.activeConnections > 0 {
		u.activeConnections--
	}
	u.mutex.Unlock()
}

// ActiveConnections returns the current number of in-flight requests.
func (u *Upstream) ActiveConnections() int {
	u.mutex.Lock()
	defer u.mutex.Unlock()
	return u.activeConnections
}
