package metrics

import (
	"sort"
	"sync"
	"time"
)

const maxSamples = 1000

type routeStats struct {
	upstream      string
	requests      int64
	errors        map[string]int64
	bytesOut      int64
	responseTimes []time.Duration
	statusCodes   map[int]int64
}

type Metrics struct {
	mutex     sync.RWMutex
	routes    map[string]*routeStats
	reachable map[string]bool
	startTime time.Time
}

type Snapshot struct {
	TotalRequests int64                      `json:"total_requests"`
	Uptime        time.Duration              `json:"uptime"`
	Routes        map[string]RouteMetrics    `json:"routes"`
	Upstreams     map[string]UpstreamMetrics `json:"upstreams"`
	Breakers      map[string]string          `json:"breakers,omitempty"`
}

type RouteMetrics struct {
	Upstream    string           `json:"upstream"`
	Requests    int64            `json:"requests"`
	BytesOut    int64            `json:"bytes_out"`
	Errors      map[string]int64 `json:"errors,omitempty"`
	AvgResponse time.Duration    `json:"avg_response"`
	P50Response time.Duration    `json:"p50_response"`
	P95Response time.Duration    `json:"p95_response"`
	P99Response time.Duration    `json:"p99_response"`
	StatusCodes map[int]int64    `json:"status_codes"`
}

type UpstreamMetrics struct {
	Reachable bool `json:"reachable"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		routes:    make(map[string]*routeStats),
		reachable: make(map[string]bool),
		startTime: time.Now(),
	}
}

// statsLocked returns the stats for route, creating them. Callers hold the
// write lock.
func (m *Metrics) statsLocked(route, upstream string) *routeStats {
	rs, ok := m.routes[route]
	if !ok {
		rs = &routeStats{
			errors:      make(map[string]int64),
			statusCodes: make(map[int]int64),
		}
		m.routes[route] = rs
	}
	if upstream != "" {
		rs.upstream = upstream
	}
	return rs
}

func (m *Metrics) IncrementRequests(route, upstream string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.statsLocked(route, upstream).requests++
}

func (m *Metrics) RecordResponse(route string, duration time.Duration, statusCode int, bytes int64) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rs := m.statsLocked(route, "")
	rs.responseTimes = append(rs.responseTimes, duration)
	if len(rs.responseTimes) > maxSamples {
		rs.responseTimes = rs.responseTimes[1:]
	}
	rs.statusCodes[statusCode]++
	rs.bytesOut += bytes
}

func (m *Metrics) RecordError(route, kind string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.statsLocked(route, "").errors[kind]++
}

func (m *Metrics) UpdateReachability(upstream string, reachable bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.reachable[upstream] = reachable
}

// Snapshot returns a copy of the current metrics that shares no state with m.
func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		Uptime:    time.Since(m.startTime),
		Routes:    make(map[string]RouteMetrics, len(m.routes)),
		Upstreams: make(map[string]UpstreamMetrics, len(m.reachable)),
	}

	for name, rs := range m.routes {
		snap.TotalRequests += rs.requests

		rm := RouteMetrics{
			Upstream:    rs.upstream,
			Requests:    rs.requests,
			BytesOut:    rs.bytesOut,
			StatusCodes: make(map[int]int64, len(rs.statusCodes)),
		}
		for code, n := range rs.statusCodes {
			rm.StatusCodes[code] = n
		}
		if len(rs.errors) > 0 {
			rm.Errors = make(map[string]int64, len(rs.errors))
			for kind, n := range rs.errors {
				rm.Errors[kind] = n
			}
		}

		if len(rs.responseTimes) > 0 {
			sorted := make([]time.Duration, len(rs.responseTimes))
			copy(sorted, rs.responseTimes)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			rm.AvgResponse = average(sorted)
			rm.P50Response = percentile(sorted, 0.50)
			rm.P95Response = percentile(sorted, 0.95)
			rm.P99Response = percentile(sorted, 0.99)
		}

		snap.Routes[name] = rm
	}

	for upstream, reachable := range m.reachable {
		snap.Upstreams[upstream] = UpstreamMetrics{Reachable: reachable}
	}

	return snap
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}
