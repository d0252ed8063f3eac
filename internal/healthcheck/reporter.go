package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/angeloszaimis/relay/internal/upstream"
)

const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// UpstreamStatus is the health view of one upstream.
type UpstreamStatus struct {
	Host              string     `json:"host"`
	Port              int        `json:"port"`
	Reachable         bool       `json:"reachable"`
	ActiveConnections int        `json:"active_connections"`
	LastProbe         *time.Time `json:"last_probe,omitempty"`
}

// Report is the /health response body.
type Report struct {
	Status    string           `json:"status"`
	Upstream  *UpstreamStatus  `json:"upstream,omitempty"`
	Upstreams []UpstreamStatus `json:"upstreams"`
	Timestamp time.Time        `json:"timestamp"`
}

// Reporter runs the probes for a set of upstreams and serves their cached
// state. Serving never waits on a probe.
type Reporter struct {
	upstreams []*upstream.Upstream
	opts      Options
	logger    *slog.Logger
}

// NewReporter creates a reporter for upstreams. The first upstream is
// reported as the primary one.
func NewReporter(upstreams []*upstream.Upstream, opts Options, logger *slog.Logger) *Reporter {
	return &Reporter{
		upstreams: upstreams,
		opts:      opts,
		logger:    logger,
	}
}

// Run probes every upstream on its own goroutine until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, u := range r.upstreams {
		wg.Add(1)
		go func(u *upstream.Upstream) {
			defer wg.Done()
			HealthCheck(ctx, u, r.opts, r.logger)
		}(u)
	}
	wg.Wait()
	return nil
}

// Report builds the current health report from cached probe results.
func (r *Reporter) Report() Report {
	report := Report{
		Status:    StatusOK,
		Upstreams: make([]UpstreamStatus, 0, len(r.upstreams)),
		Timestamp: time.Now().UTC(),
	}

	for _, u := range r.upstreams {
		target := u.Target()
		status := UpstreamStatus{
			Host:              target.Host,
			Port:              target.Port,
			Reachable:         u.IsReachable(),
			ActiveConnections: u.ActiveConnections(),
		}
		if probed := u.LastProbe(); !probed.IsZero() {
			probed = probed.UTC()
			status.LastProbe = &probed
		}
		if !status.Reachable {
			report.Status = StatusDegraded
		}
		report.Upstreams = append(report.Upstreams, status)
	}

	if len(report.Upstreams) > 0 {
		primary := report.Upstreams[0]
		report.Upstream = &primary
	}

	return report
}

// ServeHTTP writes the health report. It always answers 200; degradation
// is reported in the body.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	if req.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(r.Report()); err != nil {
		r.logger.Debug("Failed to write health report", slog.Any("err", err))
	}
}
