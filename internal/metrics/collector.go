package metrics

import (
	"context"
	"log/slog"
	"time"
)

type EventType string

const (
	EventRequestReceived     EventType = "request_received"
	EventResponseCompleted   EventType = "response_completed"
	EventUpstreamFailed      EventType = "upstream_failed"
	EventReachabilityChanged EventType = "reachability_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Upstream   string
	Duration   time.Duration
	StatusCode int
	Bytes      int64
	ErrorKind  string
	Reachable  bool
}

// Collector applies metric events on a single goroutine so the request
// path never waits on the metrics lock.
type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		logger:  logger,
	}
}

// Emit queues an event without blocking. Events are dropped when the
// buffer is full. Emit is safe on a nil Collector.
func (c *Collector) Emit(event MetricEvent) {
	if c == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("Metrics buffer full, dropping event", slog.String("type", string(event.Type)))
	}
}

// Run processes events until ctx is cancelled, then drains what is queued.
func (c *Collector) Run(ctx context.Context) error {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return nil
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Route, event.Upstream)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Route, event.Duration, event.StatusCode, event.Bytes)

	case EventUpstreamFailed:
		c.metrics.RecordError(event.Route, event.ErrorKind)

	case EventReachabilityChanged:
		c.metrics.UpdateReachability(event.Upstream, event.Reachable)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}
