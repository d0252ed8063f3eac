// Package metrics collects per-route traffic metrics for relay.
//
// A channel-based event pipeline records:
//   - Request counts per route
//   - Response status code distribution and bytes relayed
//   - Response times with percentiles (P50, P95, P99)
//   - Upstream failures by kind
//   - Upstream reachability from the TCP probes
//
// The collector runs on one goroutine; Emit never blocks the request path
// and drops events when the buffer is full.
//
//	collector := metrics.NewCollector(1000, logger)
//	go collector.Run(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Route:      "/api",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
//
// Queued events are drained when the context is cancelled.
package metrics
