package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/relay/internal/circuitbreaker"
	"github.com/angeloszaimis/relay/internal/forwarder"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/proxyerr"
	"github.com/angeloszaimis/relay/internal/route"
	"github.com/angeloszaimis/relay/internal/upstream"
)

// unmatchedRoute labels metrics for requests that never reached a route.
const unmatchedRoute = "(unmatched)"

// Options wires a ProxyHandler to the rest of the process.
type Options struct {
	Table     *route.Table
	Registry  *upstream.Registry
	Transport http.RoundTripper
	// Forwarder is the template for every route's forwarder. Breaker and
	// OnError are set per route.
	Forwarder forwarder.Options
	// Breakers is nil when the circuit breaker is disabled.
	Breakers *circuitbreaker.Registry
	// Collector may be nil.
	Collector *metrics.Collector
}

// ProxyHandler routes each request to the forwarder of its matched route.
type ProxyHandler struct {
	logger     *slog.Logger
	table      *route.Table
	forwarders map[*route.Route]*forwarder.Forwarder
	collector  *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

// NewProxyHandler builds one forwarder per table entry. Every target in
// the table must be present in the registry.
func NewProxyHandler(logger *slog.Logger, opts Options) (*ProxyHandler, error) {
	if opts.Table == nil {
		return nil, errors.New("handler: route table is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("handler: upstream registry is required")
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}

	h := &ProxyHandler{
		logger:     logger,
		table:      opts.Table,
		forwarders: make(map[*route.Route]*forwarder.Forwarder),
		collector:  opts.Collector,
	}

	for _, rt := range opts.Table.Entries() {
		u, ok := opts.Registry.Get(rt.Target)
		if !ok {
			return nil, fmt.Errorf("handler: no upstream registered for %s", rt.Target)
		}

		fopts := opts.Forwarder
		if opts.Breakers != nil {
			fopts.Breaker = opts.Breakers.GetBreaker(rt.Target.Address())
		}
		fopts.OnError = h.recordError(rt.Prefix, rt.Target.Address())

		h.forwarders[rt] = forwarder.New(*rt, u, opts.Transport, fopts, logger)
	}

	return h, nil
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientIP := extractClientIP(r)
	log := h.logger.With(slog.String("request_id", uuid.NewString()))

	log.Info("Received request",
		slog.String("from", clientIP),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.String("host", r.Host))

	path := r.URL.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		h.reject(w, log, proxyerr.New(proxyerr.KindProtocol, "unsupported request target %q", r.RequestURI))
		return
	}

	rt, err := h.table.Resolve(path)
	switch {
	case errors.Is(err, route.ErrNoRoute):
		h.reject(w, log, proxyerr.New(proxyerr.KindNoRoute, "no route for path %s", path))
		return
	case errors.Is(err, route.ErrEmptyPath):
		h.reject(w, log, proxyerr.New(proxyerr.KindUpstreamUnreachable, "no upstream for an empty path"))
		return
	case err != nil:
		h.reject(w, log, proxyerr.Wrap(proxyerr.KindUpstreamUnreachable, err, "route lookup failed"))
		return
	}

	fwd := h.forwarders[rt]
	upstreamAddr := rt.Target.Address()

	h.collector.Emit(metrics.MetricEvent{
		Type:     metrics.EventRequestReceived,
		Route:    rt.Prefix,
		Upstream: upstreamAddr,
	})

	log.Debug("Forwarding to upstream",
		slog.String("route", rt.Prefix),
		slog.String("upstream", upstreamAddr))

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	// A response that fails after its headers were sent unwinds with
	// http.ErrAbortHandler. It is still recorded before the panic resumes.
	defer func() {
		aborted := recover()
		duration := time.Since(start)

		h.collector.Emit(metrics.MetricEvent{
			Type:       metrics.EventResponseCompleted,
			Route:      rt.Prefix,
			Upstream:   upstreamAddr,
			Duration:   duration,
			StatusCode: rec.statusCode,
			Bytes:      rec.bytes,
		})

		attrs := []any{
			slog.String("route", rt.Prefix),
			slog.Int("status", rec.statusCode),
			slog.Int64("bytes", rec.bytes),
			slog.Duration("duration", duration),
		}
		if aborted != nil {
			log.Warn("Request aborted", attrs...)
			panic(aborted)
		}
		log.Info("Request completed", attrs...)
	}()

	fwd.ServeHTTP(rec, r)
}

func (h *ProxyHandler) reject(w http.ResponseWriter, log *slog.Logger, perr *proxyerr.Error) {
	log.Warn("Rejecting request",
		slog.String("kind", string(perr.Kind)),
		slog.String("reason", perr.Message))

	h.collector.Emit(metrics.MetricEvent{
		Type:  metrics.EventRequestReceived,
		Route: unmatchedRoute,
	})
	h.collector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Route:      unmatchedRoute,
		StatusCode: perr.Status(),
	})
	proxyerr.Write(w, perr)
}

func (h *ProxyHandler) recordError(routePrefix, upstreamAddr string) func(*http.Request, *proxyerr.Error) {
	return func(_ *http.Request, perr *proxyerr.Error) {
		h.collector.Emit(metrics.MetricEvent{
			Type:      metrics.EventUpstreamFailed,
			Route:     routePrefix,
			Upstream:  upstreamAddr,
			ErrorKind: string(perr.Kind),
		})
	}
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (r *statusRecorder) WriteHeader(code int) {
	// 1xx responses other than 101 are informational and followed by
	// the real status.
	if !r.wroteHeader && (code >= http.StatusOK || code == http.StatusSwitchingProtocols) {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and connection hijacking.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
