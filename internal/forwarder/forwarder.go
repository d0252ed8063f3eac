package forwarder

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/angeloszaimis/relay/internal/circuitbreaker"
	"github.com/angeloszaimis/relay/internal/proxyerr"
	"github.com/angeloszaimis/relay/internal/route"
	"github.com/angeloszaimis/relay/internal/upstream"
	"github.com/angeloszaimis/relay/pkg/logger"
)

// StatusClientClosedRequest is recorded when the client went away before
// the upstream answered. It never reaches the client.
const StatusClientClosedRequest = 499

// forwardedHeaders are stripped by httputil.ReverseProxy in Rewrite mode;
// they are put back so the client's own values reach the upstream.
var forwardedHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

// Options configures a Forwarder.
type Options struct {
	// AddForwardedHeaders appends X-Forwarded-For/Host/Proto.
	AddForwardedHeaders bool
	// FlushInterval is passed to httputil.ReverseProxy. Negative flushes
	// after every write.
	FlushInterval time.Duration
	// Breaker, when set, fails requests fast while the upstream is failing.
	Breaker *circuitbreaker.CircuitBreaker
	// OnError observes every per-request failure.
	OnError func(r *http.Request, err *proxyerr.Error)
}

// Forwarder relays requests for one route to its upstream.
type Forwarder struct {
	route    route.Route
	upstream *upstream.Upstream
	target   *url.URL
	proxy    *httputil.ReverseProxy
	opts     Options
	logger   *slog.Logger
}

// New builds a forwarder for rt. u is the upstream for rt.Target.
func New(rt route.Route, u *upstream.Upstream, transport http.RoundTripper, opts Options, log *slog.Logger) *Forwarder {
	f := &Forwarder{
		route:    rt,
		upstream: u,
		target:   &url.URL{Scheme: "http", Host: rt.Target.Address()},
		opts:     opts,
		logger: log.With(
			slog.String("route", rt.Prefix),
			slog.String("upstream", rt.Target.Address())),
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      transport,
		FlushInterval:  opts.FlushInterval,
		ErrorLog:       logger.StdLogger(f.logger, slog.LevelWarn),
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
	}

	return f
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.opts.Breaker != nil && !f.opts.Breaker.Allow() {
		f.fail(w, r, proxyerr.New(proxyerr.KindUpstreamUnavailable,
			"upstream %s is failing, circuit open", f.route.Target.Address()))
		return
	}

	f.upstream.IncrementConn()
	defer f.upstream.DecrementConn()

	f.proxy.ServeHTTP(&headerFlusher{ResponseWriter: w}, r)
}

// headerFlusher puts the status line on the wire as soon as the upstream
// answers. A response that stalls afterwards then ends in a dropped
// connection the client can tell apart from a missing response.
type headerFlusher struct {
	http.ResponseWriter
	flushed bool
}

func (h *headerFlusher) WriteHeader(code int) {
	h.ResponseWriter.WriteHeader(code)
	if code >= http.StatusOK && !h.flushed {
		h.flushed = true
		_ = http.NewResponseController(h.ResponseWriter).Flush()
	}
}

func (h *headerFlusher) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	in := pr.In.URL
	out := pr.Out.URL

	out.Path = f.route.UpstreamPath(in.Path)
	out.RawPath = ""
	if in.RawPath != "" {
		raw := f.route.UpstreamPath(in.EscapedPath())
		if unescaped, err := url.PathUnescape(raw); err == nil && unescaped == out.Path {
			out.RawPath = raw
		}
	}

	pr.SetURL(f.target)

	for _, h := range forwardedHeaders {
		if v, ok := pr.In.Header[h]; ok {
			pr.Out.Header[h] = v
		}
	}
	if f.opts.AddForwardedHeaders {
		pr.SetXForwarded()
	}

	// Keep net/http from adding its own User-Agent.
	if _, ok := pr.In.Header["User-Agent"]; !ok {
		pr.Out.Header["User-Agent"] = []string{""}
	}
}

func (f *Forwarder) modifyResponse(*http.Response) error {
	if f.opts.Breaker != nil {
		f.opts.Breaker.RecordSuccess()
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil && errors.Is(err, context.Canceled) {
		if f.opts.Breaker != nil {
			f.opts.Breaker.Release()
		}
		f.logger.Debug("Client went away before the upstream answered",
			slog.String("path", r.URL.Path))
		w.WriteHeader(StatusClientClosedRequest)
		return
	}

	if f.opts.Breaker != nil {
		f.opts.Breaker.RecordFailure()
	}
	f.fail(w, r, classify(f.route.Target.Address(), err))
}

func (f *Forwarder) fail(w http.ResponseWriter, r *http.Request, perr *proxyerr.Error) {
	f.logger.Warn("Forwarding failed",
		slog.String("path", r.URL.Path),
		slog.String("kind", string(perr.Kind)),
		slog.Any("err", perr.Err))

	if f.opts.OnError != nil {
		f.opts.OnError(r, perr)
	}
	proxyerr.Write(w, perr)
}

// classify maps a transport error to an error kind. Connect failures of
// any sort are unreachable; timeouts on an established connection are
// gateway timeouts.
func classify(address string, err error) *proxyerr.Error {
	var dialErr *DialError
	if errors.As(err, &dialErr) {
		return proxyerr.Wrap(proxyerr.KindUpstreamUnreachable, err, "cannot connect to upstream "+address)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return proxyerr.Wrap(proxyerr.KindUpstreamTimeout, err, "upstream "+address+" timed out")
	}

	return proxyerr.Wrap(proxyerr.KindUpstreamUnreachable, err, "upstream "+address+" failed")
}
