package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type routerOptions struct {
	Proxy      http.Handler
	Health     http.Handler
	HealthPath string
	// Metrics is nil when metrics are disabled.
	Metrics     http.Handler
	MetricsPath string
}

// setupRouter serves the internal endpoints and hands everything else to
// the proxy, including request targets chi cannot route.
func setupRouter(opts routerOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(opts.HealthPath, opts.Health.ServeHTTP)
	r.Head(opts.HealthPath, opts.Health.ServeHTTP)
	if opts.Metrics != nil {
		r.Get(opts.MetricsPath, opts.Metrics.ServeHTTP)
	}

	r.Handle("/*", opts.Proxy)
	r.NotFound(opts.Proxy.ServeHTTP)

	return r
}

// setupListenerRouter forwards every request on a per-port listener.
func setupListenerRouter(proxy http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/*", proxy)
	r.NotFound(proxy.ServeHTTP)

	return r
}
