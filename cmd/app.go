package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/relay/config"
	"github.com/angeloszaimis/relay/internal/circuitbreaker"
	"github.com/angeloszaimis/relay/internal/forwarder"
	"github.com/angeloszaimis/relay/internal/handler"
	"github.com/angeloszaimis/relay/internal/healthcheck"
	"github.com/angeloszaimis/relay/internal/httpserver"
	"github.com/angeloszaimis/relay/internal/metrics"
	"github.com/angeloszaimis/relay/internal/route"
	"github.com/angeloszaimis/relay/internal/upstream"
	"github.com/angeloszaimis/relay/pkg/logger"
)

// app owns everything that lives for the duration of the process.
type app struct {
	log       *slog.Logger
	registry  *upstream.Registry
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	reporter  *healthcheck.Reporter
	servers   []*httpserver.Server
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	table, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	listenerTables := make([]*route.Table, len(cfg.Listeners))
	targets := table.Targets()
	for i, l := range cfg.Listeners {
		if listenerTables[i], err = l.Table(); err != nil {
			return nil, fmt.Errorf("listener %s: %w", l.Address, err)
		}
		targets = append(targets, l.Target())
	}

	a := &app{
		log:      log,
		registry: upstream.NewRegistry(targets...),
	}

	if cfg.CircuitBreaker.Enabled {
		a.breakers = circuitbreaker.NewRegistry(cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.ResetTimeout)
	}
	if cfg.Metrics.Enabled {
		a.collector = metrics.NewCollector(cfg.Metrics.BufferSize, logger.Component(log, "metrics"))
	}

	a.reporter = healthcheck.NewReporter(a.registry.All(), healthcheck.Options{
		Interval: cfg.Health.Interval,
		Timeout:  cfg.Health.Timeout,
		OnChange: func(u *upstream.Upstream, reachable bool) {
			a.collector.Emit(metrics.MetricEvent{
				Type:      metrics.EventReachabilityChanged,
				Upstream:  u.Address(),
				Reachable: reachable,
			})
		},
	}, logger.Component(log, "healthcheck"))

	transport := forwarder.NewTransport(forwarder.TransportOptions{
		ConnectTimeout:        cfg.Proxy.ConnectTimeout,
		IdleTimeout:           cfg.Proxy.IdleTimeout,
		ResponseHeaderTimeout: cfg.Proxy.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   cfg.Proxy.MaxIdleConnsPerHost,
	})

	proxyLog := logger.Component(log, "proxy")
	newProxy := func(t *route.Table) (*handler.ProxyHandler, error) {
		return handler.NewProxyHandler(proxyLog, handler.Options{
			Table:     t,
			Registry:  a.registry,
			Transport: transport,
			Forwarder: forwarder.Options{
				AddForwardedHeaders: cfg.Proxy.AddForwardedHeaders,
				FlushInterval:       cfg.Proxy.FlushInterval,
			},
			Breakers:  a.breakers,
			Collector: a.collector,
		})
	}

	srvOpts := httpserver.Options{
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		ErrorLog:          logger.StdLogger(logger.Component(log, "httpserver"), slog.LevelWarn),
	}

	mainProxy, err := newProxy(table)
	if err != nil {
		return nil, err
	}
	ropts := routerOptions{
		Proxy:      mainProxy,
		Health:     a.reporter,
		HealthPath: cfg.Health.Path,
	}
	if a.collector != nil {
		var stats metrics.BreakerStats
		if a.breakers != nil {
			stats = a.breakers
		}
		ropts.Metrics = a.collector.Handler(stats)
		ropts.MetricsPath = cfg.Metrics.Path
	}
	if err := a.addServer(cfg.Server.Address, setupRouter(ropts), srvOpts); err != nil {
		return nil, err
	}

	for i, l := range cfg.Listeners {
		proxy, err := newProxy(listenerTables[i])
		if err != nil {
			return nil, err
		}
		if err := a.addServer(l.Address, setupListenerRouter(proxy), srvOpts); err != nil {
			return nil, err
		}
	}

	return a, nil
}

func (a *app) addServer(addr string, h http.Handler, opts httpserver.Options) error {
	srv, err := httpserver.New(addr, h, opts)
	if err != nil {
		return err
	}
	a.servers = append(a.servers, srv)
	return nil
}

// run binds every listener, then serves, probes and collects metrics until
// ctx is cancelled or one of them fails.
func (a *app) run(ctx context.Context) error {
	for i, srv := range a.servers {
		if err := srv.Listen(); err != nil {
			for _, bound := range a.servers[:i] {
				_ = bound.Close()
			}
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.collector != nil {
		g.Go(func() error { return a.collector.Run(gctx) })
	}
	g.Go(func() error { return a.reporter.Run(gctx) })

	for _, srv := range a.servers {
		a.log.Info("Listening", slog.String("address", srv.Addr()))
		g.Go(func() error { return srv.Run(gctx) })
	}

	for _, t := range a.registry.All() {
		a.log.Info("Upstream registered", slog.String("upstream", t.Address()))
	}

	return g.Wait()
}
