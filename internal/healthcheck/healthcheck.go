package healthcheck

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/angeloszaimis/relay/internal/upstream"
)

// Dialer opens probe connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures a probe loop.
type Options struct {
	Interval time.Duration
	// Timeout bounds each connect attempt. Capped at Interval.
	Timeout time.Duration
	Dialer  Dialer
	// OnChange is called after every reachability transition.
	OnChange func(u *upstream.Upstream, reachable bool)
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 || o.Timeout > o.Interval {
		return o.Interval
	}
	return o.Timeout
}

// Probe reports whether a TCP connection to address can be opened within
// timeout. The connection is closed straight away.
func Probe(ctx context.Context, dialer Dialer, address string, timeout time.Duration) error {
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialer.DialContext(probeCtx, "tcp", address)
	if err != nil {
		return err
	}
	return conn.Close()
}

// HealthCheck probes target immediately and then every interval until ctx
// is cancelled, updating its reachability.
func HealthCheck(
	ctx context.Context,
	target *upstream.Upstream,
	opts Options,
	logger *slog.Logger,
) {
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		check(ctx, target, opts, logger)

		select {
		case <-ctx.Done():
			logger.Info("Health check stopped",
				slog.String("upstream", target.Address()))
			return
		case <-ticker.C:
		}
	}
}

func check(ctx context.Context, target *upstream.Upstream, opts Options, logger *slog.Logger) {
	err := Probe(ctx, opts.Dialer, target.Address(), opts.timeout())
	if ctx.Err() != nil {
		return
	}

	reachable := err == nil
	if !target.SetReachable(reachable) {
		return
	}

	if reachable {
		logger.Info("Upstream is reachable",
			slog.String("upstream", target.Address()))
	} else {
		logger.Warn("Upstream is unreachable",
			slog.String("upstream", target.Address()),
			slog.Any("err", err))
	}

	if opts.OnChange != nil {
		opts.OnChange(target, reachable)
	}
}
