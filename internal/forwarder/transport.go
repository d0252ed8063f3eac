package forwarder

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"
)

// TransportOptions configures the upstream transport shared by all routes.
type TransportOptions struct {
	// ConnectTimeout bounds the TCP connect to an upstream.
	ConnectTimeout time.Duration
	// IdleTimeout closes an upstream connection that sees no reads or
	// writes for this long. Zero disables it.
	IdleTimeout time.Duration
	// ResponseHeaderTimeout bounds the wait for response headers once the
	// request has been written. Zero disables it.
	ResponseHeaderTimeout time.Duration
	MaxIdleConnsPerHost   int
}

// DialError marks a failure to open the upstream connection, as opposed
// to a failure on an established one.
type DialError struct {
	Address string
	Err     error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Address, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// NewTransport returns a transport that never alters the relayed message:
// no environment proxies and no transparent gzip.
func NewTransport(opts TransportOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}

	maxIdle := opts.MaxIdleConnsPerHost
	if maxIdle <= 0 {
		maxIdle = 32
	}

	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, &DialError{Address: address, Err: err}
			}
			if opts.IdleTimeout <= 0 {
				return conn, nil
			}
			return newIdleTimeoutConn(conn, opts.IdleTimeout), nil
		},
		DisableCompression:    true,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}
}

// idleTimeoutConn pushes the connection deadline forward on every read and
// write, so only a connection that stalls in both directions times out.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func newIdleTimeoutConn(conn net.Conn, timeout time.Duration) *idleTimeoutConn {
	c := &idleTimeoutConn{Conn: conn, timeout: timeout}
	c.extend()
	return c
}

func (c *idleTimeoutConn) extend() {
	_ = c.Conn.SetDeadline(time.Now().Add(c.timeout))
}

func (c *idleTimeoutConn) Read(b []byte) (int, error) {
	c.extend()
	return c.Conn.Read(b)
}

func (c *idleTimeoutConn) Write(b []byte) (int, error) {
	c.extend()
	return c.Conn.Write(b)
}
