// Package healthcheck probes upstream reachability with periodic TCP
// connects and reports the cached results on the /health endpoint.
package healthcheck
