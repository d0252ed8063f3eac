// Package handler implements the per-request proxy boundary. It resolves
// the route for each request, hands it to that route's forwarder, and
// turns every per-request failure into an HTTP response.
package handler
