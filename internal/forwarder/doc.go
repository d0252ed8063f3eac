// Package forwarder relays one route's requests to its upstream.
// Request and response bodies are streamed in both directions, Host is
// rewritten to the upstream, the route prefix is stripped or rewritten,
// and transport failures become JSON error responses.
package forwarder
