// Package proxyerr defines the per-request error kinds relay reports to
// clients and the JSON body they are written as.
package proxyerr

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a per-request failure.
type Kind string

const (
	KindNoRoute             Kind = "no_route"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindUpstreamTimeout     Kind = "upstream_timeout"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindProtocol            Kind = "bad_request"
)

// Status returns the HTTP status a kind is reported with.
func (k Kind) Status() int {
	switch k {
	case KindNoRoute:
		return http.StatusNotFound
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindProtocol:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Error is a classified per-request failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an Error of kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err as kind.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status for the error.
func (e *Error) Status() int {
	return e.Kind.Status()
}

// Body is the JSON document written for every error response.
type Body struct {
	Error     Kind      `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Write sends e to the client as a JSON body. Protocol errors also ask the
// server to close the connection.
func Write(w http.ResponseWriter, e *Error) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("X-Content-Type-Options", "nosniff")
	if e.Kind == KindProtocol {
		h.Set("Connection", "close")
	}
	w.WriteHeader(e.Status())

	_ = json.NewEncoder(w).Encode(Body{
		Error:     e.Kind,
		Message:   e.Message,
		Timestamp: time.Now().UTC(),
	})
}
