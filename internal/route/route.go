package route

import (
	"net"
	"strconv"
	"strings"
)

// Target is an upstream host and port.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Address returns the target in host:port form.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

func (t Target) String() string {
	return t.Address()
}

// Route maps a path prefix to a target.
type Route struct {
	Prefix string
	Target Target
	// StripPrefix removes the matched prefix before forwarding.
	StripPrefix bool
	// Rewrite replaces the matched prefix. Takes precedence over StripPrefix.
	Rewrite string
}

// Matches reports whether path falls under the route prefix. Matching is
// by path segment, so /api matches /api/users but not /apiv2.
func (r Route) Matches(path string) bool {
	if r.Prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, r.Prefix) {
		return false
	}
	return len(path) == len(r.Prefix) || path[len(r.Prefix)] == '/'
}

// UpstreamPath returns the path to send upstream for an inbound path that
// the route matched.
func (r Route) UpstreamPath(path string) string {
	if r.Rewrite == "" && !r.StripPrefix {
		return path
	}

	rest := path
	if r.Prefix != "/" {
		rest = strings.TrimPrefix(path, r.Prefix)
	}

	if r.Rewrite != "" {
		return joinPath(r.Rewrite, rest)
	}

	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// NormalizePrefix gives a prefix a leading slash and drops trailing
// slashes, except for the root prefix.
func NormalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	trimmed := strings.TrimRight(prefix, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

func joinPath(base, rest string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case rest == "" || rest == "/":
		if base == "" {
			return "/"
		}
		return base + rest
	case strings.HasPrefix(rest, "/"):
		return base + rest
	default:
		return base + "/" + rest
	}
}
