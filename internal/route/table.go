package route

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrNoRoute means no route matched and no default route exists.
	ErrNoRoute = errors.New("no route matched")
	// ErrEmptyPath means the request carried no path and no default route exists.
	ErrEmptyPath = errors.New("empty request path")
	// ErrDuplicatePrefix is returned by NewTable for repeated prefixes.
	ErrDuplicatePrefix = errors.New("duplicate route prefix")
)

// Table is an immutable route table. It is safe for concurrent use.
type Table struct {
	routes   []Route
	ordered  []*Route
	fallback *Route
}

// NewTable builds a table from routes in declaration order. fallback may
// be nil.
func NewTable(routes []Route, fallback *Route) (*Table, error) {
	t := &Table{routes: make([]Route, len(routes))}

	seen := make(map[string]struct{}, len(routes))
	for i, r := range routes {
		r.Prefix = NormalizePrefix(r.Prefix)
		if _, dup := seen[r.Prefix]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePrefix, r.Prefix)
		}
		seen[r.Prefix] = struct{}{}
		t.routes[i] = r
	}

	t.ordered = make([]*Route, len(t.routes))
	for i := range t.routes {
		t.ordered[i] = &t.routes[i]
	}
	sort.SliceStable(t.ordered, func(i, j int) bool {
		return len(t.ordered[i].Prefix) > len(t.ordered[j].Prefix)
	})

	if fallback != nil {
		def := *fallback
		def.Prefix = "/"
		t.fallback = &def
	}

	return t, nil
}

// Resolve returns the route for path. The returned pointer is stable for
// the lifetime of the table and can be used as a map key.
func (t *Table) Resolve(path string) (*Route, error) {
	if path == "" {
		if t.fallback != nil {
			return t.fallback, nil
		}
		return nil, ErrEmptyPath
	}

	for _, r := range t.ordered {
		if r.Matches(path) {
			return r, nil
		}
	}

	if t.fallback != nil {
		return t.fallback, nil
	}
	return nil, ErrNoRoute
}

// Routes returns the routes in declaration order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Default returns the default route, if any.
func (t *Table) Default() (Route, bool) {
	if t.fallback == nil {
		return Route{}, false
	}
	return *t.fallback, true
}

// Entries returns pointers to every route the table can resolve to,
// declared routes first and the default last.
func (t *Table) Entries() []*Route {
	out := make([]*Route, 0, len(t.routes)+1)
	for i := range t.routes {
		out = append(out, &t.routes[i])
	}
	if t.fallback != nil {
		out = append(out, t.fallback)
	}
	return out
}

// Targets returns each distinct target once, in declaration order with the
// default route's target last.
func (t *Table) Targets() []Target {
	seen := make(map[Target]struct{})
	var out []Target
	for _, r := range t.Entries() {
		if _, ok := seen[r.Target]; ok {
			continue
		}
		seen[r.Target] = struct{}{}
		out = append(out, r.Target)
	}
	return out
}
