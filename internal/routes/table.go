// Package routes loads the route table that binds request surfaces to policy
// directive lists.
//
// The table is immutable once built. Reloads construct a complete replacement
// and swap it in atomically; a file that fails validation never partially
// applies, and serve-time lookups take no locks.
package routes

import (
	"github.com/policy-gate/policy-gate/pkg/policy"
)

// StaticResponse is a canned handler for routes that answer locally instead
// of proxying.
type StaticResponse struct {
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

// Route is one compiled route table entry.
type Route struct {
	// Key is the stable route identifier used in logs, metrics, and the
	// ext_proc route-key header.
	Key string

	// Methods filters the HTTP methods served; empty serves all.
	Methods []string

	// Pattern is the chi-style path pattern, e.g. /orders/{id}.
	Pattern string

	// Upstream is the reverse-proxy target. Empty means Respond answers
	// the request locally.
	Upstream string

	Respond *StaticResponse

	// Directives is the route's ordered policy list, names and compiled
	// inline expressions interleaved as declared.
	Directives []policy.Directive
}

// Table is one immutable generation of the route table.
type Table struct {
	routes    []Route
	byKey     map[string]*Route
	byPattern map[string]*Route
}

// Lookup finds a route by its key.
func (t *Table) Lookup(key string) (*Route, bool) {
	r, ok := t.byKey[key]
	return r, ok
}

// Match finds a route by exact path-pattern match. It serves the ext_proc
// host's :path fallback when the route-key header is absent; parameterized
// patterns only match their literal spelling.
func (t *Table) Match(path string) (*Route, bool) {
	r, ok := t.byPattern[path]
	return r, ok
}

// All returns the routes in declaration order. The slice is a copy; the
// routes it holds are shared and must not be mutated.
func (t *Table) All() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len reports the number of routes.
func (t *Table) Len() int {
	return len(t.routes)
}
