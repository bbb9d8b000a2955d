// Package route parses and formats the dotted kind.service.method triple
// that addresses a handler on a server kind.
package route

import (
	"fmt"
	"strings"
)

// Route is the parsed form of a "kind.service.method" string.
type Route struct {
	Kind    string
	Service string
	Method  string
}

// Parse splits raw into its three non-empty dot-separated segments. It
// fails on anything that isn't exactly two "." separators or that has an
// empty segment.
func Parse(raw string) (*Route, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("route: malformed route %q: expected 3 segments, got %d", raw, len(parts))
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("route: malformed route %q: empty segment", raw)
		}
	}
	return &Route{Kind: parts[0], Service: parts[1], Method: parts[2]}, nil
}

// String renders the route back to its "kind.service.method" form.
func (r *Route) String() string {
	return fmt.Sprintf("%s.%s.%s", r.Kind, r.Service, r.Method)
}

// ServiceMethod renders the "service.method" portion used as a handler
// table key by the Inbound Dispatcher.
func (r *Route) ServiceMethod() string {
	return fmt.Sprintf("%s.%s", r.Service, r.Method)
}
