// Package route implements ordered route tables.
//
// A Table holds (pattern, handler) pairs in registration order. Lookup walks
// the pairs and the first pattern that matches wins; a path nothing matches
// resolves to the table's fixed default handler. The server keeps three
// independent tables: store reads, events and actions.
//
// Patterns are slash-separated. A segment is either static text, a named
// parameter (":id", optionally typed ":id:int" or ":id:uuid") or a trailing
// catch-all ("*rest") that captures one or more remaining segments.
package route

import (
	"errors"
	"sync"
)

// ErrInvalidPattern is returned by Add for malformed patterns.
var ErrInvalidPattern = errors.New("route: invalid pattern")

// Params holds the parameters captured by a match.
type Params map[string]string

// Get returns the named parameter or "".
func (p Params) Get(name string) string {
	if p == nil {
		return ""
	}
	return p[name]
}

// Route is one registered pattern.
type Route[H any] struct {
	Pattern string
	Handler H

	segs []segment
}

// Match is the result of a lookup.
type Match[H any] struct {
	// Handler is the matched handler, or the table default.
	Handler H

	// Pattern is the matched pattern, empty for the default.
	Pattern string

	// Params holds captured parameters. Never nil.
	Params Params

	// Found is false when the default handler was selected.
	Found bool
}

// Table is an ordered, concurrency-safe route table.
type Table[H any] struct {
	mu     sync.RWMutex
	routes []*Route[H]
	def    H
}

// NewTable creates a table that resolves unmatched paths to def.
func NewTable[H any](def H) *Table[H] {
	return &Table[H]{def: def}
}

// Add appends a route. Earlier routes take precedence over later ones.
func (t *Table[H]) Add(pattern string, h H) error {
	segs, err := compile(pattern)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.routes = append(t.routes, &Route[H]{Pattern: pattern, Handler: h, segs: segs})
	t.mu.Unlock()
	return nil
}

// MustAdd is like Add but panics on an invalid pattern.
func (t *Table[H]) MustAdd(pattern string, h H) {
	if err := t.Add(pattern, h); err != nil {
		panic(err)
	}
}

// Lookup resolves path to a handler.
func (t *Table[H]) Lookup(path string) Match[H] {
	parts := splitPath(path)

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, r := range t.routes {
		params := make(Params)
		if match(r.segs, parts, params) {
			return Match[H]{Handler: r.Handler, Pattern: r.Pattern, Params: params, Found: true}
		}
	}
	return Match[H]{Handler: t.def, Params: Params{}}
}

// Default returns the default handler.
func (t *Table[H]) Default() H {
	return t.def
}

// Len returns the number of registered routes.
func (t *Table[H]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}

// Patterns returns the registered patterns in order.
func (t *Table[H]) Patterns() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Pattern
	}
	return out
}
