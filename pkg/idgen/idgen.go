// Package idgen provides the identifier generators used for guids, process
// ids, connection ids and subscription handles.
//
// Generators are injected into the server and client so tests can replace
// them with deterministic ones.
package idgen

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces unique string identifiers. Implementations must be safe
// for concurrent use.
type Generator interface {
	NewID() string
}

// Func adapts a function to the Generator interface.
type Func func() string

// NewID calls f.
func (f Func) NewID() string { return f() }

// UUID generates random (version 4) UUIDs.
type UUID struct{}

// NewID returns a new random UUID string.
func (UUID) NewID() string {
	return uuid.NewString()
}

// ULID generates lexically sortable ULIDs. Ids created later in time sort
// after earlier ones, which keeps connection logs readable.
type ULID struct{}

// NewID returns a new ULID string.
func (ULID) NewID() string {
	return ulid.Make().String()
}

// Counter generates sequential ids with an optional prefix. Each Counter has
// its own sequence.
type Counter struct {
	Prefix string
	n      atomic.Uint64
}

// NewCounter creates a counter generating prefix1, prefix2, ...
func NewCounter(prefix string) *Counter {
	return &Counter{Prefix: prefix}
}

// NewID returns the next id in the sequence.
func (c *Counter) NewID() string {
	return c.Prefix + strconv.FormatUint(c.n.Add(1), 10)
}

// Or returns g, or def when g is nil.
func Or(g, def Generator) Generator {
	if g == nil {
		return def
	}
	return g
}
