package store

import "github.com/vango-dev/uplink/pkg/protocol"

// Sentinel errors. They carry protocol error codes so callers across the
// wire boundary can classify them with protocol.CodeOf.
var (
	// ErrNotAvailable is returned by Get for keys that were never fetched.
	ErrNotAvailable = protocol.NewError(protocol.ErrNotFound, "store: value not available")

	// ErrUnknownSubscription is returned when unsubscribing an unknown handle.
	ErrUnknownSubscription = protocol.NewError(protocol.ErrState, "store: unknown subscription")

	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = protocol.NewError(protocol.ErrState, "store: destroyed")
)
