// Package store defines the Store contract shared by the server-side
// authoritative store and the client-side protocol-backed store.
//
// Values are JSON. Every value a Store hands out is canonical JSON held in a
// json.RawMessage; use Decode to unmarshal it into a concrete type.
package store

import (
	"context"
	"encoding/json"
)

// UpdateFunc is called with the current value of key. A nil value means the
// key is absent.
type UpdateFunc func(key string, value json.RawMessage)

// Store is a keyed read/subscribe contract. Implementations must be safe for
// concurrent use.
type Store interface {
	// Fetch returns the current value of key. It never fails: transport
	// errors and missing keys both report ok=false.
	Fetch(ctx context.Context, key string) (value json.RawMessage, ok bool)

	// Get returns the locally known value of key without I/O.
	// Returns ErrNotAvailable if the key was never fetched.
	Get(key string) (json.RawMessage, error)

	// Sub registers fn for key. fn is called once with the current value
	// before Sub returns, then after every change.
	Sub(ctx context.Context, key string, fn UpdateFunc) (*Subscription, error)

	// Unsub removes a subscription returned by Sub.
	// Returns ErrUnknownSubscription for unknown or already removed handles.
	Unsub(sub *Subscription) error

	// Serialize encodes every known key and value into a snapshot blob.
	Serialize() ([]byte, error)

	// Unserialize loads a blob produced by Serialize.
	Unserialize(blob []byte) error

	// Destroy releases all resources. Every later call returns ErrDestroyed
	// and Fetch reports absent.
	Destroy()
}

// Decode unmarshals a store value into out.
func Decode(value json.RawMessage, out any) error {
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	return json.Unmarshal(value, out)
}
