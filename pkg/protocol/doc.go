// Package protocol implements the Uplink wire protocol.
//
// The protocol carries three kinds of traffic over one persistent WebSocket
// connection: session binding (handshake), store key subscriptions with
// diff-based updates, and named events. Reads and actions use plain HTTP and
// share only the value encoding with this package.
//
// # Wire Format
//
// Every WebSocket binary message holds exactly one frame with a 6-byte header:
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Frame Type  │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (4 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//
// The payload is a JSON object whose shape depends on the frame type.
//
// # Frame Types
//
// Client → Server:
//
//   - handshake{guid}
//   - unhandshake{}
//   - subscribeTo{key} / unsubscribeFrom{key}
//   - listenTo{eventName} / unlistenFrom{eventName}
//
// Server → Client:
//
//   - handshake-ack{pid, recovered}
//   - unhandshake-ack{}
//   - update{k, d, h, n}
//   - event{eventName, params}
//   - err{err, code}
//   - debug{msg, fields} / log{msg, fields} / warn{msg, fields}
//
// # Values, Hashes and Diffs
//
// Store values travel as canonical JSON (compact, sorted object keys). The
// content hash is the hex xxhash64 of those bytes. An update carries the
// hash of the value its diff applies to; a client whose cached hash differs
// must refetch the key instead of patching:
//
//	entry := protocol.Entry{...}            // cached value + hash
//	if update.Hash == entry.Hash {
//	    next, err := update.Diff.Apply(entry.Value)
//	    ...
//	} else {
//	    // refetch
//	}
//
// Diffs are either RFC 7386 merge patches between two objects or a full
// replacement value.
package protocol
