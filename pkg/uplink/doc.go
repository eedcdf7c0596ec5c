// Package uplink provides the client side of the Uplink protocol.
//
// A Client holds one WebSocket to the server and walks through the states
// Disconnected, Connecting, HandshakeSent and Ready. Every protocol send
// waits behind the readiness gate until the server acknowledges the
// handshake. When the transport drops, the gate closes again and the
// client reconnects with exponential backoff and jitter, always followed by
// a new handshake with the same guid.
//
// # Recovery
//
// A handshake-ack with recovered=true means the server kept the session:
// sends queued while disconnected are flushed in order and the server
// replays what it queued. With recovered=false the queue is discarded, every
// live subscription and listener is sent again and cached keys are
// refetched. A pid different from the previous ack means the server
// restarted; OnServerRestart then runs after a random delay.
//
// # Updates
//
// An update{k, d, h, n} is applied only when the cached hash of k equals h
// and the patched value hashes to n. Anything else triggers a full fetch of
// k, whose result is kept only if k did not change in the meantime.
//
// # Example Usage
//
//	c, err := uplink.New(&uplink.Config{URL: "http://localhost:8080"})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	if err := c.Connect(ctx); err != nil {
//	    return err
//	}
//
//	s := uplink.NewRemoteStore(c)
//	sub, err := s.Sub(ctx, "/todos", func(key string, value json.RawMessage) {
//	    render(value)
//	})
//	...
//	_, err = c.Dispatch(ctx, "/todos/add", map[string]string{"title": "milk"})
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Subscription and event
// callbacks run one at a time on a dedicated goroutine, in the order the
// changes were observed.
package uplink
