// Package server provides the server side of the Uplink protocol.
//
// The server keeps the authoritative key/value map and pushes changes to the
// clients that subscribed to each key. It manages WebSocket connections,
// sessions that survive reconnects, and three route tables resolving store
// reads, event listens and actions.
//
// # Architecture
//
//   - Server: value map, store-change and event emitters, route tables, HTTP
//     and WebSocket endpoints, graceful shutdown
//   - SessionManager: guid -> Session registry
//   - Session: subscriptions, listeners and the queue of undelivered
//     messages of one logical client, plus its expiry timer
//   - Connection: one transport link. Guid-less until its handshake binds
//     it to a Session
//   - Binding: the subscribe/unsubscribe/listen/unlisten operations a
//     Connection may perform on its own Session
//
// # Session Lifecycle
//
// A handshake{guid} attaches the connection to the session of that guid,
// creating it on first use, and is answered with handshake-ack{pid,
// recovered}. When the transport drops, the session detaches, keeps its
// subscriptions and listeners, queues outgoing messages and starts its
// expiry timer. A reattach before expiry flushes the queue in order and
// reports recovered=true. Expiry destroys the session and discards the
// queue. The last handshake for a guid wins: the connection it replaces
// can no longer change the session, and its disconnect does not start
// expiry.
//
// # Updates
//
// SetStore is the only mutation path. It canonicalizes the value, computes a
// diff against the previous value and broadcasts update{k, d, h, n} under
// the store lock, so every subscriber observes the mutations of one key in
// call order. Clients whose cached hash differs from h refetch the key.
//
// # Example Usage
//
//	srv := server.New(&server.ServerConfig{Address: ":8080"})
//	srv.HandleStore("/users/:id:int", func(ctx *server.Context) (any, error) {
//	    return users.Get(ctx.StdContext(), ctx.Param("id"))
//	})
//	srv.HandleAction("/todos/add", func(ctx *server.Context, params json.RawMessage) (any, error) {
//	    return nil, srv.SetStore(ctx.StdContext(), "/todos", addTodo(params))
//	})
//	srv.Run()
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Handlers run on the
// goroutine of the request or connection that triggered them.
package server
