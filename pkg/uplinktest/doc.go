// Package uplinktest provides testing helpers for Uplink servers and clients.
//
// A Harness serves an Uplink server over httptest and builds clients with
// short timeouts pointed at it. It can drop every connection or replace the
// server with a fresh process behind the same URL, which covers session
// recovery and server restart paths without real network faults.
//
// # Quick Start
//
//	func TestTodos(t *testing.T) {
//	    h := uplinktest.NewServer(t, uplinktest.WithSetup(func(s *server.Server) {
//	        s.HandleAction("/todos/add", addTodo)
//	    }))
//	    c := h.Connect(t, nil)
//
//	    if _, err := c.Dispatch(ctx, "/todos/add", Todo{Title: "docs"}); err != nil {
//	        t.Fatal(err)
//	    }
//	    uplinktest.ExpectValue(t, c, "/todos", `[{"title":"docs"}]`)
//	}
//
// # Reconnects
//
//	h.SimulateDisconnect()     // sessions detach and wait for their client
//	h.SimulateRestart()        // sessions are gone and the pid changes
package uplinktest
