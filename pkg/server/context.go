package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/route"
)

// Context is passed explicitly to every store, event and action handler.
type Context struct {
	// Server is the server handling the call.
	Server *Server

	// Kind is "store", "event" or "action".
	Kind string

	// Path is the store key, event name or action path being handled.
	Path string

	// Pattern is the route pattern that matched, empty for the default handler.
	Pattern string

	// Params holds the parameters captured by the route pattern.
	Params route.Params

	// Guid identifies the calling client, when known.
	Guid string

	// Session is the caller's session. Nil for requests from clients that
	// are not currently handshaken.
	Session *Session

	// Request is the HTTP request for store reads and actions. Nil for
	// wire-originated calls.
	Request *http.Request

	// Logger is scoped to the call.
	Logger *slog.Logger

	std  context.Context
	conn *Connection
}

// StdContext returns the standard library context for the call.
func (c *Context) StdContext() context.Context {
	if c.std == nil {
		return context.Background()
	}
	return c.std
}

// Param returns the named route parameter or "".
func (c *Context) Param(name string) string {
	return c.Params.Get(name)
}

// Debug sends a debug diagnostic to the calling client.
func (c *Context) Debug(msg string, fields map[string]any) {
	c.diagnose(protocol.FrameDebug, msg, fields)
}

// Log sends a log diagnostic to the calling client.
func (c *Context) Log(msg string, fields map[string]any) {
	c.diagnose(protocol.FrameLog, msg, fields)
}

// Warn sends a warn diagnostic to the calling client.
func (c *Context) Warn(msg string, fields map[string]any) {
	c.diagnose(protocol.FrameWarn, msg, fields)
}

// diagnose prefers the calling connection and falls back to the session,
// which queues while detached. HTTP callers without a session get nothing.
func (c *Context) diagnose(level protocol.FrameType, msg string, fields map[string]any) {
	d := protocol.NewDiagnostic(level, msg, fields)
	switch {
	case c.conn != nil:
		if err := c.conn.Send(d); err != nil {
			c.Logger.Debug("diagnostic not delivered", "error", err)
		}
	case c.Session != nil:
		c.Session.Send(d)
	}
}
