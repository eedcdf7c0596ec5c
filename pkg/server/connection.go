package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// Transport is the duplex channel under a Connection. One call to
// WriteMessage carries exactly one encoded frame; calls come from a single
// writer goroutine. Close must unblock a pending WriteMessage.
type Transport interface {
	WriteMessage(data []byte) error
	Close() error
}

// outFrame is one encoded frame waiting for the writer. Session frames go
// back to the session queue when the connection fails before writing them.
type outFrame struct {
	data    []byte
	session bool
}

// Connection is one transport-level link from a client. It is guid-less
// until a handshake binds it to a Session; the Session may outlive it.
//
// Writes never block the caller: frames go to a bounded buffer drained by
// one writer goroutine. A peer that lets the buffer fill up is dropped.
type Connection struct {
	// ID uniquely identifies the connection.
	ID string

	// RemoteAddr is the peer address, when known.
	RemoteAddr string

	srv       *Server
	transport Transport
	logger    *slog.Logger

	out     chan outFrame
	done    chan struct{}
	pending atomic.Int64 // frames enqueued and not yet written or taken back

	wmu    sync.Mutex // guards enqueue against close
	closed atomic.Bool

	mu           sync.Mutex
	guid         string
	binding      *Binding
	disconnected bool
}

func newConnection(srv *Server, t Transport, remoteAddr string) *Connection {
	id := srv.config.ConnectionIDGenerator.NewID()
	c := &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		srv:        srv,
		transport:  t,
		logger:     srv.logger.With("conn", id),
		out:        make(chan outFrame, srv.config.SessionConfig.SendBufferSize),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// writeLoop writes queued frames in order until the connection closes.
func (c *Connection) writeLoop() {
	for {
		select {
		case f := <-c.out:
			if err := c.transport.WriteMessage(f.data); err != nil {
				c.writeFailed(f, err)
			}
			c.pending.Add(-1)
		case <-c.done:
			c.takePending()
			return
		}
	}
}

// enqueue hands one frame to the writer. It fails with ErrSendBufferFull
// instead of waiting for a slow peer.
func (c *Connection) enqueue(f outFrame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.out <- f:
		c.pending.Add(1)
		return nil
	default:
		return ErrSendBufferFull
	}
}

// takePending removes the frames the writer has not picked up yet.
func (c *Connection) takePending() []outFrame {
	var frames []outFrame
	for {
		select {
		case f := <-c.out:
			c.pending.Add(-1)
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

// idle reports whether every enqueued frame was written or taken back.
func (c *Connection) idle() bool {
	return c.pending.Load() == 0
}

// writeFailed hands a failed connection to its session, which requeues the
// unwritten session frames. Without a session the frames are lost.
func (c *Connection) writeFailed(f outFrame, err error) {
	c.mu.Lock()
	b := c.binding
	c.mu.Unlock()
	if b != nil && b.Session().connectionFailed(c, f, err) {
		return
	}
	c.logger.Debug("write failed", "error", err)
	c.closeTransport()
}

// Send encodes msg and queues it for this connection only.
func (c *Connection) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.enqueue(outFrame{data: data}); err != nil {
		if errors.Is(err, ErrSendBufferFull) {
			c.writeFailed(outFrame{}, err)
		}
		return err
	}
	c.srv.metrics.messageOut(msg.FrameType(), false)
	return nil
}

// closeTransport closes the underlying transport once. The read loop then
// ends and calls Disconnect.
func (c *Connection) closeTransport() {
	c.wmu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.wmu.Unlock()
		return
	}
	close(c.done)
	c.wmu.Unlock()
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("transport close", "error", err)
	}
}

// Close disconnects the connection and closes the transport.
func (c *Connection) Close() {
	c.Disconnect()
	c.closeTransport()
}

// Guid returns the guid of the bound session, or "" before a handshake.
func (c *Connection) Guid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guid
}

// Disconnect is called once the transport is gone. The bound session is
// detached if this connection still owns it; a superseded connection leaves
// the session alone. The transport is closed after the detach, so the
// session gets the frames the writer has not picked up.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	b := c.binding
	c.binding = nil
	c.mu.Unlock()

	c.closeTransport()
	if b != nil && b.Session().DetachConnection(c) {
		c.logger.Debug("session detached", "guid", b.Session().Guid)
	}
	c.srv.removeConnection(c)
	c.srv.metrics.connectionClosed()
}

// HandleMessage decodes and dispatches one client frame. Failures are
// answered with a wire err on this connection and never close it.
func (c *Connection) HandleMessage(data []byte) {
	msg, _, err := protocol.Decode(data)
	if err != nil {
		c.replyError("decode", err)
		return
	}
	ft := msg.FrameType()
	c.srv.metrics.messageIn(ft)
	if !ft.FromClient() {
		c.replyError(ft.String(), ErrUnexpectedMessage)
		return
	}
	c.logger.Debug("message", "type", ft)

	switch m := msg.(type) {
	case *protocol.Handshake:
		c.handshake(m.Guid)
	case *protocol.Unhandshake:
		c.unhandshake()
	case *protocol.SubscribeTo:
		c.withBinding(ft, func(b *Binding) error { return b.Subscribe(m.Key) })
	case *protocol.UnsubscribeFrom:
		c.withBinding(ft, func(b *Binding) error { return b.Unsubscribe(m.Key) })
	case *protocol.ListenTo:
		c.withBinding(ft, func(b *Binding) error { return c.listen(b, m.EventName) })
	case *protocol.UnlistenFrom:
		c.withBinding(ft, func(b *Binding) error { return b.Unlisten(m.EventName) })
	}
}

func (c *Connection) handshake(guid string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disconnected {
		return
	}
	// A superseded or expired binding may be replaced.
	if c.binding != nil && c.binding.Valid() {
		c.replyError("handshake", ErrAlreadyHandshaken)
		return
	}
	sess, recovered, b, err := c.srv.sessions.Attach(guid, c)
	if err != nil {
		c.replyError("handshake", err)
		return
	}
	c.guid = sess.Guid
	c.binding = b
	c.logger.Info("handshake", "guid", guid, "recovered", recovered)
}

// unhandshake releases the binding. When this connection still owns the
// session, the session is destroyed at once instead of waiting for expiry.
func (c *Connection) unhandshake() {
	c.mu.Lock()
	b := c.binding
	c.binding = nil
	c.guid = ""
	c.mu.Unlock()

	if b == nil {
		c.replyError("unhandshake", ErrNotHandshaken)
		return
	}
	if b.Destroy() {
		c.logger.Info("unhandshake", "guid", b.Session().Guid)
	}
	if err := c.Send(&protocol.UnhandshakeAck{}); err != nil {
		c.logger.Debug("unhandshake-ack write failed", "error", err)
	}
}

func (c *Connection) withBinding(ft protocol.FrameType, fn func(b *Binding) error) {
	c.mu.Lock()
	b := c.binding
	c.mu.Unlock()

	if b == nil {
		c.replyError(ft.String(), ErrNotHandshaken)
		return
	}
	if err := fn(b); err != nil {
		c.replyError(ft.String(), err)
	}
}

// listen runs the event route before registering the listener. A handler
// error rejects the listen.
func (c *Connection) listen(b *Binding, name string) error {
	if b.Session().Listening(name) {
		return ErrAlreadyListening
	}
	if err := c.srv.runEvent(c, b.Session(), name); err != nil {
		return err
	}
	return b.Listen(name)
}

func (c *Connection) replyError(op string, err error) {
	c.logger.Debug("protocol error", "error", NewProtocolError(c.ID, op, err))
	wire := protocol.NewErrorMessage(err)
	c.srv.metrics.wireError(wire.Code)
	if err := c.Send(wire); err != nil {
		c.logger.Debug("err reply not delivered", "op", op, "error", err)
	}
}
