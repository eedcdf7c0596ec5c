package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, mutate func(c *ServerConfig)) *Server {
	t.Helper()
	config := DefaultServerConfig()
	config.Logger = testLogger()
	config.PIDGenerator = idgen.Func(func() string { return "pid-1" })
	config.ConnectionIDGenerator = idgen.NewCounter("conn-")
	if mutate != nil {
		mutate(config)
	}
	srv := New(config)
	t.Cleanup(srv.sessions.Shutdown)
	return srv
}

var errFakeClosed = errors.New("fake transport closed")

// fakeTransport records every frame written to it.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.fail {
		return errFakeClosed
	}
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

type received struct {
	msg   protocol.Message
	flags protocol.FrameFlags
}

// drain decodes and removes every recorded frame.
func (f *fakeTransport) drain(t *testing.T) []received {
	t.Helper()
	f.mu.Lock()
	frames := f.frames
	f.frames = nil
	f.mu.Unlock()

	out := make([]received, 0, len(frames))
	for _, data := range frames {
		msg, flags, err := protocol.Decode(data)
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		out = append(out, received{msg: msg, flags: flags})
	}
	return out
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// testClient is a Connection over a fakeTransport.
type testClient struct {
	t    *testing.T
	conn *Connection
	tr   *fakeTransport
}

func connect(t *testing.T, srv *Server) *testClient {
	t.Helper()
	tr := &fakeTransport{}
	return &testClient{t: t, conn: srv.Connect(tr, "test"), tr: tr}
}

// settle waits until the connection's writer has nothing left to write.
func (c *testClient) settle() {
	c.t.Helper()
	waitFor(c.t, "writer", c.conn.idle)
}

// drain settles and then decodes and removes every recorded frame.
func (c *testClient) drain() []received {
	c.t.Helper()
	c.settle()
	return c.tr.drain(c.t)
}

func (c *testClient) send(msg protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		c.t.Fatalf("Encode() error = %v", err)
	}
	c.conn.HandleMessage(data)
}

func (c *testClient) handshake(guid string) *protocol.HandshakeAck {
	c.t.Helper()
	c.send(&protocol.Handshake{Guid: guid})
	got := c.drain()
	if len(got) == 0 {
		c.t.Fatal("handshake: no reply")
	}
	ack, ok := got[0].msg.(*protocol.HandshakeAck)
	if !ok {
		c.t.Fatalf("handshake reply = %T, want *protocol.HandshakeAck", got[0].msg)
	}
	return ack
}

// expectErr asserts that the next recorded frame is an err with code.
func (c *testClient) expectErr(code protocol.ErrorCode) {
	c.t.Helper()
	got := c.drain()
	if len(got) != 1 {
		c.t.Fatalf("got %d frames, want 1 err", len(got))
	}
	em, ok := got[0].msg.(*protocol.ErrorMessage)
	if !ok {
		c.t.Fatalf("frame = %T, want *protocol.ErrorMessage", got[0].msg)
	}
	if em.Code != code {
		c.t.Errorf("err code = %v, want %v (%s)", em.Code, code, em.Err)
	}
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	if got := c.drain(); len(got) != 0 {
		c.t.Fatalf("got %d frames (first %T), want none", len(got), got[0].msg)
	}
}

func updates(t *testing.T, got []received) []*protocol.Update {
	t.Helper()
	var out []*protocol.Update
	for _, r := range got {
		if u, ok := r.msg.(*protocol.Update); ok {
			out = append(out, u)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stallTransport is a fakeTransport whose writes wait while it is stalled.
type stallTransport struct {
	fakeTransport
	stalled atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallTransport() *stallTransport {
	return &stallTransport{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *stallTransport) WriteMessage(data []byte) error {
	if s.stalled.Load() {
		select {
		case s.entered <- struct{}{}:
		default:
		}
		<-s.release
	}
	return s.fakeTransport.WriteMessage(data)
}

func (s *stallTransport) Close() error {
	s.unstall()
	return s.fakeTransport.Close()
}

func (s *stallTransport) unstall() {
	s.once.Do(func() { close(s.release) })
}

func connectStalling(t *testing.T, srv *Server) (*testClient, *stallTransport) {
	t.Helper()
	tr := newStallTransport()
	return &testClient{t: t, conn: srv.Connect(tr, "test"), tr: &tr.fakeTransport}, tr
}
