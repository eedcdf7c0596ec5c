package server

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/vango-dev/uplink/pkg/protocol"
)

// sessionHost is what a Session needs from the server: the process id and
// the shared store-change and event emitters.
//
// A Session never calls the host while holding its own lock. The host may
// call Session.Send while holding the store lock; Send only enqueues.
type sessionHost interface {
	PID() string
	subscribeKey(s *Session, key string)
	unsubscribeKey(s *Session, key string)
	listenEvent(s *Session, name string)
	unlistenEvent(s *Session, name string)
}

// Session is the server-side state of one logical client. It survives
// reconnects: subscriptions, listeners and undelivered messages are kept
// while no connection is attached, until the expiry timer fires.
type Session struct {
	// Guid identifies the logical client.
	Guid string

	// CreatedAt is when the session was created.
	CreatedAt time.Time

	host    sessionHost
	config  *SessionConfig
	logger  *slog.Logger
	metrics *Metrics

	mu sync.Mutex

	conn      *Connection
	epoch     uint64 // incremented on every attach and detach
	attached  int    // number of attaches so far
	queue     [][]byte
	subs      map[string]struct{}
	listeners map[string]struct{}

	expiryGen uint64
	timer     *time.Timer
	destroyed bool

	onDestroy   func(s *Session, expired bool)
	destroyOnce sync.Once
}

func newSession(guid string, host sessionHost, config *SessionConfig, logger *slog.Logger, metrics *Metrics) *Session {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		Guid:      guid,
		CreatedAt: time.Now(),
		host:      host,
		config:    config,
		logger:    logger.With("guid", guid),
		metrics:   metrics,
		subs:      make(map[string]struct{}),
		listeners: make(map[string]struct{}),
	}
}

// AttachConnection makes conn the owner of the session. It sends
// handshake-ack{pid, recovered} on conn, then flushes the queued messages in
// order, and cancels a pending expiry. recovered is true when the session
// existed before this attach.
//
// If another connection owned the session it is superseded: its Binding
// starts failing with ErrSuperseded and its later DetachConnection is a
// no-op.
func (s *Session) AttachConnection(conn *Connection) (recovered bool, b *Binding, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return false, nil, ErrSessionDestroyed
	}

	prev := s.conn
	wasDetached := prev == nil && s.attached > 0
	recovered = s.attached > 0

	if prev != nil && prev != conn {
		// The new connection replays what the old one did not write.
		s.requeueLocked(nil)
	}
	s.stopExpiryLocked()
	s.conn = conn
	s.epoch++
	s.attached++
	b = &Binding{s: s, epoch: s.epoch}

	if prev != nil && prev != conn {
		s.logger.Info("session taken over by new connection", "old_conn", prev.ID, "new_conn", conn.ID)
		_ = s.sendDirect(prev, protocol.NewDiagnostic(protocol.FrameWarn, "session taken over by another connection",
			map[string]any{"guid": s.Guid}))
	}

	if err := s.sendDirect(conn, &protocol.HandshakeAck{PID: s.host.PID(), Recovered: recovered}); err != nil {
		s.logger.Warn("handshake-ack not queued", "conn", conn.ID, "error", err)
	}
	s.metrics.sessionAttached(recovered, wasDetached)
	s.flushLocked()

	s.logger.Debug("connection attached", "conn", conn.ID, "recovered", recovered,
		"subscriptions", len(s.subs), "listeners", len(s.listeners))
	return recovered, b, nil
}

// sendDirect queues msg on conn outside of the session queue.
func (s *Session) sendDirect(conn *Connection, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := conn.enqueue(outFrame{data: data}); err != nil {
		return err
	}
	s.metrics.messageOut(msg.FrameType(), false)
	return nil
}

// flushLocked hands the queue to the attached connection. When its buffer
// fills up the connection is dropped and the unsent rest stays queued.
func (s *Session) flushLocked() {
	for len(s.queue) > 0 && s.conn != nil {
		data := s.queue[0]
		if err := s.conn.enqueue(outFrame{data: data, session: true}); err != nil {
			s.dropConnectionLocked(err, nil)
			return
		}
		s.queue[0] = nil
		s.queue = s.queue[1:]
	}
	if s.conn != nil {
		s.queue = nil
	}
}

// DetachConnection releases conn from the session and starts the expiry
// timer. Frames conn has not written yet are queued again. It reports false
// and does nothing when conn is not the owner.
func (s *Session) DetachConnection(conn *Connection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed || s.conn == nil || s.conn != conn {
		return false
	}
	s.requeueLocked(nil)
	s.detachLocked()
	s.logger.Debug("connection detached", "conn", conn.ID, "expiry", s.config.ExpiryTimeout)
	return true
}

func (s *Session) detachLocked() {
	s.conn = nil
	s.epoch++
	s.metrics.sessionDetached()
	s.startExpiryLocked()
}

func (s *Session) startExpiryLocked() {
	s.stopExpiryLocked()
	gen := s.expiryGen
	s.timer = time.AfterFunc(s.config.ExpiryTimeout, func() {
		s.expire(gen)
	})
}

// stopExpiryLocked cancels a pending expiry. A timer callback that already
// started sees a different generation and does nothing.
func (s *Session) stopExpiryLocked() {
	s.expiryGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) expire(gen uint64) {
	s.mu.Lock()
	if s.destroyed || s.expiryGen != gen || s.conn != nil {
		s.mu.Unlock()
		return
	}
	s.logger.Info("session expired", "queued", len(s.queue),
		"subscriptions", len(s.subs), "listeners", len(s.listeners))
	s.destroyLocked(true)
}

// Destroy tears the session down immediately: subscriptions and listeners
// are removed, queued messages discarded and the destroy hook fired.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyLocked(false)
}

// destroyLocked is called with s.mu held and releases it.
func (s *Session) destroyLocked(expired bool) {
	wasDetached := s.conn == nil && s.attached > 0
	s.destroyed = true
	s.stopExpiryLocked()
	s.conn = nil
	s.epoch++
	s.queue = nil
	keys := sortedKeys(s.subs)
	events := sortedKeys(s.listeners)
	s.subs = make(map[string]struct{})
	s.listeners = make(map[string]struct{})
	s.mu.Unlock()

	for _, k := range keys {
		s.host.unsubscribeKey(s, k)
	}
	for _, e := range events {
		s.host.unlistenEvent(s, e)
	}

	s.destroyOnce.Do(func() {
		s.metrics.sessionDestroyed(expired, wasDetached)
		if s.onDestroy != nil {
			s.onDestroy(s, expired)
		}
	})
}

// Send delivers msg to the attached connection, or queues it while the
// session is detached. Messages to a destroyed session are dropped.
func (s *Session) Send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error("encode failed", "type", msg.FrameType(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	if s.conn != nil {
		err := s.conn.enqueue(outFrame{data: data, session: true})
		if err == nil {
			s.metrics.messageOut(msg.FrameType(), false)
			return
		}
		s.dropConnectionLocked(err, nil)
	}
	s.enqueueLocked(data)
	s.metrics.messageOut(msg.FrameType(), true)
}

// connectionFailed is called by the writer of conn when a frame could not
// be written. It reports false when conn no longer owns the session.
func (s *Session) connectionFailed(conn *Connection, f outFrame, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.conn == nil || s.conn != conn {
		return false
	}
	s.dropConnectionLocked(err, &f)
	return true
}

// dropConnectionLocked detaches a connection that failed or fell behind.
// The connection's own disconnect later finds it is no longer the owner.
func (s *Session) dropConnectionLocked(err error, failed *outFrame) {
	conn := s.conn
	s.requeueLocked(failed)
	s.logger.Warn("connection dropped, detaching", "conn", conn.ID, "queued", len(s.queue), "error", err)
	s.detachLocked()
	conn.closeTransport()
}

// requeueLocked moves the session frames the attached connection has not
// written, failed one first, back to the front of the queue in order.
func (s *Session) requeueLocked(failed *outFrame) {
	frames := s.conn.takePending()
	if failed != nil {
		frames = append([]outFrame{*failed}, frames...)
	}
	rest := s.queue
	s.queue = nil
	for _, f := range frames {
		if f.session {
			s.enqueueLocked(f.data)
		}
	}
	for _, data := range rest {
		s.enqueueLocked(data)
	}
}

func (s *Session) enqueueLocked(data []byte) {
	// Queued frames are re-flagged as replays.
	if len(data) > 1 {
		data[1] |= byte(protocol.FlagReplay)
	}
	s.queue = append(s.queue, data)
	if max := s.config.MaxQueuedMessages; max > 0 && len(s.queue) > max {
		dropped := len(s.queue) - max
		s.queue = s.queue[dropped:]
		for i := 0; i < dropped; i++ {
			s.metrics.messageDropped()
		}
		s.logger.Warn("queue full, dropped oldest messages", "dropped", dropped)
	}
}

// Subscribed reports whether the session is subscribed to key.
func (s *Session) Subscribed(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[key]
	return ok
}

// Listening reports whether the session listens to the named event.
func (s *Session) Listening(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[name]
	return ok
}

// IsDetached reports whether the session is waiting for a connection.
func (s *Session) IsDetached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn == nil && !s.destroyed
}

// IsDestroyed reports whether the session was torn down.
func (s *Session) IsDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Connection returns the owning connection, or nil.
func (s *Session) Connection() *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Stats returns a snapshot of the session's state.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionStats{
		Guid:          s.Guid,
		Attached:      s.conn != nil,
		Attaches:      s.attached,
		Queued:        len(s.queue),
		Subscriptions: sortedKeys(s.subs),
		Listeners:     sortedKeys(s.listeners),
	}
}

// SessionStats is a snapshot of a session.
type SessionStats struct {
	Guid          string
	Attached      bool
	Attaches      int
	Queued        int
	Subscriptions []string
	Listeners     []string
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Binding
// =============================================================================

// Binding carries the subscribe/unsubscribe/listen/unlisten operations a
// connection may perform on the one session it is attached to. A Binding
// stops working once its connection detaches or is superseded.
type Binding struct {
	s     *Session
	epoch uint64
}

// Session returns the bound session.
func (b *Binding) Session() *Session {
	return b.s
}

// Valid reports whether the binding still owns its session.
func (b *Binding) Valid() bool {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	return b.validLocked()
}

func (b *Binding) validLocked() bool {
	return !b.s.destroyed && b.s.epoch == b.epoch
}

// Destroy tears the session down if the binding still owns it. It reports
// whether the session was destroyed.
func (b *Binding) Destroy() bool {
	s := b.s
	s.mu.Lock()
	if !b.validLocked() {
		s.mu.Unlock()
		return false
	}
	s.destroyLocked(false)
	return true
}

// Subscribe registers the session for updates of key.
func (b *Binding) Subscribe(key string) error {
	s := b.s
	s.mu.Lock()
	if !b.validLocked() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if _, ok := s.subs[key]; ok {
		s.mu.Unlock()
		return ErrAlreadySubscribed
	}
	s.subs[key] = struct{}{}
	s.mu.Unlock()

	s.host.subscribeKey(s, key)
	// A destroy that raced with the registration already cleared s.subs.
	if s.IsDestroyed() {
		s.host.unsubscribeKey(s, key)
	}
	return nil
}

// Unsubscribe cancels a Subscribe.
func (b *Binding) Unsubscribe(key string) error {
	s := b.s
	s.mu.Lock()
	if !b.validLocked() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if _, ok := s.subs[key]; !ok {
		s.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(s.subs, key)
	s.mu.Unlock()

	s.host.unsubscribeKey(s, key)
	return nil
}

// Listen registers the session for occurrences of the named event.
func (b *Binding) Listen(name string) error {
	s := b.s
	s.mu.Lock()
	if !b.validLocked() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if _, ok := s.listeners[name]; ok {
		s.mu.Unlock()
		return ErrAlreadyListening
	}
	s.listeners[name] = struct{}{}
	s.mu.Unlock()

	s.host.listenEvent(s, name)
	if s.IsDestroyed() {
		s.host.unlistenEvent(s, name)
	}
	return nil
}

// Unlisten cancels a Listen.
func (b *Binding) Unlisten(name string) error {
	s := b.s
	s.mu.Lock()
	if !b.validLocked() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	if _, ok := s.listeners[name]; !ok {
		s.mu.Unlock()
		return ErrNotListening
	}
	delete(s.listeners, name)
	s.mu.Unlock()

	s.host.unlistenEvent(s, name)
	return nil
}
