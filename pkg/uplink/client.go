package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/store"
)

const tracerName = "github.com/vango-dev/uplink/pkg/uplink"

// entry is the cached state of one store key.
type entry struct {
	has   bool
	value json.RawMessage
	hash  string

	// gen changes on every mutation and invalidation. A fetch result is
	// stored only if gen did not move while the request was in flight.
	gen uint64

	// refs counts SubscribeTo calls not yet matched by UnsubscribeFrom.
	refs int

	// origin is the pid of the bootstrap snapshot the value came from. It is
	// empty once the value came from anywhere else.
	origin string
}

// EventFunc receives the params of one event occurrence.
type EventFunc func(params json.RawMessage)

// Listener is the handle returned by ListenTo. Pass it back unchanged to
// UnlistenFrom.
type Listener struct {
	ID        string
	EventName string

	fn EventFunc
}

// Client is the client side of the Uplink protocol. It keeps a WebSocket to
// the server alive, mirrors the store keys it is subscribed to and delivers
// the events it listens to.
//
// Protocol sends issued before the handshake completes are queued behind
// the readiness gate and written once the server acknowledges the
// handshake. Callbacks run serially on a dedicated goroutine.
type Client struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer
	guid   string
	wsURL  string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	state       State
	ready       chan struct{} // closed while Ready
	conn        *websocket.Conn
	pid         string
	acked       bool // a handshake completed at least once
	pending     []protocol.Message
	cache       map[string]*entry
	seq         uint64
	listeners   map[string][]*Listener
	listenerIDs idgen.Generator
	started     bool
	closed      bool

	// wmu serializes frame writes. Lock order: mu, then wmu.
	wmu sync.Mutex

	subs  *store.Registry
	queue *callbackQueue
}

// New creates a Client. Call Start to connect.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	} else {
		config = config.Clone()
	}
	if b := config.Bootstrap; b != nil && config.Guid == "" {
		config.Guid = b.Guid
	}
	if err := config.ValidateConfig(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	wsURL, err := config.webSocketURL()
	if err != nil {
		return nil, fmt.Errorf("uplink: websocket url: %w", err)
	}
	guid := config.Guid
	if guid == "" {
		guid = config.GuidGenerator.NewID()
	}

	logger := config.Logger.With("component", "uplink", "guid", guid)
	for _, w := range config.GetConfigWarnings() {
		logger.Warn("config warning", "warning", w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config:      config,
		logger:      logger,
		tracer:      otel.Tracer(tracerName),
		guid:        guid,
		wsURL:       wsURL,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		cache:       make(map[string]*entry),
		listeners:   make(map[string][]*Listener),
		listenerIDs: idgen.NewCounter("listener-"),
		subs:        store.NewRegistry(nil),
		queue:       newCallbackQueue(logger),
	}

	if b := config.Bootstrap; b != nil {
		c.pid = b.PID
		if len(b.Store) > 0 {
			if err := c.loadSnapshot(b.Store, b.PID); err != nil {
				cancel()
				c.queue.close()
				return nil, err
			}
		}
	}
	return c, nil
}

// Start launches the connection loop. It returns immediately; use
// WaitReady to block until the handshake completes.
func (c *Client) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.started {
		return
	}
	c.started = true
	c.setStateLocked(StateConnecting)
	go c.run()
}

// Connect starts the client and waits for the first handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.Start()
	return c.WaitReady(ctx)
}

// WaitReady blocks until the client is Ready, ctx ends or the client closes.
func (c *Client) WaitReady(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClosed
		}
		if c.state == StateReady {
			c.mu.Unlock()
			return nil
		}
		ready := c.ready
		c.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Guid returns the client's guid.
func (c *Client) Guid() string {
	return c.guid
}

// PID returns the server pid of the last handshake, or of the bootstrap
// payload before the first one.
func (c *Client) PID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger {
	return c.logger
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	prev := c.state
	c.state = s
	c.logger.Debug("state changed", "from", prev.String(), "to", s.String())
	if hook := c.config.OnStateChange; hook != nil {
		c.queue.post(func() { hook(s) })
	}
}

// =============================================================================
// Protocol sends
// =============================================================================

// sendLocked writes msg when Ready and queues it otherwise. A failed write
// queues msg and drops the transport so the reconnect loop takes over.
func (c *Client) sendLocked(msg protocol.Message) {
	if c.state != StateReady || c.conn == nil {
		c.pending = append(c.pending, msg)
		return
	}
	if err := c.write(c.conn, msg); err != nil {
		c.logger.Debug("send failed, queued", "type", msg.FrameType().String(), "error", err)
		c.pending = append(c.pending, msg)
		c.conn.Close()
	}
}

// SubscribeTo adds a reference to key. The first reference sends
// subscribeTo and allocates the cache entry.
func (c *Client) SubscribeTo(key string) error {
	_, err := c.subscribe(key)
	return err
}

func (c *Client) subscribe(key string) (first bool, err error) {
	if err := protocol.ValidateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	e := c.cache[key]
	if e == nil {
		e = &entry{}
		c.cache[key] = e
	}
	e.refs++
	if e.refs > 1 {
		return false, nil
	}
	c.sendLocked(&protocol.SubscribeTo{Key: key})
	return true, nil
}

// UnsubscribeFrom drops a reference to key. The last reference sends
// unsubscribeFrom and frees the cache entry.
func (c *Client) UnsubscribeFrom(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	e := c.cache[key]
	if e == nil || e.refs == 0 {
		return ErrNotSubscribed
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	delete(c.cache, key)
	c.sendLocked(&protocol.UnsubscribeFrom{Key: key})
	return nil
}

// Refs returns the number of live references to key.
func (c *Client) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e := c.cache[key]; e != nil {
		return e.refs
	}
	return 0
}

// ListenTo registers fn for the named event. The first listener of a name
// sends listenTo.
func (c *Client) ListenTo(name string, fn EventFunc) (*Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	l := &Listener{ID: c.listenerIDs.NewID(), EventName: name, fn: fn}
	c.listeners[name] = append(c.listeners[name], l)
	if len(c.listeners[name]) == 1 {
		c.sendLocked(&protocol.ListenTo{EventName: name})
	}
	return l, nil
}

// UnlistenFrom removes a listener. The last listener of a name sends
// unlistenFrom.
func (c *Client) UnlistenFrom(l *Listener) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if l == nil {
		return ErrUnknownListener
	}
	ls := c.listeners[l.EventName]
	i := slices.Index(ls, l)
	if i < 0 {
		return ErrUnknownListener
	}
	ls = slices.Delete(ls, i, i+1)
	if len(ls) > 0 {
		c.listeners[l.EventName] = ls
		return nil
	}
	delete(c.listeners, l.EventName)
	c.sendLocked(&protocol.UnlistenFrom{EventName: l.EventName})
	return nil
}

func (c *Client) listening(l *Listener) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Contains(c.listeners[l.EventName], l)
}

// =============================================================================
// Handshake
// =============================================================================

// handshakeAcked opens the gate for conn. A recovered session gets the
// queued sends in order; a new session gets every live subscription and
// listener again instead, since the server knows none of them.
func (c *Client) handshakeAcked(conn *websocket.Conn, ack *protocol.HandshakeAck) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.conn != conn {
		return ErrClosed
	}

	prevPID := c.pid
	c.pid = ack.PID
	restarted := prevPID != "" && prevPID != ack.PID
	first := !c.acked
	c.acked = true
	if !first && !ack.Recovered {
		// Updates were lost with the old session.
		for _, e := range c.cache {
			e.origin = ""
		}
	}

	out := c.pending
	if !ack.Recovered {
		if len(out) > 0 {
			c.logger.Debug("discarding queued sends for new session", "count", len(out))
		}
		out = c.resubscriptionsLocked()
	}
	c.pending = nil

	c.setStateLocked(StateReady)
	close(c.ready)

	for i, msg := range out {
		if err := c.write(conn, msg); err != nil {
			c.logger.Debug("flush failed", "error", err)
			c.pending = append(c.pending, out[i:]...)
			conn.Close()
			break
		}
	}
	c.logger.Info("handshake complete", "pid", ack.PID, "recovered", ack.Recovered, "sent", len(out))

	switch {
	case restarted:
		c.logger.Info("server restarted", "old_pid", prevPID, "pid", ack.PID)
		c.scheduleRestartLocked()
	case !ack.Recovered:
		for _, key := range c.cachedKeysLocked() {
			if c.fromSnapshotLocked(key) {
				continue
			}
			c.refetchLocked(key)
		}
	}
	return nil
}

// fromSnapshotLocked reports whether the cached value of key came from a
// bootstrap snapshot of the server instance the client talks to. Such a
// value needs no fetch: a later update whose base hash differs repairs it.
func (c *Client) fromSnapshotLocked(key string) bool {
	e := c.cache[key]
	return e != nil && e.has && e.origin != "" && e.origin == c.pid
}

func (c *Client) resubscriptionsLocked() []protocol.Message {
	var out []protocol.Message
	keys := make([]string, 0, len(c.cache))
	for k, e := range c.cache {
		if e.refs > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, &protocol.SubscribeTo{Key: k})
	}

	names := make([]string, 0, len(c.listeners))
	for name := range c.listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, &protocol.ListenTo{EventName: name})
	}
	return out
}

func (c *Client) scheduleRestartLocked() {
	var delay time.Duration
	if j := c.config.ReloadJitter; j > 0 {
		delay = rand.N(j)
	}
	hook := c.config.OnServerRestart
	time.AfterFunc(delay, func() {
		if c.ctx.Err() != nil {
			return
		}
		hook(c)
	})
}

// Resync refetches every cached key. It is the default reaction to a
// server restart.
func (c *Client) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, key := range c.cachedKeysLocked() {
		c.refetchLocked(key)
	}
}

func (c *Client) cachedKeysLocked() []string {
	keys := make([]string, 0, len(c.cache))
	for k, e := range c.cache {
		if e.has || e.refs > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// =============================================================================
// Incoming messages
// =============================================================================

func (c *Client) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Update:
		c.applyUpdate(m)
	case *protocol.Event:
		c.deliverEvent(m)
	case *protocol.Diagnostic:
		c.diagnostic(m)
	case *protocol.ErrorMessage:
		c.logger.Error("server error", "err", m.Err, "code", m.Code.String())
	case *protocol.UnhandshakeAck:
		c.logger.Debug("unhandshake acknowledged")
	default:
		c.logger.Warn("unexpected message", "type", msg.FrameType().String())
	}
}

// applyUpdate patches the cached value when its hash is the update's base
// and refetches the key otherwise.
func (c *Client) applyUpdate(u *protocol.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.cache[u.Key]
	if e == nil || e.refs == 0 {
		c.logger.Debug("update for unsubscribed key", "key", u.Key)
		return
	}
	if !e.has || e.hash != u.Hash {
		c.logger.Debug("hash mismatch, refetching", "key", u.Key, "have", e.hash, "base", u.Hash)
		c.refetchLocked(u.Key)
		return
	}

	next, err := u.Diff.Apply(e.value)
	if err == nil {
		hash := protocol.Hash(next)
		if u.Next == "" || hash == u.Next {
			c.storeLocked(u.Key, next, hash)
			return
		}
		err = fmt.Errorf("patched hash %s, want %s", hash, u.Next)
	}
	c.logger.Debug("update did not apply, refetching", "key", u.Key, "error", err)
	c.refetchLocked(u.Key)
}

func (c *Client) deliverEvent(ev *protocol.Event) {
	c.mu.Lock()
	ls := slices.Clone(c.listeners[ev.EventName])
	c.mu.Unlock()

	if len(ls) == 0 {
		c.logger.Debug("event without listeners", "event", ev.EventName)
		return
	}
	params := ev.Params
	c.queue.post(func() {
		for _, l := range ls {
			if l.fn != nil && c.listening(l) {
				l.fn(params)
			}
		}
	})
}

func (c *Client) diagnostic(d *protocol.Diagnostic) {
	level := slog.LevelInfo
	switch d.FrameType() {
	case protocol.FrameDebug:
		level = slog.LevelDebug
	case protocol.FrameWarn:
		level = slog.LevelWarn
	}
	keys := make([]string, 0, len(d.Fields))
	for k := range d.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]any, 0, 2*len(keys)+2)
	args = append(args, "source", "server")
	for _, k := range keys {
		args = append(args, k, d.Fields[k])
	}
	c.logger.Log(context.Background(), level, d.Message, args...)
}

// =============================================================================
// Cache
// =============================================================================

// Get returns the cached value of key without I/O.
func (c *Client) Get(key string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e := c.cache[key]
	if e == nil || !e.has {
		return nil, store.ErrNotAvailable
	}
	return e.value, nil
}

// Hash returns the hash of the cached value of key.
func (c *Client) Hash(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.cache[key]
	if e == nil || !e.has {
		return "", false
	}
	return e.hash, true
}

// storeLocked records a new value and notifies the subscribers of key when
// it differs from the cached one.
func (c *Client) storeLocked(key string, value json.RawMessage, hash string) {
	e := c.cache[key]
	if e == nil {
		e = &entry{}
		c.cache[key] = e
	}
	c.seq++
	e.gen = c.seq
	changed := !e.has || e.hash != hash
	e.has, e.value, e.hash = true, value, hash
	e.origin = ""
	if changed {
		c.notifyLocked(key, value)
	}
}

// notifyLocked queues a delivery to the subscribers of key as of now, so a
// subscriber added later never sees a value older than its seed.
func (c *Client) notifyLocked(key string, value json.RawMessage) {
	subs := c.subs.Snapshot(key)
	if len(subs) == 0 {
		return
	}
	c.queue.post(func() {
		for _, s := range subs {
			c.subs.Call(s, value)
		}
	})
}

func (c *Client) genLocked(key string) uint64 {
	if e := c.cache[key]; e != nil {
		return e.gen
	}
	return 0
}

// refetchLocked invalidates in-flight fetches of key and starts a new one.
func (c *Client) refetchLocked(key string) {
	var gen uint64
	if e := c.cache[key]; e != nil {
		c.seq++
		e.gen = c.seq
		gen = e.gen
	}
	go c.fetch(c.ctx, key, gen)
}

func (c *Client) snapshotValues() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make(map[string]json.RawMessage, len(c.cache))
	for k, e := range c.cache {
		if e.has {
			values[k] = e.value
		}
	}
	return values
}

// loadSnapshot stores every value of a snapshot blob in the cache. pid is
// the server instance that produced the blob, or "" when unknown.
func (c *Client) loadSnapshot(blob []byte, pid string) error {
	snap, err := store.DecodeSnapshot(blob)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(snap.Values))
	for k := range snap.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	for _, k := range keys {
		value, err := protocol.Canonical(snap.Values[k])
		if err != nil {
			return fmt.Errorf("uplink: snapshot key %q: %w", k, err)
		}
		c.storeLocked(k, value, protocol.Hash(value))
		c.cache[k].origin = pid
	}
	return nil
}

// =============================================================================
// Close
// =============================================================================

// Close releases the session on the server with unhandshake, closes the
// transport and stops the callback goroutine after the queued callbacks.
// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	ready := c.state == StateReady
	started := c.started
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		if ready {
			if err := c.write(conn, &protocol.Unhandshake{}); err != nil {
				c.logger.Debug("unhandshake failed", "error", err)
			}
			c.wmu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.wmu.Unlock()
		}
		conn.Close()
	}
	c.cancel()
	if started {
		<-c.done
	}
	c.queue.close()
	c.subs.Clear()
	c.logger.Info("client closed")
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
