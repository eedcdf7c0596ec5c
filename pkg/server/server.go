package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/route"
	"github.com/vango-dev/uplink/pkg/store"
)

const tracerName = "github.com/vango-dev/uplink/pkg/server"

// nullEntry stands for an absent key: it is what a read of an unset key
// with the default store handler returns.
var nullEntry, _ = protocol.NewEntry(nil)

// Server is the Uplink orchestrator. It holds the authoritative key/value
// map, the store-change and event emitters, the session and connection
// registries, and the store, event and action route tables.
type Server struct {
	config  *ServerConfig
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer
	pid     string

	// mu is the store lock. It guards the emitters and serializes
	// SetStore/DeleteStore/EmitEvent so every subscriber sees the mutations
	// of one key in call order.
	mu          sync.Mutex
	values      *store.Local
	subscribers map[string]map[*Session]struct{}
	listeners   map[string]map[*Session]struct{}

	stores  *route.Table[StoreHandler]
	events  *route.Table[EventHandler]
	actions *route.Table[ActionHandler]

	sessions *SessionManager

	connMu sync.RWMutex
	conns  map[string]*Connection

	upgrader      websocket.Upgrader
	bootstrapOnce sync.Once
	httpServer    *http.Server
}

// New creates a Server. Unset config fields take their defaults.
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	config.applyDefaults()

	logger := config.Logger.With("component", "server")
	for _, warning := range config.GetConfigWarnings() {
		logger.Warn("config warning", "warning", warning)
	}
	if err := config.ValidateConfig(); err != nil {
		logger.Error("config validation failed", "error", err)
	}

	var metrics *Metrics
	if config.Registry != nil {
		metrics = NewMetrics(config.Registry)
	}

	s := &Server{
		config:      config,
		logger:      logger,
		metrics:     metrics,
		tracer:      otel.Tracer(tracerName),
		pid:         config.PIDGenerator.NewID(),
		values:      store.NewLocal(),
		subscribers: make(map[string]map[*Session]struct{}),
		listeners:   make(map[string]map[*Session]struct{}),
		stores:      route.NewTable[StoreHandler](defaultStoreHandler),
		events:      route.NewTable[EventHandler](defaultEventHandler),
		actions:     route.NewTable[ActionHandler](defaultActionHandler),
		conns:       make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
	}
	s.sessions = NewSessionManager(s, config.SessionConfig, logger, metrics)
	if hook := config.OnSessionDestroy; hook != nil {
		s.sessions.OnSessionDestroy = func(sess *Session, expired bool) {
			hook(sess.Guid)
		}
	}
	logger.Info("server created", "pid", s.pid, "prefix", config.Prefix)
	return s
}

// PID returns the process instance id sent in every handshake-ack.
func (s *Server) PID() string {
	return s.pid
}

// =============================================================================
// Route registration
// =============================================================================

// HandleStore routes reads of keys matching pattern to h. It panics on an
// invalid pattern.
func (s *Server) HandleStore(pattern string, h StoreHandler) {
	s.stores.MustAdd(pattern, h)
}

// HandleEvent routes listens to events matching pattern to h. It panics on
// an invalid pattern.
func (s *Server) HandleEvent(pattern string, h EventHandler) {
	s.events.MustAdd(pattern, h)
}

// HandleAction routes actions matching pattern to h. It panics on an
// invalid pattern.
func (s *Server) HandleAction(pattern string, h ActionHandler) {
	s.actions.MustAdd(pattern, h)
}

// =============================================================================
// Store mutation
// =============================================================================

// SetStore sets key to value and broadcasts the change to every subscribed
// session. It is the only way server state changes. Setting a value equal
// to the current one broadcasts nothing.
func (s *Server) SetStore(ctx context.Context, key string, value any) error {
	_, span := s.tracer.Start(ctx, "uplink.set_store", trace.WithAttributes(attribute.String("uplink.key", key)))
	defer span.End()

	if err := protocol.ValidateKey(key); err != nil {
		return fmt.Errorf("server: set store: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.values.Entry(key)
	if !ok {
		prev = nullEntry
	}
	_, next, err := s.values.Swap(key, value)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("server: set store %q: %w", key, err)
	}
	if prev.Hash == next.Hash {
		return nil
	}
	d := protocol.MakeDiff(prev.Value, next.Value)
	span.SetAttributes(attribute.Bool("uplink.replace", d.IsReplace()))
	s.broadcastLocked(&protocol.Update{Key: key, Diff: d, Hash: prev.Hash, Next: next.Hash})
	return nil
}

// DeleteStore removes key. Subscribers receive a replace with null.
func (s *Server) DeleteStore(key string) error {
	if err := protocol.ValidateKey(key); err != nil {
		return fmt.Errorf("server: delete store: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.values.Entry(key)
	if !ok {
		return nil
	}
	if _, err := s.values.Delete(key); err != nil {
		return err
	}
	if prev.Hash == nullEntry.Hash {
		return nil
	}
	s.broadcastLocked(&protocol.Update{
		Key:  key,
		Diff: protocol.ReplaceDiff(nullEntry.Value),
		Hash: prev.Hash,
		Next: nullEntry.Hash,
	})
	return nil
}

// broadcastLocked queues u on every session subscribed to its key. Send does
// not wait for the transport, and holding s.mu orders the updates of a key.
func (s *Server) broadcastLocked(u *protocol.Update) {
	subs := s.subscribers[u.Key]
	if len(subs) == 0 {
		return
	}
	s.metrics.updateBroadcast(u.Diff)
	for sess := range subs {
		sess.Send(u)
	}
	s.logger.Debug("update broadcast", "key", u.Key, "sessions", len(subs), "replace", u.Diff.IsReplace())
}

// GetStore returns the value set for key through SetStore.
func (s *Server) GetStore(key string) (json.RawMessage, bool) {
	e, ok := s.values.Entry(key)
	return e.Value, ok
}

// Keys returns the keys set through SetStore, sorted.
func (s *Server) Keys() []string {
	return s.values.Keys()
}

// EmitEvent sends an occurrence of the named event to every listening
// session.
func (s *Server) EmitEvent(name string, params any) error {
	raw, err := protocol.Canonical(params)
	if err != nil {
		return err
	}
	ev := &protocol.Event{EventName: name, Params: raw}

	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.listeners[name] {
		sess.Send(ev)
	}
	return nil
}

// =============================================================================
// sessionHost
// =============================================================================

func (s *Server) subscribeKey(sess *Session, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addMember(s.subscribers, key, sess)
}

func (s *Server) unsubscribeKey(sess *Session, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeMember(s.subscribers, key, sess)
}

func (s *Server) listenEvent(sess *Session, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	addMember(s.listeners, name, sess)
}

func (s *Server) unlistenEvent(sess *Session, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removeMember(s.listeners, name, sess)
}

func addMember(m map[string]map[*Session]struct{}, name string, sess *Session) {
	set, ok := m[name]
	if !ok {
		set = make(map[*Session]struct{})
		m[name] = set
	}
	set[sess] = struct{}{}
}

func removeMember(m map[string]map[*Session]struct{}, name string, sess *Session) {
	set := m[name]
	delete(set, sess)
	if len(set) == 0 {
		delete(m, name)
	}
}

// Subscribers returns the number of sessions subscribed to key.
func (s *Server) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[key])
}

// Listeners returns the number of sessions listening to the named event.
func (s *Server) Listeners(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[name])
}

// =============================================================================
// Handler resolution
// =============================================================================

func (s *Server) newContext(std context.Context, kind, path string, pattern string, params route.Params, guid string) *Context {
	c := &Context{
		Server:  s,
		Kind:    kind,
		Path:    path,
		Pattern: pattern,
		Params:  params,
		Guid:    guid,
		Logger:  s.logger.With("kind", kind, "path", path),
		std:     std,
	}
	if guid != "" {
		c.Session = s.sessions.Get(guid)
	}
	return c
}

// readStore resolves key: the value set through SetStore when present,
// otherwise the store route table.
func (s *Server) readStore(ctx context.Context, r *http.Request, key, guid string) (protocol.Entry, error) {
	if e, ok := s.values.Entry(key); ok {
		return e, nil
	}
	m := s.stores.Lookup(key)
	c := s.newContext(ctx, "store", key, m.Pattern, m.Params, guid)
	c.Request = r
	v, err := callStore(c, m.Handler)
	if err != nil {
		return protocol.Entry{}, err
	}
	return protocol.NewEntry(v)
}

// runEvent resolves the event route for a listen from conn.
func (s *Server) runEvent(conn *Connection, sess *Session, name string) error {
	m := s.events.Lookup(name)
	c := s.newContext(context.Background(), "event", name, m.Pattern, m.Params, sess.Guid)
	c.Session = sess
	c.conn = conn
	return callEvent(c, m.Handler)
}

// runAction resolves and runs the action route for path.
func (s *Server) runAction(ctx context.Context, r *http.Request, path, guid string, params json.RawMessage) (any, error) {
	m := s.actions.Lookup(path)
	c := s.newContext(ctx, "action", path, m.Pattern, m.Params, guid)
	c.Request = r
	return callAction(c, m.Handler, params)
}

// =============================================================================
// Connections
// =============================================================================

// Connect registers a new connection over t. The caller feeds incoming
// frames to HandleMessage and calls Disconnect when t is gone.
func (s *Server) Connect(t Transport, remoteAddr string) *Connection {
	c := newConnection(s, t, remoteAddr)
	s.connMu.Lock()
	s.conns[c.ID] = c
	s.connMu.Unlock()
	s.metrics.connectionOpened()
	c.logger.Debug("connection opened", "remote", remoteAddr)
	return c
}

func (s *Server) removeConnection(c *Connection) {
	s.connMu.Lock()
	delete(s.conns, c.ID)
	s.connMu.Unlock()
	c.logger.Debug("connection closed")
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the HTTP server and blocks until it fails or the process
// receives SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	if err := s.config.ValidateConfig(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.config.Address,
		Handler: s.Handler(nil),
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "address", s.config.Address, "pid", s.pid)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// DropConnections closes every open connection. Sessions are detached, not
// destroyed, so clients that reconnect before expiry recover them.
func (s *Server) DropConnections() int {
	s.connMu.RLock()
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()
	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

// Shutdown destroys every session, closes every connection and stops the
// HTTP server if Run started it.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	s.sessions.Shutdown()
	s.DropConnections()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}
	s.logger.Info("server shutdown complete")
	return nil
}

// Handler returns a chi router with the Uplink endpoints installed.
func (s *Server) Handler(bootstrap func(*Server)) http.Handler {
	r := chi.NewRouter()
	s.InstallHandlers(r, bootstrap)
	return r
}
