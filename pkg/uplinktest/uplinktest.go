package uplinktest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/server"
	"github.com/vango-dev/uplink/pkg/uplink"
)

// DefaultTimeout bounds Eventually and ExpectValue.
var DefaultTimeout = 3 * time.Second

// Option configures a Harness.
type Option func(*options)

type options struct {
	pid    string
	expiry time.Duration
	setup  func(*server.Server)
	logger *slog.Logger
}

// WithPID sets the pid of the first server. Restarts append a counter.
func WithPID(pid string) Option {
	return func(o *options) {
		o.pid = pid
	}
}

// WithExpiry sets how long detached sessions survive.
func WithExpiry(d time.Duration) Option {
	return func(o *options) {
		o.expiry = d
	}
}

// WithSetup registers routes and initial values. It runs for the first
// server and again after every SimulateRestart.
func WithSetup(fn func(*server.Server)) Option {
	return func(o *options) {
		o.setup = fn
	}
}

// WithLogger sets the logger of servers and clients. Logs are discarded
// by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// Harness is an Uplink server served over httptest.
type Harness struct {
	// URL is the base URL of the server. It stays the same across restarts.
	URL string

	opts     options
	ts       *httptest.Server
	mu       sync.RWMutex
	srv      *server.Server
	handler  http.Handler
	restarts int
}

// NewServer starts a Harness. It is shut down when the test ends.
func NewServer(tb testing.TB, opts ...Option) *Harness {
	tb.Helper()
	o := options{
		pid:    "pid",
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&o)
	}

	h := &Harness{opts: o}
	h.start(o.pid)
	h.ts = httptest.NewServer(h)
	h.URL = h.ts.URL
	tb.Cleanup(func() {
		h.ts.Close()
		_ = h.Server().Shutdown(context.Background())
	})
	return h
}

func (h *Harness) start(pid string) {
	config := server.DefaultServerConfig()
	config.Logger = h.opts.logger
	config.PIDGenerator = idgen.Func(func() string { return pid })
	if h.opts.expiry > 0 {
		config.SessionConfig.ExpiryTimeout = h.opts.expiry
	}
	srv := server.New(config)

	h.mu.Lock()
	h.srv = srv
	h.handler = srv.Handler(h.opts.setup)
	h.mu.Unlock()
}

// ServeHTTP forwards to the current server.
func (h *Harness) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// Server returns the current server.
func (h *Harness) Server() *server.Server {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.srv
}

// ClientConfig returns a client config for the harness with short timeouts.
func (h *Harness) ClientConfig() *uplink.Config {
	return &uplink.Config{
		URL:              h.URL,
		Logger:           h.opts.logger,
		HandshakeTimeout: 2 * time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		ReloadJitter:     time.Millisecond,
	}
}

// NewClient builds a client that is not yet started. mutate, when non-nil,
// adjusts the config first. The client is closed when the test ends.
func (h *Harness) NewClient(tb testing.TB, mutate func(*uplink.Config)) *uplink.Client {
	tb.Helper()
	config := h.ClientConfig()
	if mutate != nil {
		mutate(config)
	}
	c, err := uplink.New(config)
	if err != nil {
		tb.Fatalf("uplink.New() error = %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

// Connect builds a client and waits until its handshake completes.
func (h *Harness) Connect(tb testing.TB, mutate func(*uplink.Config)) *uplink.Client {
	tb.Helper()
	c := h.NewClient(tb, mutate)
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		tb.Fatalf("Connect() error = %v", err)
	}
	return c
}

// SimulateDisconnect closes every connection. Sessions are detached and
// recovered when their clients reconnect within the expiry timeout.
func (h *Harness) SimulateDisconnect() int {
	return h.Server().DropConnections()
}

// SimulateRestart replaces the server with a new one behind the same URL.
// Every session is lost and the new server reports a different pid.
func (h *Harness) SimulateRestart() {
	h.mu.Lock()
	h.restarts++
	pid := fmt.Sprintf("%s-%d", h.opts.pid, h.restarts)
	old := h.srv
	h.mu.Unlock()

	h.start(pid)
	_ = old.Shutdown(context.Background())
}

// Eventually fails the test if cond does not hold within DefaultTimeout.
func Eventually(tb testing.TB, what string, cond func() bool) {
	tb.Helper()
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Fatalf("timed out waiting for %s", what)
}

// ExpectValue waits until the client's cached value of key equals want.
// Both sides are compared in canonical form.
func ExpectValue(tb testing.TB, c *uplink.Client, key, want string) {
	tb.Helper()
	canonical, err := protocol.Canonical(json.RawMessage(want))
	if err != nil {
		tb.Fatalf("ExpectValue(%q): invalid want %q: %v", key, want, err)
	}
	var got string
	deadline := time.Now().Add(DefaultTimeout)
	for time.Now().Before(deadline) {
		if v, err := c.Get(key); err == nil {
			got = string(v)
			if got == string(canonical) {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	tb.Errorf("value of %s = %s, want %s", key, truncate(got, 500), canonical)
}

// truncate truncates a string to max length with ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
