package uplink

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newServer(t *testing.T, pid string) *server.Server {
	t.Helper()
	config := server.DefaultServerConfig()
	config.Logger = testLogger()
	config.PIDGenerator = idgen.Func(func() string { return pid })
	srv := server.New(config)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	return srv
}

// newTestServer serves a fresh server over HTTP.
func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	srv := newServer(t, "pid-1")
	ts := httptest.NewServer(srv.Handler(nil))
	t.Cleanup(ts.Close)
	return srv, ts
}

// newCountingServer is newTestServer that also counts store reads.
func newCountingServer(t *testing.T) (*server.Server, *httptest.Server, *atomic.Int32) {
	t.Helper()
	srv := newServer(t, "pid-1")
	h := srv.Handler(nil)
	reads := &atomic.Int32{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/uplink/") {
			reads.Add(1)
		}
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return srv, ts, reads
}

func newTestClient(t *testing.T, url string, mutate func(c *Config)) *Client {
	t.Helper()
	config := &Config{
		URL:              url,
		Logger:           testLogger(),
		HandshakeTimeout: 2 * time.Second,
		ReconnectBase:    10 * time.Millisecond,
		ReconnectMax:     100 * time.Millisecond,
		ReloadJitter:     time.Millisecond,
	}
	if mutate != nil {
		mutate(config)
	}
	c, err := New(config)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// swapHandler lets a test replace the server behind one URL.
type swapHandler struct {
	mu sync.RWMutex
	h  http.Handler
}

func (s *swapHandler) set(h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.h = h
}

func (s *swapHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	h.ServeHTTP(w, r)
}

// recorder collects the values a subscription observes.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) fn(_ string, v json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, string(v))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func (r *recorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return ""
	}
	return r.values[len(r.values)-1]
}

func cached(c *Client, key string) string {
	v, err := c.Get(key)
	if err != nil {
		return ""
	}
	return string(v)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
