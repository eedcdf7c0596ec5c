package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/uplink/pkg/protocol"
	"github.com/vango-dev/uplink/pkg/server"
	"github.com/vango-dev/uplink/pkg/store"
)

func TestClientConnect(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, func(c *Config) { c.Guid = "g1" })

	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() before Start = %v, want Disconnected", got)
	}
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if got := c.State(); got != StateReady {
		t.Errorf("State() = %v, want Ready", got)
	}
	if got := c.PID(); got != "pid-1" {
		t.Errorf("PID() = %q, want pid-1", got)
	}
	waitFor(t, "session", func() bool { return srv.Sessions().Get("g1") != nil })
}

func TestClientStateChanges(t *testing.T) {
	_, ts := newTestServer(t)
	var mu sync.Mutex
	var states []State
	c := newTestClient(t, ts.URL, func(c *Config) {
		c.OnStateChange = func(s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		}
	})
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	want := []State{StateConnecting, StateHandshakeSent, StateReady}
	waitFor(t, "state changes", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return slices.Equal(states, want)
	})
}

func TestClientSendsQueuedBeforeHandshake(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)

	if err := c.SubscribeTo("/k"); err != nil {
		t.Fatalf("SubscribeTo() error = %v", err)
	}
	if _, err := c.ListenTo("ping", func(json.RawMessage) {}); err != nil {
		t.Fatalf("ListenTo() error = %v", err)
	}
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })
	waitFor(t, "listener", func() bool { return srv.Listeners("ping") == 1 })
}

func TestClientRefcount(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := c.SubscribeTo("/k"); err != nil {
			t.Fatalf("SubscribeTo() error = %v", err)
		}
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })

	if err := c.UnsubscribeFrom("/k"); err != nil {
		t.Fatalf("UnsubscribeFrom() error = %v", err)
	}
	if got := c.Refs("/k"); got != 1 {
		t.Errorf("Refs() = %d, want 1", got)
	}
	// The server handles frames of one connection in order: once the
	// listen is visible, an unsubscribe sent before it would be too.
	if _, err := c.ListenTo("barrier", func(json.RawMessage) {}); err != nil {
		t.Fatalf("ListenTo() error = %v", err)
	}
	waitFor(t, "barrier", func() bool { return srv.Listeners("barrier") == 1 })
	if got := srv.Subscribers("/k"); got != 1 {
		t.Fatalf("Subscribers() after one unsubscribe = %d, want 1", got)
	}

	if err := c.UnsubscribeFrom("/k"); err != nil {
		t.Fatalf("UnsubscribeFrom() error = %v", err)
	}
	waitFor(t, "teardown", func() bool { return srv.Subscribers("/k") == 0 })

	if err := c.UnsubscribeFrom("/k"); !errors.Is(err, ErrNotSubscribed) {
		t.Errorf("third UnsubscribeFrom() error = %v, want ErrNotSubscribed", err)
	}
}

func TestRemoteStoreSeedAndOrder(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	if err := srv.SetStore(ctx, "/todos", []string{"a"}); err != nil {
		t.Fatalf("SetStore() error = %v", err)
	}
	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rs := NewRemoteStore(c)

	rec := &recorder{}
	if _, err := rs.Sub(ctx, "/todos", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != `["a"]` {
		t.Fatalf("seed = %v, want [[\"a\"]]", got)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/todos") == 1 })

	_ = srv.SetStore(ctx, "/todos", []string{"a", "b"})
	_ = srv.SetStore(ctx, "/todos", []string{"a", "b", "c"})

	want := []string{`["a"]`, `["a","b"]`, `["a","b","c"]`}
	waitFor(t, "updates", func() bool { return len(rec.snapshot()) == len(want) })
	if got := rec.snapshot(); !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
}

func TestClientAppliesMergeDiff(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	type doc struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
		N     int      `json:"n"`
	}
	_ = srv.SetStore(ctx, "/doc", doc{Title: "a fairly long title", Tags: []string{"x", "y"}, N: 1})

	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec := &recorder{}
	if _, err := NewRemoteStore(c).Sub(ctx, "/doc", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/doc") == 1 })

	_ = srv.SetStore(ctx, "/doc", doc{Title: "a fairly long title", Tags: []string{"x", "y"}, N: 2})
	want, _ := srv.GetStore("/doc")
	waitFor(t, "patched value", func() bool { return rec.last() == string(want) })

	hash, ok := c.Hash("/doc")
	if !ok || hash != protocol.Hash(want) {
		t.Errorf("Hash() = %q, %v, want %q", hash, ok, protocol.Hash(want))
	}
}

func TestClientHashMismatchRefetches(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	_ = srv.SetStore(ctx, "/k", map[string]int{"v": 1})

	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec := &recorder{}
	if _, err := NewRemoteStore(c).Sub(ctx, "/k", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })

	c.mu.Lock()
	c.cache["/k"].hash = "bogus"
	c.mu.Unlock()

	_ = srv.SetStore(ctx, "/k", map[string]int{"v": 2})
	waitFor(t, "refetched value", func() bool { return cached(c, "/k") == `{"v":2}` })
	if got := rec.last(); got != `{"v":2}` {
		t.Errorf("last observed = %s, want {\"v\":2}", got)
	}
}

func TestClientRecoversSession(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	_ = srv.SetStore(ctx, "/k", "v1")

	c := newTestClient(t, ts.URL, func(c *Config) {
		c.ReconnectBase = 300 * time.Millisecond
		c.ReconnectMax = time.Second
	})
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec := &recorder{}
	if _, err := NewRemoteStore(c).Sub(ctx, "/k", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.Close()

	waitFor(t, "detach", func() bool { return srv.Sessions().Stats().Detached == 1 })
	_ = srv.SetStore(ctx, "/k", "v2")

	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
	waitFor(t, "replayed update", func() bool { return rec.last() == `"v2"` })
	if got, want := rec.snapshot(), []string{`"v1"`, `"v2"`}; !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}

	stats := srv.Sessions().Stats()
	if stats.TotalCreated != 1 {
		t.Errorf("TotalCreated = %d, want 1 (session reused)", stats.TotalCreated)
	}
	if got := srv.Subscribers("/k"); got != 1 {
		t.Errorf("Subscribers() = %d, want 1", got)
	}
}

func TestClientServerRestart(t *testing.T) {
	ctx := testContext(t)
	sw := &swapHandler{}
	srv1 := newServer(t, "pid-1")
	sw.set(srv1.Handler(nil))
	ts := httptest.NewServer(sw)
	t.Cleanup(ts.Close)

	restarted := make(chan string, 1)
	c := newTestClient(t, ts.URL, func(c *Config) {
		c.OnServerRestart = func(c *Client) {
			c.Resync()
			select {
			case restarted <- c.PID():
			default:
			}
		}
	})
	_ = srv1.SetStore(ctx, "/k", "old")
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec := &recorder{}
	if _, err := NewRemoteStore(c).Sub(ctx, "/k", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	waitFor(t, "subscription", func() bool { return srv1.Subscribers("/k") == 1 })

	srv2 := newServer(t, "pid-2")
	_ = srv2.SetStore(ctx, "/k", "new")
	sw.set(srv2.Handler(nil))
	_ = srv1.Shutdown(ctx)

	select {
	case pid := <-restarted:
		if pid != "pid-2" {
			t.Errorf("PID() in OnServerRestart = %q, want pid-2", pid)
		}
	case <-ctx.Done():
		t.Fatal("OnServerRestart not called")
	}
	waitFor(t, "resubscription", func() bool { return srv2.Subscribers("/k") == 1 })
	waitFor(t, "resync", func() bool { return rec.last() == `"new"` })
}

func TestClientHandshakeTimeout(t *testing.T) {
	var attempts atomic.Int32
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		attempts.Add(1)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	c := newTestClient(t, ts.URL, func(c *Config) {
		c.HandshakeTimeout = 50 * time.Millisecond
	})
	c.Start()
	waitFor(t, "second attempt", func() bool { return attempts.Load() >= 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady() error = %v, want DeadlineExceeded", err)
	}
}

func TestClientEvents(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	got := make(chan string, 4)
	l, err := c.ListenTo("chat", func(params json.RawMessage) { got <- string(params) })
	if err != nil {
		t.Fatalf("ListenTo() error = %v", err)
	}
	waitFor(t, "listener", func() bool { return srv.Listeners("chat") == 1 })

	if err := srv.EmitEvent("chat", map[string]string{"text": "hi"}); err != nil {
		t.Fatalf("EmitEvent() error = %v", err)
	}
	select {
	case params := <-got:
		if params != `{"text":"hi"}` {
			t.Errorf("params = %s, want {\"text\":\"hi\"}", params)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event not delivered")
	}

	if err := c.UnlistenFrom(l); err != nil {
		t.Fatalf("UnlistenFrom() error = %v", err)
	}
	if err := c.UnlistenFrom(l); !errors.Is(err, ErrUnknownListener) {
		t.Errorf("second UnlistenFrom() error = %v, want ErrUnknownListener", err)
	}
	waitFor(t, "unlisten", func() bool { return srv.Listeners("chat") == 0 })
}

func TestClientSharedEventListeners(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(testContext(t)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	var a, b atomic.Int32
	la, _ := c.ListenTo("tick", func(json.RawMessage) { a.Add(1) })
	if _, err := c.ListenTo("tick", func(json.RawMessage) { b.Add(1) }); err != nil {
		t.Fatalf("ListenTo() error = %v", err)
	}
	waitFor(t, "listener", func() bool { return srv.Listeners("tick") == 1 })

	_ = srv.EmitEvent("tick", nil)
	waitFor(t, "both listeners", func() bool { return a.Load() == 1 && b.Load() == 1 })

	if err := c.UnlistenFrom(la); err != nil {
		t.Fatalf("UnlistenFrom() error = %v", err)
	}
	_ = srv.EmitEvent("tick", nil)
	waitFor(t, "remaining listener", func() bool { return b.Load() == 2 })
	if got := a.Load(); got != 1 {
		t.Errorf("removed listener calls = %d, want 1", got)
	}
	if got := srv.Listeners("tick"); got != 1 {
		t.Errorf("Listeners() = %d, want 1", got)
	}
}

func TestClientDispatch(t *testing.T) {
	srv, ts := newTestServer(t)
	guids := make(chan string, 1)
	srv.HandleAction("/add", func(ctx *server.Context, params json.RawMessage) (any, error) {
		guids <- ctx.Guid
		var p struct{ N int }
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]int{"n": p.N + 1}, nil
	})
	srv.HandleAction("/fail", func(*server.Context, json.RawMessage) (any, error) {
		return nil, errors.New("boom")
	})

	c := newTestClient(t, ts.URL, func(c *Config) { c.Guid = "g-dispatch" })
	ctx := testContext(t)

	tests := []struct {
		name       string
		action     string
		params     any
		wantResult string
		wantStatus int
	}{
		{name: "handled", action: "/add", params: map[string]int{"N": 41}, wantResult: `{"n":42}`},
		{name: "unknown action", action: "/nope", wantResult: `"unknown action"`},
		{name: "handler error", action: "/fail", wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := c.Dispatch(ctx, tt.action, tt.params)
			if tt.wantStatus != 0 {
				var derr *DispatchError
				if !errors.As(err, &derr) {
					t.Fatalf("Dispatch() error = %v, want *DispatchError", err)
				}
				if derr.Status != tt.wantStatus || derr.Err != "boom" {
					t.Errorf("DispatchError = %d %q, want %d boom", derr.Status, derr.Err, tt.wantStatus)
				}
				return
			}
			if err != nil {
				t.Fatalf("Dispatch() error = %v", err)
			}
			if !strings.Contains(string(result), tt.wantResult) {
				t.Errorf("Dispatch() = %s, want it to contain %s", result, tt.wantResult)
			}
		})
	}

	select {
	case guid := <-guids:
		if guid != "g-dispatch" {
			t.Errorf("handler guid = %q, want g-dispatch", guid)
		}
	default:
		t.Error("action handler did not run")
	}
}

func TestClientTransportErrors(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := newTestClient(t, url, nil)
	ctx := testContext(t)

	if v, ok := c.Fetch(ctx, "/k"); ok {
		t.Errorf("Fetch() = %s, true; want absent", v)
	}
	_, err := c.Dispatch(ctx, "/a", nil)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("Dispatch() error = %v, want ErrTransport", err)
	}
	if code := protocol.CodeOf(err); code != protocol.ErrTransport {
		t.Errorf("CodeOf() = %v, want TransportError", code)
	}
}

func TestClientFetchErrorStatusIsAbsent(t *testing.T) {
	srv, ts := newTestServer(t)
	srv.HandleStore("/broken", func(*server.Context) (any, error) {
		return nil, errors.New("db down")
	})
	c := newTestClient(t, ts.URL, nil)

	if v, ok := c.Fetch(testContext(t), "/broken"); ok {
		t.Errorf("Fetch() = %s, true; want absent", v)
	}
	if _, err := c.Get("/broken"); !errors.Is(err, store.ErrNotAvailable) {
		t.Errorf("Get() error = %v, want ErrNotAvailable", err)
	}
}

func TestClientCloseDestroysSession(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, func(c *Config) { c.Guid = "g-close" })
	ctx := testContext(t)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "session", func() bool { return srv.Sessions().Get("g-close") != nil })

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	waitFor(t, "session destroyed", func() bool { return srv.Sessions().Count() == 0 })

	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := c.SubscribeTo("/k"); !errors.Is(err, ErrClosed) {
		t.Errorf("SubscribeTo() after Close error = %v, want ErrClosed", err)
	}
	if err := c.WaitReady(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitReady() after Close error = %v, want ErrClosed", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("State() = %v, want Disconnected", got)
	}
}

func TestClientBootstrap(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	_ = srv.SetStore(ctx, "/k", 7)

	b, err := FetchBootstrap(ctx, nil, ts.URL+"/_uplink/bootstrap", "", "/k")
	if err != nil {
		t.Fatalf("FetchBootstrap() error = %v", err)
	}
	if b.Guid == "" || b.PID != "pid-1" {
		t.Fatalf("Bootstrap = %+v, want a guid and pid-1", b)
	}

	c := newTestClient(t, ts.URL, func(c *Config) { c.Bootstrap = b })
	if c.Guid() != b.Guid {
		t.Errorf("Guid() = %q, want %q", c.Guid(), b.Guid)
	}
	if got := c.PID(); got != "pid-1" {
		t.Errorf("PID() = %q, want pid-1", got)
	}
	if got := cached(c, "/k"); got != "7" {
		t.Errorf("Get() before connect = %q, want 7", got)
	}
}

func TestClientBootstrapSkipsFetch(t *testing.T) {
	srv, ts, reads := newCountingServer(t)
	ctx := testContext(t)
	_ = srv.SetStore(ctx, "/k", 7)

	b, err := FetchBootstrap(ctx, nil, ts.URL+"/_uplink/bootstrap", "", "/k")
	if err != nil {
		t.Fatalf("FetchBootstrap() error = %v", err)
	}
	c := newTestClient(t, ts.URL, func(c *Config) { c.Bootstrap = b })
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rec := &recorder{}
	if _, err := NewRemoteStore(c).Sub(ctx, "/k", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })

	// The update's base hash is the snapshot's, so it applies as a diff.
	_ = srv.SetStore(ctx, "/k", 8)
	waitFor(t, "update", func() bool { return rec.last() == "8" })

	if got, want := rec.snapshot(), []string{"7", "8"}; !slices.Equal(got, want) {
		t.Errorf("observed = %v, want %v", got, want)
	}
	if got := reads.Load(); got != 0 {
		t.Errorf("store reads = %d, want 0", got)
	}
}

func TestClientKeysAreEscaped(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	values := map[string]int{
		"/a":     1,
		"/a?b":   2,
		"/a#b":   3,
		"/100%":  4,
		"/a b/c": 5,
		"/a;b":   6,
	}
	for key, v := range values {
		if err := srv.SetStore(ctx, key, v); err != nil {
			t.Fatalf("SetStore(%q) error = %v", key, err)
		}
	}
	c := newTestClient(t, ts.URL, nil)

	tests := []struct {
		key  string
		want string
	}{
		{"/a", "1"},
		{"/a?b", "2"},
		{"/a#b", "3"},
		{"/100%", "4"},
		{"/a b/c", "5"},
		{"/a;b", "6"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, ok := c.Fetch(ctx, tt.key)
			if !ok {
				t.Fatalf("Fetch(%q) absent", tt.key)
			}
			if string(got) != tt.want {
				t.Errorf("Fetch(%q) = %s, want %s", tt.key, got, tt.want)
			}
		})
	}
}

func TestClientRejectsRelativeKeys(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)

	if err := srv.SetStore(ctx, "k", 1); protocol.CodeOf(err) != protocol.ErrProtocolViolation {
		t.Errorf("SetStore(k) error = %v, want ProtocolViolation", err)
	}
	c := newTestClient(t, ts.URL, nil)
	if err := c.SubscribeTo("k"); protocol.CodeOf(err) != protocol.ErrProtocolViolation {
		t.Errorf("SubscribeTo(k) error = %v, want ProtocolViolation", err)
	}
	if got := c.Refs("k"); got != 0 {
		t.Errorf("Refs(k) = %d, want 0", got)
	}
	if v, ok := c.Fetch(ctx, "k"); ok {
		t.Errorf("Fetch(k) = %s, true; want absent", v)
	}
}

func TestClientResponseTooLarge(t *testing.T) {
	srv, ts := newTestServer(t)
	ctx := testContext(t)
	big := strings.Repeat("x", 64)
	_ = srv.SetStore(ctx, "/big", big)
	srv.HandleAction("/big", func(*server.Context, json.RawMessage) (any, error) {
		return big, nil
	})
	c := newTestClient(t, ts.URL, func(c *Config) { c.MaxResponseSize = 32 })

	_, err := c.Dispatch(ctx, "/big", nil)
	if !errors.Is(err, ErrResponseTooLarge) {
		t.Fatalf("Dispatch() error = %v, want ErrResponseTooLarge", err)
	}
	if !errors.Is(err, ErrTransport) {
		t.Errorf("Dispatch() error = %v, want it to match ErrTransport", err)
	}
	if v, ok := c.Fetch(ctx, "/big"); ok {
		t.Errorf("Fetch() = %s, true; want absent", v)
	}
}
