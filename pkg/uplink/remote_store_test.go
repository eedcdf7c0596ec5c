package uplink

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/vango-dev/uplink/pkg/store"
)

func TestRemoteStoreUnserialize(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil)
	rs := NewRemoteStore(c)

	blob, err := store.EncodeSnapshot(map[string]json.RawMessage{
		"/a": json.RawMessage(`{ "y": 2, "x": 1 }`),
		"/b": json.RawMessage(`"text"`),
	})
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	if err := rs.Unserialize(blob); err != nil {
		t.Fatalf("Unserialize() error = %v", err)
	}

	tests := []struct {
		key  string
		want string
	}{
		{"/a", `{"x":1,"y":2}`},
		{"/b", `"text"`},
	}
	for _, tt := range tests {
		got, err := rs.Get(tt.key)
		if err != nil {
			t.Fatalf("Get(%q) error = %v", tt.key, err)
		}
		if string(got) != tt.want {
			t.Errorf("Get(%q) = %s, want %s", tt.key, got, tt.want)
		}
	}
	if _, err := rs.Get("/missing"); !errors.Is(err, store.ErrNotAvailable) {
		t.Errorf("Get(/missing) error = %v, want ErrNotAvailable", err)
	}

	out, err := rs.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	snap, err := store.DecodeSnapshot(out)
	if err != nil {
		t.Fatalf("DecodeSnapshot() error = %v", err)
	}
	if len(snap.Values) != 2 || string(snap.Values["/a"]) != `{"x":1,"y":2}` {
		t.Errorf("round trip = %v", snap.Values)
	}
}

func TestRemoteStoreUnsub(t *testing.T) {
	srv, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)
	ctx := testContext(t)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rs := NewRemoteStore(c)

	a, err := rs.Sub(ctx, "/k", func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	b, err := rs.Sub(ctx, "/k", func(string, json.RawMessage) {})
	if err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if got := c.Refs("/k"); got != 2 {
		t.Errorf("Refs() = %d, want 2", got)
	}
	waitFor(t, "subscription", func() bool { return srv.Subscribers("/k") == 1 })

	if err := rs.Unsub(a); err != nil {
		t.Fatalf("Unsub() error = %v", err)
	}
	if err := rs.Unsub(a); !errors.Is(err, store.ErrUnknownSubscription) {
		t.Errorf("second Unsub() error = %v, want ErrUnknownSubscription", err)
	}
	if err := rs.Unsub(b); err != nil {
		t.Fatalf("Unsub() error = %v", err)
	}
	waitFor(t, "teardown", func() bool { return srv.Subscribers("/k") == 0 })
}

func TestRemoteStoreSeedsAbsentKey(t *testing.T) {
	_, ts := newTestServer(t)
	c := newTestClient(t, ts.URL, nil)
	ctx := testContext(t)

	var seeds []string
	if _, err := NewRemoteStore(c).Sub(ctx, "/never-set", func(_ string, v json.RawMessage) {
		seeds = append(seeds, string(v))
	}); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if len(seeds) != 1 || seeds[0] != "null" {
		t.Errorf("seeds = %v, want [null]", seeds)
	}
}

func TestRemoteStoreDestroy(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", nil)
	rs := NewRemoteStore(c)
	rs.Destroy()

	if _, err := rs.Get("/k"); !errors.Is(err, store.ErrDestroyed) {
		t.Errorf("Get() error = %v, want ErrDestroyed", err)
	}
	if _, ok := rs.Fetch(testContext(t), "/k"); ok {
		t.Error("Fetch() ok = true after Destroy")
	}
	if _, err := rs.Sub(testContext(t), "/k", func(string, json.RawMessage) {}); !errors.Is(err, store.ErrDestroyed) {
		t.Errorf("Sub() error = %v, want ErrDestroyed", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Errorf("client State() = %v, want Disconnected", got)
	}
	if _, err := c.Get("/k"); !errors.Is(err, ErrClosed) {
		t.Errorf("client Get() error = %v, want ErrClosed", err)
	}
}

func TestRemoteStoreSubFetchesUnserializedKeys(t *testing.T) {
	srv, ts, reads := newCountingServer(t)
	ctx := testContext(t)
	_ = srv.SetStore(ctx, "/k", 2)

	c := newTestClient(t, ts.URL, nil)
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	rs := NewRemoteStore(c)
	blob, err := store.EncodeSnapshot(map[string]json.RawMessage{"/k": json.RawMessage(`1`)})
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	if err := rs.Unserialize(blob); err != nil {
		t.Fatalf("Unserialize() error = %v", err)
	}

	var seeds []string
	if _, err := rs.Sub(ctx, "/k", func(_ string, v json.RawMessage) {
		seeds = append(seeds, string(v))
	}); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if len(seeds) != 1 || seeds[0] != "2" {
		t.Errorf("seeds = %v, want [2]", seeds)
	}
	if got := reads.Load(); got != 1 {
		t.Errorf("store reads = %d, want 1", got)
	}
}
