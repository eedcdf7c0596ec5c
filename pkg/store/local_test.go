package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/vango-dev/uplink/pkg/protocol"
)

type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) fn(key string, v json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v == nil {
		r.values = append(r.values, "<nil>")
		return
	}
	r.values = append(r.values, string(v))
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func TestLocalSubSeedsCurrentValue(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	if err := l.Set("/a", map[string]int{"x": 1}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var rec recorder
	if _, err := l.Sub(ctx, "/a", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}

	fetched, ok := l.Fetch(ctx, "/a")
	if !ok {
		t.Fatal("Fetch() ok = false")
	}
	got := rec.got()
	if len(got) != 1 || got[0] != string(fetched) {
		t.Errorf("seed = %v, want [%s]", got, fetched)
	}
}

func TestLocalSubSeedsAbsent(t *testing.T) {
	l := NewLocal()
	var rec recorder
	if _, err := l.Sub(context.Background(), "/missing", rec.fn); err != nil {
		t.Fatalf("Sub() error = %v", err)
	}
	if got := rec.got(); len(got) != 1 || got[0] != "<nil>" {
		t.Errorf("seed = %v, want [<nil>]", got)
	}
}

func TestLocalSetOrder(t *testing.T) {
	l := NewLocal()
	var rec recorder
	if _, err := l.Sub(context.Background(), "/k", rec.fn); err != nil {
		t.Fatal(err)
	}
	for _, v := range []int{1, 2, 3} {
		if err := l.Set("/k", v); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"<nil>", "1", "2", "3"}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLocalGetNotAvailable(t *testing.T) {
	l := NewLocal()
	if _, err := l.Get("/nope"); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("Get() error = %v, want ErrNotAvailable", err)
	}
	if protocol.CodeOf(ErrNotAvailable) != protocol.ErrNotFound {
		t.Errorf("CodeOf(ErrNotAvailable) = %v", protocol.CodeOf(ErrNotAvailable))
	}
}

func TestLocalUnsubTwice(t *testing.T) {
	l := NewLocal()
	var rec recorder
	sub, err := l.Sub(context.Background(), "/k", rec.fn)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Unsub(sub); err != nil {
		t.Fatalf("Unsub() error = %v", err)
	}
	if err := l.Unsub(sub); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("second Unsub() error = %v, want ErrUnknownSubscription", err)
	}
	if err := l.Unsub(&Subscription{ID: sub.ID, Key: "/k"}); !errors.Is(err, ErrUnknownSubscription) {
		t.Errorf("forged Unsub() error = %v, want ErrUnknownSubscription", err)
	}

	_ = l.Set("/k", 5)
	if got := rec.got(); len(got) != 1 {
		t.Errorf("callback after Unsub: %v", got)
	}
}

func TestLocalDelete(t *testing.T) {
	l := NewLocal()
	var rec recorder
	_ = l.Set("/k", "v")
	_, _ = l.Sub(context.Background(), "/k", rec.fn)

	ok, err := l.Delete("/k")
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	if ok, _ := l.Delete("/k"); ok {
		t.Error("second Delete() reported existing key")
	}
	got := rec.got()
	if len(got) != 2 || got[1] != "<nil>" {
		t.Errorf("got %v, want [\"v\" <nil>]", got)
	}
}

func TestLocalSerializeRoundTrip(t *testing.T) {
	src := NewLocal()
	_ = src.Set("/users/1", map[string]any{"name": "ann", "tags": []string{"a", "b"}})
	_ = src.Set("/count", 3)
	_ = src.Set("/nothing", nil)

	blob, err := src.Serialize()
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	dst := NewLocal()
	if err := dst.Unserialize(blob); err != nil {
		t.Fatalf("Unserialize() error = %v", err)
	}

	for _, k := range src.Keys() {
		want, _ := src.Entry(k)
		got, ok := dst.Entry(k)
		if !ok {
			t.Errorf("key %s missing after Unserialize", k)
			continue
		}
		if got.Hash != want.Hash {
			t.Errorf("%s: hash = %s, want %s", k, got.Hash, want.Hash)
		}
	}
	if len(dst.Keys()) != len(src.Keys()) {
		t.Errorf("Keys() = %v, want %v", dst.Keys(), src.Keys())
	}

	again, err := dst.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if string(again) != string(blob) {
		t.Errorf("second Serialize() = %s, want %s", again, blob)
	}
}

func TestLocalSerializeKeys(t *testing.T) {
	l := NewLocal()
	_ = l.Set("/a", 1)
	_ = l.Set("/b", 2)

	blob, err := l.SerializeKeys("/a", "/missing")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := DecodeSnapshot(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Values) != 1 || string(snap.Values["/a"]) != "1" {
		t.Errorf("Values = %v", snap.Values)
	}
}

func TestUnserializeRejectsGarbage(t *testing.T) {
	l := NewLocal()
	if err := l.Unserialize([]byte("not json")); err == nil {
		t.Error("Unserialize(garbage) error = nil")
	}
	if err := l.Unserialize([]byte(`{"version":99,"values":{}}`)); err == nil {
		t.Error("Unserialize(future version) error = nil")
	}
}

func TestLocalDestroy(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	_ = l.Set("/a", 1)
	sub, _ := l.Sub(ctx, "/a", func(string, json.RawMessage) {})

	l.Destroy()

	if _, ok := l.Fetch(ctx, "/a"); ok {
		t.Error("Fetch() after Destroy reported present")
	}
	if _, err := l.Get("/a"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Get() error = %v, want ErrDestroyed", err)
	}
	if err := l.Set("/a", 2); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Set() error = %v, want ErrDestroyed", err)
	}
	if _, err := l.Sub(ctx, "/a", func(string, json.RawMessage) {}); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Sub() error = %v, want ErrDestroyed", err)
	}
	if err := l.Unsub(sub); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Unsub() error = %v, want ErrDestroyed", err)
	}
	if _, err := l.Serialize(); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Serialize() error = %v, want ErrDestroyed", err)
	}
}

func TestLocalConcurrentSetAndSub(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = l.Set("/k", j)
			}
		}(i)
		go func() {
			defer wg.Done()
			sub, err := l.Sub(ctx, "/k", func(string, json.RawMessage) {})
			if err == nil {
				_ = l.Unsub(sub)
			}
		}()
	}
	wg.Wait()
	if l.Subscribers("/k") != 0 {
		t.Errorf("Subscribers() = %d, want 0", l.Subscribers("/k"))
	}
}

func TestDecode(t *testing.T) {
	var out struct {
		Name string `json:"name"`
	}
	if err := Decode(json.RawMessage(`{"name":"ann"}`), &out); err != nil || out.Name != "ann" {
		t.Errorf("Decode() = %+v, %v", out, err)
	}
	var p *int
	if err := Decode(nil, &p); err != nil || p != nil {
		t.Errorf("Decode(nil) = %v, %v", p, err)
	}
}
