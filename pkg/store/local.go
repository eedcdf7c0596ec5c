package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/vango-dev/uplink/pkg/idgen"
	"github.com/vango-dev/uplink/pkg/protocol"
)

// Local is the authoritative in-memory Store. Set overwrites a value and
// synchronously fans it out to subscribers.
//
// Writes and subscription seeding are serialized, so every subscriber sees
// the values of one key in Set order. Callbacks run on the writer's
// goroutine and must not call Set, Delete or Sub on the same store.
type Local struct {
	// wmu serializes writes and the fan-out that follows them.
	wmu sync.Mutex

	mu        sync.RWMutex
	entries   map[string]protocol.Entry
	destroyed bool

	subs *Registry
}

// LocalOption configures a Local store.
type LocalOption func(*localConfig)

type localConfig struct {
	ids idgen.Generator
}

// WithIDGenerator sets the generator for subscription ids.
// Default: a counter scoped to the store.
func WithIDGenerator(g idgen.Generator) LocalOption {
	return func(c *localConfig) {
		c.ids = g
	}
}

// NewLocal creates an empty Local store.
func NewLocal(opts ...LocalOption) *Local {
	cfg := &localConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Local{
		entries: make(map[string]protocol.Entry),
		subs:    NewRegistry(cfg.ids),
	}
}

var _ Store = (*Local)(nil)

// Fetch returns the current value of key.
func (l *Local) Fetch(ctx context.Context, key string) (json.RawMessage, bool) {
	e, ok := l.Entry(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Get returns the current value of key.
func (l *Local) Get(key string) (json.RawMessage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.destroyed {
		return nil, ErrDestroyed
	}
	e, ok := l.entries[key]
	if !ok {
		return nil, ErrNotAvailable
	}
	return e.Value, nil
}

// Entry returns the canonical value and hash of key.
func (l *Local) Entry(key string) (protocol.Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.destroyed {
		return protocol.Entry{}, false
	}
	e, ok := l.entries[key]
	return e, ok
}

// Keys returns all keys in sorted order.
func (l *Local) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := make([]string, 0, len(l.entries))
	for k := range l.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set overwrites key with v and notifies subscribers.
func (l *Local) Set(key string, v any) error {
	_, _, err := l.Swap(key, v)
	return err
}

// Swap overwrites key with v, notifies subscribers and returns the previous
// entry (zero if absent) together with the new one.
func (l *Local) Swap(key string, v any) (prev, next protocol.Entry, err error) {
	next, err = protocol.NewEntry(v)
	if err != nil {
		return prev, next, err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return prev, next, ErrDestroyed
	}
	prev = l.entries[key]
	l.entries[key] = next
	l.mu.Unlock()

	l.subs.Notify(key, next.Value)
	return prev, next, nil
}

// Delete removes key and notifies subscribers with a nil value.
// It reports whether the key existed.
func (l *Local) Delete(key string) (bool, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return false, ErrDestroyed
	}
	_, ok := l.entries[key]
	delete(l.entries, key)
	l.mu.Unlock()

	if ok {
		l.subs.Notify(key, nil)
	}
	return ok, nil
}

// Sub registers fn and seeds it with the current value of key.
func (l *Local) Sub(ctx context.Context, key string, fn UpdateFunc) (*Subscription, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.RLock()
	if l.destroyed {
		l.mu.RUnlock()
		return nil, ErrDestroyed
	}
	cur := l.entries[key].Value
	l.mu.RUnlock()

	sub, _ := l.subs.Add(key, fn)
	l.subs.Call(sub, cur)
	return sub, nil
}

// Unsub removes a subscription.
func (l *Local) Unsub(sub *Subscription) error {
	if l.isDestroyed() {
		return ErrDestroyed
	}
	_, err := l.subs.Remove(sub)
	return err
}

// Subscribers returns the number of subscriptions for key.
func (l *Local) Subscribers(key string) int {
	return l.subs.Count(key)
}

// Serialize encodes every entry into a snapshot blob.
func (l *Local) Serialize() ([]byte, error) {
	return l.SerializeKeys()
}

// SerializeKeys encodes the named entries into a snapshot blob. With no
// keys, every entry is included. Unknown keys are skipped.
func (l *Local) SerializeKeys(keys ...string) ([]byte, error) {
	l.mu.RLock()
	if l.destroyed {
		l.mu.RUnlock()
		return nil, ErrDestroyed
	}
	values := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		for k, e := range l.entries {
			values[k] = e.Value
		}
	} else {
		for _, k := range keys {
			if e, ok := l.entries[k]; ok {
				values[k] = e.Value
			}
		}
	}
	l.mu.RUnlock()

	return EncodeSnapshot(values)
}

// Unserialize loads a snapshot blob. Keys in the blob overwrite existing
// entries and their subscribers are notified; other keys are untouched.
func (l *Local) Unserialize(blob []byte) error {
	snap, err := DecodeSnapshot(blob)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(snap.Values))
	for k := range snap.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := l.Set(k, snap.Values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Destroy drops all entries and subscriptions.
func (l *Local) Destroy() {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	l.mu.Lock()
	l.destroyed = true
	l.entries = make(map[string]protocol.Entry)
	l.mu.Unlock()

	l.subs.Clear()
}

func (l *Local) isDestroyed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.destroyed
}
