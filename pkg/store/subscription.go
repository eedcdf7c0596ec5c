package store

import (
	"encoding/json"
	"sync"

	"github.com/vango-dev/uplink/pkg/idgen"
)

// Subscription is the handle returned by Sub. Pass it back unchanged to Unsub.
type Subscription struct {
	ID  string
	Key string

	fn UpdateFunc
}

// Registry tracks subscriptions per key. It is the building block both store
// variants use for fan-out.
type Registry struct {
	mu    sync.Mutex
	ids   idgen.Generator
	byID  map[string]*Subscription
	byKey map[string][]*Subscription
}

// NewRegistry creates an empty registry. A nil generator uses a counter
// scoped to this registry.
func NewRegistry(ids idgen.Generator) *Registry {
	return &Registry{
		ids:   idgen.Or(ids, idgen.NewCounter("sub-")),
		byID:  make(map[string]*Subscription),
		byKey: make(map[string][]*Subscription),
	}
}

// Add registers fn for key and reports whether it is the first
// subscription for that key.
func (r *Registry) Add(key string, fn UpdateFunc) (sub *Subscription, first bool) {
	sub = &Subscription{ID: r.ids.NewID(), Key: key, fn: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	first = len(r.byKey[key]) == 0
	r.byID[sub.ID] = sub
	r.byKey[key] = append(r.byKey[key], sub)
	return sub, first
}

// Remove unregisters sub and reports whether it was the last subscription
// for its key.
func (r *Registry) Remove(sub *Subscription) (last bool, err error) {
	if sub == nil {
		return false, ErrUnknownSubscription
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.byID[sub.ID]
	if !ok || cur != sub {
		return false, ErrUnknownSubscription
	}
	delete(r.byID, sub.ID)

	subs := r.byKey[sub.Key]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(r.byKey, sub.Key)
		return true, nil
	}
	r.byKey[sub.Key] = subs
	return false, nil
}

// Notify calls every subscriber of key with value, in subscription order.
// Callbacks run on the caller's goroutine without the registry lock held.
func (r *Registry) Notify(key string, value json.RawMessage) {
	r.mu.Lock()
	subs := append([]*Subscription(nil), r.byKey[key]...)
	r.mu.Unlock()

	for _, s := range subs {
		s.fn(key, value)
	}
}

// Snapshot returns the current subscriptions of key in subscription order.
func (r *Registry) Snapshot(key string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Subscription(nil), r.byKey[key]...)
}

// Call invokes a single subscription's callback unless it was removed.
func (r *Registry) Call(sub *Subscription, value json.RawMessage) {
	r.mu.Lock()
	cur, ok := r.byID[sub.ID]
	r.mu.Unlock()
	if !ok || cur != sub {
		return
	}
	sub.fn(sub.Key, value)
}

// Count returns the number of subscriptions for key.
func (r *Registry) Count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byKey[key])
}

// Keys returns every key with at least one subscription.
func (r *Registry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	return keys
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID = make(map[string]*Subscription)
	r.byKey = make(map[string][]*Subscription)
}
