package uplink

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/vango-dev/uplink/pkg/store"
)

// RemoteStore is a store.Store backed by a Client. Sub keeps a wire
// subscription alive for as long as the returned handle is live; updates
// arrive asynchronously on the client's callback goroutine.
type RemoteStore struct {
	c *Client

	mu        sync.Mutex
	destroyed bool
	owned     map[*store.Subscription]struct{}
}

var _ store.Store = (*RemoteStore)(nil)

// NewRemoteStore wraps c.
func NewRemoteStore(c *Client) *RemoteStore {
	return &RemoteStore{
		c:     c,
		owned: make(map[*store.Subscription]struct{}),
	}
}

// Client returns the underlying client.
func (s *RemoteStore) Client() *Client {
	return s.c
}

func (s *RemoteStore) isDestroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// Fetch reads key from the server. Absent on any failure.
func (s *RemoteStore) Fetch(ctx context.Context, key string) (json.RawMessage, bool) {
	if s.isDestroyed() {
		return nil, false
	}
	return s.c.Fetch(ctx, key)
}

// Get returns the cached value of key.
func (s *RemoteStore) Get(key string) (json.RawMessage, error) {
	if s.isDestroyed() {
		return nil, store.ErrDestroyed
	}
	return s.c.Get(key)
}

// Sub subscribes to key and calls fn with the current value before
// returning. The first subscription of a key fetches it, since the cache
// may hold a value from before the subscription, unless the value came from
// a bootstrap snapshot of the current server instance.
func (s *RemoteStore) Sub(ctx context.Context, key string, fn store.UpdateFunc) (*store.Subscription, error) {
	if s.isDestroyed() {
		return nil, store.ErrDestroyed
	}
	c := s.c
	first, err := c.subscribe(key)
	if err != nil {
		return nil, err
	}

	var fetched json.RawMessage
	c.mu.Lock()
	e := c.cache[key]
	stale := e == nil || !e.has || (first && !c.fromSnapshotLocked(key))
	c.mu.Unlock()
	if stale {
		fetched, _ = c.Fetch(ctx, key)
	}

	// Deliveries queued after Add wait for the seed.
	var seed sync.Mutex
	seed.Lock()
	sub, cur := c.addSubscriber(key, func(k string, v json.RawMessage) {
		seed.Lock()
		defer seed.Unlock()
		fn(k, v)
	})
	if cur == nil {
		cur = fetched
	}
	fn(key, cur)
	seed.Unlock()

	s.mu.Lock()
	s.owned[sub] = struct{}{}
	s.mu.Unlock()
	return sub, nil
}

// addSubscriber registers fn and returns the value it must be seeded with.
func (c *Client) addSubscriber(key string, fn store.UpdateFunc) (*store.Subscription, json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, _ := c.subs.Add(key, fn)
	if e := c.cache[key]; e != nil && e.has {
		return sub, e.value
	}
	return sub, nil
}

// Unsub removes a subscription and drops its wire reference.
func (s *RemoteStore) Unsub(sub *store.Subscription) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return store.ErrDestroyed
	}
	if _, ok := s.owned[sub]; !ok {
		s.mu.Unlock()
		return store.ErrUnknownSubscription
	}
	delete(s.owned, sub)
	s.mu.Unlock()

	if _, err := s.c.subs.Remove(sub); err != nil {
		return err
	}
	return s.c.UnsubscribeFrom(sub.Key)
}

// Serialize encodes every cached value into a snapshot blob.
func (s *RemoteStore) Serialize() ([]byte, error) {
	if s.isDestroyed() {
		return nil, store.ErrDestroyed
	}
	return store.EncodeSnapshot(s.c.snapshotValues())
}

// Unserialize loads a snapshot blob, typically the store of a bootstrap
// payload, so its keys are readable without a fetch. The origin of the
// blob is unknown, so Sub still fetches its keys.
func (s *RemoteStore) Unserialize(blob []byte) error {
	if s.isDestroyed() {
		return store.ErrDestroyed
	}
	return s.c.loadSnapshot(blob, "")
}

// Destroy closes the client.
func (s *RemoteStore) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.owned = nil
	s.mu.Unlock()
	s.c.Close()
}
