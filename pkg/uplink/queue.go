package uplink

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// callbackQueue runs callbacks one at a time, in post order, on its own
// goroutine. Posting never blocks, so callbacks may be queued while the
// client lock is held.
type callbackQueue struct {
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

func newCallbackQueue(logger *slog.Logger) *callbackQueue {
	q := &callbackQueue{
		logger: logger,
		done:   make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// post appends fn and reports whether the queue accepted it.
func (q *callbackQueue) post(fn func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return true
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.call(fn)
	}
}

func (q *callbackQueue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("callback panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// close stops accepting callbacks. Already queued callbacks still run.
func (q *callbackQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
