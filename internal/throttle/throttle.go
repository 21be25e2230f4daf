// Package throttle coalesces bursts of calls per key.
//
// The first call for a key runs at once. Calls arriving within the interval
// replace a single pending value, which runs when the interval ends. Runs for
// one key never overlap and happen in call order.
package throttle

import (
	"sync"
	"time"
)

type task[V any] struct {
	timer   *time.Timer
	pending bool
	value   V

	// tickets order the runs of this key
	issued uint64
	done   uint64
}

// Table is a mapping from key to a scheduled task.
type Table[K comparable, V any] struct {
	interval time.Duration
	fn       func(K, V)

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   map[K]*task[V]
	stopped bool
}

// New creates a table running fn at most once per interval and key,
// plus one trailing run.
func New[K comparable, V any](interval time.Duration, fn func(K, V)) *Table[K, V] {
	t := &Table[K, V]{
		interval: interval,
		fn:       fn,
		tasks:    make(map[K]*task[V]),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Call schedules v for key.
func (t *Table[K, V]) Call(key K, v V) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	tk, ok := t.tasks[key]
	if ok {
		tk.pending = true
		tk.value = v
		t.mu.Unlock()
		return
	}
	tk = &task[V]{}
	tk.timer = time.AfterFunc(t.interval, func() { t.fire(key, tk) })
	t.tasks[key] = tk
	ticket := t.issue(tk)
	t.mu.Unlock()

	t.run(key, tk, ticket, v)
}

// issue must be called with t.mu held.
func (t *Table[K, V]) issue(tk *task[V]) uint64 {
	tk.issued++
	return tk.issued
}

func (t *Table[K, V]) run(key K, tk *task[V], ticket uint64, v V) {
	t.mu.Lock()
	for tk.done != ticket-1 {
		t.cond.Wait()
	}
	t.mu.Unlock()

	t.fn(key, v)

	t.mu.Lock()
	tk.done = ticket
	t.cond.Broadcast()
	t.mu.Unlock()
}

func (t *Table[K, V]) fire(key K, tk *task[V]) {
	t.mu.Lock()
	if t.tasks[key] != tk {
		t.mu.Unlock()
		return
	}
	if tk.pending {
		v := tk.value
		tk.pending = false
		var zero V
		tk.value = zero
		tk.timer.Reset(t.interval)
		ticket := t.issue(tk)
		t.mu.Unlock()
		t.run(key, tk, ticket, v)
		return
	}
	if tk.done != tk.issued {
		// A slow run is still in flight; keep the window open.
		tk.timer.Reset(t.interval)
		t.mu.Unlock()
		return
	}
	delete(t.tasks, key)
	t.mu.Unlock()
}

// Flush runs the pending value of key now, if any, and waits for it.
func (t *Table[K, V]) Flush(key K) {
	t.mu.Lock()
	tk, ok := t.tasks[key]
	if !ok || !tk.pending {
		t.mu.Unlock()
		return
	}
	v := tk.value
	tk.pending = false
	var zero V
	tk.value = zero
	ticket := t.issue(tk)
	t.mu.Unlock()

	t.run(key, tk, ticket, v)
}

// FlushAll flushes every key with a pending value.
func (t *Table[K, V]) FlushAll() {
	t.mu.Lock()
	keys := make([]K, 0, len(t.tasks))
	for k, tk := range t.tasks {
		if tk.pending {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()

	for _, k := range keys {
		t.Flush(k)
	}
}

// Pending reports whether key has a trailing value waiting.
func (t *Table[K, V]) Pending(key K) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.tasks[key]
	return ok && tk.pending
}

// Cancel drops the pending value of key and forgets the key.
func (t *Table[K, V]) Cancel(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tk, ok := t.tasks[key]; ok {
		tk.timer.Stop()
		tk.pending = false
		delete(t.tasks, key)
	}
}

// Stop cancels every key. Later calls are ignored.
func (t *Table[K, V]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for k, tk := range t.tasks {
		tk.timer.Stop()
		tk.pending = false
		delete(t.tasks, k)
	}
}
