package memory

import (
	"sync"

	"github.com/jun/gophboard/internal/realtime"
)

// watcher hands the latest children snapshot to its subscriber. Snapshots
// that arrive faster than they are consumed collapse to the newest.
type watcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest realtime.Children
	dirty  bool
	closed bool
	done   chan struct{}
}

func newWatcher() *watcher {
	w := &watcher{done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) push(snap realtime.Children) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.latest = snap
	w.dirty = true
	w.cond.Signal()
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.latest = nil
	close(w.done)
	w.cond.Broadcast()
}

func (w *watcher) loop(onChange func(realtime.Children)) {
	for {
		w.mu.Lock()
		for !w.dirty && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		snap := w.latest
		w.dirty = false
		w.mu.Unlock()

		onChange(snap)
	}
}
