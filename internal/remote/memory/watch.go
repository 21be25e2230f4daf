package memory

import (
	"context"
	"sync"

	"github.com/jun/gophboard/internal/model"
)

type event struct {
	change model.ShapeChange
	ready  bool
}

// watcher delivers events to one subscriber from its own goroutine, in the
// order the server committed them.
type watcher struct {
	boardID string

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool
	done   chan struct{}
}

func newWatcher(boardID string) *watcher {
	w := &watcher{boardID: boardID, done: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) push(e event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.queue = append(w.queue, e)
	w.cond.Signal()
}

func (w *watcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.queue = nil
	close(w.done)
	w.cond.Broadcast()
}

func (w *watcher) loop(onChange func(model.ShapeChange), onReady func()) {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		e := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if e.ready {
			if onReady != nil {
				onReady()
			}
			continue
		}
		onChange(e.change)
	}
}

// Watch implements remote.Backend.
func (s *Server) Watch(ctx context.Context, boardID string, onChange func(model.ShapeChange), onReady func()) (func(), error) {
	s.mu.Lock()
	if err := s.checkRead("watch"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	w := newWatcher(boardID)
	for _, shape := range s.snapshot(boardID) {
		w.push(event{change: model.ShapeChange{Type: model.ChangeAdded, Shape: shape}})
	}
	w.push(event{ready: true})
	id := s.nextWatcher
	s.nextWatcher++
	s.watchers[id] = w
	s.mu.Unlock()

	stop := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.close()
	}

	go w.loop(onChange, onReady)
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-w.done:
		}
	}()
	return stop, nil
}
