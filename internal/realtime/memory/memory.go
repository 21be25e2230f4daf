// Package memory is an in-process ephemeral service. Every Conn from the same
// Server sees the same nodes; closing a Conn behaves like a dropped
// connection and runs its armed removals.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/realtime"
)

// Server holds every node.
type Server struct {
	mu       sync.Mutex
	nodes    map[string]realtime.Children
	watchers map[string]map[int]*watcher
	nextID   int
}

// NewServer creates an empty server.
func NewServer() *Server {
	return &Server{
		nodes:    make(map[string]realtime.Children),
		watchers: make(map[string]map[int]*watcher),
	}
}

// Connect opens a new client connection.
func (s *Server) Connect() *Conn {
	return &Conn{srv: s, hooks: make(map[string]uint64)}
}

// Get returns a node value, for inspection.
func (s *Server) Get(p string) ([]byte, bool) {
	parent, child, err := realtime.Split(p)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.nodes[parent][child]
	return v, ok
}

// Children returns a copy of every child under parent.
func (s *Server) Children(parent string) realtime.Children {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.nodes[parent])
}

// publish must be called with s.mu held.
func (s *Server) publish(parent string) {
	snap := s.snapshot(parent)
	for _, w := range s.watchers[parent] {
		w.push(snap)
	}
}

// snapshot must be called with s.mu held.
func (s *Server) snapshot(parent string) realtime.Children {
	out := make(realtime.Children, len(s.nodes[parent]))
	for k, v := range s.nodes[parent] {
		out[k] = append([]byte(nil), v...)
	}
	return out
}

func (s *Server) set(p string, value []byte) error {
	parent, child, err := realtime.Split(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kids, ok := s.nodes[parent]
	if !ok {
		kids = make(realtime.Children)
		s.nodes[parent] = kids
	}
	kids[child] = append([]byte(nil), value...)
	s.publish(parent)
	return nil
}

func (s *Server) remove(p string) error {
	parent, child, err := realtime.Split(p)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kids, ok := s.nodes[parent]
	if !ok {
		return nil
	}
	if _, ok := kids[child]; !ok {
		return nil
	}
	delete(kids, child)
	if len(kids) == 0 {
		delete(s.nodes, parent)
	}
	s.publish(parent)
	return nil
}

// Conn is one client connection.
type Conn struct {
	srv *Server

	mu       sync.Mutex
	closed   bool
	hooks    map[string]uint64
	hookSeq  uint64
	watchers []func()
}

var _ realtime.Store = (*Conn)(nil)

func (c *Conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return realtime.ErrClosed
	}
	return nil
}

// Set implements realtime.Store.
func (c *Conn) Set(_ context.Context, p string, value []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.srv.set(p, value)
}

// Remove implements realtime.Store.
func (c *Conn) Remove(_ context.Context, p string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.srv.remove(p)
}

// OnDisconnectRemove implements realtime.Store. Re-arming a path replaces the
// previous arming; a stale cancel leaves the newer one in place.
func (c *Conn) OnDisconnectRemove(_ context.Context, p string) (func(), error) {
	if _, _, err := realtime.Split(p); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, realtime.ErrClosed
	}
	c.hookSeq++
	seq := c.hookSeq
	c.hooks[p] = seq
	return sync.OnceFunc(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.hooks[p] == seq {
			delete(c.hooks, p)
		}
	}), nil
}

// WatchChildren implements realtime.Store.
func (c *Conn) WatchChildren(ctx context.Context, parent string, onChange func(realtime.Children), onError func(error)) (func(), error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	s := c.srv
	w := newWatcher()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.watchers[parent] == nil {
		s.watchers[parent] = make(map[int]*watcher)
	}
	s.watchers[parent][id] = w
	w.push(s.snapshot(parent))
	s.mu.Unlock()

	stop := sync.OnceFunc(func() {
		s.mu.Lock()
		delete(s.watchers[parent], id)
		if len(s.watchers[parent]) == 0 {
			delete(s.watchers, parent)
		}
		s.mu.Unlock()
		w.close()
	})

	c.mu.Lock()
	c.watchers = append(c.watchers, stop)
	c.mu.Unlock()

	go w.loop(onChange)
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-w.done:
		}
	}()
	return stop, nil
}

// Close drops the connection: armed removals run and watches end.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	watchers := c.watchers
	c.watchers = nil
	c.mu.Unlock()

	for p := range hooks {
		if err := c.srv.remove(p); err != nil {
			glog.Warningf("realtime: disconnect removal of %s: %v", p, err)
		}
	}
	for _, stop := range watchers {
		stop()
	}
	return nil
}
