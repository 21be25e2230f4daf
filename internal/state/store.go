// Package state is the local authoritative copy of a board: shapes,
// selection, tool, viewport and the live cursors and users of other clients.
// All mutation goes through Store.Dispatch.
package state

import (
	"slices"
	"sync"
	"time"

	"github.com/jun/gophboard/internal/model"
)

// Tool is the active editing tool.
type Tool string

const (
	ToolSelect   Tool = "select"
	ToolPan      Tool = "pan"
	ToolRect     Tool = "rect"
	ToolCircle   Tool = "circle"
	ToolTriangle Tool = "triangle"
	ToolText     Tool = "text"
)

// View is the viewport: zoom, pan offset and visible size.
type View struct {
	Scale  float64 `json:"scale"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// State is a point-in-time copy of the store.
type State struct {
	Version     uint64             `json:"version"`
	Shapes      []model.Shape      `json:"shapes"`
	Selected    []string           `json:"selected"`
	Tool        Tool               `json:"tool"`
	View        View               `json:"view"`
	Cursors     []model.Cursor     `json:"cursors"`
	OnlineUsers []model.OnlineUser `json:"onlineUsers"`
	Loaded      bool               `json:"loaded"`
}

// Option configures a Store.
type Option func(*Store)

// WithTolerance overrides DefaultTolerance.
func WithTolerance(d time.Duration) Option {
	return func(s *Store) { s.tolerance = d }
}

// Store owns one board's local state.
type Store struct {
	mu        sync.Mutex
	st        State
	index     map[string]int
	tolerance time.Duration

	subMu      sync.Mutex
	subs       map[int]func(State)
	nextSub    int
	pending    []State
	delivering bool
}

// New creates an empty store with the select tool and unit scale.
func New(opts ...Option) *Store {
	s := &Store{
		st:        State{Tool: ToolSelect, View: View{Scale: 1}},
		index:     make(map[string]int),
		tolerance: DefaultTolerance,
		subs:      make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tolerance returns the last-write-wins window in use.
func (s *Store) Tolerance() time.Duration { return s.tolerance }

// Dispatch applies a and notifies subscribers when state changed. It reports
// whether anything changed.
func (s *Store) Dispatch(a Action) bool {
	s.mu.Lock()
	changed := a.apply(s)
	var snap State
	if changed {
		s.st.Version++
		snap = s.copyLocked()
	}
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
	return changed
}

// notify delivers snapshots in version order. A subscriber that dispatches
// from its callback has its snapshot delivered after the current one.
func (s *Store) notify(snap State) {
	s.subMu.Lock()
	s.pending = append(s.pending, snap)
	if s.delivering {
		s.subMu.Unlock()
		return
	}
	s.delivering = true
	for len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		fns := make([]func(State), 0, len(s.subs))
		for id := 0; id < s.nextSub; id++ {
			if fn, ok := s.subs[id]; ok {
				fns = append(fns, fn)
			}
		}
		s.subMu.Unlock()
		for _, fn := range fns {
			fn(next)
		}
		s.subMu.Lock()
	}
	s.delivering = false
	s.subMu.Unlock()
}

// Subscribe calls fn with a snapshot after every change. The returned func
// unsubscribes and may be called more than once.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return sync.OnceFunc(func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	})
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyLocked()
}

// Shape returns a copy of one shape.
func (s *Store) Shape(id string) (model.Shape, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return model.Shape{}, false
	}
	return s.st.Shapes[i], true
}

// Shapes returns a copy of every shape in insertion order.
func (s *Store) Shapes() []model.Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.st.Shapes)
}

func (s *Store) copyLocked() State {
	out := s.st
	out.Shapes = slices.Clone(s.st.Shapes)
	out.Selected = slices.Clone(s.st.Selected)
	out.Cursors = slices.Clone(s.st.Cursors)
	out.OnlineUsers = slices.Clone(s.st.OnlineUsers)
	return out
}

func (s *Store) put(sh model.Shape) {
	if i, ok := s.index[sh.ID]; ok {
		s.st.Shapes[i] = sh
		return
	}
	s.index[sh.ID] = len(s.st.Shapes)
	s.st.Shapes = append(s.st.Shapes, sh)
}

func (s *Store) remove(id string) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	s.st.Shapes = slices.Delete(s.st.Shapes, i, i+1)
	delete(s.index, id)
	for j := i; j < len(s.st.Shapes); j++ {
		s.index[s.st.Shapes[j].ID] = j
	}
	s.st.Selected = slices.DeleteFunc(s.st.Selected, func(sel string) bool { return sel == id })
	return true
}
