// Package connectivity tracks whether the remote store is reachable and tells
// subscribers about online/offline transitions.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// ProbeFunc reports nil when the remote side is reachable.
type ProbeFunc func(ctx context.Context) error

// Monitor holds the current connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// NewMonitor creates a monitor with the given initial state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: make(map[int]func(bool))}
}

// Online reports the last known state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records a state and notifies subscribers on transitions.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for id := 0; id < m.nextID; id++ {
		if fn, ok := m.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if online {
		glog.Infof("connectivity: online")
	} else {
		glog.Warningf("connectivity: offline")
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for transitions, in subscription order. The returned
// func unsubscribes and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Run polls probe every interval and records the result until ctx is done.
func (m *Monitor) Run(ctx context.Context, probe ProbeFunc, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		err := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			glog.V(1).Infof("connectivity: probe failed: %v", err)
		}
		m.Set(err == nil)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
