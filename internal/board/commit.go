package board

import (
	"context"
	"sync"
)

// Result is the outcome of a mutation. Queued is set when the write was
// diverted to the offline queue; the local change stays applied.
type Result struct {
	ID     string   `json:"id,omitempty"`
	IDs    []string `json:"ids,omitempty"`
	Queued bool     `json:"queued"`
}

// Commit is the background half of a mutation.
type Commit struct {
	done chan struct{}
	res  Result
	err  error
}

func newCommit() *Commit {
	return &Commit{done: make(chan struct{})}
}

func (c *Commit) finish(res Result, err error) {
	c.res, c.err = res, err
	close(c.done)
}

// Done is closed once the commit settled.
func (c *Commit) Done() <-chan struct{} { return c.done }

// Wait blocks until the commit settled or ctx ends.
func (c *Commit) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.res, c.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// lanes runs jobs in FIFO order per key, one goroutine per busy key.
type lanes struct {
	mu    sync.Mutex
	byKey map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	jobs []func()
}

func newLanes() *lanes {
	return &lanes{byKey: make(map[string]*lane)}
}

func (l *lanes) submit(key string, job func()) {
	l.mu.Lock()
	if ln, ok := l.byKey[key]; ok {
		ln.jobs = append(ln.jobs, job)
		l.mu.Unlock()
		return
	}
	ln := &lane{jobs: []func(){job}}
	l.byKey[key] = ln
	l.wg.Add(1)
	l.mu.Unlock()

	go l.drain(key, ln)
}

func (l *lanes) drain(key string, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.jobs) == 0 {
			delete(l.byKey, key)
			l.mu.Unlock()
			return
		}
		job := ln.jobs[0]
		ln.jobs = ln.jobs[1:]
		l.mu.Unlock()

		job()
	}
}

// wait blocks until every lane drained or ctx ends.
func (l *lanes) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
