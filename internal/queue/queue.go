// Package queue is the durable backlog of writes that could not reach the
// remote store. Entries are persisted per board and replayed in enqueue order
// with exponential backoff.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"

	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
)

// ErrUnknownOperation is returned by executors for operation types they do not handle.
var ErrUnknownOperation = errors.New("unknown operation type")

// Executor replays one queued operation against the remote store.
type Executor interface {
	Execute(ctx context.Context, op model.Operation) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, op model.Operation) error

func (f ExecutorFunc) Execute(ctx context.Context, op model.Operation) error { return f(ctx, op) }

// Options tunes the retry policy.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// IsRetryable decides whether a failed operation stays queued.
	IsRetryable func(error) bool

	// OnDropped is told about operations given up on.
	OnDropped func(op model.Operation, err error)

	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Result counts the outcomes of one flush.
type Result struct {
	Success  int `json:"success"`
	Failed   int `json:"failed"`
	Retrying int `json:"retrying"`
}

// Stats describes the queue without changing it.
type Stats struct {
	Total   int                         `json:"total"`
	Ready   int                         `json:"ready"`
	Waiting int                         `json:"waiting"`
	ByType  map[model.OperationType]int `json:"byType"`
	Oldest  int64                       `json:"oldest,omitempty"`
}

// Queue is the offline queue of one board.
type Queue struct {
	store   kv.Store
	boardID string
	opts    Options

	// mu guards read-modify-write of the persisted list.
	mu sync.Mutex
	// flushMu serializes flushes.
	flushMu sync.Mutex
}

// New creates the queue of boardID on store.
func New(store kv.Store, boardID string, opts Options) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	switch {
	case opts.MaxBackoff <= 0:
		opts.MaxBackoff = 32 * opts.InitialBackoff
	case opts.MaxBackoff < opts.InitialBackoff:
		glog.Warningf("queue %s: max backoff %s is below initial backoff %s, using %s for both", boardID, opts.MaxBackoff, opts.InitialBackoff, opts.MaxBackoff)
		opts.InitialBackoff = opts.MaxBackoff
	}
	if opts.IsRetryable == nil {
		opts.IsRetryable = func(error) bool { return true }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{store: store, boardID: boardID, opts: opts}
}

func (q *Queue) key() string {
	return "queue:" + q.boardID
}

// load returns the entries sorted by enqueue time.
func (q *Queue) load(ctx context.Context) ([]model.Operation, error) {
	raw, err := q.store.Get(ctx, q.key())
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue %s: %w", q.boardID, err)
	}
	var ops []model.Operation
	if err := json.Unmarshal(raw, &ops); err != nil {
		return nil, fmt.Errorf("failed to decode queue %s: %w", q.boardID, err)
	}
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].Timestamp < ops[j].Timestamp })
	return ops, nil
}

func (q *Queue) save(ctx context.Context, ops []model.Operation) error {
	defer q.opts.Metrics.QueueDepth.WithLabelValues(q.boardID).Set(float64(len(ops)))
	if len(ops) == 0 {
		if err := q.store.Delete(ctx, q.key()); err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("failed to clear queue %s: %w", q.boardID, err)
		}
		return nil
	}
	raw, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("failed to encode queue %s: %w", q.boardID, err)
	}
	if err := q.store.Set(ctx, q.key(), raw); err != nil {
		return fmt.Errorf("failed to save queue %s: %w", q.boardID, err)
	}
	return nil
}

func indexOf(ops []model.Operation, id string) int {
	for i := range ops {
		if ops[i].ID == id {
			return i
		}
	}
	return -1
}

// Enqueue adds op. An entry with the same id is replaced: it takes the new
// type and payload and keeps its retry state and original timestamp.
func (q *Queue) Enqueue(ctx context.Context, op model.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("%w: operation id is required", model.ErrInvalid)
	}
	if op.BoardID == "" {
		op.BoardID = q.boardID
	}
	if op.Timestamp == 0 {
		op.Timestamp = q.opts.Now().UnixMilli()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	if i := indexOf(ops, op.ID); i >= 0 {
		ops[i].Type = op.Type
		ops[i].Payload = op.Payload
		glog.V(2).Infof("queue %s: replaced %s %s", q.boardID, op.Type, op.ID)
	} else {
		ops = append(ops, op)
		q.opts.Metrics.QueueEnqueued.WithLabelValues(q.boardID, string(op.Type)).Inc()
		glog.V(1).Infof("queue %s: enqueued %s %s", q.boardID, op.Type, op.ID)
	}
	return q.save(ctx, ops)
}

// Remove drops the entry with id, if any.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops, err := q.load(ctx)
	if err != nil {
		return err
	}
	i := indexOf(ops, id)
	if i < 0 {
		return nil
	}
	return q.save(ctx, append(ops[:i], ops[i+1:]...))
}

// List returns the entries in replay order.
func (q *Queue) List(ctx context.Context) ([]model.Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

// Clear drops every entry.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.save(ctx, nil)
}

// HasPending reports whether any entry is queued. Load failures report false.
func (q *Queue) HasPending(ctx context.Context) bool {
	ops, err := q.List(ctx)
	if err != nil {
		glog.Warningf("queue %s: %v", q.boardID, err)
		return false
	}
	return len(ops) > 0
}

// Stats summarizes the queue.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return Stats{}, err
	}
	now := q.opts.Now().UnixMilli()
	st := Stats{Total: len(ops), ByType: make(map[model.OperationType]int)}
	for _, op := range ops {
		st.ByType[op.Type]++
		if op.NextRetry > now {
			st.Waiting++
		} else {
			st.Ready++
		}
		if st.Oldest == 0 || op.Timestamp < st.Oldest {
			st.Oldest = op.Timestamp
		}
	}
	return st, nil
}

// Delay is the wait after a failure of an operation that had already been
// attempted attempts times: InitialBackoff doubled per attempt, capped at
// MaxBackoff.
func (q *Queue) Delay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.InitialBackoff
	b.MaxInterval = q.opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempts && d < q.opts.MaxBackoff; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Flush replays every entry whose retry time has come, oldest first. Entries
// still waiting count as retrying. Flushes never overlap; writes enqueued
// while a flush runs are kept.
func (q *Queue) Flush(ctx context.Context, exec Executor) (Result, error) {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()
	q.opts.Metrics.FlushesInFlight.Inc()
	defer q.opts.Metrics.FlushesInFlight.Dec()

	ops, err := q.List(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for i, op := range ops {
		now := q.opts.Now()
		if ctx.Err() != nil {
			res.Retrying += len(ops) - i
			break
		}
		if op.NextRetry > now.UnixMilli() {
			res.Retrying++
			continue
		}

		err := exec.Execute(ctx, op)
		switch {
		case err == nil:
			res.Success++
			q.settle(ctx, op, nil)
			q.opts.Metrics.FlushOutcomes.WithLabelValues(q.boardID, "success").Inc()

		case !errors.Is(err, ErrUnknownOperation) && q.opts.IsRetryable(err) && op.Attempts < q.opts.MaxAttempts:
			res.Retrying++
			next := op
			next.Attempts++
			next.NextRetry = now.Add(q.Delay(op.Attempts)).UnixMilli()
			next.LastError = err.Error()
			q.settle(ctx, op, &next)
			q.opts.Metrics.FlushOutcomes.WithLabelValues(q.boardID, "retrying").Inc()
			glog.V(1).Infof("queue %s: %s %s failed (attempt %d), retry at %d: %v",
				q.boardID, op.Type, op.ID, next.Attempts, next.NextRetry, err)

		default:
			res.Failed++
			q.settle(ctx, op, nil)
			q.drop(op, err)
		}
	}

	if res.Success+res.Failed > 0 {
		glog.Infof("queue %s: flushed %d ok, %d failed, %d waiting", q.boardID, res.Success, res.Failed, res.Retrying)
	}
	return res, nil
}

func (q *Queue) drop(op model.Operation, err error) {
	q.opts.Metrics.FlushOutcomes.WithLabelValues(q.boardID, "failed").Inc()
	q.opts.Metrics.QueueDropped.WithLabelValues(q.boardID, string(op.Type)).Inc()
	if errors.Is(err, ErrUnknownOperation) {
		glog.Errorf("queue %s: dropping %s: %v", q.boardID, op.ID, err)
	} else {
		glog.Errorf("queue %s: dropping %s %s after %d attempts: %v", q.boardID, op.Type, op.ID, op.Attempts, err)
	}
	if q.opts.OnDropped != nil {
		q.opts.OnDropped(op, err)
	}
}

// settle writes back the outcome of executing op. A nil next removes the
// entry unless it was re-enqueued with a new payload in the meantime; a
// non-nil next records its retry state on the current entry.
func (q *Queue) settle(ctx context.Context, op model.Operation, next *model.Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.load(ctx)
	if err != nil {
		glog.Errorf("queue %s: %v", q.boardID, err)
		return
	}
	i := indexOf(ops, op.ID)
	if i < 0 {
		return
	}
	cur := ops[i]
	if next == nil {
		if cur.Type != op.Type || !bytes.Equal(cur.Payload, op.Payload) {
			return
		}
		ops = append(ops[:i], ops[i+1:]...)
	} else {
		ops[i].Attempts = next.Attempts
		ops[i].NextRetry = next.NextRetry
		ops[i].LastError = next.LastError
	}
	if err := q.save(ctx, ops); err != nil {
		glog.Errorf("queue %s: %v", q.boardID, err)
	}
}
