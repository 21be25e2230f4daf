package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *clock) {
	t.Helper()
	c := &clock{now: time.UnixMilli(1_000_000)}
	opts.Now = c.Now
	if opts.IsRetryable == nil {
		opts.IsRetryable = func(err error) bool { return errors.Is(err, errTransient) }
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return New(kv.NewSessionStore(64), "board-1", opts), c
}

func updateOp(t *testing.T, id, shapeID string, x float64, ts int64) model.Operation {
	t.Helper()
	op, err := model.NewOperation("board-1", model.OpUpdateShape, model.UpdatePayload{ShapeID: shapeID, Patch: model.ShapePatch{X: model.Float(x)}})
	require.NoError(t, err)
	op.ID = id
	op.Timestamp = ts
	return op
}

// recorder executes operations and records their ids.
type recorder struct {
	mu   sync.Mutex
	ids  []string
	errs map[string]error
}

func (r *recorder) Execute(_ context.Context, op model.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, op.ID)
	return r.errs[op.ID]
}

func TestEnqueueSameIDReplaces(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})

	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 2, 20)))

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	var p model.UpdatePayload
	require.NoError(t, ops[0].Decode(&p))
	assert.Equal(t, 2.0, *p.Patch.X, "latest payload wins")
	assert.Equal(t, int64(10), ops[0].Timestamp, "original enqueue time is kept")
}

func TestEnqueuePreservesRetryState(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))

	_, err := q.Flush(ctx, &recorder{errs: map[string]error{"op1": errTransient}})
	require.NoError(t, err)

	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 5, 99)))
	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.NotZero(t, ops[0].NextRetry)
	assert.Equal(t, "transient", ops[0].LastError)
}

func TestEnqueueRequiresID(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	err := q.Enqueue(context.Background(), model.Operation{Type: model.OpDeleteShape})
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestFlushReplaysInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "c", "s1", 3, 30)))
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "a", "s1", 1, 10)))
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "b", "s1", 2, 20)))

	r := &recorder{}
	res, err := q.Flush(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: 3}, res)
	assert.Equal(t, []string{"a", "b", "c"}, r.ids)
	assert.False(t, q.HasPending(ctx))
}

func TestDelayDoublesUpToCap(t *testing.T) {
	q, _ := newTestQueue(t, Options{InitialBackoff: time.Second, MaxBackoff: 32 * time.Second})
	want := []time.Duration{1, 2, 4, 8, 16, 32, 32, 32}
	for attempts, w := range want {
		assert.Equal(t, w*time.Second, q.Delay(attempts), "attempts=%d", attempts)
	}
}

func TestDelayNeverExceedsConfiguredCap(t *testing.T) {
	q, _ := newTestQueue(t, Options{InitialBackoff: 4 * time.Second, MaxBackoff: time.Second})
	for attempts := 0; attempts < 5; attempts++ {
		assert.Equal(t, time.Second, q.Delay(attempts), "attempts=%d", attempts)
	}
}

func TestBackoffIsMonotonicAndBounded(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t, Options{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: 8 * time.Second})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	exec := &recorder{errs: map[string]error{"op1": errTransient}}

	var last int64
	for i := 0; i < 8; i++ {
		res, err := q.Flush(ctx, exec)
		require.NoError(t, err)
		assert.Equal(t, Result{Retrying: 1}, res)

		ops, err := q.List(ctx)
		require.NoError(t, err)
		require.Len(t, ops, 1)
		next := ops[0].NextRetry
		assert.GreaterOrEqual(t, next, last)
		assert.LessOrEqual(t, next-c.Now().UnixMilli(), (8 * time.Second).Milliseconds())
		last = next

		c.Advance(time.Duration(next-c.Now().UnixMilli()) * time.Millisecond)
	}
}

func TestFlushSkipsEntriesNotYetDue(t *testing.T) {
	ctx := context.Background()
	q, c := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))

	exec := &recorder{errs: map[string]error{"op1": errTransient}}
	_, err := q.Flush(ctx, exec)
	require.NoError(t, err)

	// retry gate is 1s away
	res, err := q.Flush(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, Result{Retrying: 1}, res)
	assert.Len(t, exec.ids, 1)

	c.Advance(time.Second)
	delete(exec.errs, "op1")
	res, err = q.Flush(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, Result{Success: 1}, res)
}

func TestMaxAttemptsTermination(t *testing.T) {
	ctx := context.Background()
	var dropped []model.Operation
	q, c := newTestQueue(t, Options{
		MaxAttempts: 5,
		OnDropped:   func(op model.Operation, _ error) { dropped = append(dropped, op) },
	})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	exec := &recorder{errs: map[string]error{"op1": errTransient}}

	for attempt := 1; attempt <= 5; attempt++ {
		res, err := q.Flush(ctx, exec)
		require.NoError(t, err)
		assert.Equal(t, Result{Retrying: 1}, res, "attempt %d", attempt)

		ops, err := q.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, attempt, ops[0].Attempts)
		c.Advance(time.Minute)
	}

	res, err := q.Flush(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.False(t, q.HasPending(ctx))
	require.Len(t, dropped, 1)
	assert.Equal(t, 5, dropped[0].Attempts)
	assert.Len(t, exec.ids, 6)
}

func TestNonRetryableFailureIsDroppedAtOnce(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))

	res, err := q.Flush(ctx, &recorder{errs: map[string]error{"op1": errFatal}})
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.False(t, q.HasPending(ctx))
}

func TestUnknownOperationIsDropped(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewNop()
	q, _ := newTestQueue(t, Options{Metrics: m, IsRetryable: func(error) bool { return true }})
	require.NoError(t, q.Enqueue(ctx, model.Operation{ID: "weird", Type: "resize_board", Timestamp: 1}))

	exec := ExecutorFunc(func(_ context.Context, op model.Operation) error {
		return ErrUnknownOperation
	})
	res, err := q.Flush(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, Result{Failed: 1}, res)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDropped.WithLabelValues("board-1", "resize_board")))
}

func TestReenqueueDuringFlushIsKept(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))

	exec := ExecutorFunc(func(ctx context.Context, op model.Operation) error {
		// a newer edit of the same logical write lands mid-flush
		return q.Enqueue(ctx, updateOp(t, "op1", "s1", 2, 99))
	})
	res, err := q.Flush(ctx, exec)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Success)

	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	var p model.UpdatePayload
	require.NoError(t, ops[0].Decode(&p))
	assert.Equal(t, 2.0, *p.Patch.X)
}

func TestStatsAndHasPendingDoNotMutate(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	require.NoError(t, q.Enqueue(ctx, model.Operation{ID: "op2", Type: model.OpDeleteShape, Payload: []byte(`{"shapeId":"s2"}`), Timestamp: 5}))
	_, err := q.Flush(ctx, &recorder{errs: map[string]error{"op1": errTransient, "op2": errTransient}})
	require.NoError(t, err)

	before, err := q.List(ctx)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, q.HasPending(ctx))
		st, err := q.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Total)
		assert.Equal(t, 2, st.Waiting)
		assert.Equal(t, 0, st.Ready)
		assert.Equal(t, 1, st.ByType[model.OpUpdateShape])
		assert.Equal(t, 1, st.ByType[model.OpDeleteShape])
		assert.Equal(t, int64(5), st.Oldest)
	}

	after, err := q.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Options{})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op2", "s1", 1, 20)))

	require.NoError(t, q.Remove(ctx, "op1"))
	require.NoError(t, q.Remove(ctx, "missing"))
	ops, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op2", ops[0].ID)

	require.NoError(t, q.Clear(ctx))
	assert.False(t, q.HasPending(ctx))
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "q.db")

	bolt, err := kv.OpenBolt(path)
	require.NoError(t, err)
	q := New(bolt, "board-1", Options{Metrics: metrics.NewNop()})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	require.NoError(t, bolt.Close())

	bolt, err = kv.OpenBolt(path)
	require.NoError(t, err)
	defer bolt.Close()
	q = New(bolt, "board-1", Options{Metrics: metrics.NewNop()})
	assert.True(t, q.HasPending(ctx))
}

func TestQueuesAreScopedByBoard(t *testing.T) {
	ctx := context.Background()
	store := kv.NewSessionStore(16)
	a := New(store, "a", Options{Metrics: metrics.NewNop()})
	b := New(store, "b", Options{Metrics: metrics.NewNop()})

	require.NoError(t, a.Enqueue(ctx, model.Operation{ID: "op1", Type: model.OpDeleteShape, Timestamp: 1}))
	assert.True(t, a.HasPending(ctx))
	assert.False(t, b.HasPending(ctx))
}

func TestQueueDepthMetric(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewNop()
	q, _ := newTestQueue(t, Options{Metrics: m})
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 10)))
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op2", "s1", 1, 20)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("board-1")))

	_, err := q.Flush(ctx, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("board-1")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FlushOutcomes.WithLabelValues("board-1", "success")))
}

// flakyDurable is selected as the durable tier, then fails writes on demand.
type flakyDurable struct {
	*kv.SessionStore
	failWrites bool
}

func (f *flakyDurable) Set(ctx context.Context, key string, value []byte) error {
	if f.failWrites {
		return kv.ErrUnavailable
	}
	return f.SessionStore.Set(ctx, key, value)
}

func TestEnqueueKeepsOpsWrittenWhileDurableTierFails(t *testing.T) {
	ctx := context.Background()
	durable := &flakyDurable{SessionStore: kv.NewSessionStore(64)}
	tiers := kv.Select(ctx, durable, kv.NewSessionStore(64))
	require.True(t, tiers.Durable())
	q := New(tiers, "board-1", Options{Metrics: metrics.NewNop()})

	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op1", "s1", 1, 1)))

	durable.failWrites = true
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op2", "s1", 2, 2)))
	ops, err := q.List(ctx)
	require.NoError(t, err)
	assert.Len(t, ops, 2)

	durable.failWrites = false
	require.NoError(t, q.Enqueue(ctx, updateOp(t, "op3", "s1", 3, 3)))

	ops, err = q.List(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.ID)
	}
	assert.Equal(t, []string{"op1", "op2", "op3"}, ids)
}
