package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

var actor = model.Actor{UID: "u1", Name: "User"}

func TestClockIsStrictlyIncreasing(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	s.SetNow(func() time.Time { return time.UnixMilli(1000) })

	a, err := s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect}, actor)
	require.NoError(t, err)
	ts, err := s.UpdateShape(ctx, "b", "s1", model.ShapePatch{X: model.Float(1)}, actor)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), a.UpdatedAt)
	assert.Equal(t, int64(1001), ts)
}

func TestCreateKeepsNewerExisting(t *testing.T) {
	ctx := context.Background()
	s := NewServer()
	s.SetNow(func() time.Time { return time.UnixMilli(1000) })
	s.Put("b", model.Shape{ID: "s1", Type: model.ShapeRect, X: 7, UpdatedAt: 5000, CreatedBy: "other"})

	// put advanced the clock, so the retried create still wins
	got, err := s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect, X: 1}, actor)
	require.NoError(t, err)
	assert.Equal(t, int64(5001), got.UpdatedAt)
	assert.Equal(t, "other", got.CreatedBy)
	assert.Equal(t, 1.0, got.X)
}

func TestFaultInjection(t *testing.T) {
	ctx := context.Background()
	s := NewServer()

	s.SetOffline(true)
	_, err := s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect}, actor)
	assert.Equal(t, remote.CodeUnavailable, remote.CodeOf(err))
	assert.Error(t, s.Ping(ctx))
	s.SetOffline(false)

	s.FailNext(remote.Status(remote.CodeAborted, "create", nil))
	_, err = s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect}, actor)
	assert.Equal(t, remote.CodeAborted, remote.CodeOf(err))
	_, err = s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect}, actor)
	assert.NoError(t, err)

	s.DenyWrites(true)
	_, err = s.DeleteShape(ctx, "b", "s1", actor)
	assert.True(t, remote.IsPermission(err))
	assert.Len(t, s.Writes(), 1)
}

func TestWatchDeliversSnapshotThenLiveChangesInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewServer()
	s.Put("b", model.Shape{ID: "s0", Type: model.ShapeRect})
	s.Put("other", model.Shape{ID: "x", Type: model.ShapeRect})

	events := make(chan model.ShapeChange, 16)
	ready := make(chan struct{}, 1)
	_, err := s.Watch(ctx, "b", func(c model.ShapeChange) { events <- c }, func() { ready <- struct{}{} })
	require.NoError(t, err)

	first := <-events
	assert.Equal(t, "s0", first.Shape.ID)
	assert.Equal(t, model.ChangeAdded, first.Type)
	<-ready

	for i := 0; i < 5; i++ {
		_, err := s.CreateShape(ctx, "b", model.Shape{ID: "s1", Type: model.ShapeRect, X: float64(i)}, actor)
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		c := <-events
		assert.Equal(t, float64(i), c.Shape.X)
	}

	cancel()
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.watchers) == 0
	}, time.Second, time.Millisecond)
}

func TestBatchLimit(t *testing.T) {
	s := NewServer()
	shapes := make([]model.Shape, remote.MaxBatch+1)
	_, err := s.BatchCreate(context.Background(), "b", shapes, actor)
	assert.Equal(t, remote.CodeInvalidArgument, remote.CodeOf(err))
}
