package remote_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/remote"
	"github.com/jun/gophboard/internal/remote/memory"
)

var alice = model.Actor{UID: "alice", Name: "Alice"}

func newAdapter(srv *memory.Server, opts remote.Options) *remote.Adapter {
	return remote.NewAdapter(srv, "board-1", alice, opts)
}

func rect(id string) model.Shape {
	return model.Shape{ID: id, Type: model.ShapeRect, X: 1, Y: 2, Width: 10, Height: 10}
}

func TestCreateStampsMetadata(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})

	s, err := a.Create(ctx, rect("s1"))
	require.NoError(t, err)
	assert.Equal(t, "board-1", s.BoardID)
	assert.Equal(t, "alice", s.CreatedBy)
	assert.Equal(t, "Alice", s.CreatedByName)
	assert.Equal(t, "alice", s.UpdatedBy)
	assert.NotZero(t, s.CreatedAt)
	assert.Equal(t, s.CreatedAt, s.UpdatedAt)
}

func TestCreateIsIdempotentUnderRetry(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	bob := remote.NewAdapter(srv, "board-1", model.Actor{UID: "bob", Name: "Bob"}, remote.Options{})

	first, err := a.Create(ctx, rect("s1"))
	require.NoError(t, err)

	retry := rect("s1")
	retry.X = 50
	second, err := bob.Create(ctx, retry)
	require.NoError(t, err)

	assert.Equal(t, "alice", second.CreatedBy, "creator is immutable")
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "bob", second.UpdatedBy)
	assert.Greater(t, second.UpdatedAt, first.UpdatedAt)

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 50.0, all[0].X)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()

	_, err := newAdapter(srv, remote.Options{}).Create(ctx, model.Shape{Type: model.ShapeRect})
	assert.ErrorIs(t, err, model.ErrInvalid)

	anon := remote.NewAdapter(srv, "board-1", model.Actor{}, remote.Options{})
	_, err = anon.Create(ctx, rect("s1"))
	assert.ErrorIs(t, err, model.ErrInvalid)
	assert.Empty(t, srv.Writes())
}

func TestUpdateWritesOnlyPatchedFields(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	created, err := a.Create(ctx, rect("s1"))
	require.NoError(t, err)

	ts, err := a.Update(ctx, "s1", model.ShapePatch{X: model.Float(5)})
	require.NoError(t, err)
	assert.Greater(t, ts, created.UpdatedAt)

	got, err := a.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 5.0, got.X)
	assert.Equal(t, 2.0, got.Y)
	assert.Equal(t, model.ShapeRect, got.Type)
	assert.Equal(t, "alice", got.CreatedBy)
	assert.Equal(t, ts, got.UpdatedAt)

	_, err = a.Update(ctx, "s1", model.ShapePatch{})
	assert.ErrorIs(t, err, model.ErrInvalid)

	_, err = a.Update(ctx, "missing", model.ShapePatch{X: model.Float(1)})
	assert.ErrorIs(t, err, remote.ErrNotFound)
	assert.False(t, remote.IsRetryable(err))
}

func TestSoftDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	_, err := a.Create(ctx, rect("s1"))
	require.NoError(t, err)
	_, err = a.Create(ctx, rect("s2"))
	require.NoError(t, err)

	ts, err := a.Delete(ctx, "s1")
	require.NoError(t, err)

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "s2", all[0].ID)

	got, err := a.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, ts, got.DeletedAt)
	assert.Equal(t, "alice", got.UpdatedBy)
}

type changeLog struct {
	mu      sync.Mutex
	changes []model.ShapeChange
	ready   int
}

func (l *changeLog) onChange(c model.ShapeChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, c)
}

func (l *changeLog) onReady() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ready++
}

func (l *changeLog) snapshot() ([]model.ShapeChange, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ShapeChange(nil), l.changes...), l.ready
}

func TestSubscribeReadyOnEmptyBoard(t *testing.T) {
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	log := &changeLog{}

	unsub, err := a.Subscribe(context.Background(), log.onChange, log.onReady)
	require.NoError(t, err)
	defer unsub()

	assert.Eventually(t, func() bool {
		_, ready := log.snapshot()
		return ready == 1
	}, time.Second, time.Millisecond)
	changes, _ := log.snapshot()
	assert.Empty(t, changes)
}

func TestSubscribeMapsDeletedToRemoved(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	_, err := a.Create(ctx, rect("s1"))
	require.NoError(t, err)

	log := &changeLog{}
	unsub, err := a.Subscribe(ctx, log.onChange, log.onReady)
	require.NoError(t, err)

	_, err = a.Update(ctx, "s1", model.ShapePatch{X: model.Float(9)})
	require.NoError(t, err)
	_, err = a.Delete(ctx, "s1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		changes, _ := log.snapshot()
		return len(changes) == 3
	}, time.Second, time.Millisecond)

	changes, ready := log.snapshot()
	assert.Equal(t, 1, ready)
	assert.Equal(t, model.ChangeAdded, changes[0].Type)
	assert.Equal(t, model.ChangeModified, changes[1].Type)
	assert.Equal(t, 9.0, changes[1].Shape.X)
	assert.Equal(t, model.ChangeRemoved, changes[2].Type)

	unsub()
	unsub()
	_, err = a.Create(ctx, rect("s2"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	changes, _ = log.snapshot()
	assert.Len(t, changes, 3, "no events after unsubscribe")
}

func TestBatchCreateChunks(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{BatchLimit: 2})

	shapes := make([]model.Shape, 5)
	for i := range shapes {
		shapes[i] = rect(fmt.Sprintf("s%d", i))
	}
	created, err := a.BatchCreate(ctx, shapes)
	require.NoError(t, err)
	assert.Len(t, created, 5)
	assert.Empty(t, shapes[0].BoardID, "caller's slice is not modified")

	all, err := a.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestBatchCreatePartialFailureReturnsPrefix(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{BatchLimit: 2})

	shapes := []model.Shape{rect("a"), rect("b"), rect("c"), rect("d")}
	srv.FailNext(nil)
	// the second chunk fails
	srv.FailNext(remote.Status(remote.CodeUnavailable, "batch_create", nil))

	created, err := a.BatchCreate(ctx, shapes)
	require.Error(t, err)
	assert.True(t, remote.IsRetryable(err))
	require.Len(t, created, 2)
	assert.Equal(t, "a", created[0].ID)
	assert.Equal(t, "b", created[1].ID)
}

func TestBatchOfOneDegradesToSingleWrite(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})

	_, err := a.BatchCreate(ctx, []model.Shape{rect("s1")})
	require.NoError(t, err)
	res, err := a.BatchUpdate(ctx, []model.ShapeUpdate{{ID: "s1", Patch: model.ShapePatch{ZIndex: model.Int(4)}}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Applied)

	writes := srv.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "create", writes[0].Op)
	assert.Equal(t, "update", writes[1].Op)
}

func TestBatchUpdateIsAtomicPerChunk(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{})
	_, err := a.BatchCreate(ctx, []model.Shape{rect("a"), rect("b")})
	require.NoError(t, err)

	_, err = a.BatchUpdate(ctx, []model.ShapeUpdate{
		{ID: "a", Patch: model.ShapePatch{ZIndex: model.Int(1)}},
		{ID: "missing", Patch: model.ShapePatch{ZIndex: model.Int(2)}},
	})
	require.ErrorIs(t, err, remote.ErrNotFound)

	got, err := a.Get(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, got.ZIndex)
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{BreakerMaxFailures: 2, BreakerTimeout: time.Hour})
	srv.SetOffline(true)

	for i := 0; i < 2; i++ {
		_, err := a.Create(ctx, rect("s1"))
		require.Error(t, err)
	}
	srv.SetOffline(false)

	_, err := a.Create(ctx, rect("s1"))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.True(t, remote.IsRetryable(err))
	assert.Empty(t, srv.Writes())
}

func TestBreakerIgnoresPermissionFailures(t *testing.T) {
	ctx := context.Background()
	srv := memory.NewServer()
	a := newAdapter(srv, remote.Options{BreakerMaxFailures: 1, BreakerTimeout: time.Hour})
	srv.DenyWrites(true)

	for i := 0; i < 3; i++ {
		_, err := a.Create(ctx, rect("s1"))
		require.Error(t, err)
		assert.True(t, remote.IsPermission(err))
	}
}
