package editbuffer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/kv"
	"github.com/jun/gophboard/internal/model"
)

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error)    { return nil, kv.ErrUnavailable }
func (brokenStore) Set(context.Context, string, []byte) error      { return kv.ErrUnavailable }
func (brokenStore) Delete(context.Context, string) error           { return kv.ErrUnavailable }
func (brokenStore) Keys(context.Context, string) ([]string, error) { return nil, kv.ErrUnavailable }

func newDurableBuffer(t *testing.T, path, board string) *Store {
	t.Helper()
	bolt, err := kv.OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })
	return New(kv.Select(context.Background(), bolt, kv.NewSessionStore(64)), board)
}

func TestSetGet(t *testing.T) {
	ctx := context.Background()
	b := newDurableBuffer(t, filepath.Join(t.TempDir(), "b.db"), "board-1")
	b.now = func() time.Time { return time.UnixMilli(5000) }

	b.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect, X: 3, UpdatedAt: 4000})

	e, ok := b.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, "s1", e.ShapeID)
	assert.Equal(t, 3.0, e.Shape.X)
	assert.Equal(t, int64(5000), e.BufferedAt)
	assert.Equal(t, int64(4000), e.UpdatedAt)

	_, ok = b.Get(ctx, "missing")
	assert.False(t, ok)
}

func TestGetAllScopedToBoard(t *testing.T) {
	ctx := context.Background()
	tiers := kv.Select(ctx, nil, kv.NewSessionStore(64))
	a := New(tiers, "a")
	other := New(tiers, "b")

	a.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect})
	a.Set(ctx, "s2", model.Shape{ID: "s2", Type: model.ShapeText})
	other.Set(ctx, "s3", model.Shape{ID: "s3", Type: model.ShapeRect})

	entries, err := a.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].ShapeID)
	assert.Equal(t, "s2", entries[1].ShapeID)
}

func TestSetNeverFailsWhenDurableBroken(t *testing.T) {
	ctx := context.Background()
	b := New(kv.Select(ctx, brokenStore{}, kv.NewSessionStore(64)), "board-1")

	b.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect, X: 9})
	e, ok := b.Get(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, 9.0, e.Shape.X)
}

func TestDurableEntriesSurviveReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "b.db")

	bolt, err := kv.OpenBolt(path)
	require.NoError(t, err)
	b := New(kv.Select(ctx, bolt, kv.NewSessionStore(64)), "board-1")
	b.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect, X: 1})
	b.ClearSession()
	require.NoError(t, bolt.Close())

	reloaded := newDurableBuffer(t, path, "board-1")
	entries, err := reloaded.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1.0, entries[0].Shape.X)
}

func TestClearSessionOnlyTouchesSessionTier(t *testing.T) {
	ctx := context.Background()
	b := New(kv.Select(ctx, nil, kv.NewSessionStore(64)), "board-1")
	b.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect})

	b.ClearSession()
	_, ok := b.Get(ctx, "s1")
	assert.False(t, ok)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	b := newDurableBuffer(t, filepath.Join(t.TempDir(), "b.db"), "board-1")
	b.Set(ctx, "s1", model.Shape{ID: "s1", Type: model.ShapeRect})
	b.Delete(ctx, "s1")
	_, ok := b.Get(ctx, "s1")
	assert.False(t, ok)
}
