package drag

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jun/gophboard/internal/metrics"
	"github.com/jun/gophboard/internal/model"
	"github.com/jun/gophboard/internal/presence"
	"github.com/jun/gophboard/internal/realtime"
	rtmem "github.com/jun/gophboard/internal/realtime/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

func TestDragPublishAndClear(t *testing.T) {
	ctx := context.Background()
	srv := rtmem.NewServer()
	conn := srv.Connect()
	defer conn.Close()
	m := metrics.NewNop()
	b := New(conn, m)

	for i := 1; i <= 10; i++ {
		require.NoError(t, b.PublishDragPosition(ctx, "b1", "s1", float64(i), float64(i), "alice"))
	}
	raw, ok := srv.Get("boards/b1/activeEdits/s1")
	require.True(t, ok)
	assert.Contains(t, string(raw), `"x":10`)
	assert.Equal(t, 10.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("activeEdits")))
	assert.Len(t, b.armed, 1, "disconnect removal armed once per shape")

	require.NoError(t, b.ClearDragPosition(ctx, "b1", "s1"))
	_, ok = srv.Get("boards/b1/activeEdits/s1")
	assert.False(t, ok)
	assert.Empty(t, b.armed)
}

func TestDroppedConnectionRemovesPreviews(t *testing.T) {
	ctx := context.Background()
	srv := rtmem.NewServer()
	conn := srv.Connect()
	b := New(conn, nil)

	require.NoError(t, b.PublishDragPosition(ctx, "b1", "s1", 1, 1, "alice"))
	require.NoError(t, b.PublishTransform(ctx, "b1", "s2", 1, 1, 2, 2, 45, "alice"))
	require.NoError(t, conn.Close())

	assert.Empty(t, srv.Children("boards/b1/activeEdits"))
	assert.Empty(t, srv.Children("boards/b1/activeTransforms"))
}

func TestSubscribeExcludesOwnPreviews(t *testing.T) {
	ctx := context.Background()
	srv := rtmem.NewServer()
	ac, bc := srv.Connect(), srv.Connect()
	defer ac.Close()
	defer bc.Close()
	alice, bob := New(ac, nil), New(bc, nil)

	var mu sync.Mutex
	var drags []model.DragUpdate
	var transforms []model.TransformUpdate
	stopD, err := alice.SubscribeToDragUpdates(ctx, "b1", "alice", func(u []model.DragUpdate) {
		mu.Lock()
		defer mu.Unlock()
		drags = u
	})
	require.NoError(t, err)
	defer stopD()
	stopT, err := alice.SubscribeToTransformUpdates(ctx, "b1", "alice", func(u []model.TransformUpdate) {
		mu.Lock()
		defer mu.Unlock()
		transforms = u
	})
	require.NoError(t, err)
	defer stopT()

	require.NoError(t, alice.PublishDragPosition(ctx, "b1", "mine", 1, 1, "alice"))
	require.NoError(t, bob.PublishDragPosition(ctx, "b1", "theirs", 3, 4, "bob"))
	require.NoError(t, bob.PublishTransform(ctx, "b1", "theirs", 3, 4, 1.5, 2, 90, "bob"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(drags) == 1 && drags[0].ShapeID == "theirs" &&
			len(transforms) == 1 && transforms[0].Rotation == 90 && transforms[0].ScaleX == 1.5
	}, time.Second, time.Millisecond)
}

func TestCloseClearsOwnedPreviews(t *testing.T) {
	ctx := context.Background()
	srv := rtmem.NewServer()
	conn := srv.Connect()
	defer conn.Close()
	b := New(conn, nil)

	require.NoError(t, b.PublishDragPosition(ctx, "b1", "s1", 1, 1, "alice"))
	require.NoError(t, b.PublishTransform(ctx, "b1", "s1", 1, 1, 1, 1, 0, "alice"))
	b.Close(ctx)

	assert.Empty(t, srv.Children("boards/b1/activeEdits"))
	assert.Empty(t, srv.Children("boards/b1/activeTransforms"))
}

func TestPublishRequiresShapeID(t *testing.T) {
	conn := rtmem.NewServer().Connect()
	defer conn.Close()
	err := New(conn, nil).PublishDragPosition(context.Background(), "b1", "", 0, 0, "alice")
	assert.ErrorIs(t, err, model.ErrInvalid)
}

func TestShapeIDCannotReachOtherChannels(t *testing.T) {
	ctx := context.Background()
	srv := rtmem.NewServer()
	bc, mc := srv.Connect(), srv.Connect()
	defer bc.Close()
	defer mc.Close()

	require.NoError(t, presence.New(bc, nil).PublishCursor(ctx, "bob", "b1", 5, 6, 1, "Bob", "blue"))
	before, ok := srv.Get("boards/b1/cursors/bob")
	require.True(t, ok)

	mallory := New(mc, nil)
	for _, id := range []string{"../cursors/bob", "..", "x/../../cursors/bob"} {
		assert.ErrorIs(t, mallory.PublishDragPosition(ctx, "b1", id, 0, 0, "mallory"), model.ErrInvalid, id)
		assert.ErrorIs(t, mallory.PublishTransform(ctx, "b1", id, 0, 0, 1, 1, 0, "mallory"), model.ErrInvalid, id)
		assert.ErrorIs(t, mallory.ClearDragPosition(ctx, "b1", id), realtime.ErrInvalidPath, id)
		assert.ErrorIs(t, mallory.ClearTransform(ctx, "b1", id), realtime.ErrInvalidPath, id)
	}
	_, err := mallory.SubscribeToDragUpdates(ctx, "../b1", "mallory", func([]model.DragUpdate) {})
	assert.ErrorIs(t, err, realtime.ErrInvalidPath)

	after, ok := srv.Get("boards/b1/cursors/bob")
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Empty(t, mallory.armed)
}
