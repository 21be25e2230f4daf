package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/realtime"
)

func setup(t *testing.T) (*miniredis.Miniredis, goredis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func connect(t *testing.T, rdb goredis.UniversalClient) *Conn {
	t.Helper()
	c, err := Connect(context.Background(), rdb, Options{LeaseTTL: 2 * time.Second, RefreshInterval: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type recorder struct {
	mu   sync.Mutex
	last realtime.Children
}

func (r *recorder) onChange(c realtime.Children) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = c
}

func (r *recorder) get() realtime.Children {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func TestSetRemoveAndWatch(t *testing.T) {
	ctx := context.Background()
	_, rdb := setup(t)
	a, b := connect(t, rdb), connect(t, rdb)

	require.NoError(t, a.Set(ctx, "boards/b1/cursors/u1", []byte(`{"x":1}`)))

	rec := &recorder{}
	stop, err := b.WatchChildren(ctx, "boards/b1/cursors", rec.onChange, nil)
	require.NoError(t, err)
	defer stop()

	assert.Eventually(t, func() bool { return string(rec.get()["u1"]) == `{"x":1}` }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Set(ctx, "boards/b1/cursors/u2", []byte(`{"x":2}`)))
	assert.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, a.Remove(ctx, "boards/b1/cursors/u1"))
	assert.Eventually(t, func() bool {
		c := rec.get()
		_, has := c["u1"]
		return len(c) == 1 && !has
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCloseRunsArmedRemovals(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	a := connect(t, rdb)

	require.NoError(t, a.Set(ctx, "boards/b1/cursors/u1", []byte(`1`)))
	require.NoError(t, a.Set(ctx, "boards/b1/presence/u1", []byte(`1`)))
	_, err := a.OnDisconnectRemove(ctx, "boards/b1/cursors/u1")
	require.NoError(t, err)
	cancel, err := a.OnDisconnectRemove(ctx, "boards/b1/presence/u1")
	require.NoError(t, err)
	cancel()

	require.NoError(t, a.Close())

	assert.False(t, mr.Exists("rt:lease:"+a.ID()))
	assert.Equal(t, "", mr.HGet("rt:node:boards/b1/cursors", "u1"))
	assert.Equal(t, "1", mr.HGet("rt:node:boards/b1/presence", "u1"))
	assert.ErrorIs(t, a.Set(ctx, "boards/b1/cursors/u1", nil), realtime.ErrClosed)
}

func TestExpiredLeaseIsReapedByReaders(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	crashed, reader := connect(t, rdb), connect(t, rdb)

	require.NoError(t, crashed.Set(ctx, "boards/b1/cursors/u1", []byte(`1`)))
	_, err := crashed.OnDisconnectRemove(ctx, "boards/b1/cursors/u1")
	require.NoError(t, err)

	n, err := reader.Sweep(ctx, "boards/b1/cursors")
	require.NoError(t, err)
	assert.Zero(t, n, "owner lease still alive")

	// reader's lease would expire too; keep it fresh
	mr.FastForward(3 * time.Second)
	require.NoError(t, reader.refreshLease(ctx))

	rec := &recorder{}
	stop, err := reader.WatchChildren(ctx, "boards/b1/cursors", rec.onChange, nil)
	require.NoError(t, err)
	defer stop()

	assert.Eventually(t, func() bool {
		c := rec.get()
		return c != nil && len(c) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "", mr.HGet("rt:hook:boards/b1/cursors", "u1"))
}

func TestRepublishAfterDisarmIsNotReaped(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	a, b := connect(t, rdb), connect(t, rdb)

	require.NoError(t, a.Set(ctx, "boards/b1/activeEdits/s1", []byte(`a`)))
	cancel, err := a.OnDisconnectRemove(ctx, "boards/b1/activeEdits/s1")
	require.NoError(t, err)

	// b takes over the node and arms its own removal; a's stale disarm must
	// not touch b's hook
	require.NoError(t, b.Set(ctx, "boards/b1/activeEdits/s1", []byte(`b`)))
	_, err = b.OnDisconnectRemove(ctx, "boards/b1/activeEdits/s1")
	require.NoError(t, err)
	cancel()

	assert.Equal(t, b.ID(), mr.HGet("rt:hook:boards/b1/activeEdits", "s1"))

	require.NoError(t, a.Close())
	assert.Equal(t, "b", mr.HGet("rt:node:boards/b1/activeEdits", "s1"))
}

func TestBackendErrorsAreReturned(t *testing.T) {
	ctx := context.Background()
	mr, rdb := setup(t)
	c := connect(t, rdb)

	mr.SetError("boom")
	defer mr.SetError("")

	assert.Error(t, c.Set(ctx, "boards/b1/cursors/u1", nil))
	_, err := c.Sweep(ctx, "boards/b1/cursors")
	assert.Error(t, err)
	_, err = c.OnDisconnectRemove(ctx, "boards/b1/cursors/u1")
	assert.Error(t, err)
}
