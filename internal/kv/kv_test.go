package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jun/gophboard/internal/crypto"
)

func openTestBolt(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "data", "board.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// failingStore rejects every call, like a full disk or a revoked file handle.
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, ErrUnavailable }
func (failingStore) Set(context.Context, string, []byte) error   { return ErrUnavailable }
func (failingStore) Delete(context.Context, string) error        { return ErrUnavailable }
func (failingStore) Keys(context.Context, string) ([]string, error) {
	return nil, ErrUnavailable
}

func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, s.Set(ctx, "editbuf:b1:s1", []byte("one")))
	require.NoError(t, s.Set(ctx, "editbuf:b1:s2", []byte("two")))
	require.NoError(t, s.Set(ctx, "queue:b1", []byte("[]")))

	v, err := s.Get(ctx, "editbuf:b1:s1")
	require.NoError(t, err)
	assert.Equal(t, "one", string(v))

	keys, err := s.Keys(ctx, "editbuf:b1:")
	require.NoError(t, err)
	assert.Equal(t, []string{"editbuf:b1:s1", "editbuf:b1:s2"}, keys)

	require.NoError(t, s.Delete(ctx, "editbuf:b1:s1"))
	_, err = s.Get(ctx, "editbuf:b1:s1")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBoltStore(t *testing.T) {
	exerciseStore(t, openTestBolt(t))
}

func TestBoltStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.db")
	ctx := context.Background()

	s, err := OpenBolt(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = OpenBolt(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestSessionStore(t *testing.T) {
	exerciseStore(t, NewSessionStore(16))
}

func TestSessionStore_EvictsBeyondCapacity(t *testing.T) {
	s := NewSessionStore(2)
	ctx := context.Background()
	s.Set(ctx, "a", []byte("1"))
	s.Set(ctx, "b", []byte("2"))
	s.Set(ctx, "c", []byte("3"))

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	keys, _ := s.Keys(ctx, "")
	assert.Equal(t, []string{"b", "c"}, keys)
}

func TestSessionStore_ClearPrefix(t *testing.T) {
	s := NewSessionStore(16)
	ctx := context.Background()
	s.Set(ctx, "editbuf:b1:s1", []byte("1"))
	s.Set(ctx, "queue:b1", []byte("2"))

	s.Clear("editbuf:")
	keys, _ := s.Keys(ctx, "")
	assert.Equal(t, []string{"queue:b1"}, keys)
}

func TestEncryptedStore(t *testing.T) {
	inner := NewSessionStore(16)
	s := NewEncryptedStore(inner, crypto.NewMockEncryptor())
	exerciseStore(t, s)

	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "k", []byte("secret")))
	raw, err := inner.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "mock:secret", string(raw))
}

func TestSelect_UsesDurableWhenProbeSucceeds(t *testing.T) {
	durable := openTestBolt(t)
	tiers := Select(context.Background(), durable, NewSessionStore(16))
	assert.True(t, tiers.Durable())
	exerciseStore(t, tiers)

	keys, err := durable.Keys(context.Background(), "")
	require.NoError(t, err)
	assert.NotContains(t, keys, probeKey)
}

func TestSelect_FallsBackWhenProbeFails(t *testing.T) {
	tiers := Select(context.Background(), failingStore{}, NewSessionStore(16))
	assert.False(t, tiers.Durable())
	exerciseStore(t, tiers)
}

func TestSelect_NilDurable(t *testing.T) {
	tiers := Select(context.Background(), nil, NewSessionStore(16))
	assert.False(t, tiers.Durable())
}

// flakyStore passes the probe, then fails writes on demand.
type flakyStore struct {
	*SessionStore
	failWrites bool
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failWrites {
		return ErrUnavailable
	}
	return f.SessionStore.Set(ctx, key, value)
}

func TestTiered_PerCallFallback(t *testing.T) {
	ctx := context.Background()
	durable := &flakyStore{SessionStore: NewSessionStore(16)}
	session := NewSessionStore(16)
	tiers := Select(ctx, durable, session)
	require.True(t, tiers.Durable())

	durable.failWrites = true
	require.NoError(t, tiers.Set(ctx, "editbuf:b1:s1", []byte("fallback")))

	v, err := tiers.Get(ctx, "editbuf:b1:s1")
	require.NoError(t, err)
	assert.Equal(t, "fallback", string(v))

	_, err = session.Get(ctx, "editbuf:b1:s1")
	assert.NoError(t, err, "value should live in the session tier")

	durable.failWrites = false
	require.NoError(t, tiers.Set(ctx, "editbuf:b1:s1", []byte("durable")))
	_, err = session.Get(ctx, "editbuf:b1:s1")
	assert.ErrorIs(t, err, ErrNotFound, "durable write should retire the session copy")

	keys, err := tiers.Keys(ctx, "editbuf:")
	require.NoError(t, err)
	assert.Equal(t, []string{"editbuf:b1:s1"}, keys)
}

func TestTiered_ReadsNewerSessionCopyUntilDurableRecovers(t *testing.T) {
	ctx := context.Background()
	durable := &flakyStore{SessionStore: NewSessionStore(16)}
	tiers := Select(ctx, durable, NewSessionStore(16))
	require.True(t, tiers.Durable())

	require.NoError(t, tiers.Set(ctx, "queue:b1", []byte("v1")))

	durable.failWrites = true
	require.NoError(t, tiers.Set(ctx, "queue:b1", []byte("v2")))
	v, err := tiers.Get(ctx, "queue:b1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v), "the session copy is newer than the durable one")

	durable.failWrites = false
	v, err = tiers.Get(ctx, "queue:b1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(v), "recovery alone must not resurface the stale durable copy")

	require.NoError(t, tiers.Set(ctx, "queue:b1", []byte("v3")))
	v, err = tiers.Get(ctx, "queue:b1")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(v))
	raw, err := durable.Get(ctx, "queue:b1")
	require.NoError(t, err)
	assert.Equal(t, "v3", string(raw))
}

func TestPrefixed(t *testing.T) {
	inner := NewSessionStore(16)
	exerciseStore(t, WithPrefix(inner, "u:alice:"))

	ctx := context.Background()
	keys, err := inner.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"u:alice:editbuf:b1:s2", "u:alice:queue:b1"}, keys)

	_, err = WithPrefix(inner, "u:bob:").Get(ctx, "queue:b1")
	assert.ErrorIs(t, err, ErrNotFound)
}
