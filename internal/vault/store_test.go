package vault

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

// exerciseStore runs the behaviour every Store must share.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	n, err := s.Incr(ctx, "p:count", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	n, err = s.Incr(ctx, "p:count", time.Minute)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	ok, err := s.SetNX(ctx, "p:a", "1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.SetNX(ctx, "p:a", "2", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := s.Get(ctx, "p:a")
	require.NoError(t, err)
	require.Equal(t, "1", v)

	_, err = s.Get(ctx, "p:missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "p:a", "3", time.Minute))
	require.NoError(t, s.Set(ctx, "q:b", "x", time.Minute))
	require.NoError(t, s.Expire(ctx, time.Hour, "p:a", "p:missing"))

	all, err := s.List(ctx, "p:")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"p:count": "2", "p:a": "3"}, all)

	deleted, err := s.DeletePrefix(ctx, "p:")
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = s.Get(ctx, "p:a")
	require.ErrorIs(t, err, ErrNotFound)
	v, err = s.Get(ctx, "q:b")
	require.NoError(t, err)
	require.Equal(t, "x", v)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseStore(t, s)
}

func TestMemoryStoreExpiryAndReap(t *testing.T) {
	ctx := context.Background()
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	s := NewMemoryStore()
	s.now = c.Now

	require.NoError(t, s.Set(ctx, "short", "v", time.Second))
	require.NoError(t, s.Set(ctx, "long", "v", time.Hour))

	c.Advance(2 * time.Second)
	_, err := s.Get(ctx, "short")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "short2", "v", time.Second))
	c.Advance(2 * time.Second)
	require.Equal(t, 1, s.Reap())
	require.Equal(t, 1, s.Len())

	// Expire does not resurrect an expired key.
	require.NoError(t, s.Set(ctx, "gone", "v", time.Second))
	c.Advance(2 * time.Second)
	require.NoError(t, s.Expire(ctx, time.Hour, "gone"))
	_, err = s.Get(ctx, "gone")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTTL(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	_, err := s.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL("c"))

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	require.NoError(t, s.Expire(ctx, time.Hour, "k"))
	require.Equal(t, time.Hour, mr.TTL("k"))

	mr.FastForward(2 * time.Hour)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestVaultOverRedis(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	// Two replicas sharing one store.
	a := New(s, time.Hour)
	b := New(s, time.Hour)

	tok, err := a.Put(ctx, "s", "PERSON", "John Doe")
	require.NoError(t, err)
	again, err := b.Put(ctx, "s", "PERSON", "John Doe")
	require.NoError(t, err)
	require.Equal(t, tok, again)

	val, found, err := b.Resolve(ctx, "s", tok)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "John Doe", val)

	mr.Close()
	_, err = a.Put(ctx, "s", "PERSON", "Jane")
	require.ErrorIs(t, err, ErrWriteFailure)
	_, _, err = b.Resolve(ctx, "s", tok)
	require.ErrorIs(t, err, ErrReadFailure)
}
