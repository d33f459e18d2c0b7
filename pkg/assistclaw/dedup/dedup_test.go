package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	st, err := New(ctx, Config{RedisURL: "redis://" + mr.Addr(), TTL: time.Minute}, nil)
	require.NoError(t, err)
	defer st.Close()

	seen, err := st.Seen(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = st.Seen(ctx, "SM1")
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("assistclaw:msg:SM1"))
	assert.Equal(t, time.Minute, mr.TTL("assistclaw:msg:SM1"))

	mr.FastForward(2 * time.Minute)
	seen, err = st.Seen(ctx, "SM1")
	require.NoError(t, err)
	assert.False(t, seen, "expired ids are forgotten")
}

func TestRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Config{RedisURL: "redis://" + addr}, nil)
	assert.Error(t, err)
}

func TestRedisErrorsAreReported(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	st, err := NewRedis(ctx, Config{RedisURL: "redis://" + mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	defer st.Close()

	mr.SetError("LOADING")
	_, err = st.Seen(ctx, "SM2")
	assert.Error(t, err)
}

func TestMemorySeen(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	m := NewMemory(time.Minute)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	seen, _ := m.Seen(ctx, "a")
	assert.False(t, seen)
	seen, _ = m.Seen(ctx, "a")
	assert.True(t, seen)
	seen, _ = m.Seen(ctx, "b")
	assert.False(t, seen)

	now = now.Add(90 * time.Second)
	seen, _ = m.Seen(ctx, "a")
	assert.False(t, seen)
	assert.Equal(t, 1, m.Len(), "expired ids are collected")
}

func TestForget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rs, err := NewRedis(ctx, Config{RedisURL: "redis://" + mr.Addr(), TTL: time.Minute, Prefix: "t:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rs.Close() })

	for name, st := range map[string]Store{"memory": NewMemory(time.Minute), "redis": rs} {
		seen, err := st.Seen(ctx, "SM9")
		require.NoError(t, err, name)
		require.False(t, seen, name)

		require.NoError(t, st.Forget(ctx, "SM9"), name)
		seen, err = st.Seen(ctx, "SM9")
		require.NoError(t, err, name)
		assert.False(t, seen, "%s: forgotten id is new again", name)

		seen, _ = st.Seen(ctx, "SM9")
		assert.True(t, seen, name)
		assert.NoError(t, st.Forget(ctx, "unknown"), name)
	}
}

func TestNewDefaultsToMemory(t *testing.T) {
	t.Parallel()

	st, err := New(context.Background(), Config{}, nil)
	require.NoError(t, err)
	_, ok := st.(*Memory)
	assert.True(t, ok)
}
