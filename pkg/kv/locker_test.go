package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockerSingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	locker := NewLocker(client)
	ctx := context.Background()

	token, ok, err := locker.TryLock(ctx, "lease:renewal", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "lease:renewal", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, locker.Release(ctx, "lease:renewal", "someone-else"))
	assert.True(t, mr.Exists("lease:renewal"))

	require.NoError(t, locker.Release(ctx, "lease:renewal", token))
	assert.False(t, mr.Exists("lease:renewal"))
}

func TestLockerExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	locker := NewLocker(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ctx := context.Background()

	_, ok, err := locker.TryLock(ctx, "lease:sweep", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "lease:sweep", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilLocker(t *testing.T) {
	locker := NewLocker(nil)
	assert.Nil(t, locker)

	_, _, err := locker.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrLockNotConfigured)
	assert.NoError(t, locker.Release(context.Background(), "k", "t"))
}
