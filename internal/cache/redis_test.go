package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	r, err := NewRedis(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, srv
}

func TestRedis_GetSet(t *testing.T) {
	ctx := context.Background()
	r, srv := newTestRedis(t)

	_, ok, err := r.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	srv.FastForward(2 * time.Minute)
	_, ok, err = r.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "redis expires the key")
}

func TestRedis_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	r, srv := newTestRedis(t)

	// More keys than one delete batch.
	for i := 0; i < deleteBatch+25; i++ {
		require.NoError(t, r.Set(ctx, Key("0xabc", model.Interval1m, t0.Add(time.Duration(i)*time.Minute)), []byte("x"), time.Minute))
	}
	require.NoError(t, r.Set(ctx, Key("0xabcd", model.Interval1m, t0), []byte("x"), time.Minute))

	require.NoError(t, r.DeletePrefix(ctx, InstrumentPrefix("0xabc")))

	assert.Equal(t, []string{Key("0xabcd", model.Interval1m, t0)}, srv.Keys())
}

func TestRedis_ReadThrough(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)
	c := NewReadThrough(r, time.Minute, nil)

	calls := 0
	compute := func(context.Context) ([]model.Bar, error) {
		calls++
		return sampleBars(fmt.Sprint(calls)), nil
	}
	key := Key("0xabc", model.Interval5m, t0)

	_, err := c.GetOrCompute(ctx, "0xabc", key, compute)
	require.NoError(t, err)
	bars, err := c.GetOrCompute(ctx, "0xabc", key, compute)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "1", bars[0].Close.String())
	assert.Equal(t, model.Interval5m, bars[0].Interval)
}

func TestRedis_Unavailable(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1})
	r := NewRedisFromClient(rdb)
	c := NewReadThrough(r, time.Minute, nil)
	srv.Close()

	assert.Error(t, r.Health(ctx))

	bars, err := c.GetOrCompute(ctx, "0xabc", "k", func(context.Context) ([]model.Bar, error) {
		return sampleBars("2.6"), nil
	})
	require.NoError(t, err, "an unreachable cache must not fail the query")
	assert.Equal(t, "2.6", bars[0].Close.String())

	assert.NotPanics(t, func() { c.InvalidatePrefix(ctx, "0xabc") })
}

func TestNewRedis_PingFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := NewRedis(context.Background(), addr, "", 0)
	assert.Error(t, err)
}
