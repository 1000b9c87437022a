package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// MockBackend is a testify mock of Backend.
type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(key)
	b, _ := args.Get(0).([]byte)
	return b, args.Bool(1), args.Error(2)
}

func (m *MockBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(key).Error(0)
}

func (m *MockBackend) DeletePrefix(ctx context.Context, prefix string) error {
	return m.Called(prefix).Error(0)
}

func (m *MockBackend) Close() error {
	return nil
}

func sampleBars(close string) []model.Bar {
	c := decimal.RequireFromString(close)
	return []model.Bar{{
		Instrument:  "0xabc",
		Interval:    model.Interval5m,
		BucketStart: t0,
		Open:        c,
		High:        c,
		Low:         c,
		Close:       c,
		Volume:      decimal.Zero,
		Trades:      1,
	}}
}

// counter returns a compute func producing bars with close == number of calls.
func counter(calls *atomic.Int32) ComputeFunc {
	return func(context.Context) ([]model.Bar, error) {
		n := calls.Add(1)
		return sampleBars(decimal.NewFromInt32(n).String()), nil
	}
}

func Test_Key(t *testing.T) {
	key := Key("0xabc", model.Interval5m, t0)
	assert.Equal(t, "bars:0xabc:5m:1714564800", key)
	assert.True(t, len(key) > len(InstrumentPrefix("0xabc")))
	assert.Equal(t, "bars:0xabc:", InstrumentPrefix("0xabc"))
	assert.NotEqual(t, InstrumentPrefix("0xab"), key[:len(InstrumentPrefix("0xab"))],
		"a shorter id must not prefix-match a longer one")
}

func Test_ReadThrough_HitAndMiss(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(time.Hour)
	defer backend.Close()
	m := metrics.New(prometheus.NewRegistry())
	c := NewReadThrough(backend, time.Minute, m)

	var calls atomic.Int32
	key := Key("0xabc", model.Interval5m, t0)

	first, err := c.GetOrCompute(ctx, "0xabc", key, counter(&calls))
	require.NoError(t, err)
	second, err := c.GetOrCompute(ctx, "0xabc", key, counter(&calls))
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load(), "second read is served from cache")
	assert.True(t, first[0].Close.Equal(second[0].Close))
	assert.True(t, first[0].BucketStart.Equal(second[0].BucketStart))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheRequests.WithLabelValues("hit")))
}

func Test_ReadThrough_Invalidate(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(time.Hour)
	defer backend.Close()
	c := NewReadThrough(backend, time.Minute, nil)

	var calls atomic.Int32
	k5 := Key("0xabc", model.Interval5m, t0)
	k1h := Key("0xabc", model.Interval1h, t0)
	other := Key("0xdef", model.Interval5m, t0)

	for _, k := range []string{k5, k1h} {
		_, err := c.GetOrCompute(ctx, "0xabc", k, counter(&calls))
		require.NoError(t, err)
	}
	_, err := c.GetOrCompute(ctx, "0xdef", other, counter(&calls))
	require.NoError(t, err)
	require.Equal(t, 3, backend.Len())

	c.InvalidatePrefix(ctx, "0xabc")
	assert.Equal(t, 1, backend.Len(), "only the written instrument is evicted")

	bars, err := c.GetOrCompute(ctx, "0xabc", k5, counter(&calls))
	require.NoError(t, err)
	assert.Equal(t, "4", bars[0].Close.String(), "recomputed after invalidation")
}

func Test_ReadThrough_StaleComputeNotStored(t *testing.T) {
	ctx := context.Background()
	backend := NewMemory(time.Hour)
	defer backend.Close()
	c := NewReadThrough(backend, time.Minute, nil)
	key := Key("0xabc", model.Interval5m, t0)

	// The write and its invalidation land while the read is computing.
	_, err := c.GetOrCompute(ctx, "0xabc", key, func(ctx context.Context) ([]model.Bar, error) {
		c.InvalidatePrefix(ctx, "0xabc")
		return sampleBars("1"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, backend.Len(), "a result computed across an invalidation is not cached")
}

func Test_ReadThrough_AbsorbsBackendErrors(t *testing.T) {
	tests := []struct {
		name        string
		description string
		setup       func(b *MockBackend)
	}{
		{
			name:        "Get fails",
			description: "Falls through to compute",
			setup: func(b *MockBackend) {
				b.On("Get", mock.Anything).Return(nil, false, errors.New("connection refused"))
				b.On("Set", mock.Anything).Return(nil)
			},
		},
		{
			name:        "Set fails",
			description: "Result is still returned",
			setup: func(b *MockBackend) {
				b.On("Get", mock.Anything).Return(nil, false, nil)
				b.On("Set", mock.Anything).Return(errors.New("read only replica"))
			},
		},
		{
			name:        "Corrupt entry",
			description: "Undecodable payloads are recomputed",
			setup: func(b *MockBackend) {
				b.On("Get", mock.Anything).Return([]byte("{not json"), true, nil)
				b.On("Set", mock.Anything).Return(nil)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &MockBackend{}
			tt.setup(backend)
			c := NewReadThrough(backend, time.Minute, nil)

			bars, err := c.GetOrCompute(context.Background(), "0xabc", "k", func(context.Context) ([]model.Bar, error) {
				return sampleBars("2.6"), nil
			})
			require.NoError(t, err, tt.description)
			require.Len(t, bars, 1)
			assert.Equal(t, "2.6", bars[0].Close.String())
		})
	}
}

func Test_ReadThrough_InvalidateFailureAbsorbed(t *testing.T) {
	backend := &MockBackend{}
	backend.On("DeletePrefix", "bars:0xabc:").Return(errors.New("timeout"))
	c := NewReadThrough(backend, time.Minute, nil)

	assert.NotPanics(t, func() { c.InvalidatePrefix(context.Background(), "0xabc") })
	backend.AssertExpectations(t)
}

func Test_ReadThrough_ComputeError(t *testing.T) {
	backend := NewMemory(time.Hour)
	defer backend.Close()
	c := NewReadThrough(backend, time.Minute, nil)
	boom := errors.New("store down")

	_, err := c.GetOrCompute(context.Background(), "0xabc", "k", func(context.Context) ([]model.Bar, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, backend.Len(), "errors are never cached")
}

func Test_ReadThrough_Disabled(t *testing.T) {
	c := NewReadThrough(nil, 0, nil)
	assert.False(t, c.Enabled())

	var calls atomic.Int32
	for i := 0; i < 3; i++ {
		_, err := c.GetOrCompute(context.Background(), "0xabc", "k", counter(&calls))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.NotPanics(t, func() { c.InvalidatePrefix(context.Background(), "0xabc") })
	assert.NoError(t, c.Close())
}

func Test_Memory_TTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Hour)
	defer m.Close()

	now := t0
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, "k", []byte("v"), time.Minute))
	v, ok, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	now = t0.Add(time.Minute)
	_, ok, err = m.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entries expire at their ttl")

	m.sweep()
	assert.Equal(t, 0, m.Len())
}
