// Package cache provides the Read Cache in front of bar range queries.
//
// The cache is advisory. Every backend failure is logged and absorbed, and a
// query always falls through to the compute function, so enabling or
// disabling the cache never changes what a query returns.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultTTL bounds staleness when no write invalidates an entry.
const DefaultTTL = 60 * time.Second

const keyPrefix = "bars:"

// Backend stores encoded range results.
type Backend interface {
	// Get returns the value and whether it was present and unexpired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Key identifies one range query. Instrument ids never contain ':', so the
// instrument prefix of a key is unambiguous.
func Key(instrument string, interval model.Interval, since time.Time) string {
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, instrument, interval, since.Unix())
}

// InstrumentPrefix is the prefix shared by every key of an instrument.
func InstrumentPrefix(instrument string) string {
	return keyPrefix + instrument + ":"
}

// ComputeFunc produces the authoritative value on a miss.
type ComputeFunc func(ctx context.Context) ([]model.Bar, error)

// ReadThrough memoizes bar ranges in a Backend.
//
// A per-instrument generation counter guards against a compute that started
// before a write storing its stale result after the write's invalidation: the
// result is stored only if no invalidation happened while it was computed.
type ReadThrough struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu   sync.Mutex
	gens map[string]uint64
}

// NewReadThrough wraps backend. A nil backend disables caching entirely.
func NewReadThrough(backend Backend, ttl time.Duration, m *metrics.Metrics) *ReadThrough {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ReadThrough{
		backend: backend,
		ttl:     ttl,
		metrics: m,
		logger:  log.With().Str("component", "cache").Logger(),
		gens:    make(map[string]uint64),
	}
}

// Enabled reports whether a backend is configured.
func (c *ReadThrough) Enabled() bool {
	return c != nil && c.backend != nil
}

// GetOrCompute returns the cached bars for key or computes, stores and returns them.
// Only compute errors are returned.
func (c *ReadThrough) GetOrCompute(ctx context.Context, instrument, key string, compute ComputeFunc) ([]model.Bar, error) {
	if !c.Enabled() {
		return compute(ctx)
	}

	raw, ok, err := c.backend.Get(ctx, key)
	switch {
	case err != nil:
		c.metrics.Cache("error")
		c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed, falling through to store")
	case ok:
		var bars []model.Bar
		if err := json.Unmarshal(raw, &bars); err == nil {
			c.metrics.Cache("hit")
			return bars, nil
		}
		c.metrics.Cache("error")
		c.logger.Warn().Str("key", key).Msg("undecodable cache entry, recomputing")
	default:
		c.metrics.Cache("miss")
	}

	gen := c.generation(instrument)
	bars, err := compute(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(bars)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("failed to encode cache entry")
		return bars, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[instrument] != gen {
		c.logger.Debug().Str("key", key).Msg("instrument written during compute, not caching")
		return bars, nil
	}
	if err := c.backend.Set(ctx, key, encoded, c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return bars, nil
}

// InvalidatePrefix evicts every cached range of instrument. Called after each
// committed write; failures are logged and left to the TTL.
func (c *ReadThrough) InvalidatePrefix(ctx context.Context, instrument string) {
	if !c.Enabled() {
		return
	}

	c.mu.Lock()
	c.gens[instrument]++
	c.mu.Unlock()

	if err := c.backend.DeletePrefix(ctx, InstrumentPrefix(instrument)); err != nil {
		c.metrics.Cache("error")
		c.logger.Warn().Err(err).Str("instrument", instrument).Msg("cache invalidation failed, relying on ttl")
	}
}

// Close releases the backend.
func (c *ReadThrough) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.backend.Close()
}

func (c *ReadThrough) generation(instrument string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[instrument]
}
