package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/cache"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/candles"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/storage"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/utils"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultRangeLookback is how far back a range query reaches without since.
	DefaultRangeLookback = 7 * 24 * time.Hour

	// DefaultRangeInterval is the interval of a range query without one.
	DefaultRangeInterval = model.Interval5m

	DefaultTradeLimit = 100
	MaxTradeLimit     = 1000

	invalidateTimeout = 2 * time.Second
)

// TradeApplier folds a trade into the Bar Store.
type TradeApplier interface {
	Apply(ctx context.Context, trade model.Trade) (model.TradeUpdate, error)

	// Interval is the persisted bar granularity.
	Interval() model.Interval
}

// FanoutManager distributes committed updates to live subscribers.
type FanoutManager interface {
	Start(ctx context.Context) error
	Publish(update model.TradeUpdate)
}

// BarService orchestrates the write path (apply, invalidate, publish) and the
// read path (cached range queries) of the funding chart backend.
//
// The service coordinates between:
//   - TradeApplier: commits trades into bars
//   - ReadThrough cache: memoizes range queries, invalidated after each commit
//   - FanoutManager: pushes deltas to live clients after each commit
type BarService struct {
	store   storage.Store
	applier TradeApplier
	cache   *cache.ReadThrough
	fanout  FanoutManager
	metrics *metrics.Metrics
	started atomic.Bool
	cancel  context.CancelFunc
}

// NewBarService creates a stopped BarService. cache may be nil.
func NewBarService(store storage.Store, applier TradeApplier, rc *cache.ReadThrough, fanout FanoutManager, m *metrics.Metrics) *BarService {
	if rc == nil {
		rc = cache.NewReadThrough(nil, 0, m)
	}
	return &BarService{
		store:   store,
		applier: applier,
		cache:   rc,
		fanout:  fanout,
		metrics: m,
	}
}

// Start starts the fanout.
func (s *BarService) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("bar service has already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.fanout.Start(ctx); err != nil {
		cancel()
		s.started.Store(false)
		return fmt.Errorf("failed to start fanout: %w", err)
	}
	s.cancel = cancel
	return nil
}

// Stop shuts the fanout down.
func (s *BarService) Stop() error {
	if !s.started.CompareAndSwap(true, false) {
		return errors.New("service not started")
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	log.Info().Str("component", "bar_service").Msg("BarService stopped")
	return nil
}

// Interval returns the persisted bar granularity.
func (s *BarService) Interval() model.Interval {
	return s.applier.Interval()
}

// Ingest applies one trade, then invalidates the instrument's cached ranges
// and publishes the committed bars. Nothing is invalidated or published when
// the apply fails.
func (s *BarService) Ingest(ctx context.Context, trade model.Trade) (model.TradeUpdate, error) {
	update, err := s.applier.Apply(ctx, trade)
	if err != nil {
		return model.TradeUpdate{}, err
	}

	// The commit already happened; a cancelled request must still evict.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), invalidateTimeout)
	s.cache.InvalidatePrefix(ictx, update.Trade.Instrument)
	cancel()

	s.fanout.Publish(update)
	return update, nil
}

// QueryRange returns the bars of instrument with bucket start >= since at the
// given interval, ascending. since is rounded up to the interval boundary.
//
// The persisted granularity is read directly; any other interval is
// re-bucketed from the raw trades, starting from the cumulative funds of
// every trade before since.
func (s *BarService) QueryRange(ctx context.Context, instrument string, since time.Time, interval model.Interval) ([]model.Bar, error) {
	if err := utils.ValidateInstrument(instrument); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if !interval.Valid() {
		return nil, fmt.Errorf("%w: unsupported interval %q", model.ErrInvalidEvent, interval)
	}

	started := time.Now()
	since = candles.Ceil(since.UTC(), interval)
	key := cache.Key(instrument, interval, since)

	bars, err := s.cache.GetOrCompute(ctx, instrument, key, func(ctx context.Context) ([]model.Bar, error) {
		return s.computeRange(ctx, instrument, since, interval)
	})
	s.metrics.RangeQuery(interval.String(), time.Since(started))
	if err != nil {
		return nil, err
	}
	return bars, nil
}

func (s *BarService) computeRange(ctx context.Context, instrument string, since time.Time, interval model.Interval) ([]model.Bar, error) {
	if interval == s.applier.Interval() {
		bars, err := s.store.QueryBars(ctx, instrument, interval, since)
		if err != nil {
			return nil, fmt.Errorf("%w: query bars: %w", model.ErrTransientFailure, err)
		}
		return bars, nil
	}

	base, err := s.store.NetValueBefore(ctx, instrument, since)
	if err != nil {
		return nil, fmt.Errorf("%w: net value before range: %w", model.ErrTransientFailure, err)
	}
	trades, err := s.store.QueryTrades(ctx, instrument, since)
	if err != nil {
		return nil, fmt.Errorf("%w: query trades: %w", model.ErrTransientFailure, err)
	}
	return candles.Rebucket(instrument, trades, interval, base), nil
}

// LatestBar returns the newest persisted bar of instrument.
func (s *BarService) LatestBar(ctx context.Context, instrument string) (model.Bar, bool, error) {
	bar, ok, err := s.store.LatestBar(ctx, instrument, s.applier.Interval())
	if err != nil {
		return model.Bar{}, false, fmt.Errorf("%w: latest bar: %w", model.ErrTransientFailure, err)
	}
	return bar, ok, nil
}

// RecentTrades returns the newest trades of instrument. limit <= 0 selects the
// default; larger values are capped.
func (s *BarService) RecentTrades(ctx context.Context, instrument string, limit int) ([]model.Trade, error) {
	if err := utils.ValidateInstrument(instrument); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	switch {
	case limit <= 0:
		limit = DefaultTradeLimit
	case limit > MaxTradeLimit:
		limit = MaxTradeLimit
	}

	trades, err := s.store.RecentTrades(ctx, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent trades: %w", model.ErrTransientFailure, err)
	}
	return trades, nil
}

// RegisterInstrument adds an instrument to the registry.
func (s *BarService) RegisterInstrument(ctx context.Context, in model.Instrument) (model.Instrument, error) {
	if err := utils.ValidateInstrument(in.ID); err != nil {
		return model.Instrument{}, fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	in.Name = strings.TrimSpace(in.Name)
	in.Symbol = strings.TrimSpace(in.Symbol)
	if in.Name == "" {
		return model.Instrument{}, fmt.Errorf("%w: instrument name is required", model.ErrInvalidEvent)
	}

	out, err := s.store.CreateInstrument(ctx, in)
	if errors.Is(err, storage.ErrInstrumentExists) {
		return model.Instrument{}, err
	}
	if err != nil {
		return model.Instrument{}, fmt.Errorf("%w: create instrument: %w", model.ErrTransientFailure, err)
	}
	log.Info().Str("component", "bar_service").Str("instrument", out.ID).Str("symbol", out.Symbol).
		Msg("instrument registered")
	return out, nil
}

// ListInstruments returns the registry, newest first.
func (s *BarService) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	list, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list instruments: %w", model.ErrTransientFailure, err)
	}
	return list, nil
}

// Health reports whether the store is reachable.
func (s *BarService) Health(ctx context.Context) error {
	return s.store.Health(ctx)
}
