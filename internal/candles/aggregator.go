// Package candles provides cumulative-funds OHLC bar aggregation for presale trades.
//
// The package holds three layers:
//   - Bucket/Ceil: pure epoch-aligned interval arithmetic
//   - OpenBar/FoldTrade/Rebucket: pure OHLC fold rules
//   - Aggregator: the transactional read-modify-write that applies one trade to
//     the Bar Store
//
// Thread Safety:
//   - Aggregator is safe for concurrent use
//   - Trades for the same instrument are serialized by the store transaction
//   - Trades arriving out of event-time order replay the affected buckets so
//     high/low/close always reflect event-time order
package candles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/storage"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	defaultFutureTolerance = 60 * time.Second
	defaultApplyTimeout    = 5 * time.Second
	defaultMaxRetries      = 3
	defaultRetryBackoff    = 20 * time.Millisecond
)

// Config holds the aggregation parameters.
type Config struct {
	// Interval is the persisted bar granularity.
	Interval model.Interval

	// FutureTolerance bounds how far ahead of the local clock a trade may be stamped.
	FutureTolerance time.Duration

	// ApplyTimeout bounds one full apply, retries included.
	ApplyTimeout time.Duration

	// MaxRetries is the number of attempts after a concurrency conflict.
	MaxRetries int

	// RetryBackoff is the base delay between attempts; it grows linearly.
	RetryBackoff time.Duration

	// RequireKnownInstrument rejects trades for unregistered instruments.
	RequireKnownInstrument bool
}

// Aggregator applies trades to the Bar Store.
type Aggregator struct {
	store   storage.Store
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option customizes an Aggregator.
type Option func(*Aggregator)

// WithClock replaces the wall clock used for timestamp sanity checks.
func WithClock(now func() time.Time) Option {
	return func(agg *Aggregator) { agg.now = now }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(agg *Aggregator) { agg.metrics = m }
}

// NewAggregator creates a new aggregator with the specified configuration.
// Zero-valued settings fall back to defaults.
func NewAggregator(store storage.Store, cfg Config, opts ...Option) *Aggregator {
	if !cfg.Interval.Valid() {
		cfg.Interval = model.Interval5m
	}
	if cfg.FutureTolerance <= 0 {
		cfg.FutureTolerance = defaultFutureTolerance
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}

	agg := &Aggregator{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(agg)
	}
	return agg
}

// Interval returns the persisted bar granularity.
func (agg *Aggregator) Interval() model.Interval {
	return agg.cfg.Interval
}

// Apply validates a trade and folds it into its bar inside one store transaction.
//
// Steps:
//  1. Validate the event (ErrInvalidEvent on failure, never retried)
//  2. Compute the bucket start for the configured interval
//  3. Inside the instrument's transaction: record the raw trade, then read,
//     fold and upsert the bucket's bar and update the running totals
//  4. Retry on ErrConcurrencyConflict up to MaxRetries, then report
//     ErrTransientFailure
//
// On error nothing was committed and the caller must not broadcast anything.
func (agg *Aggregator) Apply(ctx context.Context, trade model.Trade) (model.TradeUpdate, error) {
	started := agg.now()

	if err := agg.validate(ctx, &trade); err != nil {
		agg.metrics.TradeFailed(failureKind(err))
		return model.TradeUpdate{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, agg.cfg.ApplyTimeout)
	defer cancel()

	logger := log.With().
		Str("component", "aggregator").
		Str("instrument", trade.Instrument).
		Str("trade", trade.ID).
		Logger()

	var (
		update model.TradeUpdate
		err    error
	)
	for attempt := 1; ; attempt++ {
		update, err = agg.applyOnce(ctx, trade)
		if err == nil || !errors.Is(err, model.ErrConcurrencyConflict) || attempt >= agg.cfg.MaxRetries {
			break
		}

		agg.metrics.Retried()
		logger.Warn().Err(err).Int("attempt", attempt).Msg("concurrency conflict, retrying trade apply")

		timer := time.NewTimer(time.Duration(attempt) * agg.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			err = fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
		if ctx.Err() != nil {
			break
		}
	}

	if err != nil {
		if !errors.Is(err, model.ErrInvalidEvent) && !errors.Is(err, model.ErrTransientFailure) {
			err = fmt.Errorf("%w: apply trade: %w", model.ErrTransientFailure, err)
		}
		agg.metrics.TradeFailed(failureKind(err))
		logger.Error().Err(err).Msg("failed to apply trade")
		return model.TradeUpdate{}, err
	}

	agg.metrics.TradeApplied(string(trade.Side), agg.now().Sub(started))
	logger.Debug().
		Time("bucket", update.Bar.BucketStart).
		Str("close", update.Bar.Close.String()).
		Int("rebuilt", len(update.Rebuilt)).
		Msg("trade applied")
	return update, nil
}

// applyOnce runs one transactional attempt.
func (agg *Aggregator) applyOnce(ctx context.Context, trade model.Trade) (model.TradeUpdate, error) {
	var update model.TradeUpdate
	interval := agg.cfg.Interval
	bucket := Bucket(trade.OccurredAt, interval)

	err := agg.store.WithinTx(ctx, trade.Instrument, func(tx storage.Tx) error {
		last, hasLast, err := tx.LastTradeTime(ctx, trade.Instrument)
		if err != nil {
			return fmt.Errorf("read last trade time: %w", err)
		}

		stored, err := tx.InsertTrade(ctx, trade)
		if err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		update.Trade = stored

		if !hasLast || !stored.OccurredAt.Before(last) {
			update.Bar, err = agg.foldInOrder(ctx, tx, stored, bucket)
		} else {
			agg.metrics.Rebuilt()
			update.Bar, update.Rebuilt, err = agg.replayFrom(ctx, tx, stored, bucket)
		}
		if err != nil {
			return err
		}

		totals, err := tx.AddTotals(ctx, stored.Instrument, stored.SignedValue(), stored.SellVolume(), stored.ReceivedAt)
		if err != nil {
			return fmt.Errorf("update totals: %w", err)
		}
		update.Aggregate = model.AggregateUpdate{
			Instrument:  totals.ID,
			RaisedFunds: totals.RaisedFunds,
			Volume:      totals.Volume,
			UpdatedAt:   stored.ReceivedAt,
		}
		return nil
	})
	if err != nil {
		return model.TradeUpdate{}, err
	}
	return update, nil
}

// foldInOrder handles the common case: the trade is not older than any trade
// already recorded, so folding it into its bucket preserves event-time order.
func (agg *Aggregator) foldInOrder(ctx context.Context, tx storage.Tx, trade model.Trade, bucket time.Time) (model.Bar, error) {
	interval := agg.cfg.Interval

	bar, found, err := tx.GetBar(ctx, trade.Instrument, interval, bucket)
	if err != nil {
		return model.Bar{}, fmt.Errorf("read bar: %w", err)
	}

	if found {
		bar = FoldTrade(bar, trade)
	} else {
		prior, hasPrior, err := tx.PriorBar(ctx, trade.Instrument, interval, bucket)
		if err != nil {
			return model.Bar{}, fmt.Errorf("read prior bar: %w", err)
		}
		base := decimal.Zero
		if hasPrior {
			base = prior.Close
		}
		bar = OpenBar(trade.Instrument, interval, bucket, base, trade)
	}
	bar.UpdatedAt = trade.ReceivedAt

	saved, err := tx.UpsertBar(ctx, bar)
	if err != nil {
		return model.Bar{}, fmt.Errorf("upsert bar: %w", err)
	}
	return saved, nil
}

// replayFrom recomputes every bar from the trade's bucket onward from the raw
// trade log, in event-time order. It returns the trade's own bar and the later
// bars whose cumulative values shifted.
func (agg *Aggregator) replayFrom(ctx context.Context, tx storage.Tx, trade model.Trade, bucket time.Time) (model.Bar, []model.Bar, error) {
	interval := agg.cfg.Interval

	prior, hasPrior, err := tx.PriorBar(ctx, trade.Instrument, interval, bucket)
	if err != nil {
		return model.Bar{}, nil, fmt.Errorf("read prior bar: %w", err)
	}
	base := decimal.Zero
	if hasPrior {
		base = prior.Close
	}

	trades, err := tx.TradesFrom(ctx, trade.Instrument, bucket)
	if err != nil {
		return model.Bar{}, nil, fmt.Errorf("read trades for replay: %w", err)
	}

	var (
		own     model.Bar
		rebuilt []model.Bar
	)
	for _, bar := range Rebucket(trade.Instrument, trades, interval, base) {
		bar.UpdatedAt = trade.ReceivedAt
		saved, err := tx.UpsertBar(ctx, bar)
		if err != nil {
			return model.Bar{}, nil, fmt.Errorf("upsert replayed bar: %w", err)
		}
		if saved.BucketStart.Equal(bucket) {
			own = saved
		} else {
			rebuilt = append(rebuilt, saved)
		}
	}
	return own, rebuilt, nil
}

// validate checks the trade's shape and timestamp sanity and fills ingestion
// defaults (id, received time, UTC normalization).
func (agg *Aggregator) validate(ctx context.Context, t *model.Trade) error {
	if err := utils.ValidateInstrument(t.Instrument); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if !t.Side.Valid() {
		return fmt.Errorf("%w: unknown side %q", model.ErrInvalidEvent, t.Side)
	}
	if t.Value.IsNegative() {
		return fmt.Errorf("%w: negative value %s", model.ErrInvalidEvent, t.Value)
	}
	if t.Quantity.IsNegative() {
		return fmt.Errorf("%w: negative quantity %s", model.ErrInvalidEvent, t.Quantity)
	}
	if t.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", model.ErrInvalidEvent)
	}

	now := agg.now().UTC()
	if t.OccurredAt.After(now.Add(agg.cfg.FutureTolerance)) {
		return fmt.Errorf("%w: timestamp %s is more than %s ahead of server time",
			model.ErrInvalidEvent, t.OccurredAt.UTC().Format(time.RFC3339), agg.cfg.FutureTolerance)
	}

	if agg.cfg.RequireKnownInstrument {
		_, ok, err := agg.store.GetInstrument(ctx, t.Instrument)
		if err != nil {
			return fmt.Errorf("%w: lookup instrument: %w", model.ErrTransientFailure, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", model.ErrUnknownInstrument, t.Instrument)
		}
	}

	t.OccurredAt = t.OccurredAt.UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = now
	}
	return nil
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		return "invalid_event"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "transient"
	}
}
