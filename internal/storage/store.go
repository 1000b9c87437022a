// Package storage provides the durable Bar Store: bars keyed by (instrument,
// interval, bucket start), the raw trade log kept for re-bucketing, and the
// instrument registry with running totals.
//
// Two implementations are provided. Memory is used in tests and single-process
// deployments; Postgres is the production store.
package storage

import (
	"context"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/shopspring/decimal"
)

// Tx is the read-modify-write view of one instrument handed to a WithinTx
// callback. Every write made through a Tx becomes visible atomically on commit
// or not at all.
type Tx interface {
	// InsertTrade appends a raw trade and returns it with its store sequence set.
	InsertTrade(ctx context.Context, t model.Trade) (model.Trade, error)

	// LastTradeTime returns the event time of the instrument's latest trade.
	LastTradeTime(ctx context.Context, instrument string) (time.Time, bool, error)

	// GetBar returns the bar for an exact bucket.
	GetBar(ctx context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error)

	// PriorBar returns the latest bar whose bucket starts strictly before the given time.
	PriorBar(ctx context.Context, instrument string, interval model.Interval, before time.Time) (model.Bar, bool, error)

	// TradesFrom returns the instrument's trades with OccurredAt >= from in event-time order.
	TradesFrom(ctx context.Context, instrument string, from time.Time) ([]model.Trade, error)

	// UpsertBar inserts or replaces the bar for its (instrument, interval, bucket).
	UpsertBar(ctx context.Context, b model.Bar) (model.Bar, error)

	// AddTotals adds deltas to the instrument's running totals, creating the
	// instrument row when missing, and returns the new totals.
	AddTotals(ctx context.Context, instrument string, funds, volume decimal.Decimal, at time.Time) (model.Instrument, error)
}

// Store is the single source of truth for bars, trades and instruments.
type Store interface {
	// WithinTx runs fn in a transaction serialized against every other
	// transaction for the same instrument. A non-nil error from fn rolls back.
	WithinTx(ctx context.Context, instrument string, fn func(tx Tx) error) error

	GetBar(ctx context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error)
	LatestBar(ctx context.Context, instrument string, interval model.Interval) (model.Bar, bool, error)

	// QueryBars returns persisted bars with BucketStart >= since, ascending.
	QueryBars(ctx context.Context, instrument string, interval model.Interval, since time.Time) ([]model.Bar, error)

	// QueryTrades returns raw trades with OccurredAt >= since in event-time order.
	QueryTrades(ctx context.Context, instrument string, since time.Time) ([]model.Trade, error)

	// NetValueBefore returns the cumulative funds of all trades strictly before the given time.
	NetValueBefore(ctx context.Context, instrument string, before time.Time) (decimal.Decimal, error)

	// RecentTrades returns up to limit trades, newest first.
	RecentTrades(ctx context.Context, instrument string, limit int) ([]model.Trade, error)

	// CreateInstrument registers an instrument. An id that only exists because
	// trades arrived first is claimed and keeps its totals; a named one fails
	// with ErrInstrumentExists.
	CreateInstrument(ctx context.Context, in model.Instrument) (model.Instrument, error)
	GetInstrument(ctx context.Context, id string) (model.Instrument, bool, error)
	ListInstruments(ctx context.Context) ([]model.Instrument, error)

	Health(ctx context.Context) error
	Close() error
}
