// Package model defines core data types for the funding chart service.
//
// This package contains the fundamental data structures shared by the aggregation
// pipeline, the stores, the live fanout and the client reconciler. All monetary
// values use decimal.Decimal so cumulative totals never drift through
// floating-point rounding.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a presale trade.
type Side string

const (
	// SideBuy moves an instrument's cumulative funds up.
	SideBuy Side = "BUY"

	// SideSell moves cumulative funds down and accrues to volume.
	SideSell Side = "SELL"
)

// ParseSide accepts "buy"/"sell" in any letter case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidEvent, s)
}

// Valid reports whether s is one of the known sides.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Trade represents a single confirmed buy or sell against a presale contract.
//
// Trades are produced by an ingress adapter, folded once into the bar for their
// bucket, and retained in the raw trade table so ranges can be re-bucketed at any
// interval.
type Trade struct {
	ID         string          // Row identifier assigned at ingestion
	Seq        int64           // Store-assigned insertion sequence, breaks ties on OccurredAt
	Instrument string          // Token address or other opaque instrument id
	Side       Side            // BUY or SELL
	Quantity   decimal.Decimal // Token units transacted
	Value      decimal.Decimal // Settlement-currency amount, never negative
	OccurredAt time.Time       // Authoritative event time (UTC)
	ReceivedAt time.Time       // Time the backend accepted the notification
}

// SignedValue is the trade's contribution to cumulative funds: +Value for a BUY and
// -Value for a SELL.
func (t Trade) SignedValue() decimal.Decimal {
	if t.Side == SideSell {
		return t.Value.Neg()
	}
	return t.Value
}

// SellVolume is the trade's contribution to bar volume. Only SELL trades accrue
// volume (funds-vs-volume asymmetry).
func (t Trade) SellVolume() decimal.Decimal {
	if t.Side == SideSell {
		return t.Value
	}
	return decimal.Zero
}

// IdempotencyKey identifies a replayed notification on the client side.
func (t Trade) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%d", t.Instrument, t.Side, t.OccurredAt.UTC().UnixNano())
}

// Before orders trades by event time, then by insertion sequence.
func (t Trade) Before(o Trade) bool {
	if !t.OccurredAt.Equal(o.OccurredAt) {
		return t.OccurredAt.Before(o.OccurredAt)
	}
	return t.Seq < o.Seq
}

// Bar represents the OHLC summary of an instrument's cumulative funds over one
// interval bucket.
//
// Open, High, Low and Close track the running total of net funds raised, not a
// market price; Close is always the cumulative value after the last trade folded
// into the bucket. Volume is the sum of SELL trade values inside the bucket.
//
// Fields:
//   - Instrument: instrument this bar belongs to
//   - Interval: bucket granularity
//   - BucketStart: floor of the trade times to the interval boundary
//   - Open: cumulative value after the bucket's first trade
//   - High/Low: extremes of the cumulative value within the bucket
//   - Close: cumulative value after the bucket's last trade
//   - Volume: sum of SELL values in the bucket
//   - Trades: number of trades folded into the bucket
type Bar struct {
	Instrument  string
	Interval    Interval
	BucketStart time.Time
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Volume      decimal.Decimal
	Trades      int
	UpdatedAt   time.Time
}

// CumulativeValue is the instrument's running total after this bucket.
func (b Bar) CumulativeValue() decimal.Decimal {
	return b.Close
}

// Instrument is a registered tradable token together with its running totals.
type Instrument struct {
	ID          string
	Name        string
	Symbol      string
	CreatedAt   time.Time
	RaisedFunds decimal.Decimal // Net cumulative funds (BUY minus SELL)
	Volume      decimal.Decimal // Total SELL value
}

// AggregateUpdate is the instrument-agnostic summary broadcast to every client
// after each committed trade.
type AggregateUpdate struct {
	Instrument  string
	RaisedFunds decimal.Decimal
	Volume      decimal.Decimal
	UpdatedAt   time.Time
}

// TradeUpdate is the committed result of applying one trade. Bar is the bar for
// the trade's own bucket; Rebuilt holds later bars recomputed when the trade
// arrived out of event-time order.
type TradeUpdate struct {
	Trade     Trade
	Bar       Bar
	Rebuilt   []Bar
	Aggregate AggregateUpdate
}
