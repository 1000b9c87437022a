package model

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// EventKind names a server-to-client subscription event.
type EventKind string

const (
	// EventLatestBar is pushed once when a client joins an instrument channel.
	EventLatestBar EventKind = "latestBar"

	// EventBarDelta is pushed to an instrument channel on every committed trade.
	EventBarDelta EventKind = "barDelta"

	// EventAggregateUpdate is broadcast to every connected client on every trade.
	EventAggregateUpdate EventKind = "aggregateUpdate"

	// EventError answers a client command that could not be applied.
	EventError EventKind = "error"
)

// ClientAction names a client-to-server subscription command.
type ClientAction string

const (
	ActionJoin  ClientAction = "join"
	ActionLeave ClientAction = "leave"
)

// ClientMessage is a subscription command sent by a client.
type ClientMessage struct {
	Action     ClientAction `json:"action" validate:"required,oneof=join leave"`
	Instrument string       `json:"instrument" validate:"required"`
}

// Envelope is the single server-to-client message shape on every live transport.
type Envelope struct {
	Event      EventKind     `json:"event"`
	Instrument string        `json:"instrument,omitempty"`
	Bar        *BarDTO       `json:"bar,omitempty"`
	Trade      *TradeDTO     `json:"trade,omitempty"`
	Aggregate  *AggregateDTO `json:"aggregate,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// BarDTO is the wire form of a Bar. Numeric fields are JSON numbers; unit
// formatting happens only at the presentation layer.
type BarDTO struct {
	Time        int64       `json:"time"` // bucket start, unix seconds
	Interval    string      `json:"interval,omitempty"`
	Open        json.Number `json:"open"`
	High        json.Number `json:"high"`
	Low         json.Number `json:"low"`
	Close       json.Number `json:"close"`
	RaisedFunds json.Number `json:"raised_funds"`
	Volume      json.Number `json:"volume"`
	Trades      int         `json:"trades"`
}

// TradeDTO is the wire form of a committed trade.
type TradeDTO struct {
	ID         string      `json:"id"`
	Instrument string      `json:"instrument_id"`
	Side       Side        `json:"side"`
	Quantity   json.Number `json:"quantity"`
	Value      json.Number `json:"value"`
	Timestamp  string      `json:"timestamp"`
}

// AggregateDTO is the wire form of an AggregateUpdate.
type AggregateDTO struct {
	Instrument  string      `json:"instrument_id"`
	RaisedFunds json.Number `json:"raised_funds"`
	Volume      json.Number `json:"volume"`
	UpdatedAt   int64       `json:"updated_at"`
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func parseNumber(field string, n json.Number) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", field, n, err)
	}
	return d, nil
}

// NewBarDTO converts a Bar into its wire form.
func NewBarDTO(b Bar) BarDTO {
	return BarDTO{
		Time:        b.BucketStart.Unix(),
		Interval:    b.Interval.String(),
		Open:        number(b.Open),
		High:        number(b.High),
		Low:         number(b.Low),
		Close:       number(b.Close),
		RaisedFunds: number(b.CumulativeValue()),
		Volume:      number(b.Volume),
		Trades:      b.Trades,
	}
}

// ToBar converts the wire form back into a Bar for the given instrument.
func (d BarDTO) ToBar(instrument string) (Bar, error) {
	bar := Bar{
		Instrument:  instrument,
		Interval:    Interval(d.Interval),
		BucketStart: time.Unix(d.Time, 0).UTC(),
		Trades:      d.Trades,
	}
	var err error
	if bar.Open, err = parseNumber("open", d.Open); err != nil {
		return Bar{}, err
	}
	if bar.High, err = parseNumber("high", d.High); err != nil {
		return Bar{}, err
	}
	if bar.Low, err = parseNumber("low", d.Low); err != nil {
		return Bar{}, err
	}
	if bar.Close, err = parseNumber("close", d.Close); err != nil {
		return Bar{}, err
	}
	if bar.Volume, err = parseNumber("volume", d.Volume); err != nil {
		return Bar{}, err
	}
	return bar, nil
}

// NewTradeDTO converts a Trade into its wire form.
func NewTradeDTO(t Trade) TradeDTO {
	return TradeDTO{
		ID:         t.ID,
		Instrument: t.Instrument,
		Side:       t.Side,
		Quantity:   number(t.Quantity),
		Value:      number(t.Value),
		Timestamp:  t.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

// NewAggregateDTO converts an AggregateUpdate into its wire form.
func NewAggregateDTO(a AggregateUpdate) AggregateDTO {
	return AggregateDTO{
		Instrument:  a.Instrument,
		RaisedFunds: number(a.RaisedFunds),
		Volume:      number(a.Volume),
		UpdatedAt:   a.UpdatedAt.Unix(),
	}
}

// ToAggregate converts the wire form back into an AggregateUpdate.
func (d AggregateDTO) ToAggregate() (AggregateUpdate, error) {
	funds, err := parseNumber("raised_funds", d.RaisedFunds)
	if err != nil {
		return AggregateUpdate{}, err
	}
	volume, err := parseNumber("volume", d.Volume)
	if err != nil {
		return AggregateUpdate{}, err
	}
	return AggregateUpdate{
		Instrument:  d.Instrument,
		RaisedFunds: funds,
		Volume:      volume,
		UpdatedAt:   time.Unix(d.UpdatedAt, 0).UTC(),
	}, nil
}

// BarEnvelope builds a latestBar or barDelta envelope.
func BarEnvelope(kind EventKind, b Bar, t *Trade) Envelope {
	dto := NewBarDTO(b)
	env := Envelope{Event: kind, Instrument: b.Instrument, Bar: &dto}
	if t != nil {
		td := NewTradeDTO(*t)
		env.Trade = &td
	}
	return env
}

// AggregateEnvelope builds an aggregateUpdate envelope.
func AggregateEnvelope(a AggregateUpdate) Envelope {
	dto := NewAggregateDTO(a)
	return Envelope{Event: EventAggregateUpdate, Instrument: a.Instrument, Aggregate: &dto}
}

// ErrorEnvelope builds the reply to a rejected client command.
func ErrorEnvelope(instrument string, err error) Envelope {
	return Envelope{Event: EventError, Instrument: instrument, Error: err.Error()}
}
