// Package reconciler keeps a client-side bar series consistent with the
// backend.
//
// All inputs (historical range responses, live deltas, aggregate updates,
// instrument switches, reconnects and fetch failures) are typed Messages
// applied by the pure Reduce function. Syncer owns the State and runs the
// periodic resync; Feed turns websocket envelopes into Messages.
package reconciler

import (
	"sort"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
)

// MessageKind identifies the input a Message carries.
type MessageKind int

const (
	// MsgHistoricalRange carries the response of a full range fetch.
	MsgHistoricalRange MessageKind = iota + 1

	// MsgBarDelta carries one bar pushed after a committed trade.
	MsgBarDelta

	// MsgLatestBar carries the bar pushed when the channel was joined.
	MsgLatestBar

	// MsgAggregateUpdate carries an instrument's running totals.
	MsgAggregateUpdate

	// MsgSwitch changes the viewed instrument or interval.
	MsgSwitch

	// MsgReconnected reports that the live feed was re-established.
	MsgReconnected

	// MsgFetchFailed reports a range fetch that failed or timed out.
	MsgFetchFailed
)

func (k MessageKind) String() string {
	switch k {
	case MsgHistoricalRange:
		return "historicalRange"
	case MsgBarDelta:
		return "barDelta"
	case MsgLatestBar:
		return "latestBar"
	case MsgAggregateUpdate:
		return "aggregateUpdate"
	case MsgSwitch:
		return "switch"
	case MsgReconnected:
		return "reconnected"
	case MsgFetchFailed:
		return "fetchFailed"
	}
	return "unknown"
}

// Message is one reducer input. Which fields are set depends on Kind.
type Message struct {
	Kind       MessageKind
	Instrument string
	Interval   model.Interval        // HistoricalRange, Switch
	Bars       []model.Bar           // HistoricalRange
	Bar        model.Bar             // BarDelta, LatestBar
	Aggregate  model.AggregateUpdate // AggregateUpdate
	Err        error                 // FetchFailed
	At         time.Time             // when the message was produced
}

// State is the reconciled view of one instrument.
type State struct {
	Instrument string
	Interval   model.Interval

	// Series is ordered by bucket start with at most one bar per bucket.
	Series []model.Bar

	// Aggregates holds the latest totals of every instrument seen on the feed.
	Aggregates map[string]model.AggregateUpdate

	// Stale is set when the last fetch failed; Series then shows the last known data.
	Stale     bool
	LastError string
	LastSync  time.Time

	// NeedsResync asks the owner to fetch the full range again.
	NeedsResync bool
}

// Reduce applies msg to s and returns the new state. s is never mutated, so
// snapshots handed out earlier stay valid.
//
// Rules:
//   - messages for another instrument never touch the series
//   - a range response replaces the series; a bar already held with a higher
//     trade count for the same bucket, or in a later bucket, survives it,
//     since it was committed after the fetched snapshot
//   - a delta replaces the bar of its bucket unless the held bar has folded
//     more trades, so applying the same delta twice is a no-op
//   - a delta at another interval cannot be merged exactly and requests a resync
func Reduce(s State, msg Message) State {
	switch msg.Kind {
	case MsgSwitch:
		return State{
			Instrument:  msg.Instrument,
			Interval:    msg.Interval,
			Aggregates:  s.Aggregates,
			NeedsResync: true,
		}

	case MsgReconnected:
		s.NeedsResync = true
		return s

	case MsgAggregateUpdate:
		prev, ok := s.Aggregates[msg.Aggregate.Instrument]
		if ok && msg.Aggregate.UpdatedAt.Before(prev.UpdatedAt) {
			return s
		}
		aggregates := make(map[string]model.AggregateUpdate, len(s.Aggregates)+1)
		for k, v := range s.Aggregates {
			aggregates[k] = v
		}
		aggregates[msg.Aggregate.Instrument] = msg.Aggregate
		s.Aggregates = aggregates
		return s
	}

	if msg.Instrument != s.Instrument {
		return s
	}

	switch msg.Kind {
	case MsgHistoricalRange:
		if msg.Interval != s.Interval {
			return s
		}
		s.Series = mergeRange(s.Series, msg.Bars)
		s.Stale = false
		s.LastError = ""
		s.LastSync = msg.At
		s.NeedsResync = false

	case MsgBarDelta, MsgLatestBar:
		if msg.Bar.Interval != "" && msg.Bar.Interval != s.Interval {
			s.NeedsResync = true
			return s
		}
		s.Series = applyDelta(s.Series, msg.Bar)

	case MsgFetchFailed:
		s.Stale = true
		if msg.Err != nil {
			s.LastError = msg.Err.Error()
		}
	}
	return s
}

// applyDelta returns series with bar placed at its bucket.
func applyDelta(series []model.Bar, bar model.Bar) []model.Bar {
	i := sort.Search(len(series), func(i int) bool {
		return !series[i].BucketStart.Before(bar.BucketStart)
	})

	if i < len(series) && series[i].BucketStart.Equal(bar.BucketStart) {
		if bar.Trades < series[i].Trades {
			return series
		}
		out := make([]model.Bar, len(series))
		copy(out, series)
		out[i] = bar
		return out
	}

	out := make([]model.Bar, 0, len(series)+1)
	out = append(out, series[:i]...)
	out = append(out, bar)
	out = append(out, series[i:]...)
	return out
}

// mergeRange replaces current with fetched, keeping only the held bars that
// are provably newer than the snapshot. An empty snapshot keeps every held bar.
func mergeRange(current, fetched []model.Bar) []model.Bar {
	byBucket := make(map[int64]model.Bar, len(fetched)+len(current))
	var last time.Time
	for _, b := range fetched {
		key := b.BucketStart.Unix()
		if prev, ok := byBucket[key]; ok && prev.Trades > b.Trades {
			continue
		}
		byBucket[key] = b
		if b.BucketStart.After(last) {
			last = b.BucketStart
		}
	}

	for _, b := range current {
		key := b.BucketStart.Unix()
		f, ok := byBucket[key]
		switch {
		case ok && b.Trades > f.Trades:
			byBucket[key] = b
		case !ok && b.BucketStart.After(last):
			byBucket[key] = b
		}
	}

	out := make([]model.Bar, 0, len(byBucket))
	for _, b := range byBucket {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].BucketStart.Before(out[j].BucketStart)
	})
	return out
}
