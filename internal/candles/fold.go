package candles

import (
	"sort"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/shopspring/decimal"
)

// OpenBar creates the bar for a bucket that has no row yet.
//
// base is the instrument's cumulative funds before the trade (the previous
// bucket's close, or zero for the first bucket ever). Open, High, Low and Close
// all start at base plus the trade's signed value; Open is never touched again
// by in-order folding.
func OpenBar(instrument string, interval model.Interval, bucketStart time.Time, base decimal.Decimal, t model.Trade) model.Bar {
	cumulative := base.Add(t.SignedValue())
	return model.Bar{
		Instrument:  instrument,
		Interval:    interval,
		BucketStart: bucketStart,
		Open:        cumulative,
		High:        cumulative,
		Low:         cumulative,
		Close:       cumulative,
		Volume:      t.SellVolume(),
		Trades:      1,
	}
}

// FoldTrade applies one more trade to an existing bar.
//
// Funds-vs-volume asymmetry: a BUY raises Close by its value and leaves Volume
// alone; a SELL lowers Close by its value and adds it to Volume.
func FoldTrade(b model.Bar, t model.Trade) model.Bar {
	cumulative := b.Close.Add(t.SignedValue())
	b.Close = cumulative
	b.High = decimal.Max(b.High, cumulative)
	b.Low = decimal.Min(b.Low, cumulative)
	b.Volume = b.Volume.Add(t.SellVolume())
	b.Trades++
	return b
}

// Rebucket folds trades into bars of the given interval.
//
// Trades are applied in event-time order starting from base, the cumulative
// funds of everything before the first trade. The result is ordered by bucket
// start and holds one bar per non-empty bucket.
func Rebucket(instrument string, trades []model.Trade, interval model.Interval, base decimal.Decimal) []model.Bar {
	ordered := make([]model.Trade, len(trades))
	copy(ordered, trades)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	bars := make([]model.Bar, 0)
	running := base
	for _, t := range ordered {
		start := Bucket(t.OccurredAt, interval)
		if n := len(bars); n > 0 && bars[n-1].BucketStart.Equal(start) {
			bars[n-1] = FoldTrade(bars[n-1], t)
		} else {
			bars = append(bars, OpenBar(instrument, interval, start, running, t))
		}
		running = bars[len(bars)-1].Close
	}
	return bars
}
