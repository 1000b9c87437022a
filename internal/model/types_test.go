package model

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseSide(t *testing.T) {
	tests := []struct {
		input     string
		expected  Side
		expectErr bool
	}{
		{input: "buy", expected: SideBuy},
		{input: "BUY", expected: SideBuy},
		{input: " Sell ", expected: SideSell},
		{input: "hold", expectErr: true},
		{input: "", expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			side, err := ParseSide(tt.input)
			if tt.expectErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent), "Unknown side should be an invalid event")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, side)
		})
	}
}

// Test_Trade_FundsVolumeAsymmetry verifies BUY moves funds only and SELL moves both.
func Test_Trade_FundsVolumeAsymmetry(t *testing.T) {
	buy := Trade{Side: SideBuy, Value: decimal.RequireFromString("1.5")}
	sell := Trade{Side: SideSell, Value: decimal.RequireFromString("0.4")}

	assert.True(t, buy.SignedValue().Equal(decimal.RequireFromString("1.5")))
	assert.True(t, buy.SellVolume().IsZero(), "BUY should not accrue volume")

	assert.True(t, sell.SignedValue().Equal(decimal.RequireFromString("-0.4")))
	assert.True(t, sell.SellVolume().Equal(decimal.RequireFromString("0.4")))
}

func Test_Trade_Before(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	a := Trade{OccurredAt: t0, Seq: 1}
	b := Trade{OccurredAt: t0, Seq: 2}
	c := Trade{OccurredAt: t0.Add(-time.Second), Seq: 3}

	assert.True(t, a.Before(b), "Equal times should order by sequence")
	assert.False(t, b.Before(a))
	assert.True(t, c.Before(a), "Earlier event time wins over sequence")
}

func Test_Trade_IdempotencyKey(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("KST", 9*3600))
	a := Trade{Instrument: "0xabc", Side: SideBuy, OccurredAt: t0}
	b := Trade{Instrument: "0xabc", Side: SideBuy, OccurredAt: t0.UTC(), Value: decimal.NewFromInt(3)}
	c := Trade{Instrument: "0xabc", Side: SideSell, OccurredAt: t0}

	assert.Equal(t, a.IdempotencyKey(), b.IdempotencyKey(), "Key is independent of zone and value")
	assert.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
}

func Test_ParseInterval(t *testing.T) {
	for _, i := range Intervals() {
		parsed, err := ParseInterval(i.String())
		require.NoError(t, err)
		assert.Equal(t, i, parsed)
		assert.True(t, parsed.Valid())
	}

	_, err := ParseInterval("2m")
	assert.Error(t, err)
	assert.Equal(t, int64(0), Interval("2m").Seconds())
	assert.Equal(t, 15*time.Minute, Interval15m.Duration())
	assert.Equal(t, int64(86400), Interval1d.Seconds())
}

// Test_BarDTO_NumericFields verifies bar values are emitted as JSON numbers, not strings.
func Test_BarDTO_NumericFields(t *testing.T) {
	bar := Bar{
		Instrument:  "0xabc",
		Interval:    Interval5m,
		BucketStart: time.Unix(1714564800, 0).UTC(),
		Open:        decimal.RequireFromString("1"),
		High:        decimal.RequireFromString("1"),
		Low:         decimal.RequireFromString("0.6"),
		Close:       decimal.RequireFromString("0.6"),
		Volume:      decimal.RequireFromString("0.4"),
		Trades:      2,
	}

	raw, err := json.Marshal(NewBarDTO(bar))
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, float64(1714564800), generic["time"])
	assert.Equal(t, 0.6, generic["close"])
	assert.Equal(t, 0.6, generic["raised_funds"], "raised_funds mirrors close")
	assert.Equal(t, 0.4, generic["volume"])

	var dto BarDTO
	require.NoError(t, json.Unmarshal(raw, &dto))
	back, err := dto.ToBar("0xabc")
	require.NoError(t, err)
	assert.True(t, back.Close.Equal(bar.Close))
	assert.True(t, back.BucketStart.Equal(bar.BucketStart))
	assert.Equal(t, bar.Interval, back.Interval)
	assert.Equal(t, 2, back.Trades)
}

func Test_BarDTO_ToBar_InvalidNumber(t *testing.T) {
	dto := BarDTO{Open: "x", High: "1", Low: "1", Close: "1", Volume: "0"}
	_, err := dto.ToBar("0xabc")
	assert.Error(t, err)
}

func Test_AggregateDTO_RoundTrip(t *testing.T) {
	agg := AggregateUpdate{
		Instrument:  "0xabc",
		RaisedFunds: decimal.RequireFromString("2.6"),
		Volume:      decimal.RequireFromString("0.4"),
		UpdatedAt:   time.Unix(1714564800, 0).UTC(),
	}
	env := AggregateEnvelope(agg)
	assert.Equal(t, EventAggregateUpdate, env.Event)
	require.NotNil(t, env.Aggregate)

	back, err := env.Aggregate.ToAggregate()
	require.NoError(t, err)
	assert.True(t, back.RaisedFunds.Equal(agg.RaisedFunds))
	assert.True(t, back.Volume.Equal(agg.Volume))
	assert.True(t, back.UpdatedAt.Equal(agg.UpdatedAt))
}
