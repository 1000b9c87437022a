package candles

import (
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
)

// Bucket maps a timestamp to the start of its interval bucket:
// floor(epoch_seconds / interval_seconds) * interval_seconds, in UTC.
//
// Boundaries are aligned to the Unix epoch, not to any session start. The floor
// is exact for timestamps before 1970 as well.
func Bucket(t time.Time, interval model.Interval) time.Time {
	size := interval.Seconds()
	if size <= 0 {
		return t.UTC()
	}
	return time.Unix(floorDiv(t.Unix(), size)*size, 0).UTC()
}

// Ceil returns the first bucket start at or after t. For any bucket start b,
// b >= t holds exactly when b >= Ceil(t, interval).
func Ceil(t time.Time, interval model.Interval) time.Time {
	b := Bucket(t, interval)
	if b.Equal(t) {
		return b
	}
	return b.Add(interval.Duration())
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
