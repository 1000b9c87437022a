package model

import (
	"fmt"
	"time"
)

// Interval is a supported bar granularity.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

var intervalSeconds = map[Interval]int64{
	Interval1m:  60,
	Interval5m:  5 * 60,
	Interval15m: 15 * 60,
	Interval1h:  60 * 60,
	Interval1d:  24 * 60 * 60,
}

// Intervals lists the supported granularities, finest first.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval1d}
}

// ParseInterval converts "1m", "5m", "15m", "1h" or "1d" into an Interval.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if _, ok := intervalSeconds[i]; !ok {
		return "", fmt.Errorf("unsupported interval %q (supported: 1m, 5m, 15m, 1h, 1d)", s)
	}
	return i, nil
}

// Seconds returns the interval length in seconds, or 0 for an unknown interval.
func (i Interval) Seconds() int64 {
	return intervalSeconds[i]
}

// Duration returns the interval length.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds()) * time.Second
}

// Valid reports whether i is a supported interval.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

func (i Interval) String() string {
	return string(i)
}
