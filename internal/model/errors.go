package model

import (
	"errors"
	"fmt"
)

// Error taxonomy of the trade pipeline. Callers branch on these with errors.Is;
// concrete failures wrap them with context.
var (
	// ErrInvalidEvent marks a malformed or out-of-tolerance trade. Terminal: it is
	// reported to the originator and never retried.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrUnknownInstrument is an ErrInvalidEvent raised for trades against an
	// instrument that was never registered.
	ErrUnknownInstrument = fmt.Errorf("%w: unknown instrument", ErrInvalidEvent)

	// ErrConcurrencyConflict marks a transactional write that lost a race. The
	// aggregator retries these a bounded number of times.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrTransientFailure marks storage unavailability or exhausted retries.
	ErrTransientFailure = errors.New("transient failure")
)
