package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/rs/zerolog/log"
)

const (
	defaultLookback       = 7 * 24 * time.Hour
	defaultResyncInterval = 10 * time.Second
	defaultFetchTimeout   = 5 * time.Second
	defaultMinResyncGap   = time.Second
	inboxSize             = 256
)

// ErrSyncerStopped is returned by Send and Switch once Run has returned.
var ErrSyncerStopped = errors.New("syncer stopped")

// Fetcher loads a bar range from the backend.
type Fetcher interface {
	FetchRange(ctx context.Context, instrument string, since time.Time, interval model.Interval) ([]model.Bar, error)
}

// Subscription moves the live feed between instrument channels.
type Subscription interface {
	Join(instrument string) error
	Leave(instrument string) error
}

// SyncerConfig holds the resync parameters.
type SyncerConfig struct {
	Lookback       time.Duration // range fetched on every resync
	ResyncInterval time.Duration // periodic full resync
	FetchTimeout   time.Duration // bound on one fetch; expiry marks the series stale
	MinResyncGap   time.Duration // throttles resyncs requested by deltas
}

// Syncer owns the reconciled State. A single goroutine (Run) reduces every
// Message; fetches run in the background and report back as Messages.
type Syncer struct {
	fetcher  Fetcher
	sub      Subscription
	cfg      SyncerConfig
	now      func() time.Time
	inbox    chan Message
	done     chan struct{}
	mu       sync.RWMutex
	state    State
	updates  chan State
	fetching bool
	pending  bool
	lastSync time.Time
}

// Option customizes a Syncer.
type Option func(*Syncer)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// NewSyncer creates a Syncer. sub may be nil when no live feed is attached.
func NewSyncer(fetcher Fetcher, sub Subscription, cfg SyncerConfig, opts ...Option) *Syncer {
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookback
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = defaultResyncInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MinResyncGap <= 0 {
		cfg.MinResyncGap = defaultMinResyncGap
	}
	s := &Syncer{
		fetcher: fetcher,
		sub:     sub,
		cfg:     cfg,
		now:     time.Now,
		inbox:   make(chan Message, inboxSize),
		done:    make(chan struct{}),
		updates: make(chan State, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current snapshot.
func (s *Syncer) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Updates delivers a snapshot after every change. Only the newest pending
// snapshot is kept.
func (s *Syncer) Updates() <-chan State {
	return s.updates
}

// Send queues a message for the reducer.
func (s *Syncer) Send(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = s.now()
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSyncerStopped
	}
}

// Switch views another instrument or interval. The prior series is discarded.
func (s *Syncer) Switch(ctx context.Context, instrument string, interval model.Interval) error {
	if !interval.Valid() {
		return fmt.Errorf("unsupported interval %q", interval)
	}
	return s.Send(ctx, Message{Kind: MsgSwitch, Instrument: instrument, Interval: interval})
}

// Run reduces messages and drives the periodic resync until ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	defer close(s.done)

	logger := log.With().Str("component", "syncer").Logger()
	ticker := time.NewTicker(s.cfg.ResyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("syncer stopped")
			return nil
		case msg := <-s.inbox:
			s.handle(ctx, msg)
		case <-ticker.C:
			s.requestResync(ctx, true)
		}
	}
}

func (s *Syncer) handle(ctx context.Context, msg Message) {
	prev := s.State()

	switch msg.Kind {
	case MsgHistoricalRange, MsgFetchFailed:
		s.fetching = false
	case MsgSwitch:
		s.moveSubscription(prev.Instrument, msg.Instrument)
	}

	next := Reduce(prev, msg)
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
	s.publish(next)

	if msg.Kind == MsgFetchFailed {
		log.Warn().Err(msg.Err).Str("component", "syncer").Str("instrument", msg.Instrument).
			Msg("range fetch failed, keeping last known series")
	}

	switch {
	case msg.Kind == MsgSwitch || msg.Kind == MsgReconnected:
		s.requestResync(ctx, true)
	case next.NeedsResync:
		s.requestResync(ctx, false)
	case s.pending && !s.fetching:
		s.requestResync(ctx, true)
	}
}

func (s *Syncer) moveSubscription(from, to string) {
	if s.sub == nil || from == to {
		return
	}
	if from != "" {
		if err := s.sub.Leave(from); err != nil {
			log.Warn().Err(err).Str("component", "syncer").Str("instrument", from).Msg("failed to leave channel")
		}
	}
	if to != "" {
		if err := s.sub.Join(to); err != nil {
			log.Warn().Err(err).Str("component", "syncer").Str("instrument", to).Msg("failed to join channel")
		}
	}
}

// requestResync starts a background fetch. force skips the throttle; a
// request made while a fetch is in flight is remembered and run afterwards.
func (s *Syncer) requestResync(ctx context.Context, force bool) {
	st := s.State()
	if st.Instrument == "" {
		return
	}
	now := s.now()
	if s.fetching {
		s.pending = true
		return
	}
	if !force && now.Sub(s.lastSync) < s.cfg.MinResyncGap {
		s.pending = true
		return
	}

	s.fetching = true
	s.pending = false
	s.lastSync = now

	instrument, interval := st.Instrument, st.Interval
	since := now.Add(-s.cfg.Lookback)
	go func() {
		fctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()

		bars, err := s.fetcher.FetchRange(fctx, instrument, since, interval)
		msg := Message{Kind: MsgHistoricalRange, Instrument: instrument, Interval: interval, Bars: bars}
		if err != nil {
			msg = Message{Kind: MsgFetchFailed, Instrument: instrument, Interval: interval, Err: err}
		}
		if err := s.Send(ctx, msg); err != nil && !errors.Is(err, ErrSyncerStopped) && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("component", "syncer").Msg("failed to deliver fetch result")
		}
	}()
}

func (s *Syncer) publish(st State) {
	select {
	case s.updates <- st:
		return
	default:
	}
	// Replace the stale pending snapshot.
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- st:
	default:
	}
}
