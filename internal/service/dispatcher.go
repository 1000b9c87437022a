// Package service provides the core orchestration of the funding chart backend.
//
// The dispatcher component is the Live Fanout: it delivers bar deltas to the
// connections subscribed to an instrument and aggregate totals to every
// connection, without ever letting a slow client hold up trade ingestion.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/metrics"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDispatcherNotStarted is returned by operations issued before Start.
	ErrDispatcherNotStarted = errors.New("dispatcher not started")

	// ErrDispatcherStopped is returned once the dispatch loop has exited.
	ErrDispatcherStopped = errors.New("dispatcher stopped")
)

const (
	defaultSubscriberBuffer = 100
	defaultPublishBuffer    = 1024
	defaultMaxInstruments   = 16
)

// Subscriber represents one live connection.
//
// Each subscriber owns a buffered channel of envelopes and the set of
// instruments it joined. The set is only touched by the dispatch goroutine.
type Subscriber struct {
	id          string              // Unique identifier for the connection
	ch          chan model.Envelope // Buffered delivery channel, closed on unsubscribe
	instruments map[string]struct{} // Joined instrument channels
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

// Updates returns the delivery channel. It is closed when the subscriber is
// removed or the dispatcher stops.
func (s *Subscriber) Updates() <-chan model.Envelope { return s.ch }

// DispatcherConfig holds configuration parameters for the Dispatcher.
type DispatcherConfig struct {
	MaxInstrumentsPerSubscriber int // Maximum joined instruments per connection
	SubscriberBuffer            int // Envelopes buffered per connection before dropping the oldest
	PublishBuffer               int // Committed updates queued before Publish starts dropping
}

// LatestBarFunc looks up the latest persisted bar pushed to a joining subscriber.
type LatestBarFunc func(ctx context.Context, instrument string) (model.Bar, bool, error)

type controlKind int

const (
	ctlRegister controlKind = iota
	ctlUnregister
	ctlJoin
	ctlLeave
	ctlPush
)

// control is one subscription change. All of them share a single queue so
// the dispatch loop applies them in the order callers issued them.
type control struct {
	kind       controlKind
	sub        *Subscriber
	instrument string
	env        model.Envelope // ctlPush only
	reply      chan error
}

// Dispatcher implements the Live Fanout with the actor model: a single
// goroutine owns the subscribers map and every subscriber's instrument set,
// and all mutations reach it through channels.
type Dispatcher struct {
	cfg         DispatcherConfig
	subscribers map[string]*Subscriber // Owned by the dispatch goroutine
	controlCh   chan control
	publishCh   chan model.TradeUpdate
	started     atomic.Bool
	done        chan struct{}
	latest      LatestBarFunc
	metrics     *metrics.Metrics
}

// NewDispatcher creates a new Dispatcher. latest may be nil, in which case
// joining subscribers wait for the next trade.
func NewDispatcher(cfg DispatcherConfig, latest LatestBarFunc, m *metrics.Metrics) *Dispatcher {
	if cfg.MaxInstrumentsPerSubscriber <= 0 {
		cfg.MaxInstrumentsPerSubscriber = defaultMaxInstruments
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.PublishBuffer <= 0 {
		cfg.PublishBuffer = defaultPublishBuffer
	}
	return &Dispatcher{
		cfg:         cfg,
		subscribers: make(map[string]*Subscriber),
		controlCh:   make(chan control, 16),
		publishCh:   make(chan model.TradeUpdate, cfg.PublishBuffer),
		done:        make(chan struct{}),
		latest:      latest,
		metrics:     m,
	}
}

// Start launches the dispatch goroutine. It stops when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("dispatcher already started")
	}

	go func() {
		defer func() {
			for _, sub := range d.subscribers {
				close(sub.ch)
			}
			d.subscribers = make(map[string]*Subscriber)
			d.metrics.Subscribers(0)
			close(d.done)
		}()

		for {
			select {
			case <-ctx.Done():
				log.Info().Str("component", "dispatcher").Msg("dispatcher stopped")
				return
			case c := <-d.controlCh:
				c.reply <- d.apply(c)
			case update := <-d.publishCh:
				d.dispatch(update)
			}
		}
	}()
	return nil
}

// Done is closed after the dispatch loop exits and every subscriber channel is closed.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Subscribe registers a new connection. It receives aggregate updates right
// away and bar updates for the instruments it later joins.
func (d *Dispatcher) Subscribe(ctx context.Context) (*Subscriber, error) {
	if !d.started.Load() {
		return nil, ErrDispatcherNotStarted
	}
	if d.stopped() {
		return nil, ErrDispatcherStopped
	}

	sub := &Subscriber{
		id:          uuid.NewString(),
		ch:          make(chan model.Envelope, d.cfg.SubscriberBuffer),
		instruments: make(map[string]struct{}),
	}

	if err := d.request(ctx, control{kind: ctlRegister, sub: sub}); err != nil {
		return nil, err
	}
	return sub, nil
}

// Unsubscribe removes a connection and closes its channel. It returns once
// the channel is closed. Calling it twice, or after the dispatcher stopped,
// is harmless.
func (d *Dispatcher) Unsubscribe(sub *Subscriber) error {
	if !d.started.Load() {
		return ErrDispatcherNotStarted
	}
	err := d.request(context.Background(), control{kind: ctlUnregister, sub: sub})
	if errors.Is(err, ErrDispatcherStopped) {
		return nil
	}
	return err
}

// Join adds instrument to the subscriber's channels and pushes the latest
// known bar for it.
func (d *Dispatcher) Join(ctx context.Context, sub *Subscriber, instrument string) error {
	if err := utils.ValidateInstrument(instrument); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidEvent, err)
	}
	if err := d.request(ctx, control{kind: ctlJoin, sub: sub, instrument: instrument}); err != nil {
		return err
	}

	if d.latest == nil {
		return nil
	}
	bar, ok, err := d.latest(ctx, instrument)
	if err != nil {
		log.Warn().Err(err).Str("component", "dispatcher").Str("instrument", instrument).
			Msg("failed to load latest bar for joining subscriber")
		return nil
	}
	if !ok {
		return nil
	}

	// The push is queued behind any leave issued meanwhile and is skipped then.
	push := control{kind: ctlPush, sub: sub, instrument: instrument, env: model.BarEnvelope(model.EventLatestBar, bar, nil)}
	if err := d.request(ctx, push); err != nil && !errors.Is(err, ErrDispatcherStopped) {
		return err
	}
	return nil
}

// Leave removes instrument from the subscriber's channels.
func (d *Dispatcher) Leave(ctx context.Context, sub *Subscriber, instrument string) error {
	return d.request(ctx, control{kind: ctlLeave, sub: sub, instrument: instrument})
}

// Publish queues a committed trade update for fanout. It never blocks: when
// the queue is full the update is dropped, and clients heal on their next resync.
func (d *Dispatcher) Publish(update model.TradeUpdate) {
	select {
	case d.publishCh <- update:
	default:
		d.metrics.Dropped("publish_buffer_full")
		log.Warn().Str("component", "dispatcher").Str("instrument", update.Trade.Instrument).
			Msg("publish buffer full, dropping update")
	}
}

func (d *Dispatcher) request(ctx context.Context, c control) error {
	if !d.started.Load() {
		return ErrDispatcherNotStarted
	}
	if d.stopped() {
		return ErrDispatcherStopped
	}
	c.reply = make(chan error, 1)

	select {
	case d.controlCh <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherStopped
	}

	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrDispatcherStopped
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// apply runs inside the dispatch goroutine.
func (d *Dispatcher) apply(c control) error {
	switch c.kind {
	case ctlRegister:
		d.subscribers[c.sub.id] = c.sub
		d.metrics.Subscribers(len(d.subscribers))
		return nil
	case ctlUnregister:
		if _, ok := d.subscribers[c.sub.id]; ok {
			delete(d.subscribers, c.sub.id)
			close(c.sub.ch)
			d.metrics.Subscribers(len(d.subscribers))
		}
		return nil
	}

	sub, ok := d.subscribers[c.sub.id]
	if !ok {
		if c.kind == ctlPush {
			return nil
		}
		return errors.New("unknown subscriber")
	}
	switch c.kind {
	case ctlLeave:
		delete(sub.instruments, c.instrument)
	case ctlPush:
		// Only still-joined subscribers get the latestBar push.
		if _, joined := sub.instruments[c.instrument]; joined {
			d.deliver(sub, c.env)
		}
	case ctlJoin:
		if _, joined := sub.instruments[c.instrument]; joined {
			return nil
		}
		if len(sub.instruments) >= d.cfg.MaxInstrumentsPerSubscriber {
			return fmt.Errorf("%w: %v", model.ErrInvalidEvent, utils.ErrTooManyInstruments)
		}
		sub.instruments[c.instrument] = struct{}{}
	}
	return nil
}

// dispatch fans one committed update out. Only called from the dispatch goroutine.
//
// Joined subscribers receive a barDelta for the trade's own bar (carrying the
// raw trade) followed by one per rebuilt bar; every subscriber receives the
// aggregate totals.
func (d *Dispatcher) dispatch(update model.TradeUpdate) {
	instrument := update.Bar.Instrument
	trade := update.Trade

	deltas := make([]model.Envelope, 0, 1+len(update.Rebuilt))
	deltas = append(deltas, model.BarEnvelope(model.EventBarDelta, update.Bar, &trade))
	for _, b := range update.Rebuilt {
		deltas = append(deltas, model.BarEnvelope(model.EventBarDelta, b, nil))
	}
	aggregate := model.AggregateEnvelope(update.Aggregate)

	for _, sub := range d.subscribers {
		if _, ok := sub.instruments[instrument]; ok {
			for _, env := range deltas {
				d.deliver(sub, env)
			}
		}
		d.deliver(sub, aggregate)
	}
}

// deliver never blocks. A full channel loses its oldest envelope so the
// newest state always gets through.
func (d *Dispatcher) deliver(sub *Subscriber, env model.Envelope) {
	select {
	case sub.ch <- env:
		return
	default:
	}

	d.metrics.Dropped("slow_subscriber")
	log.Debug().Str("component", "dispatcher").Str("subscriber", sub.id).
		Msg("subscriber is too slow, dropping oldest buffered envelope")
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- env:
	default:
	}
}
