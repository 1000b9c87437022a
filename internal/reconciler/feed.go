package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	ws "github.com/LEEJINSOL1/BnbFunDapp/internal/websocket"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	defaultMinBackoff = 500 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second
)

var errDisconnected = errors.New("feed disconnected")

// Sink receives the messages decoded from the feed.
type Sink interface {
	Send(ctx context.Context, msg Message) error
}

// FeedConfig defines settings for the live feed.
type FeedConfig struct {
	// Endpoint is the backend's websocket URL, e.g. ws://localhost:8080/ws.
	Endpoint   string
	PingPeriod time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Feed keeps one websocket connection to the subscription channel open,
// reconnecting with backoff, and re-joins the current instrument on every
// connect. It implements Subscription.
type Feed struct {
	cfg        FeedConfig
	mu         sync.Mutex
	client     *ws.Client
	instrument string
}

// NewFeed creates a feed. Nothing is dialed until Run.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	return &Feed{cfg: cfg}
}

// Join implements Subscription. While disconnected the join is remembered
// and sent on the next connect.
func (f *Feed) Join(instrument string) error {
	f.mu.Lock()
	f.instrument = instrument
	client := f.client
	f.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Send(model.ClientMessage{Action: model.ActionJoin, Instrument: instrument})
}

// Leave implements Subscription.
func (f *Feed) Leave(instrument string) error {
	f.mu.Lock()
	if f.instrument == instrument {
		f.instrument = ""
	}
	client := f.client
	f.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Send(model.ClientMessage{Action: model.ActionLeave, Instrument: instrument})
}

// Run connects and reconnects until ctx is cancelled, forwarding every
// decoded envelope to sink. Each successful connect is reported as
// MsgReconnected so the owner resyncs what was missed.
func (f *Feed) Run(ctx context.Context, sink Sink) error {
	logger := log.With().Str("component", "feed").Str("endpoint", f.cfg.Endpoint).Logger()
	backoff := f.cfg.MinBackoff

	for {
		connected, err := f.connectOnce(ctx, sink)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = f.cfg.MinBackoff
		}
		logger.Warn().Err(err).Dur("retryIn", backoff).Msg("live feed unavailable, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(addJitter(backoff)):
		}
		if backoff < f.cfg.MaxBackoff {
			backoff *= 2
			if backoff > f.cfg.MaxBackoff {
				backoff = f.cfg.MaxBackoff
			}
		}
	}
}

func (f *Feed) connectOnce(ctx context.Context, sink Sink) (bool, error) {
	f.mu.Lock()
	joining := f.instrument
	f.mu.Unlock()

	var subs [][]byte
	if joining != "" {
		data, err := json.Marshal(model.ClientMessage{Action: model.ActionJoin, Instrument: joining})
		if err != nil {
			return false, err
		}
		subs = append(subs, data)
	}

	client, err := ws.Dial(ctx, ws.ClientConfig{
		Endpoint:   f.cfg.Endpoint,
		OnMessage:  f.handler(ctx, sink),
		PingPeriod: f.cfg.PingPeriod,
		Hello:      subs,
	})
	if err != nil {
		return false, err
	}
	defer func() { _ = client.Close() }()

	// A Join issued while dialing went nowhere; catch up now.
	f.mu.Lock()
	f.client = client
	current := f.instrument
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.client = nil
		f.mu.Unlock()
	}()
	if current != joining {
		if joining != "" {
			_ = client.Send(model.ClientMessage{Action: model.ActionLeave, Instrument: joining})
		}
		if current != "" {
			_ = client.Send(model.ClientMessage{Action: model.ActionJoin, Instrument: current})
		}
	}

	if err := sink.Send(ctx, Message{Kind: MsgReconnected}); err != nil {
		return true, err
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-client.Done():
		if err := client.Err(); err != nil {
			return true, fmt.Errorf("%w: %w", errDisconnected, err)
		}
		return true, errDisconnected
	}
}

func (f *Feed) handler(ctx context.Context, sink Sink) func([]byte) error {
	return func(data []byte) error {
		msg, ok, err := DecodeEnvelope(data)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return sink.Send(ctx, msg)
	}
}

// DecodeEnvelope converts a server envelope into a reducer Message. ok is
// false for envelopes that carry nothing to reduce.
func DecodeEnvelope(data []byte) (Message, bool, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, false, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Event {
	case model.EventLatestBar, model.EventBarDelta:
		if env.Bar == nil {
			return Message{}, false, fmt.Errorf("%s envelope without bar", env.Event)
		}
		bar, err := env.Bar.ToBar(env.Instrument)
		if err != nil {
			return Message{}, false, err
		}
		kind := MsgBarDelta
		if env.Event == model.EventLatestBar {
			kind = MsgLatestBar
		}
		return Message{Kind: kind, Instrument: env.Instrument, Bar: bar}, true, nil

	case model.EventAggregateUpdate:
		if env.Aggregate == nil {
			return Message{}, false, errors.New("aggregateUpdate envelope without aggregate")
		}
		agg, err := env.Aggregate.ToAggregate()
		if err != nil {
			return Message{}, false, err
		}
		return Message{Kind: MsgAggregateUpdate, Instrument: agg.Instrument, Aggregate: agg}, true, nil

	case model.EventError:
		log.Warn().Str("component", "feed").Str("instrument", env.Instrument).Str("error", env.Error).
			Msg("server rejected command")
		return Message{}, false, nil
	}
	return Message{}, false, nil
}

// addJitter spreads reconnects of many clients by up to ±100ms.
func addJitter(d time.Duration) time.Duration {
	return d + time.Duration((rand.Float64()-0.5)*float64(200*time.Millisecond))
}
