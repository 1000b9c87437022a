package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/shopspring/decimal"
)

// ErrInstrumentExists is returned when registering an instrument id twice.
var ErrInstrumentExists = errors.New("instrument already registered")

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("store closed")

type barKey struct {
	instrument string
	interval   model.Interval
	start      int64
}

func keyOf(b model.Bar) barKey {
	return barKey{instrument: b.Instrument, interval: b.Interval, start: b.BucketStart.Unix()}
}

// Memory is an in-process Store.
//
// Transactions for one instrument are serialized by a per-instrument lock that
// gives up when the caller's context ends, and stage their writes locally; commit publishes them under the store lock, so a
// failed callback leaves no trace.
type Memory struct {
	mu          sync.RWMutex
	instruments map[string]model.Instrument
	trades      map[string][]model.Trade
	bars        map[barKey]model.Bar

	lockMu sync.Mutex
	locks  map[string]chan struct{} // capacity 1; holding the token is holding the lock

	seq    atomic.Int64
	closed atomic.Bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instruments: make(map[string]model.Instrument),
		trades:      make(map[string][]model.Trade),
		bars:        make(map[barKey]model.Bar),
		locks:       make(map[string]chan struct{}),
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) instrumentLock(instrument string) chan struct{} {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[instrument]
	if !ok {
		l = make(chan struct{}, 1)
		m.locks[instrument] = l
	}
	return l
}

// WithinTx implements Store.
func (m *Memory) WithinTx(ctx context.Context, instrument string, fn func(tx Tx) error) error {
	if m.closed.Load() {
		return ErrClosed
	}

	l := m.instrumentLock(instrument)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("acquire lock for %s: %w", instrument, ctx.Err())
	}
	defer func() { <-l }()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memTx{
		m:      m,
		bars:   make(map[barKey]model.Bar),
		totals: make(map[string]totalsDelta),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	touched := make(map[string]struct{})
	for _, t := range tx.trades {
		m.trades[t.Instrument] = append(m.trades[t.Instrument], t)
		touched[t.Instrument] = struct{}{}
	}
	for instrument := range touched {
		list := m.trades[instrument]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Before(list[j]) })
	}
	for k, b := range tx.bars {
		m.bars[k] = b
	}
	for id, d := range tx.totals {
		in, ok := m.instruments[id]
		if !ok {
			in = model.Instrument{ID: id, CreatedAt: d.firstAt}
		}
		in.RaisedFunds = in.RaisedFunds.Add(d.funds)
		in.Volume = in.Volume.Add(d.volume)
		m.instruments[id] = in
	}
}

// GetBar implements Store.
func (m *Memory) GetBar(_ context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bars[barKey{instrument: instrument, interval: interval, start: bucketStart.Unix()}]
	return b, ok, nil
}

// LatestBar implements Store.
func (m *Memory) LatestBar(_ context.Context, instrument string, interval model.Interval) (model.Bar, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest model.Bar
	found := false
	for k, b := range m.bars {
		if k.instrument != instrument || k.interval != interval {
			continue
		}
		if !found || b.BucketStart.After(latest.BucketStart) {
			latest, found = b, true
		}
	}
	return latest, found, nil
}

// QueryBars implements Store.
func (m *Memory) QueryBars(_ context.Context, instrument string, interval model.Interval, since time.Time) ([]model.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bars := make([]model.Bar, 0)
	for k, b := range m.bars {
		if k.instrument == instrument && k.interval == interval && !b.BucketStart.Before(since) {
			bars = append(bars, b)
		}
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].BucketStart.Before(bars[j].BucketStart) })
	return bars, nil
}

// QueryTrades implements Store.
func (m *Memory) QueryTrades(_ context.Context, instrument string, since time.Time) ([]model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trades := make([]model.Trade, 0)
	for _, t := range m.trades[instrument] {
		if !t.OccurredAt.Before(since) {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// NetValueBefore implements Store.
func (m *Memory) NetValueBefore(_ context.Context, instrument string, before time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, t := range m.trades[instrument] {
		if !t.OccurredAt.Before(before) {
			break
		}
		total = total.Add(t.SignedValue())
	}
	return total, nil
}

// RecentTrades implements Store.
func (m *Memory) RecentTrades(_ context.Context, instrument string, limit int) ([]model.Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.trades[instrument]
	out := make([]model.Trade, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// CreateInstrument implements Store.
func (m *Memory) CreateInstrument(_ context.Context, in model.Instrument) (model.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.instruments[in.ID]
	if ok && existing.Name != "" {
		return model.Instrument{}, ErrInstrumentExists
	}
	if ok {
		// Trades arrived before registration; keep the running totals.
		existing.Name, existing.Symbol = in.Name, in.Symbol
		m.instruments[in.ID] = existing
		return existing, nil
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	m.instruments[in.ID] = in
	return in, nil
}

// GetInstrument implements Store.
func (m *Memory) GetInstrument(_ context.Context, id string) (model.Instrument, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.instruments[id]
	return in, ok, nil
}

// ListInstruments implements Store, newest first.
func (m *Memory) ListInstruments(_ context.Context) ([]model.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Instrument, 0, len(m.instruments))
	for _, in := range m.instruments {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Health implements Store.
func (m *Memory) Health(_ context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

// memTx stages writes until commit. Reads merge staged state over committed state.
type memTx struct {
	m      *Memory
	trades []model.Trade
	bars   map[barKey]model.Bar
	totals map[string]totalsDelta
}

// totalsDelta is applied to whatever row exists at commit, so a registration
// landing mid-transaction keeps its name and symbol.
type totalsDelta struct {
	funds, volume decimal.Decimal
	firstAt       time.Time
}

func (tx *memTx) InsertTrade(_ context.Context, t model.Trade) (model.Trade, error) {
	t.Seq = tx.m.seq.Add(1)
	tx.trades = append(tx.trades, t)
	return t, nil
}

func (tx *memTx) LastTradeTime(_ context.Context, instrument string) (time.Time, bool, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()

	var last time.Time
	found := false
	if list := tx.m.trades[instrument]; len(list) > 0 {
		last, found = list[len(list)-1].OccurredAt, true
	}
	for _, t := range tx.trades {
		if t.Instrument == instrument && (!found || t.OccurredAt.After(last)) {
			last, found = t.OccurredAt, true
		}
	}
	return last, found, nil
}

func (tx *memTx) GetBar(ctx context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error) {
	if b, ok := tx.bars[barKey{instrument: instrument, interval: interval, start: bucketStart.Unix()}]; ok {
		return b, true, nil
	}
	return tx.m.GetBar(ctx, instrument, interval, bucketStart)
}

func (tx *memTx) PriorBar(_ context.Context, instrument string, interval model.Interval, before time.Time) (model.Bar, bool, error) {
	tx.m.mu.RLock()
	defer tx.m.mu.RUnlock()

	var prior model.Bar
	found := false
	consider := func(k barKey, b model.Bar) {
		if k.instrument != instrument || k.interval != interval || !b.BucketStart.Before(before) {
			return
		}
		if !found || b.BucketStart.After(prior.BucketStart) {
			prior, found = b, true
		}
	}
	for k, b := range tx.m.bars {
		if _, staged := tx.bars[k]; staged {
			continue
		}
		consider(k, b)
	}
	for k, b := range tx.bars {
		consider(k, b)
	}
	return prior, found, nil
}

func (tx *memTx) TradesFrom(ctx context.Context, instrument string, from time.Time) ([]model.Trade, error) {
	trades, err := tx.m.QueryTrades(ctx, instrument, from)
	if err != nil {
		return nil, err
	}
	for _, t := range tx.trades {
		if t.Instrument == instrument && !t.OccurredAt.Before(from) {
			trades = append(trades, t)
		}
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].Before(trades[j]) })
	return trades, nil
}

func (tx *memTx) UpsertBar(_ context.Context, b model.Bar) (model.Bar, error) {
	tx.bars[keyOf(b)] = b
	return b, nil
}

func (tx *memTx) AddTotals(ctx context.Context, instrument string, funds, volume decimal.Decimal, at time.Time) (model.Instrument, error) {
	d, ok := tx.totals[instrument]
	if !ok {
		d = totalsDelta{firstAt: at}
	}
	d.funds = d.funds.Add(funds)
	d.volume = d.volume.Add(volume)
	tx.totals[instrument] = d

	in, ok, err := tx.m.GetInstrument(ctx, instrument)
	if err != nil {
		return model.Instrument{}, err
	}
	if !ok {
		in = model.Instrument{ID: instrument, CreatedAt: d.firstAt}
	}
	in.RaisedFunds = in.RaisedFunds.Add(d.funds)
	in.Volume = in.Volume.Add(d.volume)
	return in, nil
}
