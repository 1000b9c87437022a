package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

const (
	defaultLockTimeout = 3 * time.Second
	healthTimeout      = 2 * time.Second
)

const (
	barColumns   = `instrument_id, bar_interval, bucket_start, open, high, low, close, volume, trades, updated_at`
	tradeColumns = `seq, id, instrument_id, side, quantity, value, occurred_at, received_at`
	instColumns  = `id, name, symbol, created_at, raised_funds, volume`
)

// PostgresOptions tunes the connection pool and transaction locking.
type PostgresOptions struct {
	MaxOpenConns int
	MaxIdleConns int

	// LockTimeout bounds how long a transaction waits for the per-instrument
	// advisory lock before failing as transient.
	LockTimeout time.Duration
}

// Postgres is the production Store backed by PostgreSQL through lib/pq.
//
// Every transaction takes a transaction-scoped advisory lock keyed by the
// instrument id, so read-modify-write cycles for one instrument never
// interleave while different instruments proceed in parallel.
type Postgres struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var _ Store = (*Postgres)(nil)

// NewPostgres opens a pool, verifies connectivity and returns the store.
func NewPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 10
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 2
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgresFromDB(db, opts.LockTimeout), nil
}

// NewPostgresFromDB wraps an existing pool.
func NewPostgresFromDB(db *sql.DB, lockTimeout time.Duration) *Postgres {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &Postgres{db: db, lockTimeout: lockTimeout}
}

// Migrate creates the tables when they do not exist yet.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", mapError(err))
	}
	log.Info().Str("component", "postgres").Msg("schema migrated")
	return nil
}

// WithinTx implements Store.
func (p *Postgres) WithinTx(ctx context.Context, instrument string, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", mapError(err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	// SET does not accept bind parameters.
	if _, err := sqlTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", mapError(err))
	}
	if _, err := sqlTx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, instrument); err != nil {
		return fmt.Errorf("lock instrument %s: %w", instrument, mapError(err))
	}

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		return mapError(err)
	}

	committed = true
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", mapError(err))
	}
	return nil
}

// GetBar implements Store.
func (p *Postgres) GetBar(ctx context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error) {
	return getBar(ctx, p.db, instrument, interval, bucketStart)
}

// LatestBar implements Store.
func (p *Postgres) LatestBar(ctx context.Context, instrument string, interval model.Interval) (model.Bar, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+barColumns+` FROM bars
		  WHERE instrument_id = $1 AND bar_interval = $2
		  ORDER BY bucket_start DESC LIMIT 1`,
		instrument, string(interval))
	return scanOptionalBar(row)
}

// QueryBars implements Store.
func (p *Postgres) QueryBars(ctx context.Context, instrument string, interval model.Interval, since time.Time) ([]model.Bar, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+barColumns+` FROM bars
		  WHERE instrument_id = $1 AND bar_interval = $2 AND bucket_start >= $3
		  ORDER BY bucket_start`,
		instrument, string(interval), since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", mapError(err))
	}
	defer rows.Close()

	bars := make([]model.Bar, 0)
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, mapError(rows.Err())
}

// QueryTrades implements Store.
func (p *Postgres) QueryTrades(ctx context.Context, instrument string, since time.Time) ([]model.Trade, error) {
	return tradesFrom(ctx, p.db, instrument, since)
}

// NetValueBefore implements Store.
func (p *Postgres) NetValueBefore(ctx context.Context, instrument string, before time.Time) (decimal.Decimal, error) {
	var net decimal.Decimal
	err := p.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(CASE WHEN side = 'SELL' THEN -value ELSE value END), 0)
		   FROM trades WHERE instrument_id = $1 AND occurred_at < $2`,
		instrument, before.UTC()).Scan(&net)
	if err != nil {
		return decimal.Zero, fmt.Errorf("net value: %w", mapError(err))
	}
	return net, nil
}

// RecentTrades implements Store.
func (p *Postgres) RecentTrades(ctx context.Context, instrument string, limit int) ([]model.Trade, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		  WHERE instrument_id = $1
		  ORDER BY occurred_at DESC, seq DESC LIMIT $2`,
		instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("recent trades: %w", mapError(err))
	}
	return collectTrades(rows)
}

// CreateInstrument implements Store.
func (p *Postgres) CreateInstrument(ctx context.Context, in model.Instrument) (model.Instrument, error) {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now().UTC()
	}
	row := p.db.QueryRowContext(ctx,
		`INSERT INTO instruments (id, name, symbol, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, symbol = EXCLUDED.symbol
		  WHERE instruments.name = ''
		 RETURNING `+instColumns,
		in.ID, in.Name, in.Symbol, in.CreatedAt.UTC())
	out, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instrument{}, ErrInstrumentExists
	}
	if err != nil {
		return model.Instrument{}, fmt.Errorf("create instrument: %w", mapError(err))
	}
	return out, nil
}

// GetInstrument implements Store.
func (p *Postgres) GetInstrument(ctx context.Context, id string) (model.Instrument, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+instColumns+` FROM instruments WHERE id = $1`, id)
	in, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Instrument{}, false, nil
	}
	if err != nil {
		return model.Instrument{}, false, fmt.Errorf("get instrument: %w", mapError(err))
	}
	return in, true, nil
}

// ListInstruments implements Store, newest first.
func (p *Postgres) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+instColumns+` FROM instruments ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", mapError(err))
	}
	defer rows.Close()

	out := make([]model.Instrument, 0)
	for rows.Next() {
		in, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instrument: %w", err)
		}
		out = append(out, in)
	}
	return out, mapError(rows.Err())
}

// Health implements Store.
func (p *Postgres) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close implements Store.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type pgTx struct {
	q querier
}

func (tx *pgTx) InsertTrade(ctx context.Context, t model.Trade) (model.Trade, error) {
	err := tx.q.QueryRowContext(ctx,
		`INSERT INTO trades (id, instrument_id, side, quantity, value, occurred_at, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING seq`,
		t.ID, t.Instrument, string(t.Side), t.Quantity, t.Value, t.OccurredAt.UTC(), t.ReceivedAt.UTC()).Scan(&t.Seq)
	if err != nil {
		return model.Trade{}, err
	}
	return t, nil
}

func (tx *pgTx) LastTradeTime(ctx context.Context, instrument string) (time.Time, bool, error) {
	var last time.Time
	err := tx.q.QueryRowContext(ctx,
		`SELECT occurred_at FROM trades WHERE instrument_id = $1
		  ORDER BY occurred_at DESC, seq DESC LIMIT 1`,
		instrument).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return last.UTC(), true, nil
}

func (tx *pgTx) GetBar(ctx context.Context, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error) {
	return getBar(ctx, tx.q, instrument, interval, bucketStart)
}

func (tx *pgTx) PriorBar(ctx context.Context, instrument string, interval model.Interval, before time.Time) (model.Bar, bool, error) {
	row := tx.q.QueryRowContext(ctx,
		`SELECT `+barColumns+` FROM bars
		  WHERE instrument_id = $1 AND bar_interval = $2 AND bucket_start < $3
		  ORDER BY bucket_start DESC LIMIT 1`,
		instrument, string(interval), before.UTC())
	return scanOptionalBar(row)
}

func (tx *pgTx) TradesFrom(ctx context.Context, instrument string, from time.Time) ([]model.Trade, error) {
	return tradesFrom(ctx, tx.q, instrument, from)
}

func (tx *pgTx) UpsertBar(ctx context.Context, b model.Bar) (model.Bar, error) {
	_, err := tx.q.ExecContext(ctx,
		`INSERT INTO bars (`+barColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (instrument_id, bar_interval, bucket_start) DO UPDATE SET
		   open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
		   close = EXCLUDED.close, volume = EXCLUDED.volume,
		   trades = EXCLUDED.trades, updated_at = EXCLUDED.updated_at`,
		b.Instrument, string(b.Interval), b.BucketStart.UTC(),
		b.Open, b.High, b.Low, b.Close, b.Volume, b.Trades, b.UpdatedAt.UTC())
	if err != nil {
		return model.Bar{}, err
	}
	return b, nil
}

func (tx *pgTx) AddTotals(ctx context.Context, instrument string, funds, volume decimal.Decimal, at time.Time) (model.Instrument, error) {
	row := tx.q.QueryRowContext(ctx,
		`INSERT INTO instruments (id, created_at, raised_funds, volume)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
		   raised_funds = instruments.raised_funds + EXCLUDED.raised_funds,
		   volume = instruments.volume + EXCLUDED.volume
		 RETURNING `+instColumns,
		instrument, at.UTC(), funds, volume)
	return scanInstrument(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func getBar(ctx context.Context, q querier, instrument string, interval model.Interval, bucketStart time.Time) (model.Bar, bool, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+barColumns+` FROM bars
		  WHERE instrument_id = $1 AND bar_interval = $2 AND bucket_start = $3`,
		instrument, string(interval), bucketStart.UTC())
	return scanOptionalBar(row)
}

func scanOptionalBar(row scanner) (model.Bar, bool, error) {
	b, err := scanBar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Bar{}, false, nil
	}
	if err != nil {
		return model.Bar{}, false, err
	}
	return b, true, nil
}

func scanBar(row scanner) (model.Bar, error) {
	var (
		b        model.Bar
		interval string
	)
	err := row.Scan(&b.Instrument, &interval, &b.BucketStart,
		&b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Trades, &b.UpdatedAt)
	if err != nil {
		return model.Bar{}, err
	}
	b.Interval = model.Interval(interval)
	b.BucketStart = b.BucketStart.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func tradesFrom(ctx context.Context, q querier, instrument string, from time.Time) ([]model.Trade, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+tradeColumns+` FROM trades
		  WHERE instrument_id = $1 AND occurred_at >= $2
		  ORDER BY occurred_at, seq`,
		instrument, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", mapError(err))
	}
	return collectTrades(rows)
}

func collectTrades(rows *sql.Rows) ([]model.Trade, error) {
	defer rows.Close()

	trades := make([]model.Trade, 0)
	for rows.Next() {
		var (
			t    model.Trade
			side string
		)
		if err := rows.Scan(&t.Seq, &t.ID, &t.Instrument, &side, &t.Quantity, &t.Value, &t.OccurredAt, &t.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		t.Side = model.Side(side)
		t.OccurredAt = t.OccurredAt.UTC()
		t.ReceivedAt = t.ReceivedAt.UTC()
		trades = append(trades, t)
	}
	return trades, mapError(rows.Err())
}

func scanInstrument(row scanner) (model.Instrument, error) {
	var in model.Instrument
	if err := row.Scan(&in.ID, &in.Name, &in.Symbol, &in.CreatedAt, &in.RaisedFunds, &in.Volume); err != nil {
		return model.Instrument{}, err
	}
	in.CreatedAt = in.CreatedAt.UTC()
	return in, nil
}

// mapError classifies PostgreSQL failures into the pipeline's error taxonomy.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch pqErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return fmt.Errorf("%w: %w", model.ErrConcurrencyConflict, err)
	case "55P03", "57014": // lock_not_available, query_canceled
		return fmt.Errorf("%w: %w", model.ErrTransientFailure, err)
	}
	return err
}
