package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/LEEJINSOL1/BnbFunDapp/internal/model"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresFromDB(db, time.Second), mock
}

func expectLock(mock sqlmock.Sqlmock, instrument string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout = '1000ms'")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).
		WithArgs(instrument).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

var barCols = []string{"instrument_id", "bar_interval", "bucket_start", "open", "high", "low", "close", "volume", "trades", "updated_at"}

func TestPostgres_WithinTxCommits(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)

	expectLock(mock, "0xabc")
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO trades")).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO bars")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var stored model.Trade
	err := p.WithinTx(ctx, "0xabc", func(tx Tx) error {
		var err error
		stored, err = tx.InsertTrade(ctx, testTrade(model.SideBuy, "1", t0))
		if err != nil {
			return err
		}
		_, err = tx.UpsertBar(ctx, testBar(t0, "1"))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(7), stored.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithinTxRollsBack(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)
	boom := errors.New("boom")

	expectLock(mock, "0xabc")
	mock.ExpectRollback()

	err := p.WithinTx(ctx, "0xabc", func(Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ErrorClassification(t *testing.T) {
	noop := func(context.Context, Tx) error { return nil }

	tests := []struct {
		name        string
		description string
		setup       func(mock sqlmock.Sqlmock)
		fn          func(ctx context.Context, tx Tx) error
		expected    error
	}{
		{
			name:        "Serialization failure on commit",
			description: "Commit conflicts are retried by the aggregator",
			setup: func(mock sqlmock.Sqlmock) {
				expectLock(mock, "0xabc")
				mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001", Message: "could not serialize access"})
			},
			fn:       noop,
			expected: model.ErrConcurrencyConflict,
		},
		{
			name:        "Lock timeout",
			description: "Waiting too long for the instrument lock is transient",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(regexp.QuoteMeta("SET LOCAL lock_timeout")).
					WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).
					WillReturnError(&pq.Error{Code: "55P03", Message: "lock timeout"})
				mock.ExpectRollback()
			},
			fn:       noop,
			expected: model.ErrTransientFailure,
		},
		{
			name:        "Deadlock inside the callback",
			description: "Deadlocks count as concurrency conflicts",
			setup: func(mock sqlmock.Sqlmock) {
				expectLock(mock, "0xabc")
				mock.ExpectQuery(regexp.QuoteMeta("SELECT occurred_at FROM trades")).
					WillReturnError(&pq.Error{Code: "40P01", Message: "deadlock detected"})
				mock.ExpectRollback()
			},
			fn: func(ctx context.Context, tx Tx) error {
				_, _, err := tx.LastTradeTime(ctx, "0xabc")
				return err
			},
			expected: model.ErrConcurrencyConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			p, mock := newMockPostgres(t)
			tt.setup(mock)

			err := p.WithinTx(ctx, "0xabc", func(tx Tx) error { return tt.fn(ctx, tx) })
			require.Error(t, err, tt.description)
			assert.ErrorIs(t, err, tt.expected)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_QueryBars(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)

	rows := sqlmock.NewRows(barCols).
		AddRow("0xabc", "1m", t0, "1", "1", "1", "1", "0", int64(1), t0).
		AddRow("0xabc", "1m", t0.Add(time.Minute), "1", "1.5", "0.6", "0.6", "0.4", int64(3), t0)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + barColumns + " FROM bars")).
		WithArgs("0xabc", "1m", t0).
		WillReturnRows(rows)

	bars, err := p.QueryBars(ctx, "0xabc", model.Interval1m, t0)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, model.Interval1m, bars[1].Interval)
	assert.Equal(t, "0.6", bars[1].Close.String())
	assert.Equal(t, "0.4", bars[1].Volume.String())
	assert.Equal(t, 3, bars[1].Trades)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LatestBarMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY bucket_start DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows(barCols))

	_, ok, err := p.LatestBar(context.Background(), "0xabc", model.Interval1m)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_NetValueBefore(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("COALESCE(SUM(")).
		WithArgs("0xabc", t0).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("2.6"))

	net, err := p.NetValueBefore(context.Background(), "0xabc", t0)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("2.6").Equal(net))
}

func TestPostgres_RecentTrades(t *testing.T) {
	p, mock := newMockPostgres(t)
	cols := []string{"seq", "id", "instrument_id", "side", "quantity", "value", "occurred_at", "received_at"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY occurred_at DESC, seq DESC LIMIT $2")).
		WithArgs("0xabc", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(2), "b", "0xabc", "SELL", "1", "0.4", t0.Add(time.Second), t0).
			AddRow(int64(1), "a", "0xabc", "BUY", "1", "1", t0, t0))

	trades, err := p.RecentTrades(context.Background(), "0xabc", 2)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, model.SideSell, trades[0].Side)
	assert.Equal(t, int64(1), trades[1].Seq)
}

func TestPostgres_Instruments(t *testing.T) {
	ctx := context.Background()
	cols := []string{"id", "name", "symbol", "created_at", "raised_funds", "volume"}

	t.Run("Create returns the row", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO instruments (id, name, symbol, created_at)")).
			WillReturnRows(sqlmock.NewRows(cols).AddRow("0xabc", "Presale", "PRE", t0, "0", "0"))

		in, err := p.CreateInstrument(ctx, model.Instrument{ID: "0xabc", Name: "Presale", Symbol: "PRE", CreatedAt: t0})
		require.NoError(t, err)
		assert.Equal(t, "PRE", in.Symbol)
	})

	t.Run("Create conflicts with a named row", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO instruments")).
			WillReturnRows(sqlmock.NewRows(cols))

		_, err := p.CreateInstrument(ctx, model.Instrument{ID: "0xabc", Name: "Presale"})
		assert.ErrorIs(t, err, ErrInstrumentExists)
	})

	t.Run("Get missing instrument", func(t *testing.T) {
		p, mock := newMockPostgres(t)
		mock.ExpectQuery(regexp.QuoteMeta("FROM instruments WHERE id = $1")).
			WithArgs("0xnone").
			WillReturnRows(sqlmock.NewRows(cols))

		_, ok, err := p.GetInstrument(ctx, "0xnone")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestPostgres_MigrateAndHealth(t *testing.T) {
	ctx := context.Background()
	p, mock := newMockPostgres(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS instruments")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPing()

	require.NoError(t, p.Migrate(ctx))
	require.NoError(t, p.Health(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func Test_mapError(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		expected error
	}{
		{name: "Serialization failure", input: &pq.Error{Code: "40001"}, expected: model.ErrConcurrencyConflict},
		{name: "Deadlock", input: &pq.Error{Code: "40P01"}, expected: model.ErrConcurrencyConflict},
		{name: "Lock not available", input: &pq.Error{Code: "55P03"}, expected: model.ErrTransientFailure},
		{name: "Statement timeout", input: &pq.Error{Code: "57014"}, expected: model.ErrTransientFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.input), tt.expected)
		})
	}

	plain := errors.New("plain")
	assert.Equal(t, plain, mapError(plain), "unclassified errors pass through")
	assert.NoError(t, mapError(nil))

	unique := &pq.Error{Code: "23505"}
	assert.Equal(t, error(unique), mapError(unique))
}
