package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// TickRecord is a persisted tick row.
type TickRecord struct {
	ID                int64
	InstrumentToken   int64
	TradingSymbol     string
	ExchangeTimestamp sql.NullString
	LastPrice         sql.NullFloat64
	VolumeTraded      sql.NullInt64
	OI                sql.NullInt64
	Mode              string
	ReceivedAt        string
	TradeDate         string
}

// DepthRecord is a persisted depth level.
type DepthRecord struct {
	TickID   int64
	Side     string
	Level    int
	Price    float64
	Quantity int64
	Orders   int64
}

// Reader provides read-only queries over the tick store.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	return &Reader{db: db}, nil
}

// CountTicks returns the number of persisted ticks.
func (r *Reader) CountTicks(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n)
	return n, err
}

// CountDepths returns the number of persisted depth rows.
func (r *Reader) CountDepths(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tick_depths`).Scan(&n)
	return n, err
}

// TicksFor returns a symbol's ticks for a trade date in insertion order.
func (r *Reader) TicksFor(ctx context.Context, symbol, tradeDate string) ([]TickRecord, error) {
	return r.queryTicks(ctx, `
		SELECT id, instrument_token, tradingsymbol, exchange_timestamp, last_price,
		       volume_traded, oi, tick_mode, received_at, trade_date
		FROM ticks WHERE tradingsymbol = ? AND trade_date = ? ORDER BY id ASC`, symbol, tradeDate)
}

// AllTicks returns every tick in insertion order.
func (r *Reader) AllTicks(ctx context.Context) ([]TickRecord, error) {
	return r.queryTicks(ctx, `
		SELECT id, instrument_token, tradingsymbol, exchange_timestamp, last_price,
		       volume_traded, oi, tick_mode, received_at, trade_date
		FROM ticks ORDER BY id ASC`)
}

func (r *Reader) queryTicks(ctx context.Context, q string, args ...any) ([]TickRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	var out []TickRecord
	for rows.Next() {
		var t TickRecord
		if err := rows.Scan(&t.ID, &t.InstrumentToken, &t.TradingSymbol, &t.ExchangeTimestamp, &t.LastPrice,
			&t.VolumeTraded, &t.OI, &t.Mode, &t.ReceivedAt, &t.TradeDate); err != nil {
			return nil, fmt.Errorf("sqlite scan tick: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DepthFor returns the depth rows of one tick ordered by side then level.
func (r *Reader) DepthFor(ctx context.Context, tickID int64) ([]DepthRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tick_id, side, level, price, quantity, orders
		FROM tick_depths WHERE tick_id = ? ORDER BY side ASC, level ASC`, tickID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query depths: %w", err)
	}
	defer rows.Close()

	var out []DepthRecord
	for rows.Next() {
		var d DepthRecord
		if err := rows.Scan(&d.TickID, &d.Side, &d.Level, &d.Price, &d.Quantity, &d.Orders); err != nil {
			return nil, fmt.Errorf("sqlite scan depth: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// TradeDates lists distinct trade dates, newest first.
func (r *Reader) TradeDates(ctx context.Context) ([]string, error) {
	return r.strings(ctx, `SELECT DISTINCT trade_date FROM ticks ORDER BY trade_date DESC`)
}

// Symbols lists distinct symbols for a trade date.
func (r *Reader) Symbols(ctx context.Context, tradeDate string) ([]string, error) {
	return r.strings(ctx, `SELECT DISTINCT tradingsymbol FROM ticks WHERE trade_date = ? ORDER BY tradingsymbol`, tradeDate)
}

func (r *Reader) strings(ctx context.Context, q string, args ...any) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Close closes the database.
func (r *Reader) Close() error { return r.db.Close() }
