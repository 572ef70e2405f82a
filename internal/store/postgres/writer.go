// Package postgres is the alternative durable tick store on PostgreSQL.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"tickstream/internal/model"
	"tickstream/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS ticks (
	id                   BIGSERIAL PRIMARY KEY,
	instrument_token     BIGINT           NOT NULL,
	tradingsymbol        TEXT             NOT NULL,
	exchange_timestamp   TEXT,
	last_price           DOUBLE PRECISION,
	last_traded_quantity BIGINT,
	average_traded_price DOUBLE PRECISION,
	volume_traded        BIGINT,
	total_buy_quantity   BIGINT,
	total_sell_quantity  BIGINT,
	open DOUBLE PRECISION, high DOUBLE PRECISION, low DOUBLE PRECISION, close DOUBLE PRECISION,
	change_pct           DOUBLE PRECISION,
	oi BIGINT, oi_day_high BIGINT, oi_day_low BIGINT,
	tick_mode            TEXT,
	received_at          TEXT             NOT NULL,
	trade_date           TEXT             NOT NULL
);

CREATE TABLE IF NOT EXISTS tick_depths (
	id       BIGSERIAL PRIMARY KEY,
	tick_id  BIGINT  NOT NULL REFERENCES ticks(id),
	side     TEXT    NOT NULL,
	level    INTEGER NOT NULL,
	price    DOUBLE PRECISION,
	quantity BIGINT,
	orders   BIGINT
);

CREATE INDEX IF NOT EXISTS idx_ticks_token_date  ON ticks(instrument_token, trade_date);
CREATE INDEX IF NOT EXISTS idx_ticks_symbol_date ON ticks(tradingsymbol, trade_date);
CREATE INDEX IF NOT EXISTS idx_ticks_timestamp   ON ticks(exchange_timestamp);
CREATE INDEX IF NOT EXISTS idx_depths_tick_id    ON tick_depths(tick_id);
`

var insertTickSQL = func() string {
	ph := make([]string, len(store.TickColumns))
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(i+1)
	}
	return `INSERT INTO ticks (` + strings.Join(store.TickColumns, ", ") + `) VALUES (` +
		strings.Join(ph, ", ") + `) RETURNING id`
}()

const insertDepthSQL = `INSERT INTO tick_depths (tick_id, side, level, price, quantity, orders) VALUES ($1, $2, $3, $4, $5, $6)`

// Writer persists tick batches to PostgreSQL, one transaction per batch.
type Writer struct {
	pool *pgxpool.Pool
	log  *zap.Logger
	now  func() time.Time
}

// New connects, pings and creates the schema.
func New(ctx context.Context, dsn string, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	log.Info("postgres connected")
	return &Writer{pool: pool, log: log.Named("postgres"), now: time.Now}, nil
}

// Persist inserts the ticks and their depth rows in one transaction; depth
// rows go out in a single pgx batch per tick. Any failure rolls back all of it.
func (w *Writer) Persist(ctx context.Context, ticks []model.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := w.now()
	for i := range ticks {
		t := &ticks[i]
		var id int64
		if err := tx.QueryRow(ctx, insertTickSQL, store.TickArgs(t, now)...).Scan(&id); err != nil {
			return 0, fmt.Errorf("postgres insert tick %d: %w", t.InstrumentToken, err)
		}
		rows := store.DepthRows(t)
		if len(rows) == 0 {
			continue
		}
		batch := &pgx.Batch{}
		for _, d := range rows {
			batch.Queue(insertDepthSQL, id, d.Side, d.Level, d.Price, d.Quantity, d.Orders)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("postgres insert depth %d: %w", t.InstrumentToken, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres commit: %w", err)
	}
	w.log.Debug("batch committed", zap.Int("ticks", len(ticks)), zap.Duration("elapsed", time.Since(start)))
	return len(ticks), nil
}

// CountTicks returns the number of persisted ticks.
func (w *Writer) CountTicks(ctx context.Context) (int64, error) {
	var n int64
	err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ticks`).Scan(&n)
	return n, err
}

// CountDepths returns the number of persisted depth rows.
func (w *Writer) CountDepths(ctx context.Context) (int64, error) {
	var n int64
	err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tick_depths`).Scan(&n)
	return n, err
}

// Ping checks the pool.
func (w *Writer) Ping(ctx context.Context) error { return w.pool.Ping(ctx) }

// Close closes the pool.
func (w *Writer) Close() error {
	w.pool.Close()
	return nil
}
