package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tickstream/internal/model"
	"tickstream/internal/store"
)

// WriterConfig configures the SQLite writer.
type WriterConfig struct {
	DBPath string // e.g. "data/ticks.db"
}

// Writer persists tick batches to SQLite, one transaction per batch.
type Writer struct {
	db  *sql.DB
	log *zap.Logger
	now func() time.Time
}

// DB returns the underlying sql.DB for health checks.
func (w *Writer) DB() *sql.DB { return w.db }

func open(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	return sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
}

// New opens the database in WAL mode and creates the schema.
func New(cfg WriterConfig, log *zap.Logger) (*Writer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Info("sqlite opened", zap.String("path", cfg.DBPath))
	return &Writer{db: db, log: log.Named("sqlite"), now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS ticks (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			instrument_token     INTEGER NOT NULL,
			tradingsymbol        TEXT    NOT NULL,
			exchange_timestamp   TEXT,
			last_price           REAL,
			last_traded_quantity INTEGER,
			average_traded_price REAL,
			volume_traded        INTEGER,
			total_buy_quantity   INTEGER,
			total_sell_quantity  INTEGER,
			open REAL, high REAL, low REAL, close REAL,
			change_pct           REAL,
			oi INTEGER, oi_day_high INTEGER, oi_day_low INTEGER,
			tick_mode            TEXT,
			received_at          TEXT    NOT NULL,
			trade_date           TEXT    NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tick_depths (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			tick_id  INTEGER NOT NULL REFERENCES ticks(id),
			side     TEXT    NOT NULL,
			level    INTEGER NOT NULL,
			price    REAL,
			quantity INTEGER,
			orders   INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_ticks_token_date  ON ticks(instrument_token, trade_date);
		CREATE INDEX IF NOT EXISTS idx_ticks_symbol_date ON ticks(tradingsymbol, trade_date);
		CREATE INDEX IF NOT EXISTS idx_ticks_timestamp   ON ticks(exchange_timestamp);
		CREATE INDEX IF NOT EXISTS idx_depths_tick_id    ON tick_depths(tick_id);
	`)
	return err
}

var insertTickSQL = `INSERT INTO ticks (` + strings.Join(store.TickColumns, ", ") + `)
	VALUES (?` + strings.Repeat(", ?", len(store.TickColumns)-1) + `)`

const insertDepthSQL = `INSERT INTO tick_depths (tick_id, side, level, price, quantity, orders) VALUES (?, ?, ?, ?, ?, ?)`

// Persist inserts all ticks and their depth rows in a single transaction.
// Any failure rolls back the whole batch and returns the error.
func (w *Writer) Persist(ctx context.Context, ticks []model.Tick) (int, error) {
	if len(ticks) == 0 {
		return 0, nil
	}
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	tickStmt, err := tx.PrepareContext(ctx, insertTickSQL)
	if err != nil {
		return 0, fmt.Errorf("sqlite prepare ticks: %w", err)
	}
	defer tickStmt.Close()

	depthStmt, err := tx.PrepareContext(ctx, insertDepthSQL)
	if err != nil {
		return 0, fmt.Errorf("sqlite prepare depths: %w", err)
	}
	defer depthStmt.Close()

	now := w.now()
	for i := range ticks {
		t := &ticks[i]
		res, err := tickStmt.ExecContext(ctx, store.TickArgs(t, now)...)
		if err != nil {
			return 0, fmt.Errorf("sqlite insert tick %d: %w", t.InstrumentToken, err)
		}
		tickID, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("sqlite last insert id: %w", err)
		}
		for _, d := range store.DepthRows(t) {
			if _, err := depthStmt.ExecContext(ctx, tickID, d.Side, d.Level, d.Price, d.Quantity, d.Orders); err != nil {
				return 0, fmt.Errorf("sqlite insert depth %d: %w", t.InstrumentToken, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", err)
	}
	w.log.Debug("batch committed", zap.Int("ticks", len(ticks)), zap.Duration("elapsed", time.Since(start)))
	return len(ticks), nil
}

// Ping checks the database handle.
func (w *Writer) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }

// Close closes the database.
func (w *Writer) Close() error {
	w.log.Info("sqlite closed")
	return w.db.Close()
}
