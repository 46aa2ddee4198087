package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"tradecopilot/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Reader provides read-only access to the bar archive for history backfill
// and replay of offline windows.
type Reader struct {
	db *sql.DB
}

// NewReader opens a SQLite connection for reading.
func NewReader(dbPath string) (*Reader, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open reader: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	log.Printf("[sqlite-reader] opened %s", dbPath)
	return &Reader{db: db}, nil
}

// DB returns the underlying sql.DB for health checks.
func (r *Reader) DB() *sql.DB { return r.db }

// ReadBars returns up to limit archived 1m bars for symbol with
// bar_start < beforeMs, ascending by seq. The trailing window is kept:
// the result ends at the last archived bar before the cutoff.
func (r *Reader) ReadBars(ctx context.Context, symbol string, beforeMs int64, limit int) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, seq, bar_start, open, high, low, close, volume
		FROM (
			SELECT * FROM bars_1m
			WHERE symbol = ? AND bar_start < ?
			ORDER BY seq DESC
			LIMIT ?
		)
		ORDER BY seq ASC
	`, symbol, beforeMs, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars_1m: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

// ReadRange returns the archived 1m bars for symbol with bar_start in
// [fromMs, toMs], ascending by seq.
func (r *Reader) ReadRange(ctx context.Context, symbol string, fromMs, toMs int64) ([]model.Bar, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol, seq, bar_start, open, high, low, close, volume
		FROM bars_1m
		WHERE symbol = ? AND bar_start >= ? AND bar_start <= ?
		ORDER BY seq ASC
	`, symbol, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("sqlite query bars_1m range: %w", err)
	}
	defer rows.Close()

	return scanBars(rows)
}

func scanBars(rows *sql.Rows) ([]model.Bar, error) {
	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		if err := rows.Scan(&b.Symbol, &b.Seq, &b.BarStart, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("sqlite scan bars_1m: %w", err)
		}
		b.Timeframe = model.TF1m
		b.BarEnd = b.BarStart + 60_000
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// Close closes the reader.
func (r *Reader) Close() error {
	return r.db.Close()
}
