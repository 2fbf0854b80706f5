// Package store provides data persistence implementations.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"quantloop/internal/models"
)

// RunStore persists run results and historical candles in SQLite.
type RunStore struct {
	db *sql.DB
}

// NewRunStore opens (creating if needed) the run database at dbPath.
func NewRunStore(dbPath string) (*RunStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &RunStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all required tables and indexes.
func (s *RunStore) initSchema() error {
	schema := `
	-- Candles table for historical OHLCV data
	CREATE TABLE IF NOT EXISTS candles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		resolution TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		open REAL NOT NULL,
		high REAL NOT NULL,
		low REAL NOT NULL,
		close REAL NOT NULL,
		volume INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(symbol, resolution, timestamp)
	);

	-- Runs table, one row per algorithm run
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		algorithm TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		status TEXT NOT NULL,
		final_equity REAL,
		total_return REAL,
		max_drawdown REAL,
		data_points INTEGER DEFAULT 0,
		error TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Sampled equity curve points
	CREATE TABLE IF NOT EXISTS equity_curve (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		equity REAL NOT NULL,
		cash REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	-- Order event records
	CREATE TABLE IF NOT EXISTS order_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		order_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		status TEXT NOT NULL,
		fill_qty REAL,
		fill_price REAL,
		timestamp DATETIME NOT NULL,
		message TEXT,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_candles_lookup ON candles(symbol, resolution, timestamp);
	CREATE INDEX IF NOT EXISTS idx_equity_run ON equity_curve(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_order_events_run ON order_events(run_id, order_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts the run row at start.
func (s *RunStore) CreateRun(ctx context.Context, runID, algorithm string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, algorithm, started_at, status) VALUES (?, ?, ?, ?)`,
		runID, algorithm, startedAt.UTC(), string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("creating run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status and summary statistics.
func (s *RunStore) FinishRun(ctx context.Context, runID string, finishedAt time.Time, status models.AlgorithmStatus, finalEquity, totalReturn, maxDrawdown float64, dataPoints int64, runErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, final_equity = ?, total_return = ?, max_drawdown = ?, data_points = ?, error = ? WHERE id = ?`,
		finishedAt.UTC(), string(status), finalEquity, totalReturn, maxDrawdown, dataPoints, runErr, runID)
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	return nil
}

// SaveEquityPoints batch-inserts sampled equity points.
func (s *RunStore) SaveEquityPoints(ctx context.Context, runID string, points []EquityPoint) error {
	if len(points) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO equity_curve (run_id, timestamp, equity, cash) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range points {
		if _, err := stmt.ExecContext(ctx, runID, p.Time.UTC(), p.Equity, p.Cash); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting equity point: %w", err)
		}
	}
	return tx.Commit()
}

// SaveOrderEvent records one order event.
func (s *RunStore) SaveOrderEvent(ctx context.Context, runID string, orderID int, symbol, status string, fillQty, fillPrice float64, at time.Time, message string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_events (run_id, order_id, symbol, status, fill_qty, fill_price, timestamp, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, orderID, symbol, status, fillQty, fillPrice, at.UTC(), message)
	if err != nil {
		return fmt.Errorf("inserting order event: %w", err)
	}
	return nil
}

// EquityPoint is one sampled equity curve point.
type EquityPoint struct {
	Time   time.Time
	Equity float64
	Cash   float64
}

// SaveCandles upserts historical candles.
func (s *RunStore) SaveCandles(ctx context.Context, symbol string, resolution models.Resolution, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO candles (symbol, resolution, timestamp, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, symbol, string(resolution), b.Time.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting candle: %w", err)
		}
	}
	return tx.Commit()
}

// GetCandles fetches candles for a symbol in [from, to) order by time.
func (s *RunStore) GetCandles(ctx context.Context, symbol string, resolution models.Resolution, from, to time.Time) ([]models.Bar, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, open, high, low, close, volume FROM candles
		 WHERE symbol = ? AND resolution = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp`,
		symbol, string(resolution), from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("querying candles: %w", err)
	}
	defer rows.Close()

	sym := models.NewSymbol(symbol)
	period := resolution.Duration()
	var bars []models.Bar
	for rows.Next() {
		var b models.Bar
		if err := rows.Scan(&b.Time, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scanning candle: %w", err)
		}
		b.Symbol = sym
		b.Period = period
		bars = append(bars, b)
	}
	return bars, rows.Err()
}
