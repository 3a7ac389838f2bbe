package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates if needed) a SQLite store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Coordinator snapshots, one per tick
	CREATE TABLE IF NOT EXISTS snapshots (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tick INTEGER NOT NULL,
		taken_at DATETIME NOT NULL,
		equity REAL NOT NULL,
		breaker_state TEXT NOT NULL,
		data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Closed positions
	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		position_id TEXT NOT NULL,
		strategy_id TEXT NOT NULL,
		underlying TEXT NOT NULL,
		correlation_group TEXT,
		entry_time DATETIME NOT NULL,
		exit_time DATETIME NOT NULL,
		entry_credit REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		reason TEXT NOT NULL,
		hold_duration INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_taken_at ON snapshots(taken_at);
	CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ============================================================================
// Snapshot Methods
// ============================================================================

// SaveSnapshot appends a snapshot.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (tick, taken_at, equity, breaker_state, data)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Tick, rec.TakenAt.UTC(), rec.Equity, rec.BreakerState, rec.Data)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w: %v", apperrors.ErrDatabaseError, err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot or ErrNoSnapshot.
func (s *SQLiteStore) LatestSnapshot(ctx context.Context) (*SnapshotRecord, error) {
	var rec SnapshotRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tick, taken_at, equity, breaker_state, data
		FROM snapshots
		ORDER BY id DESC
		LIMIT 1
	`).Scan(&rec.ID, &rec.Tick, &rec.TakenAt, &rec.Equity, &rec.BreakerState, &rec.Data)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w: %v", apperrors.ErrDatabaseError, err)
	}
	return &rec, nil
}

// ListSnapshots returns the newest snapshots without their payload.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tick, taken_at, equity, breaker_state
		FROM snapshots
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var recs []SnapshotRecord
	for rows.Next() {
		var r SnapshotRecord
		if err := rows.Scan(&r.ID, &r.Tick, &r.TakenAt, &r.Equity, &r.BreakerState); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// PruneSnapshots deletes snapshots taken before the cutoff. The newest
// snapshot is always kept so a restart can restore.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE taken_at < ? AND id <> (SELECT MAX(id) FROM snapshots)
	`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================================
// Trade Journal Methods
// ============================================================================

// LogTrade saves a closed trade.
func (s *SQLiteStore) LogTrade(ctx context.Context, trade *models.Trade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (id, position_id, strategy_id, underlying, correlation_group, entry_time, exit_time, entry_credit, realized_pnl, reason, hold_duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, trade.ID, trade.PositionID, trade.StrategyID, trade.Underlying, trade.Group,
		trade.EntryTime.UTC(), trade.ExitTime.UTC(), trade.EntryCredit, trade.RealizedPnL,
		string(trade.Reason), trade.HoldDuration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("failed to log trade: %w", err)
	}
	return nil
}

func (f TradeFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.StrategyID != "" {
		clauses = append(clauses, "strategy_id = ?")
		args = append(args, f.StrategyID)
	}
	if f.Underlying != "" {
		clauses = append(clauses, "underlying = ?")
		args = append(args, f.Underlying)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "exit_time >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "exit_time <= ?")
		args = append(args, f.To.UTC())
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// GetTrades retrieves journaled trades, newest first.
func (s *SQLiteStore) GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error) {
	where, args := filter.where()
	query := `SELECT id, position_id, strategy_id, underlying, correlation_group, entry_time, exit_time, entry_credit, realized_pnl, reason, hold_duration FROM trades` +
		where + " ORDER BY exit_time DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		var group sql.NullString
		var reason string
		var holdNs int64

		if err := rows.Scan(&t.ID, &t.PositionID, &t.StrategyID, &t.Underlying, &group, &t.EntryTime, &t.ExitTime, &t.EntryCredit, &t.RealizedPnL, &reason, &holdNs); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Group = group.String
		t.Reason = models.CloseReason(reason)
		t.HoldDuration = time.Duration(holdNs)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TradeStats aggregates journaled trades matching the filter.
func (s *SQLiteStore) TradeStats(ctx context.Context, filter TradeFilter) (*TradeStats, error) {
	where, args := filter.where()
	query := `SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN realized_pnl >= 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN realized_pnl < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(AVG(hold_duration), 0)
		FROM trades` + where

	var stats TradeStats
	var avgHold float64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&stats.Count, &stats.Wins, &stats.Losses, &stats.RealizedPnL, &avgHold); err != nil {
		return nil, fmt.Errorf("failed to aggregate trades: %w", err)
	}
	stats.AvgHold = time.Duration(avgHold)
	return &stats, nil
}
