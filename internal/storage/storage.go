// Package storage is Aethelgard's single source of truth: durable,
// transactional persistence for signals, trade results, position
// metadata, asset profiles, system state, dynamic parameters and
// coherence events, such that any subsystem's state can be reconstructed
// from it after a process restart.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"go.uber.org/zap"
)

// Store is the SQLite-backed SSOT. One logical write-serializer per
// process (guarded by mu), unlimited concurrent readers via db's own
// connection pool.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writers; readers bypass it
	logger *zap.Logger
}

// Open creates or attaches to the database file at path, creating tables,
// seeding default asset profiles and dynamic parameters, and migrating
// any legacy columns idempotently.
func Open(logger *zap.Logger, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite: single writer; serialize via one conn
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, logger: logger.Named("storage")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.seedDefaults(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("storage opened", zap.String("path", path))
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	signal_type TEXT NOT NULL,
	confidence REAL NOT NULL,
	entry_price TEXT NOT NULL,
	stop_loss TEXT NOT NULL,
	take_profit TEXT NOT NULL,
	volume TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	market_type TEXT NOT NULL DEFAULT '',
	account_id TEXT NOT NULL DEFAULT '',
	account_type TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	order_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	metadata TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_signals_symbol_status ON signals(symbol, status);
CREATE INDEX IF NOT EXISTS idx_signals_created ON signals(created_at);

CREATE TABLE IF NOT EXISTS trade_results (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	exit_price TEXT NOT NULL,
	profit_loss TEXT NOT NULL,
	pips TEXT NOT NULL,
	is_win INTEGER NOT NULL,
	exit_reason TEXT NOT NULL,
	duration_minutes INTEGER NOT NULL,
	market_regime TEXT NOT NULL,
	parameters_used TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_created ON trade_results(created_at);

CREATE TABLE IF NOT EXISTS position_metadata (
	ticket TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	sl TEXT NOT NULL,
	tp TEXT NOT NULL,
	volume TEXT NOT NULL,
	initial_risk_usd TEXT NOT NULL,
	entry_regime TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	modification_count INTEGER NOT NULL DEFAULT 0,
	last_modification_time TEXT NOT NULL DEFAULT '',
	prev_sl TEXT NOT NULL DEFAULT '',
	prev_tp TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS asset_profiles (
	symbol TEXT PRIMARY KEY,
	contract_size TEXT NOT NULL,
	lot_step TEXT NOT NULL,
	lot_min TEXT NOT NULL,
	lot_max TEXT NOT NULL,
	digits INTEGER NOT NULL,
	pip_size TEXT NOT NULL,
	category TEXT NOT NULL,
	subcategory TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	min_score REAL NOT NULL DEFAULT 0,
	risk_multiplier TEXT NOT NULL DEFAULT '1'
);

CREATE TABLE IF NOT EXISTS system_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dynamic_params (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS coherence_events (
	id TEXT PRIMARY KEY,
	signal_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	reason TEXT NOT NULL,
	connector_type TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS market_states (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	created_at TEXT NOT NULL,
	regime TEXT NOT NULL,
	adx REAL NOT NULL,
	volatility REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_market_states_symbol ON market_states(symbol, created_at);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }

func tsFormat(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func tsParse(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
