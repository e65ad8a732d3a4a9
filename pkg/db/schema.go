package db

import (
	"database/sql"
	"fmt"
)

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    entry_price REAL NOT NULL,
    quantity REAL NOT NULL,
    leverage_applied INTEGER NOT NULL DEFAULT 1,
    margin_used_initial REAL DEFAULT 0,
    stop_loss_initial REAL DEFAULT 0,
    stop_loss_current REAL DEFAULT 0,
    take_profit_initial REAL DEFAULT 0,
    take_profit_current REAL DEFAULT 0,
    entry_order_id TEXT DEFAULT '',
    exit_order_id TEXT DEFAULT '',
    entry_fee REAL DEFAULT 0,
    exit_fee REAL DEFAULT 0,
    exit_price REAL DEFAULT 0,
    pnl REAL DEFAULT 0,
    pnl_percentage REAL DEFAULT 0,
    exit_reason TEXT DEFAULT '',
    strategy_name TEXT DEFAULT '',
    market_regime_at_entry TEXT DEFAULT '',
    manual_close_requested INTEGER DEFAULT 0,
    opened_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    closed_at DATETIME
);

-- At most one open trade per symbol.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_open_symbol
    ON trades(symbol) WHERE status = 'OPEN';

CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status);
CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON trades(closed_at);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "trades", "manual_close_requested", "INTEGER DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "trades", "exit_price", "REAL DEFAULT 0"); err != nil {
		return err
	}

	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
