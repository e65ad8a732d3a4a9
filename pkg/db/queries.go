package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const tradeColumns = `id, symbol, direction, status, entry_price, quantity,
	leverage_applied, COALESCE(margin_used_initial, 0),
	COALESCE(stop_loss_initial, 0), COALESCE(stop_loss_current, 0),
	COALESCE(take_profit_initial, 0), COALESCE(take_profit_current, 0),
	COALESCE(entry_order_id, ''), COALESCE(exit_order_id, ''),
	COALESCE(entry_fee, 0), COALESCE(exit_fee, 0), COALESCE(exit_price, 0),
	COALESCE(pnl, 0), COALESCE(pnl_percentage, 0), COALESCE(exit_reason, ''),
	COALESCE(strategy_name, ''), COALESCE(market_regime_at_entry, ''),
	COALESCE(manual_close_requested, 0), opened_at, closed_at`

// CreateTrade inserts a new OPEN trade. The partial unique index on
// (symbol) WHERE status='OPEN' rejects a second open trade for the
// same symbol at the database level.
func (d *Database) CreateTrade(ctx context.Context, t *Trade) error {
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, symbol, direction, status, entry_price, quantity,
			leverage_applied, margin_used_initial,
			stop_loss_initial, stop_loss_current,
			take_profit_initial, take_profit_current,
			entry_order_id, entry_fee, strategy_name,
			market_regime_at_entry, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, t.Direction, t.Status, t.EntryPrice, t.Quantity,
		t.LeverageApplied, t.MarginUsedInitial,
		t.StopLossInitial, t.StopLossCurrent,
		t.TakeProfitInitial, t.TakeProfitCurrent,
		t.EntryOrderID, t.EntryFee, t.StrategyName,
		t.RegimeAtEntry, t.OpenedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", t.Symbol, err)
	}
	return nil
}

// GetOpenTradeBySymbol returns the open trade for a symbol, or nil when
// there is none.
func (d *Database) GetOpenTradeBySymbol(ctx context.Context, symbol string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE symbol = ? AND status = 'OPEN'", symbol)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open trade %s: %w", symbol, err)
	}
	return t, nil
}

// GetTrade returns a trade by id, or nil when not found.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE id = ?", id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query trade %s: %w", id, err)
	}
	return t, nil
}

// ListOpenTrades returns all open trades ordered by open time.
func (d *Database) ListOpenTrades(ctx context.Context) ([]*Trade, error) {
	rows, err := d.DB.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE status = 'OPEN' ORDER BY opened_at ASC")
	if err != nil {
		return nil, fmt.Errorf("query open trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CountOpenTrades returns the number of currently open trades.
func (d *Database) CountOpenTrades(ctx context.Context) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM trades WHERE status = 'OPEN'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open trades: %w", err)
	}
	return n, nil
}

// ListRecentClosed returns the most recently closed trades, newest first.
func (d *Database) ListRecentClosed(ctx context.Context, limit int) ([]*Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx,
		"SELECT "+tradeColumns+" FROM trades WHERE status != 'OPEN' ORDER BY closed_at DESC LIMIT ?",
		limit)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()
	return scanTrades(rows)
}

// CloseTrade finalizes a trade inside a transaction. The UPDATE is
// guarded by status='OPEN', so calling it twice is harmless: the second
// call reports changed=false and writes nothing.
func (d *Database) CloseTrade(ctx context.Context, id string, patch ClosePatch) (bool, error) {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin close trade tx: %w", err)
	}
	defer tx.Rollback()

	closedAt := patch.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE trades SET
			status = ?,
			exit_order_id = ?,
			exit_price = ?,
			exit_fee = ?,
			pnl = ?,
			pnl_percentage = ?,
			exit_reason = ?,
			closed_at = ?
		WHERE id = ? AND status = 'OPEN'`,
		patch.Status, patch.ExitOrderID, patch.ExitPrice, patch.ExitFee,
		patch.PnL, patch.PnLPercentage, patch.ExitReason, closedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("close trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close trade %s rows affected: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit close trade %s: %w", id, err)
	}
	return n > 0, nil
}

// UpdateStops adjusts the current stop-loss and take-profit of an open
// trade. The initial values are never touched.
func (d *Database) UpdateStops(ctx context.Context, id string, stopLoss, takeProfit float64) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET stop_loss_current = ?, take_profit_current = ?
		WHERE id = ? AND status = 'OPEN'`,
		stopLoss, takeProfit, id)
	if err != nil {
		return fmt.Errorf("update stops for trade %s: %w", id, err)
	}
	return nil
}

// FlagManualClose marks an open trade as manually closed by the
// operator, so reconciliation records CLOSED_MANUAL when the position
// disappears.
func (d *Database) FlagManualClose(ctx context.Context, id string) (bool, error) {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades SET manual_close_requested = 1
		WHERE id = ? AND status = 'OPEN'`, id)
	if err != nil {
		return false, fmt.Errorf("flag manual close for trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DailyPnL sums realized pnl for trades closed since the given time,
// typically midnight UTC.
func (d *Database) DailyPnL(ctx context.Context, since time.Time) (float64, int, error) {
	var (
		pnl sql.NullFloat64
		n   int
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(pnl), 0), COUNT(*)
		FROM trades WHERE status != 'OPEN' AND closed_at >= ?`, since).Scan(&pnl, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("query daily pnl: %w", err)
	}
	return pnl.Float64, n, nil
}

// ClosedPnLSeries returns realized pnl values of closed trades in
// close order since the given time.
func (d *Database) ClosedPnLSeries(ctx context.Context, since time.Time) ([]float64, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT COALESCE(pnl, 0) FROM trades
		WHERE status != 'OPEN' AND closed_at >= ?
		ORDER BY closed_at ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("query pnl series: %w", err)
	}
	defer rows.Close()

	var series []float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return nil, fmt.Errorf("scan pnl series: %w", err)
		}
		series = append(series, pnl)
	}
	return series, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*Trade, error) {
	var (
		t        Trade
		manual   int
		closedAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Symbol, &t.Direction, &t.Status, &t.EntryPrice, &t.Quantity,
		&t.LeverageApplied, &t.MarginUsedInitial,
		&t.StopLossInitial, &t.StopLossCurrent,
		&t.TakeProfitInitial, &t.TakeProfitCurrent,
		&t.EntryOrderID, &t.ExitOrderID,
		&t.EntryFee, &t.ExitFee, &t.ExitPrice,
		&t.PnL, &t.PnLPercentage, &t.ExitReason,
		&t.StrategyName, &t.RegimeAtEntry,
		&manual, &t.OpenedAt, &closedAt,
	)
	if err != nil {
		return nil, err
	}
	t.ManualCloseRequested = manual != 0
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return &t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var out []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
