// Package risk enforces account-level guards on top of the per-trade
// stops: a daily realized-loss circuit breaker and trailing stop
// maintenance driven by the live mark-price stream.
package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"cycletrader/pkg/db"
)

// Stats is a point-in-time account risk summary.
type Stats struct {
	DailyPnL       float64 `json:"daily_pnl"`
	DailyClosed    int     `json:"daily_closed"`
	MaxDrawdown    float64 `json:"max_drawdown"` // worst peak-to-trough of today's cumulative pnl, >= 0
	OpenTrades     int     `json:"open_trades"`
	EntriesAllowed bool    `json:"entries_allowed"`
}

// Manager gates new entries on realized daily loss.
type Manager struct {
	ledger       *db.Database
	maxDailyLoss float64 // margin-asset units; 0 disables the gate
	log          *zap.Logger
}

func NewManager(ledger *db.Database, maxDailyLoss float64, log *zap.Logger) *Manager {
	return &Manager{ledger: ledger, maxDailyLoss: maxDailyLoss, log: log.Named("risk")}
}

// AllowNewEntries reports whether today's realized loss still leaves
// room for new positions. Open trades keep reconciling either way.
func (m *Manager) AllowNewEntries(ctx context.Context) (bool, error) {
	if m.maxDailyLoss <= 0 {
		return true, nil
	}
	pnl, _, err := m.ledger.DailyPnL(ctx, midnightUTC())
	if err != nil {
		return false, fmt.Errorf("daily pnl lookup: %w", err)
	}
	if pnl <= -m.maxDailyLoss {
		m.log.Warn("daily loss limit reached, new entries disabled until midnight UTC",
			zap.Float64("daily_pnl", pnl),
			zap.Float64("max_daily_loss", m.maxDailyLoss))
		return false, nil
	}
	return true, nil
}

// Snapshot assembles the stats served by the status API.
func (m *Manager) Snapshot(ctx context.Context) (Stats, error) {
	pnl, closed, err := m.ledger.DailyPnL(ctx, midnightUTC())
	if err != nil {
		return Stats{}, fmt.Errorf("daily pnl lookup: %w", err)
	}
	open, err := m.ledger.CountOpenTrades(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count open trades: %w", err)
	}
	series, err := m.ledger.ClosedPnLSeries(ctx, midnightUTC())
	if err != nil {
		return Stats{}, fmt.Errorf("pnl series lookup: %w", err)
	}
	allowed := m.maxDailyLoss <= 0 || pnl > -m.maxDailyLoss
	return Stats{
		DailyPnL:       pnl,
		DailyClosed:    closed,
		MaxDrawdown:    maxDrawdown(series),
		OpenTrades:     open,
		EntriesAllowed: allowed,
	}, nil
}

// maxDrawdown is the largest peak-to-trough drop of the cumulative pnl
// curve, reported as a positive number.
func maxDrawdown(series []float64) float64 {
	var cum, peak, worst float64
	for _, pnl := range series {
		cum += pnl
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > worst {
			worst = dd
		}
	}
	return worst
}

func midnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}
