package risk

import (
	"context"
	"time"

	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange/binance"
)

// Monitor watches the mark-price stream and ratchets trailing stops on
// open trades. The exchange-resident protective orders remain the
// actual execution mechanism; the monitor keeps the ledger's current
// stop in sync with the trailing plan.
//
// TODO: cancel and re-place the resting stop order when the trailing
// level moves; requires persisting protective order ids on the trade.
type Monitor struct {
	ledger *db.Database
	bus    *events.Bus
	log    *zap.Logger

	trailingPercent float64
	refreshEvery    time.Duration

	open map[string]*db.Trade // by symbol
}

func NewMonitor(ledger *db.Database, bus *events.Bus, log *zap.Logger, trailingPercent float64) *Monitor {
	return &Monitor{
		ledger:          ledger,
		bus:             bus,
		log:             log.Named("risk.monitor"),
		trailingPercent: trailingPercent,
		refreshEvery:    30 * time.Second,
		open:            make(map[string]*db.Trade),
	}
}

// Run consumes mark prices until the context is cancelled or the
// stream channel closes.
func (m *Monitor) Run(ctx context.Context, prices <-chan binance.MarkPrice) {
	m.refreshOpen(ctx)
	ticker := time.NewTicker(m.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.refreshOpen(ctx)
		case tick, ok := <-prices:
			if !ok {
				return
			}
			m.onPrice(ctx, tick)
		}
	}
}

func (m *Monitor) refreshOpen(ctx context.Context) {
	trades, err := m.ledger.ListOpenTrades(ctx)
	if err != nil {
		m.log.Warn("open trade refresh failed", zap.Error(err))
		return
	}
	open := make(map[string]*db.Trade, len(trades))
	for _, t := range trades {
		open[t.Symbol] = t
	}
	m.open = open
}

func (m *Monitor) onPrice(ctx context.Context, tick binance.MarkPrice) {
	trade, ok := m.open[tick.Symbol]
	if !ok || m.trailingPercent <= 0 {
		return
	}

	var newStop float64
	switch trade.Direction {
	case "LONG":
		candidate := tick.Price * (1 - m.trailingPercent)
		if candidate > trade.StopLossCurrent {
			newStop = candidate
		}
	case "SHORT":
		candidate := tick.Price * (1 + m.trailingPercent)
		if candidate < trade.StopLossCurrent {
			newStop = candidate
		}
	}
	if newStop == 0 {
		return
	}

	if err := m.ledger.UpdateStops(ctx, trade.ID, newStop, trade.TakeProfitCurrent); err != nil {
		m.log.Warn("trailing stop update failed",
			zap.String("trade_id", trade.ID),
			zap.Error(err))
		return
	}
	trade.StopLossCurrent = newStop

	m.log.Info("trailing stop advanced",
		zap.String("symbol", trade.Symbol),
		zap.String("trade_id", trade.ID),
		zap.Float64("mark", tick.Price),
		zap.Float64("stop", newStop))
	m.bus.Publish(events.EventStopsUpdated, events.Record{
		Symbol:   trade.Symbol,
		Strategy: trade.StrategyName,
		Decision: trade.Direction,
		Message:  "trailing stop advanced",
		Details: map[string]any{
			"trade_id": trade.ID,
			"stop":     newStop,
			"mark":     tick.Price,
		},
	})
}
