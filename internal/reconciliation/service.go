// Package reconciliation matches exchange state back to the trade
// ledger. Every open trade is checked once per cycle: if its position
// is gone from the exchange, the closing fills are folded into the row
// and the trade moves to a terminal status.
package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/internal/strategy"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
)

const (
	// qtyEpsilon bounds both position liveness and fill matching.
	qtyEpsilon = 1e-9
	// fillFetchLimit caps how many fills one reconciliation pulls.
	fillFetchLimit = 200
)

// Service drives the per-trade reconciliation state machine.
type Service struct {
	gateway exchange.Gateway
	ledger  *db.Database
	bus     *events.Bus
	log     *zap.Logger

	// priceTolerance is the relative distance within which the average
	// exit is considered to have hit the initial stop or target.
	priceTolerance float64
}

func NewService(gateway exchange.Gateway, ledger *db.Database, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{
		gateway:        gateway,
		ledger:         ledger,
		bus:            bus,
		log:            log.Named("reconciliation"),
		priceTolerance: 0.002,
	}
}

// ReconcileOpen runs ReconcileTrade over every open trade. Individual
// failures are logged and skipped; the trade stays OPEN for the next
// cycle.
func (s *Service) ReconcileOpen(ctx context.Context) error {
	trades, err := s.ledger.ListOpenTrades(ctx)
	if err != nil {
		return fmt.Errorf("list open trades: %w", err)
	}
	for _, trade := range trades {
		if err := s.ReconcileTrade(ctx, trade); err != nil {
			s.log.Warn("reconciliation attempt failed, will retry next cycle",
				zap.String("trade_id", trade.ID),
				zap.String("symbol", trade.Symbol),
				zap.Error(err))
		}
	}
	return nil
}

// ReconcileTrade checks one open trade against exchange state. A nil
// return means the trade is either still live or has been finalized.
func (s *Service) ReconcileTrade(ctx context.Context, trade *db.Trade) error {
	if trade.Status.Terminal() {
		return nil
	}

	positions, err := s.gateway.FetchOpenPositions(ctx, trade.Symbol)
	if err != nil {
		return fmt.Errorf("fetch positions for %s: %w", trade.Symbol, err)
	}
	for _, p := range positions {
		if p.Symbol == trade.Symbol && p.IsLive(qtyEpsilon) {
			return nil // still open on the exchange
		}
	}

	fills, err := s.gateway.FetchMyTrades(ctx, trade.Symbol, trade.OpenedAt, fillFetchLimit)
	if err != nil {
		return fmt.Errorf("fetch fills for %s: %w", trade.Symbol, err)
	}

	matched := matchClosingFills(fills, strategy.Direction(trade.Direction), trade.Quantity)
	if matched.Quantity <= qtyEpsilon {
		// Position is gone but no closing fills are visible. Finalize
		// best-effort instead of blocking forever.
		return s.finalize(ctx, trade, db.ClosePatch{
			Status:     db.StatusClosedExchange,
			ExitReason: "position closed on exchange, fill details unavailable",
		})
	}

	sign := strategy.Direction(trade.Direction).Sign()
	pnl := sign*(matched.AvgPrice-trade.EntryPrice)*trade.Quantity - matched.Fees - trade.EntryFee
	var pnlPct float64
	if trade.MarginUsedInitial > 0 {
		pnlPct = pnl / trade.MarginUsedInitial * 100
	}

	status, reason := s.inferCloseReason(trade, matched.AvgPrice)
	return s.finalize(ctx, trade, db.ClosePatch{
		Status:        status,
		ExitOrderID:   matched.LastOrderID,
		ExitPrice:     matched.AvgPrice,
		ExitFee:       matched.Fees,
		PnL:           pnl,
		PnLPercentage: pnlPct,
		ExitReason:    reason,
	})
}

// matchResult accumulates closing fills walked in time order.
type matchResult struct {
	Quantity    float64
	AvgPrice    float64
	Fees        float64
	LastOrderID string
}

// matchClosingFills folds fills on the trade's closing side, oldest
// first, up to the recorded trade quantity.
func matchClosingFills(fills []exchange.Fill, dir strategy.Direction, quantity float64) matchResult {
	closingSide := dir.ClosingSide()

	closing := make([]exchange.Fill, 0, len(fills))
	for _, f := range fills {
		if f.Side == closingSide {
			closing = append(closing, f)
		}
	}
	sort.Slice(closing, func(i, j int) bool { return closing[i].Time.Before(closing[j].Time) })

	var res matchResult
	var weighted float64
	remaining := quantity
	for _, f := range closing {
		if remaining <= qtyEpsilon {
			break
		}
		take := math.Min(f.Amount, remaining)
		weighted += f.Price * take
		res.Quantity += take
		res.Fees += f.FeeCost
		res.LastOrderID = f.OrderID
		remaining -= take
	}
	if res.Quantity > 0 {
		res.AvgPrice = weighted / res.Quantity
	}
	return res
}

// inferCloseReason compares the average exit against the trade's
// initial stop and target. The initial levels reflect the original
// plan; matching against later-trailed levels would misattribute
// manual or trailed exits. This stays a heuristic.
func (s *Service) inferCloseReason(trade *db.Trade, avgExit float64) (db.TradeStatus, string) {
	if withinTolerance(avgExit, trade.StopLossInitial, s.priceTolerance) {
		return db.StatusClosedSL, "stop loss hit"
	}
	if withinTolerance(avgExit, trade.TakeProfitInitial, s.priceTolerance) {
		return db.StatusClosedTP, "take profit hit"
	}
	if trade.ManualCloseRequested {
		return db.StatusClosedManual, "closed manually"
	}
	return db.StatusClosedExchange, "closed on exchange"
}

func withinTolerance(price, reference, tolerance float64) bool {
	if reference <= 0 {
		return false
	}
	return math.Abs(price-reference)/reference <= tolerance
}

// finalize persists the terminal state. The ledger's status guard makes
// this idempotent: a concurrent or repeated close changes nothing.
func (s *Service) finalize(ctx context.Context, trade *db.Trade, patch db.ClosePatch) error {
	changed, err := s.ledger.CloseTrade(ctx, trade.ID, patch)
	if err != nil {
		return fmt.Errorf("persist close for trade %s: %w", trade.ID, err)
	}
	if !changed {
		return nil // already terminal
	}

	s.log.Info("trade closed",
		zap.String("trade_id", trade.ID),
		zap.String("symbol", trade.Symbol),
		zap.String("status", string(patch.Status)),
		zap.Float64("exit", patch.ExitPrice),
		zap.Float64("pnl", patch.PnL),
		zap.String("reason", patch.ExitReason))
	s.bus.Publish(events.EventTradeClosed, events.Record{
		Symbol:   trade.Symbol,
		Strategy: trade.StrategyName,
		Decision: string(patch.Status),
		Message:  "trade closed",
		Details: map[string]any{
			"trade_id": trade.ID,
			"exit":     patch.ExitPrice,
			"pnl":      patch.PnL,
			"pnl_pct":  patch.PnLPercentage,
			"reason":   patch.ExitReason,
		},
	})
	return nil
}
