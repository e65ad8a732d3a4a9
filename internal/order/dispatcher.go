// Package order turns an actionable signal into exchange orders and a
// ledger row. Entry orders are never retried: a failed entry is
// reported and the cycle moves on.
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"cycletrader/internal/events"
	"cycletrader/internal/strategy"
	"cycletrader/pkg/config"
	"cycletrader/pkg/db"
	"cycletrader/pkg/exchange"
)

// Dispatcher sizes and submits orders for signals and records the
// resulting trade.
type Dispatcher struct {
	gateway     exchange.Gateway
	ledger      *db.Database
	bus         *events.Bus
	log         *zap.Logger
	sizing      config.TradeAmount
	marginAsset string
}

func NewDispatcher(gateway exchange.Gateway, ledger *db.Database, bus *events.Bus, log *zap.Logger, sizing config.TradeAmount, marginAsset string) *Dispatcher {
	return &Dispatcher{
		gateway:     gateway,
		ledger:      ledger,
		bus:         bus,
		log:         log.Named("order"),
		sizing:      sizing,
		marginAsset: marginAsset,
	}
}

// Dispatch validates and sizes the signal, submits the entry order plus
// both protective orders, and persists the new trade. regimeLabel is
// stamped on the row for later review.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *strategy.Signal, regimeLabel string) (*db.Trade, error) {
	if err := sig.Validate(); err != nil {
		d.reject(sig, err)
		return nil, &exchange.ClientError{Op: "dispatch", Err: err}
	}

	// Balance is re-fetched per order: an earlier symbol's entry in the
	// same cycle changes the margin available here.
	balance, err := d.gateway.GetBalance(ctx, d.marginAsset)
	if err != nil {
		d.reject(sig, err)
		return nil, fmt.Errorf("fetch %s balance: %w", d.marginAsset, err)
	}

	margin, err := d.marginFor(balance.Free)
	if err != nil {
		d.reject(sig, err)
		return nil, err
	}

	leverage := sig.SuggestedLeverage
	if leverage < 1 {
		leverage = 1
	}
	if err := d.gateway.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		d.reject(sig, err)
		return nil, fmt.Errorf("set leverage %dx on %s: %w", leverage, sig.Symbol, err)
	}

	rawAmount := margin * float64(leverage) / sig.EntryPrice
	amount, err := d.gateway.AmountToPrecision(ctx, sig.Symbol, rawAmount)
	if err != nil {
		d.reject(sig, err)
		return nil, fmt.Errorf("quantize amount for %s: %w", sig.Symbol, err)
	}
	if amount <= 0 {
		err := &exchange.ClientError{
			Op:  "dispatch",
			Err: fmt.Errorf("order amount %v for %s rounds to zero at margin %v", rawAmount, sig.Symbol, margin),
		}
		d.reject(sig, err)
		return nil, err
	}

	entrySide := sig.Direction.EntrySide()
	result, err := d.gateway.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: sig.Symbol,
		Side:   entrySide,
		Type:   exchange.OrderTypeMarket,
		Qty:    amount,
	})
	if err != nil {
		d.reject(sig, err)
		return nil, fmt.Errorf("submit %s entry for %s: %w", entrySide, sig.Symbol, err)
	}

	entryPrice := sig.EntryPrice
	if result.AvgPrice > 0 {
		entryPrice = result.AvgPrice
	}
	filledQty := amount
	if result.ExecutedQty > 0 {
		filledQty = result.ExecutedQty
	}

	stopLoss, takeProfit, err := d.placeProtectiveOrders(ctx, sig, entryPrice, filledQty)
	if err != nil {
		// The position is already open; track it anyway so
		// reconciliation picks it up, but raise the alarm.
		d.log.Error("protective order placement failed, position is unprotected",
			zap.String("symbol", sig.Symbol),
			zap.String("direction", string(sig.Direction)),
			zap.Error(err))
	}

	trade := &db.Trade{
		ID:                uuid.New().String(),
		Symbol:            sig.Symbol,
		Direction:         string(sig.Direction),
		Status:            db.StatusOpen,
		EntryPrice:        entryPrice,
		Quantity:          filledQty,
		LeverageApplied:   leverage,
		MarginUsedInitial: margin,
		StopLossInitial:   stopLoss,
		StopLossCurrent:   stopLoss,
		TakeProfitInitial: takeProfit,
		TakeProfitCurrent: takeProfit,
		EntryOrderID:      result.ExchangeOrderID,
		EntryFee:          result.Fee,
		StrategyName:      sig.StrategyName,
		RegimeAtEntry:     regimeLabel,
		OpenedAt:          time.Now().UTC(),
	}
	if err := d.ledger.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trade for %s: %w", sig.Symbol, err)
	}

	d.log.Info("order placed",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Float64("entry", entryPrice),
		zap.Float64("qty", filledQty),
		zap.Int("leverage", leverage),
		zap.Float64("margin", margin),
		zap.String("strategy", sig.StrategyName))
	d.bus.Publish(events.EventOrderPlaced, events.Record{
		Symbol:   sig.Symbol,
		Strategy: sig.StrategyName,
		Decision: string(sig.Direction),
		Message:  "order placed",
		Details: map[string]any{
			"entry":    entryPrice,
			"quantity": filledQty,
			"leverage": leverage,
			"trade_id": trade.ID,
		},
	})
	return trade, nil
}

// marginFor computes the margin to commit from the current free balance.
func (d *Dispatcher) marginFor(free float64) (float64, error) {
	var margin float64
	switch d.sizing.Mode {
	case "fixed":
		margin = d.sizing.FixedUSD
	case "percentage":
		margin = free * d.sizing.Percentage / 100
	default:
		return 0, &exchange.ClientError{
			Op:  "dispatch",
			Err: fmt.Errorf("unknown trade amount mode %q", d.sizing.Mode),
		}
	}
	if d.sizing.MaxMarginUSD > 0 && margin > d.sizing.MaxMarginUSD {
		margin = d.sizing.MaxMarginUSD
	}
	if margin <= 0 {
		return 0, fmt.Errorf("computed margin %v is not positive (free balance %v)", margin, free)
	}
	if margin > free {
		return 0, fmt.Errorf("margin %v exceeds free balance %v", margin, free)
	}
	return margin, nil
}

// placeProtectiveOrders submits the reduce-only stop and target. Both
// are priced through the exchange's tick rules first.
func (d *Dispatcher) placeProtectiveOrders(ctx context.Context, sig *strategy.Signal, entryPrice, qty float64) (stopLoss, takeProfit float64, err error) {
	closingSide := sig.Direction.ClosingSide()

	stopLoss, err = d.gateway.PriceToPrecision(ctx, sig.Symbol, sig.StopLoss)
	if err != nil {
		return sig.StopLoss, sig.TakeProfit, fmt.Errorf("quantize stop for %s: %w", sig.Symbol, err)
	}
	takeProfit, err = d.gateway.PriceToPrecision(ctx, sig.Symbol, sig.TakeProfit)
	if err != nil {
		return stopLoss, sig.TakeProfit, fmt.Errorf("quantize target for %s: %w", sig.Symbol, err)
	}

	for _, trigger := range []float64{stopLoss, takeProfit} {
		_, orderErr := d.gateway.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:      sig.Symbol,
			Side:        closingSide,
			Type:        TriggerOrderType(closingSide, entryPrice, trigger),
			Qty:         qty,
			StopPrice:   trigger,
			ReduceOnly:  true,
			WorkingType: "MARK_PRICE",
		})
		if orderErr != nil {
			return stopLoss, takeProfit, fmt.Errorf("submit trigger order at %v: %w", trigger, orderErr)
		}
	}
	return stopLoss, takeProfit, nil
}

// TriggerOrderType picks stop-market versus take-profit-market from the
// actual price relation, not from which signal field carried the level.
// A closing SELL below entry is a loss-cut; above entry it is a target.
// A closing BUY mirrors that.
func TriggerOrderType(closingSide exchange.Side, entryPrice, trigger float64) exchange.OrderType {
	if closingSide == exchange.SideSell {
		if trigger < entryPrice {
			return exchange.OrderTypeStopMarket
		}
		return exchange.OrderTypeTakeProfitMarket
	}
	if trigger > entryPrice {
		return exchange.OrderTypeStopMarket
	}
	return exchange.OrderTypeTakeProfitMarket
}

func (d *Dispatcher) reject(sig *strategy.Signal, err error) {
	msg := "order rejected"
	logAt := d.log.Warn
	if exchange.IsAuth(err) {
		// Bad credentials fail every later call too.
		msg = "order rejected, venue refused credentials"
		logAt = d.log.Error
	}
	logAt(msg,
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("strategy", sig.StrategyName),
		zap.Error(err))
	d.bus.Publish(events.EventOrderRejected, events.Record{
		Symbol:   sig.Symbol,
		Strategy: sig.StrategyName,
		Decision: string(sig.Direction),
		Message:  "order rejected",
		Details:  map[string]any{"error": err.Error()},
	})
}
