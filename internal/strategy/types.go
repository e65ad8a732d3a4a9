// Package strategy holds the signal generators and the leverage
// selection shared between them. Generators are pure with respect to
// exchange and database state: they read an indicator snapshot plus the
// regime classification and either emit a fully-formed signal or
// nothing.
package strategy

import (
	"fmt"
	"time"

	"cycletrader/internal/indicators"
	"cycletrader/internal/regime"
	"cycletrader/pkg/exchange"
)

// Direction is the side of a prospective position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Sign is +1 for LONG and -1 for SHORT, used in PnL arithmetic.
func (d Direction) Sign() float64 {
	if d == Short {
		return -1
	}
	return 1
}

// EntrySide is the order side that opens a position in this direction.
func (d Direction) EntrySide() exchange.Side {
	if d == Short {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// ClosingSide is the order side that reduces a position in this
// direction. Reconciliation filters fills by it.
func (d Direction) ClosingSide() exchange.Side {
	return d.EntrySide().Opposite()
}

// Signal is an actionable trade proposal produced by one generator.
type Signal struct {
	Symbol            string
	Direction         Direction
	EntryPrice        float64
	StopLoss          float64
	TakeProfit        float64
	SuggestedLeverage int
	Strength          float64
	StrategyName      string
	TriggerPrice      float64
	Timestamp         time.Time
}

// Validate checks the direction ordering invariant: a LONG needs
// SL < entry < TP, a SHORT needs TP < entry < SL.
func (s *Signal) Validate() error {
	if s.EntryPrice <= 0 {
		return fmt.Errorf("signal %s %s: entry price %v must be positive", s.Symbol, s.Direction, s.EntryPrice)
	}
	switch s.Direction {
	case Long:
		if !(s.StopLoss < s.EntryPrice && s.EntryPrice < s.TakeProfit) {
			return fmt.Errorf("signal %s LONG: ordering SL(%v) < entry(%v) < TP(%v) violated",
				s.Symbol, s.StopLoss, s.EntryPrice, s.TakeProfit)
		}
	case Short:
		if !(s.TakeProfit < s.EntryPrice && s.EntryPrice < s.StopLoss) {
			return fmt.Errorf("signal %s SHORT: ordering TP(%v) < entry(%v) < SL(%v) violated",
				s.Symbol, s.TakeProfit, s.EntryPrice, s.StopLoss)
		}
	default:
		return fmt.Errorf("signal %s: unknown direction %q", s.Symbol, s.Direction)
	}
	return nil
}

// Indicators is the view of the per-cycle snapshot generators read.
// *indicators.Set satisfies it.
type Indicators interface {
	Len() int
	LastClose() float64
	LastHigh() float64
	LastLow() float64
	LastVolume() float64
	EMA(period int) (float64, bool)
	RSI(period int) (float64, bool)
	ATR(period int) (float64, bool)
	BBands(period int, stdDev float64) (indicators.Bands, bool)
	MACD() (macd, signal, hist float64, ok bool)
	VolumeSMA() (float64, bool)
}

// Generator evaluates one symbol's snapshot and returns a signal, or
// nil when conditions are not met.
type Generator interface {
	Name() string
	Evaluate(symbol string, ind Indicators, reg regime.Info) *Signal
}
