package strategy

import (
	"time"

	"cycletrader/internal/regime"
	"cycletrader/pkg/config"
)

// slFallbackPercent backstops the stop distance when ATR degenerates to
// zero or the computed stop lands on the wrong side of the entry.
const slFallbackPercent = 0.005

// RangeTrading fades Bollinger Band touches back toward the middle
// band. Targets are capped at the mean: range trades never chase a
// breakout.
type RangeTrading struct {
	params          config.RangeParams
	tiers           []config.LeverageTier
	defaultLeverage int
}

func NewRangeTrading(params config.RangeParams, tiers []config.LeverageTier, defaultLeverage int) *RangeTrading {
	return &RangeTrading{params: params, tiers: tiers, defaultLeverage: defaultLeverage}
}

func (g *RangeTrading) Name() string { return "range_trading" }

func (g *RangeTrading) minHistory() int {
	min := g.params.BBPeriod
	for _, p := range []int{g.params.RSIPeriod, g.params.ATRPeriod} {
		if p > min {
			min = p
		}
	}
	return min
}

func (g *RangeTrading) Evaluate(symbol string, ind Indicators, reg regime.Info) *Signal {
	if ind.Len() < g.minHistory() {
		return nil
	}

	bands, okB := ind.BBands(g.params.BBPeriod, g.params.BBStdDev)
	rsi, okR := ind.RSI(g.params.RSIPeriod)
	atr, okA := ind.ATR(g.params.ATRPeriod)
	if !okB || !okR || !okA {
		return nil
	}

	entry := ind.LastClose()
	low := ind.LastLow()
	high := ind.LastHigh()

	// Lower band touch: fade back up.
	if low <= bands.Lower {
		strength := 0.5
		if rsi < g.params.RSIOversold {
			strength += 0.3
			if rsi < g.params.RSIOversold-5 {
				strength += 0.2
			}
		}
		if strength >= g.params.MinStrength {
			stopLoss := low - g.params.ATRMultiplier*atr
			if stopLoss >= entry {
				stopLoss = entry * (1 - slFallbackPercent)
			}
			risk := entry - stopLoss
			if risk <= 0 {
				return nil
			}
			takeProfit := entry + g.params.RRRatio*risk
			if takeProfit > bands.Middle {
				takeProfit = bands.Middle
			}
			if takeProfit <= entry {
				return nil
			}
			return g.signal(symbol, Long, entry, stopLoss, takeProfit, strength, reg)
		}
	}

	// Upper band touch: fade back down.
	if high >= bands.Upper {
		strength := 0.5
		if rsi > g.params.RSIOverbought {
			strength += 0.3
			if rsi > g.params.RSIOverbought+5 {
				strength += 0.2
			}
		}
		if strength >= g.params.MinStrength {
			stopLoss := high + g.params.ATRMultiplier*atr
			if stopLoss <= entry {
				stopLoss = entry * (1 + slFallbackPercent)
			}
			risk := stopLoss - entry
			if risk <= 0 {
				return nil
			}
			takeProfit := entry - g.params.RRRatio*risk
			if takeProfit < bands.Middle {
				takeProfit = bands.Middle
			}
			if takeProfit >= entry {
				return nil
			}
			return g.signal(symbol, Short, entry, stopLoss, takeProfit, strength, reg)
		}
	}

	return nil
}

func (g *RangeTrading) signal(symbol string, dir Direction, entry, stopLoss, takeProfit, strength float64, reg regime.Info) *Signal {
	return &Signal{
		Symbol:            symbol,
		Direction:         dir,
		EntryPrice:        entry,
		StopLoss:          stopLoss,
		TakeProfit:        takeProfit,
		SuggestedLeverage: rangeLeverage(strength, reg.VolatilityLevel, g.tiers, g.defaultLeverage),
		Strength:          strength,
		StrategyName:      g.Name(),
		TriggerPrice:      entry,
		Timestamp:         time.Now().UTC(),
	}
}
