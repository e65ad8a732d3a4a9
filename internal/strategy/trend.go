package strategy

import (
	"time"

	"cycletrader/internal/regime"
	"cycletrader/pkg/config"
)

const riskEpsilon = 1e-9

// TrendFollowing trades in the direction of an established trend,
// entering on EMA alignment confirmed by MACD and RSI.
type TrendFollowing struct {
	params          config.TrendParams
	tiers           []config.LeverageTier
	defaultLeverage int
}

func NewTrendFollowing(params config.TrendParams, tiers []config.LeverageTier, defaultLeverage int) *TrendFollowing {
	return &TrendFollowing{params: params, tiers: tiers, defaultLeverage: defaultLeverage}
}

func (g *TrendFollowing) Name() string { return "trend_following" }

func (g *TrendFollowing) minHistory() int {
	min := 35
	for _, p := range []int{g.params.SlowEMA, g.params.RSIPeriod, g.params.ATRPeriod} {
		if p > min {
			min = p
		}
	}
	return min
}

func (g *TrendFollowing) Evaluate(symbol string, ind Indicators, reg regime.Info) *Signal {
	if ind.Len() < g.minHistory() {
		return nil
	}
	if !reg.IsTrending {
		return nil
	}

	fast, okF := ind.EMA(g.params.FastEMA)
	medium, okM := ind.EMA(g.params.MediumEMA)
	slow, okS := ind.EMA(g.params.SlowEMA)
	rsi, okR := ind.RSI(g.params.RSIPeriod)
	atr, okA := ind.ATR(g.params.ATRPeriod)
	if !okF || !okM || !okS || !okR || !okA {
		return nil
	}
	macd, macdSignal, _, okMACD := ind.MACD()

	close := ind.LastClose()
	switch reg.TrendDirection {
	case regime.TrendUp:
		return g.long(symbol, ind, reg, close, fast, medium, slow, rsi, atr, macd, macdSignal, okMACD)
	case regime.TrendDown:
		return g.short(symbol, ind, reg, close, fast, medium, slow, rsi, atr, macd, macdSignal, okMACD)
	}
	return nil
}

func (g *TrendFollowing) long(symbol string, ind Indicators, reg regime.Info,
	close, fast, medium, slow, rsi, atr, macd, macdSignal float64, okMACD bool) *Signal {

	// Bullish EMA stack is the entry gate, not just a score component.
	if !(fast > medium && medium > slow && close > medium) {
		return nil
	}
	strength := 0.4
	if okMACD && macd > macdSignal {
		strength += 0.3
	}
	if rsi > g.params.RSIBullMin && rsi < g.params.RSIOverbought {
		strength += 0.3
	}
	if volSMA, ok := ind.VolumeSMA(); ok && ind.LastVolume() > volSMA {
		strength += 0.1
	}
	if strength < g.params.MinStrength {
		return nil
	}

	stopLoss := ind.LastLow() - g.params.ATRMultiplier*atr
	risk := close - stopLoss
	if risk <= riskEpsilon {
		return nil
	}
	return &Signal{
		Symbol:            symbol,
		Direction:         Long,
		EntryPrice:        close,
		StopLoss:          stopLoss,
		TakeProfit:        close + g.params.RRRatio*risk,
		SuggestedLeverage: SelectLeverage(strength, reg.VolatilityLevel, g.tiers, g.defaultLeverage),
		Strength:          strength,
		StrategyName:      g.Name(),
		TriggerPrice:      close,
		Timestamp:         time.Now().UTC(),
	}
}

func (g *TrendFollowing) short(symbol string, ind Indicators, reg regime.Info,
	close, fast, medium, slow, rsi, atr, macd, macdSignal float64, okMACD bool) *Signal {

	if !(fast < medium && medium < slow && close < medium) {
		return nil
	}
	strength := 0.4
	if okMACD && macd < macdSignal {
		strength += 0.3
	}
	if rsi < g.params.RSIBearMax && rsi > g.params.RSIOversold {
		strength += 0.3
	}
	if volSMA, ok := ind.VolumeSMA(); ok && ind.LastVolume() > volSMA {
		strength += 0.1
	}
	if strength < g.params.MinStrength {
		return nil
	}

	stopLoss := ind.LastHigh() + g.params.ATRMultiplier*atr
	risk := stopLoss - close
	if risk <= riskEpsilon {
		return nil
	}
	return &Signal{
		Symbol:            symbol,
		Direction:         Short,
		EntryPrice:        close,
		StopLoss:          stopLoss,
		TakeProfit:        close - g.params.RRRatio*risk,
		SuggestedLeverage: SelectLeverage(strength, reg.VolatilityLevel, g.tiers, g.defaultLeverage),
		Strength:          strength,
		StrategyName:      g.Name(),
		TriggerPrice:      close,
		Timestamp:         time.Now().UTC(),
	}
}
