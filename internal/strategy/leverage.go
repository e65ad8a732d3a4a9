package strategy

import (
	"cycletrader/internal/regime"
	"cycletrader/pkg/config"
)

// SelectLeverage maps signal strength and volatility to a leverage
// level. The highest tier whose threshold is at or below the strength
// wins. With no tiers configured the default applies; with tiers
// configured but none matching, leverage drops to 1. HIGH volatility
// halves the result, floored at 1.
func SelectLeverage(strength float64, vol regime.VolatilityLevel, tiers []config.LeverageTier, defaultLeverage int) int {
	lev := defaultLeverage
	if len(tiers) > 0 {
		lev = 1
		for _, t := range tiers {
			if t.Threshold <= strength && t.Leverage > lev {
				lev = t.Leverage
			}
		}
	}
	if vol == regime.VolatilityHigh {
		lev /= 2
	}
	if lev < 1 {
		lev = 1
	}
	return lev
}

// rangeLeverage is the conservative variant used by range trading: the
// default and any matched tier are both halved before the volatility
// adjustment.
func rangeLeverage(strength float64, vol regime.VolatilityLevel, tiers []config.LeverageTier, defaultLeverage int) int {
	halved := make([]config.LeverageTier, len(tiers))
	for i, t := range tiers {
		halved[i] = config.LeverageTier{Threshold: t.Threshold, Leverage: maxInt(1, t.Leverage/2)}
	}
	return SelectLeverage(strength, vol, halved, maxInt(1, defaultLeverage/2))
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
