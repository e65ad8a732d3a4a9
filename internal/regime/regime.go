// Package regime classifies current market conditions from the latest
// indicator snapshot. The classification steers which strategy is
// allowed to fire and how aggressively trades are levered.
package regime

import (
	"fmt"

	"cycletrader/internal/indicators"
	"cycletrader/pkg/config"
)

// TrendDirection is the classified trend direction.
type TrendDirection string

const (
	TrendUp       TrendDirection = "UP"
	TrendDown     TrendDirection = "DOWN"
	TrendSideways TrendDirection = "SIDEWAYS"
)

// VolatilityLevel buckets Bollinger Band Width. VolatilityUnknown means
// BBW could not be computed this cycle.
type VolatilityLevel string

const (
	VolatilityLow     VolatilityLevel = "LOW"
	VolatilityNormal  VolatilityLevel = "NORMAL"
	VolatilityHigh    VolatilityLevel = "HIGH"
	VolatilityUnknown VolatilityLevel = ""
)

// Info is the per-cycle regime snapshot. It is built fresh for every
// symbol on every cycle and passed downstream, never persisted.
type Info struct {
	TrendDirection     TrendDirection
	IsTrending         bool
	IsStronglyTrending bool
	VolatilityLevel    VolatilityLevel

	ADX     float64
	PlusDI  float64
	MinusDI float64
	BBW     float64
	HasADX  bool
	HasBBW  bool

	Label string
}

// Snapshot is the slice of the indicator set the classifier reads.
// *indicators.Set satisfies it.
type Snapshot interface {
	BBands(period int, stdDev float64) (indicators.Bands, bool)
	ADX() (adx, plusDI, minusDI float64, ok bool)
}

// Classifier buckets indicator values using configured thresholds.
type Classifier struct {
	params config.RegimeParams
}

func NewClassifier(params config.RegimeParams) *Classifier {
	return &Classifier{params: params}
}

// Classify never fails: missing indicators degrade to SIDEWAYS trend
// and unknown volatility.
func (c *Classifier) Classify(ind Snapshot) Info {
	info := Info{
		TrendDirection:  TrendSideways,
		VolatilityLevel: VolatilityUnknown,
	}

	if bands, ok := ind.BBands(c.params.BBPeriod, c.params.BBStdDev); ok {
		info.BBW = bands.Width
		info.HasBBW = true
		switch {
		case bands.Width < c.params.BBWLow:
			info.VolatilityLevel = VolatilityLow
		case bands.Width > c.params.BBWHigh:
			info.VolatilityLevel = VolatilityHigh
		default:
			info.VolatilityLevel = VolatilityNormal
		}
	}

	adx, plusDI, minusDI, ok := ind.ADX()
	if ok {
		info.ADX = adx
		info.PlusDI = plusDI
		info.MinusDI = minusDI
		info.HasADX = true
		if adx > c.params.WeakADX {
			info.IsTrending = true
			info.IsStronglyTrending = adx > c.params.StrongADX
			if plusDI > minusDI {
				info.TrendDirection = TrendUp
			} else {
				info.TrendDirection = TrendDown
			}
		}
	}

	info.Label = c.label(info)
	return info
}

// label composes the human-readable summary, trend phrase first.
func (c *Classifier) label(info Info) string {
	if !info.HasADX && !info.HasBBW {
		return "UNCERTAIN"
	}

	var trendPart string
	switch {
	case !info.HasADX:
		trendPart = "trend undetermined"
	case info.IsStronglyTrending:
		trendPart = fmt.Sprintf("strongly trending %s", info.TrendDirection)
	case info.IsTrending:
		trendPart = fmt.Sprintf("trending %s", info.TrendDirection)
	default:
		trendPart = "sideways"
	}

	switch info.VolatilityLevel {
	case VolatilityUnknown:
		return trendPart
	case VolatilityLow:
		return trendPart + ", low volatility"
	case VolatilityHigh:
		return trendPart + ", high volatility"
	default:
		return trendPart + ", normal volatility"
	}
}
