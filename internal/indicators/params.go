package indicators

import "cycletrader/pkg/config"

// ParamsFromBot collects every indicator the regime classifier and both
// strategies read, so one Compute call per symbol covers the whole cycle.
func ParamsFromBot(b *config.Bot) Params {
	return Params{
		EMAPeriods: []int{b.Trend.FastEMA, b.Trend.MediumEMA, b.Trend.SlowEMA},
		RSIPeriods: []int{b.Trend.RSIPeriod, b.Range.RSIPeriod},
		ATRPeriods: []int{b.Trend.ATRPeriod, b.Range.ATRPeriod},
		ADXPeriod:  b.Regime.ADXPeriod,
		MACDFast:   b.Trend.MACDFast,
		MACDSlow:   b.Trend.MACDSlow,
		MACDSignal: b.Trend.MACDSignal,
		Bands: []BandSpec{
			{Period: b.Regime.BBPeriod, StdDev: b.Regime.BBStdDev},
			{Period: b.Range.BBPeriod, StdDev: b.Range.BBStdDev},
		},
		VolumeSMAPeriod: 20,
	}
}
